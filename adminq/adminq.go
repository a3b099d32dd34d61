// Package adminq implements the admin command queue: a single
// DMA-coherent page of 64-byte command slots the driver submits commands
// into and the device drains and completes in place, synchronized through
// a free-running counter register rather than an interrupt (spec §4.2).
package adminq

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/google/gve-go/desc"
	"github.com/google/gve-go/dma"
	"github.com/google/gve-go/internal/regio"
)

// ErrUnrecoverable is returned when the submit/poll protocol itself breaks
// down: the device never advanced its completion counter within the admin
// queue deadline. The caller must trigger a device reset (spec §7).
var ErrUnrecoverable = errors.New("adminq: command did not complete before deadline")

const (
	// slotCount is the number of 64-byte command slots in one page.
	slotCount = desc.PageSize / desc.CommandSlotSize

	// pollInterval and maxPolls bound how long Submit waits for the
	// device counter to advance before declaring the queue unrecoverable
	// (spec §4.2: ~20ms poll interval, ~2s deadline).
	pollInterval = 20 * time.Millisecond
	maxPolls     = 100
)

// Queue is the admin command queue. One Submit call is outstanding at a
// time; Submit itself is safe for concurrent callers, who block on an
// internal mutex in submission order.
type Queue struct {
	log zerolog.Logger

	regs *regio.Window
	mem  *dma.Region

	bus  uint64 // bus address of the slot page
	buf  []byte // host window over the slot page, slotCount*64 bytes

	mu       chan struct{} // 1-buffered, used as a non-reentrant lock
	submitted uint32       // next free-running sequence number to submit
}

// New creates an admin queue backed by one page reserved from mem, and
// programs regs' admin queue PFN register to point the device at it.
func New(regs *regio.Window, mem *dma.Region, log zerolog.Logger) *Queue {
	buf, bus := mem.Reserve(desc.PageSize, desc.PageSize)

	q := &Queue{
		log:  log,
		regs: regs,
		mem:  mem,
		bus:  bus,
		buf:  buf,
		mu:   make(chan struct{}, 1),
	}
	q.mu <- struct{}{}

	regs.Write(desc.RegAdminQueuePFN, uint32(bus/desc.PageSize))

	return q
}

func (q *Queue) lock()   { <-q.mu }
func (q *Queue) unlock() { q.mu <- struct{}{} }

// Submit writes cmd into the next free slot, rings the doorbell with the
// new submission count, and polls the device counter register until it
// reaches that count or the deadline expires. On success it returns the
// device's completed command (with Status filled in); on timeout it
// returns ErrUnrecoverable and the caller must reset the device.
func (q *Queue) Submit(cmd desc.Command) (desc.Command, error) {
	q.lock()
	defer q.unlock()

	slot := q.submitted % slotCount
	q.submitted++

	copy(q.buf[slot*desc.CommandSlotSize:(slot+1)*desc.CommandSlotSize], cmd.MarshalBinary())

	q.regs.Write(desc.RegAdminQueueDoorbell, q.submitted)

	for poll := 0; poll < maxPolls; poll++ {
		if q.regs.Read(desc.RegAdminQueueCounter) >= q.submitted {
			var out desc.Command
			out.UnmarshalBinary(q.buf[slot*desc.CommandSlotSize : (slot+1)*desc.CommandSlotSize])

			if out.Status == desc.StatusUnset {
				q.log.Warn().Str("opcode", cmd.Opcode.String()).Msg("adminq: device advanced counter but left status unset")
			}

			return out, nil
		}

		time.Sleep(pollInterval)
	}

	q.log.Warn().Str("opcode", cmd.Opcode.String()).Uint32("submitted", q.submitted).
		Msg("adminq: command did not complete before deadline, queue is unrecoverable")

	return desc.Command{}, ErrUnrecoverable
}

// Do submits a fully-formed command and classifies its outcome against
// the driver's error-handling design (spec §4.2/§7). It returns the raw
// completed command, its Kind, and a non-nil error unless Kind is
// KindSuccess.
func (q *Queue) Do(cmd desc.Command) (desc.Command, desc.Kind, error) {
	out, err := q.Submit(cmd)
	if err != nil {
		return out, desc.KindUnrecoverable, err
	}

	kind := desc.Classify(out.Status)
	if kind == desc.KindSuccess {
		return out, kind, nil
	}

	return out, kind, fmt.Errorf("adminq: %s failed with status %#x (%v)", cmd.Opcode, uint32(out.Status), kind)
}

// Close releases the admin queue's page and detaches it from the device
// by writing zero to the PFN register.
func (q *Queue) Close() {
	q.regs.Write(desc.RegAdminQueuePFN, 0)
	q.mem.Release(q.bus)
}
