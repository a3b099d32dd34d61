// Package rxq implements the RX path: sequence-gated consumption of
// device-written descriptors, with a copybreak/page-flip decision for how
// each packet's bytes reach the upper layer (spec §4.6).
package rxq

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/google/gve-go/desc"
	"github.com/google/gve-go/internal/regio"
	"github.com/google/gve-go/qpl"
)

// DefaultCopybreak is the packet length at or under which a packet is
// always copied out rather than considered for page-flip zero copy.
const DefaultCopybreak = 256

// ethHeaderLen is subtracted from the page-flip MTU bound, matching the
// Ethernet header gve_rx_can_recycle_buffer accounts for alongside the pad.
const ethHeaderLen = 14

// Delivery is one received packet handed to the upper layer.
type Delivery struct {
	// Data holds the packet bytes (Ethernet frame onward, pad stripped).
	// When ZeroCopy is true this is a view directly into the RX QPL page
	// and is only valid until Release is called; otherwise it is an
	// owned copy the caller may retain indefinitely.
	Data     []byte
	ZeroCopy bool
	Release  func()

	ChecksumComplete bool
	Checksum         uint16

	HashValid bool
	Hash      uint32
	HashL4    bool // true: L4 hash (TCP/UDP); false: L3 hash (IPv4/IPv6 only)
}

// Ring is one RX descriptor ring, its data ring, and the RX queue page
// list backing the packet buffers.
type Ring struct {
	mu sync.Mutex

	mask  uint32
	descs []byte
	data  []byte
	list  *qpl.QueuePageList

	refcount []atomic.Int32 // one per slot/page; 1 means the driver alone holds it
	halfOff  []uint32       // current in-use half (0 or PageSize/2) per slot

	cnt     uint32
	fillCnt uint32
	seqno   uint8

	copybreak  uint16
	canRecycle bool

	doorbells   *regio.Window
	doorbellIdx uint32

	log zerolog.Logger
}

// NewRing wraps descs (device-written descriptor ring) and data (device-
// read data ring, one 8-byte slot per QPL page) as an RX ring. mtu gates
// whether page-flip recycling is attempted at all, matching the device's
// PAGE_SIZE==4096 / half-page-fits-MTU constraint.
func NewRing(descs, data []byte, list *qpl.QueuePageList, mtu uint16, copybreak uint16,
	doorbells *regio.Window, doorbellIdx uint32, log zerolog.Logger) *Ring {

	slots := uint32(len(descs) / desc.RxDescSize)

	r := &Ring{
		mask:        slots - 1,
		descs:       descs,
		data:        data,
		list:        list,
		refcount:    make([]atomic.Int32, slots),
		halfOff:     make([]uint32, slots),
		fillCnt:     slots,
		seqno:       1,
		copybreak:   copybreak,
		canRecycle:  uint32(mtu)+desc.RxPad+ethHeaderLen <= desc.PageSize/2,
		doorbells:   doorbells,
		doorbellIdx: doorbellIdx,
		log:         log,
	}

	for i := range r.refcount {
		r.refcount[i].Store(1)

		slot := desc.RxDataSlot{QPLOffset: uint64(i) * desc.PageSize}
		slot.Encode(r.data[i*desc.RxDataSlotSize : (i+1)*desc.RxDataSlotSize])
	}

	return r
}

func (r *Ring) decode(idx uint32) desc.RxDesc {
	var rd desc.RxDesc
	rd.Decode(r.descs[idx*desc.RxDescSize : (idx+1)*desc.RxDescSize])
	return rd
}

// Poll consumes up to budget (0 means unlimited) sequence-ready
// descriptors, dispatching each to dispatch, and reports whether more
// work is already pending (spec §4.6). A negative budget is a peek: it
// reports pending work without consuming or dispatching any of it, for
// notify.Block's re-check-after-complete dance (spec §4.7).
func (r *Ring) Poll(budget int, dispatch func(Delivery)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if budget < 0 {
		return r.peekPending()
	}

	workDone := 0

	for budget == 0 || workDone < budget {
		idx := r.cnt & r.mask
		rd := r.decode(idx)

		if desc.Seqno(rd.FlagsSeq) != r.seqno {
			break
		}

		r.deliver(idx, rd, dispatch)

		r.cnt++
		r.seqno = desc.NextSeqno(r.seqno)
		r.fillCnt++
		workDone++
	}

	if workDone == 0 {
		return false
	}

	r.ringDoorbell()

	return r.peekPending()
}

func (r *Ring) deliver(idx uint32, rd desc.RxDesc, dispatch func(Delivery)) {
	pageOff := r.halfOff[idx]
	page := r.list.Entries[idx].Host
	length := rd.Len - desc.RxPad

	var d Delivery

	switch {
	case length <= r.copybreak:
		d.Data = copyOut(page, pageOff, length)
	case r.canRecycle && r.refcount[idx].Load() == 1:
		r.refcount[idx].Add(1)
		start := pageOff + desc.RxPad
		d.Data = page[start : start+uint32(length) : start+uint32(length)]
		d.ZeroCopy = true
		d.Release = r.releaseFunc(idx)
		r.flip(idx)
	default:
		d.Data = copyOut(page, pageOff, length)
	}

	if rd.Checksum != 0 {
		d.ChecksumComplete = true
		d.Checksum = rd.Checksum
	}

	flags := desc.Flags(rd.FlagsSeq)
	if flags&(desc.RxFlagIPv4|desc.RxFlagIPv6) != 0 && flags&desc.RxFlagFrag == 0 {
		d.HashValid = true
		d.Hash = rd.RSSHash
		d.HashL4 = flags&(desc.RxFlagTCP|desc.RxFlagUDP) != 0
	}

	dispatch(d)
}

func copyOut(page []byte, off uint32, length uint16) []byte {
	start := off + desc.RxPad
	buf := make([]byte, length)
	copy(buf, page[start:start+uint32(length)])
	return buf
}

// flip switches a slot's in-use half and rewrites its data ring entry so
// the device's next write for this slot targets the other half.
func (r *Ring) flip(idx uint32) {
	r.halfOff[idx] ^= desc.PageSize / 2

	newOff := uint64(idx)*desc.PageSize + uint64(r.halfOff[idx])
	slot := desc.RxDataSlot{QPLOffset: newOff}
	slot.Encode(r.data[idx*desc.RxDataSlotSize : (idx+1)*desc.RxDataSlotSize])
}

func (r *Ring) releaseFunc(idx uint32) func() {
	return func() {
		r.refcount[idx].Add(-1)
	}
}

// Prime rings the initial fill-count doorbell, handing every data-ring
// slot built at NewRing time to the device. Callers ring it once, right
// after CREATE_RX_QUEUE completes (spec §4.8 open sequencing).
func (r *Ring) Prime() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ringDoorbell()
}

// FillCount returns the cumulative number of data-ring slots handed to
// the device, for stats (spec §3 ethtool-style supplement).
func (r *Ring) FillCount() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fillCnt
}

func (r *Ring) peekPending() bool {
	idx := r.cnt & r.mask
	rd := r.decode(idx)
	return desc.Seqno(rd.FlagsSeq) == r.seqno
}

func (r *Ring) ringDoorbell() {
	r.doorbells.Write(r.doorbellIdx*4, r.fillCnt)
}
