package txq

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/google/gve-go/desc"
	"github.com/google/gve-go/internal/regio"
)

// ErrBusy is returned when Send could not admit a packet even after the
// recheck; the caller must wait for Poll to wake the upper-layer queue
// (spec §4.5 admission).
var ErrBusy = errors.New("txq: ring busy, upper-layer queue stopped")

// UpperQueue is the out-of-scope upper-layer TX queue a Ring stops and
// wakes under backpressure.
type UpperQueue interface {
	Stop()
	Wake()
}

// Packet is one outbound frame: linear bytes already segmented by the
// caller into a header region (hlen) and a payload region, with the
// checksum/TSO metadata the caller computed from the upper-layer buffer.
type Packet struct {
	Handle any
	Data   []byte
	HeaderLen uint16

	GSO             bool
	IPv6            bool
	MSS             uint16
	L3Offset        uint16
	L4Offset        uint16
	ChecksumOffset  uint16
	ChecksumPartial bool
}

type txInfo struct {
	handle any
	iovs   []Iovec
}

// minFreeSlots is the number of descriptor ring slots Send requires free
// regardless of packet size: 1 packet descriptor + up to 2 segment
// descriptors (spec §4.5).
const minFreeSlots = 3

// Ring is one TX descriptor ring together with its bounce-buffer FIFO,
// doorbell cell, and completion counter cell. Send (the producer) and
// Poll (the completer) run on different goroutines — the upper-layer TX
// path and the NAPI-style poll loop — and coordinate without a shared
// lock (spec §5): Send owns req and only ever touches info[req&mask],
// Poll owns done and only ever touches info[done&mask], and the two
// index ranges never overlap because the admission check in fits never
// lets Send get more than size slots ahead of done. The only state the
// two sides share is done/req themselves (atomics) and the FIFO's
// available counter (already atomic, see fifo.go). sendMu/pollMu each
// serialize same-side callers against each other only, matching the
// teacher's one-lock-per-direction convention in
// soc/nxp/enet/dma.go's TX/RX descriptor rings.
type Ring struct {
	sendMu sync.Mutex
	pollMu sync.Mutex

	mask uint32
	size uint32
	descs []byte

	fifo *Fifo

	doorbells   *regio.Window
	doorbellIdx uint32
	counters    *regio.Window
	counterIdx  uint32

	req  atomic.Uint32
	done atomic.Uint32

	info []txInfo

	upper   UpperQueue
	release func(handle any)
	stopped atomic.Bool
	up      atomic.Bool

	stopCount atomic.Uint64
	wakeCount atomic.Uint64

	log zerolog.Logger
}

// NewRing wraps descs (a device-mapped descriptor ring, len(descs) a
// power-of-two multiple of desc.PktDescSize) and fifo as one TX ring.
// release is invoked for each reclaimed packet's Handle; upper is stopped
// and woken under backpressure.
func NewRing(descs []byte, fifo *Fifo, doorbells *regio.Window, doorbellIdx uint32,
	counters *regio.Window, counterIdx uint32, upper UpperQueue, release func(any), log zerolog.Logger) *Ring {

	size := uint32(len(descs) / desc.PktDescSize)

	return &Ring{
		mask:        size - 1,
		size:        size,
		descs:       descs,
		fifo:        fifo,
		doorbells:   doorbells,
		doorbellIdx: doorbellIdx,
		counters:    counters,
		counterIdx:  counterIdx,
		info:        make([]txInfo, size),
		upper:       upper,
		release:     release,
		log:         log,
	}
}

// SetUp records whether the upper-layer interface is administratively up,
// gating whether Poll wakes a stopped queue.
func (r *Ring) SetUp(up bool) {
	r.up.Store(up)
}

func (r *Ring) avail() uint32 {
	return r.size - (r.req.Load() - r.done.Load())
}

// bytesRequired is the FIFO byte estimate Send uses to decide admission:
// cache-line alignment padding for the header, wraparound padding for the
// header, plus the packet's total length (spec §4.5).
func bytesRequired(fifo *Fifo, hlen uint16, totalLen int) uint32 {
	h := uint32(hlen)
	alignPad := cachelineAlign(h) - h
	padToWrap := fifo.PadFor(h)
	return alignPad + padToWrap + uint32(totalLen)
}

// fits reports whether both admission conditions currently hold.
func (r *Ring) fits(need uint32) bool {
	return r.avail() >= minFreeSlots && r.fifo.CanAlloc(need)
}

// Send admits, encodes, and (unless more indicates batching) doorbells
// pkt. more indicates additional packets are queued right behind this
// one, letting the doorbell write be deferred; on a busy return the
// doorbell is always rung regardless of more, so the device can drain
// whatever was already queued (spec §4.5 batching).
func (r *Ring) Send(pkt Packet, more bool) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	need := bytesRequired(r.fifo, pkt.HeaderLen, len(pkt.Data))

	if !r.fits(need) {
		r.stopCount.Add(1)
		r.stopped.Store(true)
		r.upper.Stop()

		// Re-check: Poll runs lock-free against Send (spec §5), so a
		// concurrent reclaim may have freed enough room between the
		// first check and stopping the queue above.
		if !r.fits(need) {
			r.ringDoorbell()
			return ErrBusy
		}

		if r.stopped.CompareAndSwap(true, false) {
			r.wakeCount.Add(1)
			r.upper.Wake()
		}
	}

	r.emit(pkt)

	if !more {
		r.ringDoorbell()
	}

	return nil
}

func (r *Ring) emit(pkt Packet) {
	req := r.req.Load()
	idx := req & r.mask
	hlen := uint32(pkt.HeaderLen)

	pad := r.fifo.PadFor(hlen)
	hdrIovs := r.fifo.Alloc(hlen + pad)
	payloadIovs := r.fifo.Alloc(uint32(len(pkt.Data)) - hlen)

	// The header lands in the last header iovec: when PadFor produced a
	// leading dead-space iovec, the real header starts at offset 0 after
	// the wrap (spec §4.4/§4.5, "header is never split across the wrap").
	hdrIov := hdrIovs[len(hdrIovs)-1]
	CopyIn(r.fifo.Mem(), []Iovec{hdrIov}, pkt.Data[:hlen])
	CopyIn(r.fifo.Mem(), payloadIovs, pkt.Data[hlen:])

	var typeFlags byte
	var checksumOffset, l4Offset byte

	switch {
	case pkt.GSO:
		typeFlags = desc.TxTypeTSO | desc.TxFlagL4Csum
		checksumOffset = byte(pkt.ChecksumOffset / 2)
		l4Offset = byte(pkt.L4Offset / 2)
	case pkt.ChecksumPartial:
		typeFlags = desc.TxTypeStd | desc.TxFlagL4Csum
		checksumOffset = byte(pkt.ChecksumOffset / 2)
		l4Offset = byte(pkt.L4Offset / 2)
	default:
		typeFlags = desc.TxTypeStd
	}

	pd := desc.PktDesc{
		TypeFlags:      typeFlags,
		ChecksumOffset: checksumOffset,
		L4Offset:       l4Offset,
		SegCnt:         byte(1 + len(payloadIovs)),
		Len:            uint16(len(pkt.Data)),
		SegLen:         uint16(hlen),
		SegAddr:        hdrIov.Bus,
	}
	pd.Encode(r.descs[idx*desc.PktDescSize : idx*desc.PktDescSize+desc.PktDescSize])

	for i, iov := range payloadIovs {
		segIdx := (req + 1 + uint32(i)) & r.mask

		sd := desc.SegDesc{
			TypeFlags: desc.TxTypeSeg,
			SegLen:    uint16(iov.Len),
			SegAddr:   iov.Bus,
		}
		if pkt.GSO {
			if pkt.IPv6 {
				sd.TypeFlags |= desc.TxSegFlagIPv6
			}
			sd.L3Offset = byte(pkt.L3Offset / 2)
			sd.MSS = pkt.MSS
		}
		sd.Encode(r.descs[segIdx*desc.SegDescSize : segIdx*desc.SegDescSize+desc.SegDescSize])
	}

	all := make([]Iovec, 0, len(hdrIovs)+len(payloadIovs))
	all = append(all, hdrIovs...)
	all = append(all, payloadIovs...)
	r.info[idx] = txInfo{handle: pkt.Handle, iovs: all}

	r.req.Add(uint32(1 + len(payloadIovs)))
}

func (r *Ring) ringDoorbell() {
	r.doorbells.Write(r.doorbellIdx*4, r.req.Load())
}

// Poll reclaims up to budget completed descriptor slots (0 means no
// limit) and returns how many slots were reclaimed. A negative budget is
// a peek: it reports how many completions are pending without reclaiming
// any of them, for notify.Block's re-check-after-complete dance (spec
// §4.7). It wakes the upper-layer queue if Send had stopped it and the
// interface is up (spec §4.5 completion).
func (r *Ring) Poll(budget int) int {
	r.pollMu.Lock()
	defer r.pollMu.Unlock()

	done := r.done.Load()
	nicDone := r.counters.Read(r.counterIdx * 4)
	toDo := nicDone - done // wraps modulo 2^32, matching the device's free-running counter

	if budget < 0 {
		return int(toDo)
	}

	if budget > 0 && uint32(budget) < toDo {
		toDo = uint32(budget)
	}

	var freed uint32
	for i := uint32(0); i < toDo; i++ {
		idx := done & r.mask
		info := r.info[idx]

		if info.handle != nil {
			for _, iov := range info.iovs {
				freed += iov.Len + iov.Pad
			}
			if r.release != nil {
				r.release(info.handle)
			}
			r.info[idx] = txInfo{}
		}

		done++
	}
	r.done.Store(done)

	r.fifo.Free(freed)

	if r.stopped.Load() && r.up.Load() {
		if r.stopped.CompareAndSwap(true, false) {
			r.wakeCount.Add(1)
			r.upper.Wake()
		}
	}

	return int(toDo)
}

// Counts returns the cumulative stop/wake counts, for stats (spec §3
// ethtool-style supplement).
func (r *Ring) Counts() (stop, wake uint64) {
	return r.stopCount.Load(), r.wakeCount.Load()
}
