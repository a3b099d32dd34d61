// Package txq implements the TX path: the bounce-buffer FIFO carved out of
// a queue page list and the descriptor ring that admits, encodes, and
// reclaims packets against it (spec §4.4, §4.5).
package txq

import "sync/atomic"

// cacheLineSize is the alignment the FIFO bumps its head to after every
// allocation, so consecutive allocations never share a cache line with the
// device's DMA reads.
const cacheLineSize = 64

func cachelineAlign(n uint32) uint32 {
	return (n + cacheLineSize - 1) &^ (cacheLineSize - 1)
}

// Iovec is one contiguous span of the FIFO's backing memory an allocation
// was split across. Len is the usable byte count a caller should copy
// into or account for in a descriptor; Pad is cache-line alignment
// padding tacked onto this iovec purely to keep available accurate, not
// meant to be written to or described to the device.
type Iovec struct {
	Off uint32 // offset into the FIFO's flat memory
	Bus uint64 // device bus address of Off
	Len uint32
	Pad uint32
}

// Fifo is a bump allocator with wraparound over a queue page list's flat
// memory, used as TX bounce-buffer space. Allocations must be freed in
// strict arrival order (spec §4.4 invariant); the ring's completion
// reclaim guarantees this. Alloc/Free may be called concurrently with
// each other (Free from the poll goroutine, Alloc from the send path);
// only available is shared state between them, and it is atomic.
type Fifo struct {
	mem     []byte
	busBase uint64
	size    uint32

	head      uint32
	available atomic.Uint32
}

// NewFifo wraps flat (a queue page list's contiguous host memory, busBase
// its corresponding bus address) as a TX FIFO.
func NewFifo(flat []byte, busBase uint64) *Fifo {
	f := &Fifo{mem: flat, busBase: busBase, size: uint32(len(flat))}
	f.available.Store(f.size)
	return f
}

// CanAlloc reports whether bytes can currently be allocated.
func (f *Fifo) CanAlloc(bytes uint32) bool {
	return f.available.Load() > bytes
}

// PadFor returns the padding a header-sized allocation of bytes would need
// tacked on to avoid splitting across the wraparound point: 0 if it fits
// strictly within the tail, otherwise the remaining tail space.
func (f *Fifo) PadFor(bytes uint32) uint32 {
	if f.head+bytes < f.size {
		return 0
	}
	return f.size - f.head
}

// Alloc reserves bytes from the FIFO and returns 1 or 2 iovecs (2 if the
// allocation overflows past the end of the backing memory, in which case
// iov[0] is the remainder of the tail and iov[1] is the wrapped portion
// starting at offset 0). head is advanced to the next cache-line boundary
// after the allocation; the alignment padding is attributed to the last
// iovec's Pad field and subtracted from available along with bytes. The
// caller must have already checked CanAlloc.
func (f *Fifo) Alloc(bytes uint32) []Iovec {
	if bytes == 0 {
		return nil
	}

	iovs := []Iovec{{Off: f.head, Bus: f.busBase + uint64(f.head), Len: bytes}}
	f.head += bytes

	if f.head > f.size {
		overflow := f.head - f.size
		iovs[0].Len -= overflow
		iovs = append(iovs, Iovec{Off: 0, Bus: f.busBase, Len: overflow})
		f.head = overflow
	}

	aligned := cachelineAlign(f.head)
	pad := aligned - f.head
	iovs[len(iovs)-1].Pad = pad
	f.head = aligned

	if f.head == f.size {
		f.head = 0
	}

	f.available.Add(-(bytes + pad))

	return iovs
}

// Free returns bytes to the available pool.
func (f *Fifo) Free(bytes uint32) {
	f.available.Add(bytes)
}

// Available returns the current free byte count.
func (f *Fifo) Available() uint32 {
	return f.available.Load()
}

// Size returns the FIFO's total byte capacity.
func (f *Fifo) Size() uint32 {
	return f.size
}

// Mem returns the FIFO's backing flat memory, for copying packet bytes
// into the offsets described by an Iovec's Off/Len.
func (f *Fifo) Mem() []byte {
	return f.mem
}

// CopyIn copies src into mem at the Off/Len of each iovec in order,
// which together must total len(src) usable bytes (Pad is never written).
func CopyIn(mem []byte, iovs []Iovec, src []byte) {
	for _, iov := range iovs {
		n := copy(mem[iov.Off:iov.Off+iov.Len], src)
		src = src[n:]
	}
}
