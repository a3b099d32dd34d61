// Package regio provides primitives for retrieving and modifying 32-bit
// hardware registers in a register window (a PCI BAR) addressed by byte
// offset. It is adapted from the bit-twiddling register helpers used
// throughout this codebase's driver layer, ported from direct physical
// address access to a window that owns its own register cells, since a
// hosted driver cannot claim arbitrary physical addresses the way
// bare-metal code can.
package regio

import (
	"encoding/binary"
	"sync/atomic"
	"time"
)

// Window is a register window: an array of 32-bit cells allocated by
// NewWindow and addressed by byte offset; it does not wrap memory mapped
// by the bus layer. Bytes renders it in big-endian wire form. Access is
// serialized with a mutex-free, atomics-on-uint32 model — each 4-byte cell
// is accessed through atomic.Uint32 so concurrent Get/Set from different
// goroutines (e.g. a TX doorbell write racing an admin-queue status poll)
// never tear.
type Window struct {
	cells []atomic.Uint32
}

// NewWindow wraps size bytes (must be a multiple of 4) as a register window
// addressable by byte offset.
func NewWindow(size int) *Window {
	return &Window{cells: make([]atomic.Uint32, size/4)}
}

func (w *Window) cell(addr uint32) *atomic.Uint32 {
	return &w.cells[addr/4]
}

// Get returns the bit field at pos, masked, within the register at addr.
func (w *Window) Get(addr uint32, pos int, mask int) uint32 {
	r := w.cell(addr).Load()
	return (r >> pos) & uint32(mask)
}

// Set sets an individual bit at pos within the register at addr.
func (w *Window) Set(addr uint32, pos int) {
	c := w.cell(addr)
	for {
		old := c.Load()
		if c.CompareAndSwap(old, old|(1<<pos)) {
			return
		}
	}
}

// Clear clears an individual bit at pos within the register at addr.
func (w *Window) Clear(addr uint32, pos int) {
	c := w.cell(addr)
	for {
		old := c.Load()
		if c.CompareAndSwap(old, old&^(1<<pos)) {
			return
		}
	}
}

// SetN sets a masked field at pos within the register at addr to val.
func (w *Window) SetN(addr uint32, pos int, mask int, val uint32) {
	c := w.cell(addr)
	for {
		old := c.Load()
		next := (old &^ (uint32(mask) << pos)) | (val << pos)
		if c.CompareAndSwap(old, next) {
			return
		}
	}
}

// ClearN clears a masked field at pos within the register at addr.
func (w *Window) ClearN(addr uint32, pos int, mask int) {
	c := w.cell(addr)
	for {
		old := c.Load()
		if c.CompareAndSwap(old, old&^(uint32(mask)<<pos)) {
			return
		}
	}
}

// Read returns the full 32-bit register at addr.
func (w *Window) Read(addr uint32) uint32 {
	return w.cell(addr).Load()
}

// Write stores val into the full 32-bit register at addr.
func (w *Window) Write(addr uint32, val uint32) {
	w.cell(addr).Store(val)
}

// Write64 performs a 64-bit register write as two consecutive 32-bit cells,
// high word first. The admin-queue PFN register is written with the 32-bit
// Write, not with this.
func (w *Window) Write64(addr uint32, val uint64) {
	w.Write(addr, uint32(val>>32))
	w.Write(addr+4, uint32(val))
}

// Wait blocks until the masked field at pos within the register at addr
// equals val.
func (w *Window) Wait(addr uint32, pos int, mask int, val uint32) {
	for w.Get(addr, pos, mask) != val {
		time.Sleep(time.Microsecond)
	}
}

// WaitFor blocks, until timeout expires, for the masked field at pos within
// the register at addr to equal val. Returns false on timeout.
func (w *Window) WaitFor(timeout time.Duration, addr uint32, pos int, mask int, val uint32) bool {
	deadline := time.Now().Add(timeout)

	for w.Get(addr, pos, mask) != val {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Microsecond)
	}

	return true
}

// Bytes returns the big-endian wire encoding of the whole window, primarily
// useful in tests that want to assert on the raw register image.
func (w *Window) Bytes() []byte {
	buf := make([]byte, len(w.cells)*4)
	for i := range w.cells {
		binary.BigEndian.PutUint32(buf[i*4:i*4+4], w.cells[i].Load())
	}
	return buf
}
