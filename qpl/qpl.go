// Package qpl implements the Queue Page List allocator: a process-wide
// bitmap of QPL ids (the first range reserved for TX, the second for RX)
// plus the DMA-coherent page allocation backing each list (spec §3, §4.3).
package qpl

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/gve-go/dma"
)

// Entry is one page-sized buffer within a QPL: a host-visible window, the
// device bus address, and an opaque page handle (nil for the default
// allocator, present when pages are provided by an external page pool).
type Entry struct {
	Host   []byte
	Bus    uint64
	Handle any
}

// QueuePageList is an ordered, DMA-coherent list of page-sized buffers the
// device is permitted to DMA to/from, addressed by offset rather than
// pointer in descriptors.
type QueuePageList struct {
	ID      int
	Entries []Entry

	// flat and busBase are the whole list's backing pages viewed as one
	// contiguous span, valid because Allocate reserves a list's pages as
	// a single block. The ring/FIFO code addresses the list this way
	// rather than per page.
	flat    []byte
	busBase uint64
}

// NumEntries returns the number of pages in the list.
func (q *QueuePageList) NumEntries() int {
	return len(q.Entries)
}

// Flat returns the list's pages as one contiguous host-addressable slice.
func (q *QueuePageList) Flat() []byte {
	return q.flat
}

// BusBase returns the device bus address of the start of the list's flat
// span; offset o within Flat() corresponds to bus address BusBase()+o.
func (q *QueuePageList) BusBase() uint64 {
	return q.busBase
}

// BusAddrTable returns the big-endian bus address table REGISTER_PAGE_LIST
// points at via its side buffer.
func (q *QueuePageList) BusAddrTable() []byte {
	buf := make([]byte, 8*len(q.Entries))
	for i, e := range q.Entries {
		binary.BigEndian.PutUint64(buf[i*8:i*8+8], e.Bus)
	}
	return buf
}

// Allocator assigns QPL ids from a bitmap split into a TX range and an RX
// range, and allocates/frees the DMA-coherent pages backing each list,
// enforcing the device-advertised total registered-page cap (spec
// invariant 5).
type Allocator struct {
	mu sync.Mutex

	bitmap    *idBitmap
	numTxQPLs int
	total     int

	region *dma.Region

	maxRegisteredPages int
	registeredPages    int

	lists map[int]*QueuePageList
}

// NewAllocator creates an allocator with numTxQPLs ids reserved for TX
// (range [0, numTxQPLs)) and numRxQPLs for RX (range [numTxQPLs, total)),
// allocating DMA-coherent pages out of region and rejecting any
// registration that would push the running total of registered pages
// above maxRegisteredPages.
func NewAllocator(region *dma.Region, numTxQPLs, numRxQPLs, maxRegisteredPages int) *Allocator {
	total := numTxQPLs + numRxQPLs

	return &Allocator{
		bitmap:             newIDBitmap(total),
		numTxQPLs:          numTxQPLs,
		total:              total,
		region:             region,
		maxRegisteredPages: maxRegisteredPages,
		lists:              make(map[int]*QueuePageList),
	}
}

// AssignTX finds the first unused id in the TX range and marks it assigned.
// ok is false if the TX range is exhausted.
func (a *Allocator) AssignTX() (id int, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id = a.bitmap.firstZero(0, a.numTxQPLs)
	if id < 0 {
		return 0, false
	}

	a.bitmap.set(id)
	return id, true
}

// AssignRX finds the first unused id in the RX range and marks it assigned.
func (a *Allocator) AssignRX() (id int, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id = a.bitmap.firstZero(a.numTxQPLs, a.total)
	if id < 0 {
		return 0, false
	}

	a.bitmap.set(id)
	return id, true
}

// Unassign clears id's bit, returning ownership to the free pool.
// AssignTX/AssignRX followed by Unassign(id) is a no-op on the bitmap
// (spec §8 round-trip law).
func (a *Allocator) Unassign(id int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.bitmap.clear(id)
}

// Allocate reserves numEntries DMA-coherent pages from the region and
// builds the QueuePageList for id, checked against the registered-page cap.
func (a *Allocator) Allocate(id int, numEntries int) (*QueuePageList, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.registeredPages+numEntries > a.maxRegisteredPages {
		return nil, fmt.Errorf("qpl: registering %d pages would exceed max_registered_pages=%d (currently %d)",
			numEntries, a.maxRegisteredPages, a.registeredPages)
	}

	// Pages are reserved as one contiguous span so the ring/FIFO code can
	// address the whole QPL as a single flat offset space, matching the
	// "contiguously map the QPL pages into a single virtual region" shape
	// the device-facing descriptors assume.
	const pageSize = 4096

	host, bus := a.region.Reserve(pageSize*numEntries, pageSize)

	q := &QueuePageList{ID: id, Entries: make([]Entry, numEntries), flat: host, busBase: bus}
	for i := 0; i < numEntries; i++ {
		q.Entries[i] = Entry{
			Host: host[i*pageSize : (i+1)*pageSize : (i+1)*pageSize],
			Bus:  bus + uint64(i*pageSize),
		}
	}

	a.registeredPages += numEntries
	a.lists[id] = q

	return q, nil
}

// Free releases a QueuePageList's pages back to the region and its
// contribution to the registered-page total.
func (a *Allocator) Free(q *QueuePageList) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(q.Entries) > 0 {
		a.region.Release(q.busBase)
	}

	a.registeredPages -= len(q.Entries)
	delete(a.lists, q.ID)
}

// RegisteredPages returns the current running total, for tests and stats.
func (a *Allocator) RegisteredPages() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.registeredPages
}
