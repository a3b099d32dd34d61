package qpl

import (
	"testing"

	"github.com/google/gve-go/dma"
)

func TestAssignTXRangeDistinctFromRX(t *testing.T) {
	a := NewAllocator(dma.NewRegion(1<<20, 0), 2, 2, 1<<20)

	tx1, ok := a.AssignTX()
	if !ok || tx1 != 0 {
		t.Fatalf("AssignTX() = %d, %v, want 0, true", tx1, ok)
	}
	tx2, ok := a.AssignTX()
	if !ok || tx2 != 1 {
		t.Fatalf("AssignTX() = %d, %v, want 1, true", tx2, ok)
	}

	if _, ok := a.AssignTX(); ok {
		t.Fatalf("AssignTX() succeeded after TX range exhausted")
	}

	rx1, ok := a.AssignRX()
	if !ok || rx1 != 2 {
		t.Fatalf("AssignRX() = %d, %v, want 2, true", rx1, ok)
	}
}

func TestUnassignIsRoundTrip(t *testing.T) {
	a := NewAllocator(dma.NewRegion(1<<20, 0), 4, 4, 1<<20)

	id, _ := a.AssignTX()
	a.Unassign(id)

	again, ok := a.AssignTX()
	if !ok || again != id {
		t.Fatalf("AssignTX after Unassign = %d, %v, want %d, true", again, ok, id)
	}
}

func TestAssignIDsUnique(t *testing.T) {
	a := NewAllocator(dma.NewRegion(1<<20, 0), 8, 8, 1<<20)

	seen := make(map[int]bool)
	for i := 0; i < 8; i++ {
		id, ok := a.AssignTX()
		if !ok {
			t.Fatalf("AssignTX failed at i=%d", i)
		}
		if seen[id] {
			t.Fatalf("AssignTX returned duplicate id %d", id)
		}
		seen[id] = true
	}
}

func TestAllocateEnforcesRegisteredPageCap(t *testing.T) {
	a := NewAllocator(dma.NewRegion(1<<20, 0), 2, 2, 10)

	id, _ := a.AssignTX()
	if _, err := a.Allocate(id, 6); err != nil {
		t.Fatalf("Allocate(6): %v", err)
	}

	id2, _ := a.AssignTX()
	if _, err := a.Allocate(id2, 5); err == nil {
		t.Fatalf("Allocate(5) after 6 already registered should have exceeded cap of 10")
	}

	if got := a.RegisteredPages(); got != 6 {
		t.Fatalf("RegisteredPages() = %d, want 6", got)
	}
}

func TestFreeReturnsPagesToCap(t *testing.T) {
	a := NewAllocator(dma.NewRegion(1<<20, 0), 2, 2, 10)

	id, _ := a.AssignTX()
	q, err := a.Allocate(id, 8)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	a.Free(q)

	if got := a.RegisteredPages(); got != 0 {
		t.Fatalf("RegisteredPages() after Free = %d, want 0", got)
	}

	id2, _ := a.AssignTX()
	if _, err := a.Allocate(id2, 10); err != nil {
		t.Fatalf("Allocate(10) after Free should fit under cap: %v", err)
	}
}

func TestBusAddrTableBigEndian(t *testing.T) {
	a := NewAllocator(dma.NewRegion(1<<20, 0x2000), 2, 2, 1<<20)

	id, _ := a.AssignTX()
	q, err := a.Allocate(id, 3)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	table := q.BusAddrTable()
	if len(table) != 24 {
		t.Fatalf("BusAddrTable() length = %d, want 24", len(table))
	}

	for i, e := range q.Entries {
		got := uint64(table[i*8])<<56 | uint64(table[i*8+1])<<48 | uint64(table[i*8+2])<<40 |
			uint64(table[i*8+3])<<32 | uint64(table[i*8+4])<<24 | uint64(table[i*8+5])<<16 |
			uint64(table[i*8+6])<<8 | uint64(table[i*8+7])
		if got != e.Bus {
			t.Fatalf("entry %d: table encodes %#x, want %#x", i, got, e.Bus)
		}
	}
}
