package notify

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/google/gve-go/desc"
	"github.com/google/gve-go/dma"
	"github.com/google/gve-go/internal/regio"
	"github.com/google/gve-go/qpl"
	"github.com/google/gve-go/rxq"
	"github.com/google/gve-go/txq"
)

type noopUpper struct{}

func (noopUpper) Stop() {}
func (noopUpper) Wake() {}

func newTestTxRing(t *testing.T, size int) (*txq.Ring, *regio.Window) {
	t.Helper()
	descs := make([]byte, size*desc.PktDescSize)
	fifo := txq.NewFifo(make([]byte, 4096), 0x4000)
	doorbells := regio.NewWindow(16)
	counters := regio.NewWindow(16)
	r := txq.NewRing(descs, fifo, doorbells, 0, counters, 0, noopUpper{}, nil, zerolog.Nop())
	return r, counters
}

func newTestRxBlockRing(t *testing.T, slots int) *rxq.Ring {
	t.Helper()
	region := dma.NewRegion(1<<22, 0x8000)
	alloc := qpl.NewAllocator(region, 0, 1, 1<<20)
	id, ok := alloc.AssignRX()
	require.True(t, ok)
	list, err := alloc.Allocate(id, slots)
	require.NoError(t, err)

	descs := make([]byte, slots*desc.RxDescSize)
	data := make([]byte, slots*desc.RxDataSlotSize)
	doorbells := regio.NewWindow(16)
	return rxq.NewRing(descs, data, list, 1500, rxq.DefaultCopybreak, doorbells, 0, zerolog.Nop())
}

// fakeRxRing simulates work arriving between Block.Poll's first pass and
// its post-ACK peek, a race a real ring can't be driven into
// deterministically from a test.
type fakeRxRing struct {
	calls   int
	pending []bool // pending[call] is this call's return value
}

func (f *fakeRxRing) Poll(budget int, dispatch func(rxq.Delivery)) bool {
	v := f.pending[f.calls]
	f.calls++
	return v
}

func TestPollAcksAndUnmasksWhenIdle(t *testing.T) {
	irqDB := regio.NewWindow(16)
	b := NewBlock(0, 0, 0, irqDB, 2, zerolog.Nop())

	tx, _ := newTestTxRing(t, 8)
	rx := newTestRxBlockRing(t, 8)

	rerun := b.Poll(4, tx, rx, func(rxq.Delivery) {})

	require.False(t, rerun)
	v := irqDB.Read(2 * 4)
	require.Equal(t, uint32(1<<desc.IRQDoorbellACK), v)
}

func TestPollWithNilRingsStillAcks(t *testing.T) {
	irqDB := regio.NewWindow(16)
	b := NewBlock(0, NoQueue, NoQueue, irqDB, 0, zerolog.Nop())

	rerun := b.Poll(4, nil, nil, func(rxq.Delivery) {})

	require.False(t, rerun)
	require.Equal(t, uint32(1<<desc.IRQDoorbellACK), irqDB.Read(0))
}

func TestPollRequestsRescheduleWhenTxBudgetExhausted(t *testing.T) {
	irqDB := regio.NewWindow(16)
	b := NewBlock(0, 0, NoQueue, irqDB, 0, zerolog.Nop())

	tx, counters := newTestTxRing(t, 8)
	pkt := txq.Packet{Handle: "a", Data: []byte("HEADERXXpayload"), HeaderLen: 8}
	require.NoError(t, tx.Send(pkt, false))
	require.NoError(t, tx.Send(pkt, false))
	counters.Write(0, 2) // first packet's two descriptor slots complete

	rerun := b.Poll(1, tx, nil, func(rxq.Delivery) {})

	require.True(t, rerun)
	require.Equal(t, uint32(0), irqDB.Read(0)) // no ACK/MASK written on a reschedule
}

func TestPollRemasksWhenPeekFindsWorkAfterAck(t *testing.T) {
	irqDB := regio.NewWindow(16)
	b := NewBlock(0, NoQueue, 0, irqDB, 1, zerolog.Nop())

	// First call (the real poll pass) reports nothing pending; the peek
	// call right after the ACK finds work that arrived in between.
	rx := &fakeRxRing{pending: []bool{false, true}}

	rerun := b.Poll(4, nil, rx, func(rxq.Delivery) {})

	require.True(t, rerun)
	require.Equal(t, 2, rx.calls)
	v := irqDB.Read(1 * 4)
	require.Equal(t, uint32(1<<desc.IRQDoorbellMASK), v)
}
