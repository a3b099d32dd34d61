// Package notify implements the per-vector notification block: the
// budgeted poll loop an MSI-X data IRQ schedules, and the ACK/MASK
// doorbell dance that rearms it (spec §4.7).
package notify

import (
	"github.com/rs/zerolog"

	"github.com/google/gve-go/desc"
	"github.com/google/gve-go/internal/regio"
	"github.com/google/gve-go/rxq"
)

// NoQueue marks a Block's TxIdx or RxIdx as unbound.
const NoQueue = -1

// TxRing is the slice of *txq.Ring a Block polls.
type TxRing interface {
	Poll(budget int) int
}

// RxRing is the slice of *rxq.Ring a Block polls.
type RxRing interface {
	Poll(budget int, dispatch func(rxq.Delivery)) bool
}

// Block is one notification block: the unit an MSI-X vector binds to.
// Per spec §9's arena-ownership design, a block never owns its queue's
// ring pointer; it holds a plain index into the owning Device's ring
// array (or NoQueue), and the caller resolves the index to a ring on
// each Poll. This breaks the ring-block-device reference cycle that a
// direct pointer would create.
type Block struct {
	ID int

	TxIdx int
	RxIdx int

	irqDB      *regio.Window
	irqDBIndex uint32

	log zerolog.Logger
}

// NewBlock builds a block bound to the given TX/RX ring indices (either
// may be NoQueue) and the IRQ doorbell cell it acks/masks.
func NewBlock(id, txIdx, rxIdx int, irqDB *regio.Window, irqDBIndex uint32, log zerolog.Logger) *Block {
	return &Block{
		ID:         id,
		TxIdx:      txIdx,
		RxIdx:      rxIdx,
		irqDB:      irqDB,
		irqDBIndex: irqDBIndex,
		log:        log,
	}
}

// Poll runs one budgeted pass over tx and rx (either may be nil, when
// this block's corresponding index is NoQueue), dispatching each RX
// delivery to dispatch, per spec §4.7.
//
// Returns true if the caller should reschedule this block immediately
// rather than wait for the next IRQ.
func (b *Block) Poll(budget int, tx TxRing, rx RxRing, dispatch func(rxq.Delivery)) bool {
	txMore := false
	if tx != nil {
		reclaimed := tx.Poll(budget)
		txMore = budget > 0 && reclaimed >= budget
	}

	rxMore := false
	if rx != nil {
		rxMore = rx.Poll(budget, dispatch)
	}

	if txMore || rxMore {
		return true
	}

	// NAPI complete: ack the IRQ and unmask it.
	b.writeDoorbell(desc.IRQDoorbellValue(true, false, false))

	// Read fence: an ACK write followed by a register read forces the
	// write to drain before the recheck below observes newly arrived
	// work, matching gve's irq_doorbell ordering requirement.
	b.irqDB.Read(b.irqDBIndex * 4)

	if b.peekPending(tx, rx) {
		b.writeDoorbell(desc.IRQDoorbellValue(false, true, false))
		return true
	}

	return false
}

// peekPending re-checks both rings with a negative budget ("just peek",
// no reclaim/delivery side effects) after the NAPI-complete ACK, per the
// final paragraph of spec §4.7.
func (b *Block) peekPending(tx TxRing, rx RxRing) bool {
	txMore := tx != nil && tx.Poll(-1) > 0
	rxMore := rx != nil && rx.Poll(-1, func(rxq.Delivery) {})
	return txMore || rxMore
}

func (b *Block) writeDoorbell(v uint32) {
	b.irqDB.Write(b.irqDBIndex*4, v)
}
