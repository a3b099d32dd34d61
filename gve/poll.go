package gve

import "github.com/google/gve-go/notify"

// NumBlocks returns the number of notification blocks the device was
// probed with, the size of the IRQ vector space PollBlock indexes into.
func (d *Device) NumBlocks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxBlocks
}

// PollBlock runs one budgeted poll pass for the notification block at i,
// the call an MSI-X vector's interrupt handler makes (spec §4.7). The
// block's TxIdx/RxIdx are resolved to the live ring under the device
// lock, then Poll itself runs unlocked so a long RX batch doesn't stall
// Open/Close/Reset on other blocks.
func (d *Device) PollBlock(i int, budget int) bool {
	d.mu.Lock()
	if i < 0 || i >= len(d.blocks) {
		d.mu.Unlock()
		return false
	}
	block := d.blocks[i]

	var tx notify.TxRing
	if block.TxIdx != notify.NoQueue && block.TxIdx < len(d.tx) {
		tx = d.tx[block.TxIdx]
	}

	var rx notify.RxRing
	if block.RxIdx != notify.NoQueue && block.RxIdx < len(d.rx) {
		rx = d.rx[block.RxIdx]
	}
	d.mu.Unlock()

	if tx == nil && rx == nil {
		return false
	}

	return block.Poll(budget, tx, rx, d.dispatchRx)
}
