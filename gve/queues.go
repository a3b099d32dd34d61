package gve

import "fmt"

// AdjustQueues changes the active TX/RX queue counts (spec §4.8). If the
// device is administratively down, the new counts are only recorded for
// the next Open. If it is up, the upper-layer TX path is deactivated, the
// queues are closed and reopened with the new counts, then TX is
// reactivated — the same close/open path Reset uses, just without the
// intervening device re-probe.
func (d *Device) AdjustQueues(numTx, numRx int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.probeLocked(); err != nil {
		return err
	}
	if numTx > d.maxTxBlocks || numRx > d.maxBlocks-d.maxTxBlocks {
		return fmt.Errorf("gve: requested %d tx / %d rx queues exceed device max %d/%d",
			numTx, numRx, d.maxTxBlocks, d.maxBlocks-d.maxTxBlocks)
	}

	if !d.administrativelyUp {
		d.numTxQueues, d.numRxQueues = numTx, numRx
		return nil
	}

	if err := d.closeLocked(); err != nil {
		return err
	}

	if err := d.openQueuesLocked(numTx, numRx); err != nil {
		// Leave TX deactivated: openQueuesLocked can fail partway through,
		// leaving d.tx/d.rx holding the queues created before the failure
		// while flagDeviceRingsOK stays clear. flagDoReset (set by fail, called from within
		// openQueuesLocked) drives the service task to Reset and rebuild
		// from scratch.
		return err
	}

	d.numTxQueues, d.numRxQueues = numTx, numRx
	d.administrativelyUp = true
	d.net.setLinkUp(true)
	d.net.reactivateTx()

	return nil
}
