package gve

import "fmt"

// Reset executes the full device reset procedure (spec §4.8 / §7): close
// any open queues, deconfigure and release the device-era resources
// (counter array, notification blocks, admin queue), re-probe the device
// from scratch, and reopen with the previous queue counts if the
// interface was administratively up. Any admin command failing during
// re-probe or reopen leaves the interface administratively down.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resetLocked()
}

// ResetNeeded reports whether the service task should call Reset: either
// the device set its status RESET bit (observed by the caller via its own
// register poll) or an admin command in the open path already failed and
// set DO_RESET (spec §4.8 reset triggers (a)/(b)).
func (d *Device) ResetNeeded(deviceRequestedReset bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return deviceRequestedReset || d.serviceFlags&flagDoReset != 0
}

func (d *Device) resetLocked() error {
	d.serviceFlags |= flagResetInProgress
	defer func() { d.serviceFlags &^= flagResetInProgress | flagDoReset }()

	wasUp := d.administrativelyUp
	numTx, numRx := d.numTxQueues, d.numRxQueues

	if err := d.closeLocked(); err != nil {
		d.log.Warn().Err(err).Msg("gve: orderly close during reset failed, continuing teardown")
	}

	d.teardownDeviceLocked()

	if err := d.probeLocked(); err != nil {
		return fmt.Errorf("gve: reset re-probe failed: %w", err)
	}

	if !wasUp {
		return nil
	}

	if err := d.openQueuesLocked(numTx, numRx); err != nil {
		return fmt.Errorf("gve: reset reopen failed: %w", err)
	}

	d.numTxQueues, d.numRxQueues = numTx, numRx
	d.administrativelyUp = true
	d.net.setLinkUp(true)
	d.net.reactivateTx()

	return nil
}

// teardownDeviceLocked releases everything Probe built: DECONFIGURE_DEVICE_
// RESOURCES if resources were configured, the admin queue's page, and the
// counter/notification-block arena reservations. It leaves the Device
// ready for a fresh probeLocked call.
func (d *Device) teardownDeviceLocked() {
	if d.deviceFlags&flagDeviceResourcesOK != 0 {
		if err := d.admin.DeconfigureDeviceResources(); err != nil {
			d.log.Warn().Err(err).Msg("gve: deconfigure device resources failed during reset")
		}
		d.mem.Release(d.counterBus)
		d.mem.Release(d.notifyBus)
		d.deviceFlags &^= flagDeviceResourcesOK
	}

	if d.admin != nil {
		d.admin.Close()
		d.admin = nil
	}
	d.deviceFlags &^= flagAdminQueueOK

	d.counters = nil
	d.blocks = nil
	d.qplAlloc = nil
}
