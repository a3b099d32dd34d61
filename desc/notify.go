package desc

import "encoding/binary"

// NotifyBlockSize is the cache-line stride CONFIGURE_DEVICE_RESOURCES
// reserves per notification block in the device-writable block array
// (IRQDoorbellStride), mirroring gve_notify_block's device-visible prefix
// padded to a cache line.
const NotifyBlockSize = 64

// NotifyBlock is the per-block record CONFIGURE_DEVICE_RESOURCES points the
// device at via IRQDoorbellAddr. The device fills in IRQDBIndex, the BAR2
// cell this block's IRQ doorbell lives at; everything past it is reserved.
type NotifyBlock struct {
	IRQDBIndex uint32
}

// Decode reads a NotifyBlock record written by the device.
func (n *NotifyBlock) Decode(buf []byte) {
	n.IRQDBIndex = binary.BigEndian.Uint32(buf[0:4])
}
