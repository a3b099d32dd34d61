// Package desc defines the bit-exact on-wire layout shared with the device:
// the BAR0 register window, the admin queue command slot and its
// opcode-specific payloads, and the TX/RX descriptor rings.
//
// Every struct in this package is naturally packed and big-endian, matching
// the device's wire format; nothing here touches a live register or ring,
// it only encodes/decodes bytes.
package desc

// PCI identity.
const (
	VendorID = 0x1AE0
	DeviceID = 0x0042
)

// BAR0 register window offsets (32-bit, big-endian unless noted).
const (
	RegDeviceStatus       = 0x00
	RegDriverStatus       = 0x04
	RegMaxTxQueues        = 0x08
	RegMaxRxQueues        = 0x0C
	RegAdminQueuePFN      = 0x10 // value = bus_addr / PageSize, 0 detaches
	RegAdminQueueDoorbell = 0x14
	RegAdminQueueCounter  = 0x18
	RegDriverVersion      = 0x1F // byte sink, one byte at a time, newline-terminated

	RegWindowSize = 0x20
)

// DeviceStatusReset is the bit position in RegDeviceStatus indicating the
// device has requested a reset. Other bits are unspecified.
const DeviceStatusReset = 1

// DriverStatusRun is the value the driver writes to RegDriverStatus once
// the admin queue is attached, telling the device it may start processing
// admin commands.
const DriverStatusRun = 1

// Doorbell BAR (BAR2): a dense array of 32-bit big-endian cells. A queue
// learns its own cell index from its QueueResources struct written by the
// device.
//
// IRQ doorbell value bits.
const (
	IRQDoorbellACK   = 31
	IRQDoorbellMASK  = 30
	IRQDoorbellEVENT = 29
)

// IRQDoorbellValue builds a doorbell write combining ACK/MASK/EVENT bits.
func IRQDoorbellValue(ack, mask, event bool) uint32 {
	var v uint32
	if ack {
		v |= 1 << IRQDoorbellACK
	}
	if mask {
		v |= 1 << IRQDoorbellMASK
	}
	if event {
		v |= 1 << IRQDoorbellEVENT
	}
	return v
}

// MTU bounds.
const MinMTU = 68

// QPL page-per-list caps enforced by the driver regardless of what the
// device advertises.
const (
	MaxTxPagesPerQPL = 512
	MaxRxPagesPerQPL = 1024
)

// PageSize is the DMA page granularity QPL entries are allocated in.
const PageSize = 4096
