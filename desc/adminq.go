package desc

import "encoding/binary"

// Admin queue command slot size and the payload's usable length
// (64 - 4 opcode - 4 status).
const (
	CommandSlotSize = 64
	PayloadSize     = CommandSlotSize - 8
)

// Command is one 64-byte admin queue slot: {be32 opcode; be32 status;
// 56-byte opcode-specific payload}.
type Command struct {
	Opcode  Opcode
	Status  Status
	Payload [PayloadSize]byte
}

// MarshalBinary encodes the command slot to its wire form.
func (c *Command) MarshalBinary() []byte {
	buf := make([]byte, CommandSlotSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(c.Opcode))
	binary.BigEndian.PutUint32(buf[4:8], uint32(c.Status))
	copy(buf[8:], c.Payload[:])
	return buf
}

// UnmarshalBinary decodes a command slot from its wire form. buf must be at
// least CommandSlotSize bytes.
func (c *Command) UnmarshalBinary(buf []byte) {
	c.Opcode = Opcode(binary.BigEndian.Uint32(buf[0:4]))
	c.Status = Status(binary.BigEndian.Uint32(buf[4:8]))
	copy(c.Payload[:], buf[8:CommandSlotSize])
}

// DescribeDevice is the DESCRIBE_DEVICE command payload (16 bytes).
type DescribeDevice struct {
	DeviceDescriptorAddr    uint64
	DeviceDescriptorVersion uint32
	AvailableLength         uint32
}

const describeDeviceVersion = 1

// Encode packs the payload into a Command's payload field.
func (d *DescribeDevice) Encode(payload *[PayloadSize]byte) {
	binary.BigEndian.PutUint64(payload[0:8], d.DeviceDescriptorAddr)
	binary.BigEndian.PutUint32(payload[8:12], describeDeviceVersion)
	binary.BigEndian.PutUint32(payload[12:16], d.AvailableLength)
}

// DeviceDescriptor is the structure DESCRIBE_DEVICE writes back into the
// buffer pointed at by DescribeDevice.DeviceDescriptorAddr (40 bytes).
type DeviceDescriptor struct {
	MaxRegisteredPages uint64
	TxQueueEntries     uint16
	RxQueueEntries     uint16
	DefaultNumQueues   uint16
	MTU                uint16
	Counters           uint16
	TxPagesPerQPL      uint16
	RxPagesPerQPL      uint16
	MAC                [6]byte
	NumDeviceOptions   uint16
	TotalLength        uint16
}

const DeviceDescriptorSize = 40

// Decode unpacks a DeviceDescriptor from its wire form.
func (d *DeviceDescriptor) Decode(buf []byte) {
	_ = buf[DeviceDescriptorSize-1]
	// buf[8:10] is reserved1, skipped.
	d.MaxRegisteredPages = binary.BigEndian.Uint64(buf[0:8])
	d.TxQueueEntries = binary.BigEndian.Uint16(buf[10:12])
	d.RxQueueEntries = binary.BigEndian.Uint16(buf[12:14])
	d.DefaultNumQueues = binary.BigEndian.Uint16(buf[14:16])
	d.MTU = binary.BigEndian.Uint16(buf[16:18])
	d.Counters = binary.BigEndian.Uint16(buf[18:20])
	d.TxPagesPerQPL = binary.BigEndian.Uint16(buf[20:22])
	d.RxPagesPerQPL = binary.BigEndian.Uint16(buf[22:24])
	copy(d.MAC[:], buf[24:30])
	d.NumDeviceOptions = binary.BigEndian.Uint16(buf[30:32])
	d.TotalLength = binary.BigEndian.Uint16(buf[32:34])
}

// ConfigureDeviceResources is the CONFIGURE_DEVICE_RESOURCES payload (32 bytes).
type ConfigureDeviceResources struct {
	CounterArrayAddr   uint64
	IRQDoorbellAddr    uint64
	NumCounters        uint32
	NumIRQDoorbells    uint32
	IRQDoorbellStride  uint32
	NotifyBlockMSIXIdx uint32
}

// Encode packs the payload into a Command's payload field.
func (c *ConfigureDeviceResources) Encode(payload *[PayloadSize]byte) {
	binary.BigEndian.PutUint64(payload[0:8], c.CounterArrayAddr)
	binary.BigEndian.PutUint64(payload[8:16], c.IRQDoorbellAddr)
	binary.BigEndian.PutUint32(payload[16:20], c.NumCounters)
	binary.BigEndian.PutUint32(payload[20:24], c.NumIRQDoorbells)
	binary.BigEndian.PutUint32(payload[24:28], c.IRQDoorbellStride)
	binary.BigEndian.PutUint32(payload[28:32], c.NotifyBlockMSIXIdx)
}

// RegisterPageList is the REGISTER_PAGE_LIST payload (16 bytes) plus a side
// buffer of big-endian bus addresses pointed to by PageAddressListAddr.
type RegisterPageList struct {
	PageListID          uint32
	NumPages            uint32
	PageAddressListAddr uint64
}

// Encode packs the payload into a Command's payload field.
func (r *RegisterPageList) Encode(payload *[PayloadSize]byte) {
	binary.BigEndian.PutUint32(payload[0:4], r.PageListID)
	binary.BigEndian.PutUint32(payload[4:8], r.NumPages)
	binary.BigEndian.PutUint64(payload[8:16], r.PageAddressListAddr)
}

// UnregisterPageList is the UNREGISTER_PAGE_LIST payload (4 bytes).
type UnregisterPageList struct {
	PageListID uint32
}

// Encode packs the payload into a Command's payload field.
func (u *UnregisterPageList) Encode(payload *[PayloadSize]byte) {
	binary.BigEndian.PutUint32(payload[0:4], u.PageListID)
}

// CreateTxQueue is the CREATE_TX_QUEUE payload (32 bytes).
type CreateTxQueue struct {
	QueueID           uint32
	QueueResourcesAddr uint64
	TxRingAddr        uint64
	QueuePageListID   uint32
	NotifyID          uint32
}

// Encode packs the payload into a Command's payload field.
func (c *CreateTxQueue) Encode(payload *[PayloadSize]byte) {
	binary.BigEndian.PutUint32(payload[0:4], c.QueueID)
	binary.BigEndian.PutUint32(payload[4:8], 0) // reserved
	binary.BigEndian.PutUint64(payload[8:16], c.QueueResourcesAddr)
	binary.BigEndian.PutUint64(payload[16:24], c.TxRingAddr)
	binary.BigEndian.PutUint32(payload[24:28], c.QueuePageListID)
	binary.BigEndian.PutUint32(payload[28:32], c.NotifyID)
}

// CreateRxQueue is the CREATE_RX_QUEUE payload (48 bytes).
type CreateRxQueue struct {
	QueueID            uint32
	Index              uint32
	NotifyID           uint32
	QueueResourcesAddr uint64
	RxDescRingAddr     uint64
	RxDataRingAddr     uint64
	QueuePageListID    uint32
}

// Encode packs the payload into a Command's payload field.
func (c *CreateRxQueue) Encode(payload *[PayloadSize]byte) {
	binary.BigEndian.PutUint32(payload[0:4], c.QueueID)
	binary.BigEndian.PutUint32(payload[4:8], c.Index)
	binary.BigEndian.PutUint32(payload[8:12], 0) // reserved
	binary.BigEndian.PutUint32(payload[12:16], c.NotifyID)
	binary.BigEndian.PutUint64(payload[16:24], c.QueueResourcesAddr)
	binary.BigEndian.PutUint64(payload[24:32], c.RxDescRingAddr)
	binary.BigEndian.PutUint64(payload[32:40], c.RxDataRingAddr)
	binary.BigEndian.PutUint32(payload[40:44], c.QueuePageListID)
}

// DestroyTxQueue / DestroyRxQueue are the 4-byte {queue_id} payloads.
type DestroyTxQueue struct{ QueueID uint32 }

// Encode packs the payload into a Command's payload field.
func (d *DestroyTxQueue) Encode(payload *[PayloadSize]byte) {
	binary.BigEndian.PutUint32(payload[0:4], d.QueueID)
}

type DestroyRxQueue struct{ QueueID uint32 }

// Encode packs the payload into a Command's payload field.
func (d *DestroyRxQueue) Encode(payload *[PayloadSize]byte) {
	binary.BigEndian.PutUint32(payload[0:4], d.QueueID)
}

// QueueResources is the 64-byte device-writable struct shared per queue:
// {be32 db_index; be32 counter_index; 56 reserved}.
type QueueResources struct {
	DoorbellIndex uint32
	CounterIndex  uint32
}

const QueueResourcesSize = 64

// Decode reads a QueueResources struct written by the device.
func (q *QueueResources) Decode(buf []byte) {
	q.DoorbellIndex = binary.BigEndian.Uint32(buf[0:4])
	q.CounterIndex = binary.BigEndian.Uint32(buf[4:8])
}
