package adminq

import (
	"github.com/google/gve-go/desc"
	"github.com/google/gve-go/dma"
)

// DescribeDevice submits DESCRIBE_DEVICE, reserving a scratch page from mem
// for the device to write its descriptor into, and returns the decoded
// descriptor.
func (q *Queue) DescribeDevice(mem *dma.Region) (desc.DeviceDescriptor, error) {
	buf, bus := mem.Reserve(desc.PageSize, desc.PageSize)
	defer mem.Release(bus)

	var cmd desc.Command
	cmd.Opcode = desc.OpDescribeDevice

	payload := desc.DescribeDevice{DeviceDescriptorAddr: bus, AvailableLength: desc.PageSize}
	payload.Encode(&cmd.Payload)

	if _, _, err := q.Do(cmd); err != nil {
		return desc.DeviceDescriptor{}, err
	}

	var d desc.DeviceDescriptor
	d.Decode(buf)
	return d, nil
}

// ConfigureDeviceResources submits CONFIGURE_DEVICE_RESOURCES.
func (q *Queue) ConfigureDeviceResources(p desc.ConfigureDeviceResources) error {
	var cmd desc.Command
	cmd.Opcode = desc.OpConfigureDeviceResources
	p.Encode(&cmd.Payload)

	_, _, err := q.Do(cmd)
	return err
}

// RegisterPageList submits REGISTER_PAGE_LIST for a QueuePageList, pointing
// the device at addrTableBus (the bus address of a big-endian bus address table reserved from
// mem by the caller, typically qpl.QueuePageList.BusAddrTable copied into a
// DMA region).
func (q *Queue) RegisterPageList(id uint32, numPages uint32, addrTableBus uint64) error {
	var cmd desc.Command
	cmd.Opcode = desc.OpRegisterPageList

	p := desc.RegisterPageList{PageListID: id, NumPages: numPages, PageAddressListAddr: addrTableBus}
	p.Encode(&cmd.Payload)

	_, _, err := q.Do(cmd)
	return err
}

// UnregisterPageList submits UNREGISTER_PAGE_LIST.
func (q *Queue) UnregisterPageList(id uint32) error {
	var cmd desc.Command
	cmd.Opcode = desc.OpUnregisterPageList

	p := desc.UnregisterPageList{PageListID: id}
	p.Encode(&cmd.Payload)

	_, _, err := q.Do(cmd)
	return err
}

// CreateTxQueue submits CREATE_TX_QUEUE and returns the device-written
// QueueResources (doorbell/counter indices).
func (q *Queue) CreateTxQueue(mem *dma.Region, p desc.CreateTxQueue) (desc.QueueResources, error) {
	buf, bus := mem.Reserve(desc.QueueResourcesSize, 8)
	defer mem.Release(bus)

	p.QueueResourcesAddr = bus

	var cmd desc.Command
	cmd.Opcode = desc.OpCreateTxQueue
	p.Encode(&cmd.Payload)

	if _, _, err := q.Do(cmd); err != nil {
		return desc.QueueResources{}, err
	}

	var qr desc.QueueResources
	qr.Decode(buf)
	return qr, nil
}

// CreateRxQueue submits CREATE_RX_QUEUE and returns the device-written
// QueueResources.
func (q *Queue) CreateRxQueue(mem *dma.Region, p desc.CreateRxQueue) (desc.QueueResources, error) {
	buf, bus := mem.Reserve(desc.QueueResourcesSize, 8)
	defer mem.Release(bus)

	p.QueueResourcesAddr = bus

	var cmd desc.Command
	cmd.Opcode = desc.OpCreateRxQueue
	p.Encode(&cmd.Payload)

	if _, _, err := q.Do(cmd); err != nil {
		return desc.QueueResources{}, err
	}

	var qr desc.QueueResources
	qr.Decode(buf)
	return qr, nil
}

// DeconfigureDeviceResources submits DECONFIGURE_DEVICE_RESOURCES, which
// carries no payload (spec §4.8 reset teardown).
func (q *Queue) DeconfigureDeviceResources() error {
	var cmd desc.Command
	cmd.Opcode = desc.OpDeconfigureDeviceResources

	_, _, err := q.Do(cmd)
	return err
}

// DestroyTxQueue submits DESTROY_TX_QUEUE.
func (q *Queue) DestroyTxQueue(id uint32) error {
	var cmd desc.Command
	cmd.Opcode = desc.OpDestroyTxQueue

	p := desc.DestroyTxQueue{QueueID: id}
	p.Encode(&cmd.Payload)

	_, _, err := q.Do(cmd)
	return err
}

// DestroyRxQueue submits DESTROY_RX_QUEUE.
func (q *Queue) DestroyRxQueue(id uint32) error {
	var cmd desc.Command
	cmd.Opcode = desc.OpDestroyRxQueue

	p := desc.DestroyRxQueue{QueueID: id}
	p.Encode(&cmd.Payload)

	_, _, err := q.Do(cmd)
	return err
}
