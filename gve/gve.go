// Package gve ties the admin queue, QPL allocator, TX/RX rings, and
// notification blocks together into one driver instance: device
// probing, queue lifecycle, the reset state machine, and the
// gvisor stack.LinkEndpoint adapter the host network stack attaches to
// (spec §4.8, §9).
package gve

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/google/gve-go/adminq"
	"github.com/google/gve-go/desc"
	"github.com/google/gve-go/dma"
	"github.com/google/gve-go/internal/regio"
	"github.com/google/gve-go/notify"
	"github.com/google/gve-go/qpl"
	"github.com/google/gve-go/rxq"
	"github.com/google/gve-go/txq"
)

// serviceFlag is the service-task bitset of spec §4.8.
type serviceFlag uint32

const (
	flagDoReset serviceFlag = 1 << iota
	flagResetInProgress
	flagProbeInProgress
)

// deviceFlag is the device-state bitset of spec §4.8.
type deviceFlag uint32

const (
	flagAdminQueueOK deviceFlag = 1 << iota
	flagDeviceResourcesOK
	flagDeviceRingsOK
	flagNapiEnabled
)

// maxRegisteredPagesCap is used when a device descriptor reports zero,
// which only happens against a not-yet-wired fake in tests.
const maxRegisteredPagesCap = 1 << 20

// Device is one bound gVNIC instance (spec's "Priv"). PCI enumeration, BAR
// mapping, and MSI-X allocation are out of scope (spec §1) and are the
// caller's responsibility: NewDevice takes the two BAR windows already
// mapped and a DMA region already carved out for this instance.
type Device struct {
	mu  sync.Mutex
	log zerolog.Logger

	regs *regio.Window // BAR0: configuration registers
	bar2 *regio.Window // BAR2: TX/RX/IRQ doorbell cells, one dense array
	mem  *dma.Region

	admin    *adminq.Queue
	qplAlloc *qpl.Allocator

	info desc.DeviceDescriptor

	// maxTxBlocks/maxBlocks are read from the MAX_TX_QUEUES/MAX_RX_QUEUES
	// registers at probe time and size the notification block array for
	// the device's lifetime; TX blocks are blocks[:maxTxBlocks], RX
	// blocks are blocks[maxTxBlocks:] (spec §4.1 "TX blocks occupy the
	// low half of the block array, RX blocks the high half").
	maxTxBlocks int
	maxBlocks   int

	counters   *regio.Window
	counterBus uint64
	notifyBus  uint64

	blocks []*notify.Block

	tx     []*txq.Ring
	txQPLs []*qpl.QueuePageList
	rx     []*rxq.Ring
	rxQPLs []*qpl.QueuePageList

	numTxQueues int
	numRxQueues int

	serviceFlags serviceFlag
	deviceFlags  deviceFlag

	administrativelyUp bool

	net netState
}

// NewDevice builds a Device over an already BAR-mapped register window,
// doorbell window, and DMA region. The device is left in the Probed-down
// state (spec §4.8); call Open to bring up queues.
func NewDevice(regs, bar2 *regio.Window, mem *dma.Region, log zerolog.Logger) *Device {
	return &Device{
		regs: regs,
		bar2: bar2,
		mem:  mem,
		log:  log,
	}
}

// fail records that the driver must schedule a reset because an admin
// command in the open/probe path failed (spec §4.8 reset trigger (b)),
// and returns err unchanged for the caller to propagate.
func (d *Device) fail(err error) error {
	if err != nil {
		d.serviceFlags |= flagDoReset
	}
	return err
}

// Probe brings the device from unbound to Probed-down: it attaches the
// admin queue, runs DESCRIBE_DEVICE and CONFIGURE_DEVICE_RESOURCES, and
// builds the notification block array, grounded directly on kvm/gvnic's
// GVE.Init sequencing (reset status, admin queue, driver-status RUN,
// describe, configure). It is a no-op if already probed.
func (d *Device) Probe() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.probeLocked()
}

func (d *Device) probeLocked() error {
	if d.deviceFlags&flagAdminQueueOK != 0 {
		return nil
	}

	d.serviceFlags |= flagProbeInProgress
	defer func() { d.serviceFlags &^= flagProbeInProgress }()

	d.maxTxBlocks = int(d.regs.Read(desc.RegMaxTxQueues))
	d.maxBlocks = d.maxTxBlocks + int(d.regs.Read(desc.RegMaxRxQueues))

	admin := adminq.New(d.regs, d.mem, d.log)
	d.admin = admin
	d.deviceFlags |= flagAdminQueueOK

	d.regs.Write(desc.RegDriverStatus, desc.DriverStatusRun)

	info, err := admin.DescribeDevice(d.mem)
	if err != nil {
		return d.fail(fmt.Errorf("gve: describe device: %w", err))
	}
	d.info = info

	maxRegisteredPages := int(info.MaxRegisteredPages)
	if maxRegisteredPages == 0 {
		maxRegisteredPages = maxRegisteredPagesCap
	}
	d.qplAlloc = qpl.NewAllocator(d.mem, d.maxTxBlocks, d.maxBlocks-d.maxTxBlocks, maxRegisteredPages)

	d.counters = regio.NewWindow(int(info.Counters) * 4)
	_, counterBus := d.mem.Reserve(int(info.Counters)*4, desc.PageSize)
	d.counterBus = counterBus

	notifyBuf, notifyBus := d.mem.Reserve(d.maxBlocks*desc.NotifyBlockSize, 64)
	d.notifyBus = notifyBus

	cfg := desc.ConfigureDeviceResources{
		CounterArrayAddr:   counterBus,
		IRQDoorbellAddr:    notifyBus,
		NumCounters:        uint32(info.Counters),
		NumIRQDoorbells:    uint32(d.maxBlocks),
		IRQDoorbellStride:  desc.NotifyBlockSize,
		NotifyBlockMSIXIdx: 0,
	}
	if err := admin.ConfigureDeviceResources(cfg); err != nil {
		return d.fail(fmt.Errorf("gve: configure device resources: %w", err))
	}
	d.deviceFlags |= flagDeviceResourcesOK

	d.blocks = make([]*notify.Block, d.maxBlocks)
	for i := 0; i < d.maxBlocks; i++ {
		var nb desc.NotifyBlock
		nb.Decode(notifyBuf[i*desc.NotifyBlockSize : (i+1)*desc.NotifyBlockSize])
		d.blocks[i] = notify.NewBlock(i, notify.NoQueue, notify.NoQueue, d.bar2, nb.IRQDBIndex, d.log)
	}

	d.net.setAddress(info.MAC)
	d.net.setMTU(uint32(info.MTU))

	return nil
}

// Open brings the device up with numTx TX queues and numRx RX queues,
// probing first if this is the first Open (spec §4.8 Probed-down → Open).
func (d *Device) Open(numTx, numRx int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.deviceFlags&flagDeviceRingsOK != 0 {
		return errors.New("gve: already open")
	}

	if err := d.probeLocked(); err != nil {
		return err
	}

	if numTx > d.maxTxBlocks || numRx > d.maxBlocks-d.maxTxBlocks {
		return fmt.Errorf("gve: requested %d tx / %d rx queues exceed device max %d/%d",
			numTx, numRx, d.maxTxBlocks, d.maxBlocks-d.maxTxBlocks)
	}

	if err := d.openQueuesLocked(numTx, numRx); err != nil {
		d.closeLocked()
		return err
	}

	d.numTxQueues, d.numRxQueues = numTx, numRx
	d.administrativelyUp = true
	d.net.setLinkUp(true)
	d.net.reactivateTx()

	return nil
}

func (d *Device) openQueuesLocked(numTx, numRx int) error {
	for i := 0; i < numTx; i++ {
		ring, list, err := d.openTxQueue(i)
		if err != nil {
			return d.fail(fmt.Errorf("gve: create tx queue %d: %w", i, err))
		}
		d.tx = append(d.tx, ring)
		d.txQPLs = append(d.txQPLs, list)
		d.blocks[i].TxIdx = i
	}

	for i := 0; i < numRx; i++ {
		ring, list, err := d.openRxQueue(i, numTx)
		if err != nil {
			return d.fail(fmt.Errorf("gve: create rx queue %d: %w", i, err))
		}
		d.rx = append(d.rx, ring)
		d.rxQPLs = append(d.rxQPLs, list)
		d.blocks[d.maxTxBlocks+i].RxIdx = i
		ring.Prime()
	}

	d.deviceFlags |= flagDeviceRingsOK | flagNapiEnabled

	return nil
}

// registerQPL submits REGISTER_PAGE_LIST for list, copying its bus address
// table into a scratch DMA buffer the device reads once during the
// command (spec §4.3/§4.8: every QPL is registered before the queue that
// uses it is created), grounded on gve_main.c's gve_register_qpls.
func (d *Device) registerQPL(list *qpl.QueuePageList) error {
	table := list.BusAddrTable()
	bus := d.mem.Alloc(table, 8)
	defer d.mem.Free(bus)

	return d.admin.RegisterPageList(uint32(list.ID), uint32(list.NumEntries()), bus)
}

// unregisterQPL submits UNREGISTER_PAGE_LIST for list, grounded on
// gve_main.c's gve_unregister_qpls. Failures are only logged: they are
// not returned and do not set flagDoReset, since by the time this runs
// during close/unwind the caller is already tearing the QPL down.
func (d *Device) unregisterQPL(list *qpl.QueuePageList) {
	if err := d.admin.UnregisterPageList(uint32(list.ID)); err != nil {
		d.log.Warn().Err(err).Int("qpl", list.ID).Msg("gve: unregister page list failed")
	}
}

func (d *Device) openTxQueue(i int) (*txq.Ring, *qpl.QueuePageList, error) {
	id, ok := d.qplAlloc.AssignTX()
	if !ok {
		return nil, nil, errors.New("no free TX QPL id")
	}

	pages := int(d.info.TxPagesPerQPL)
	if pages > desc.MaxTxPagesPerQPL {
		pages = desc.MaxTxPagesPerQPL
	}

	list, err := d.qplAlloc.Allocate(id, pages)
	if err != nil {
		d.qplAlloc.Unassign(id)
		return nil, nil, err
	}

	if err := d.registerQPL(list); err != nil {
		d.qplAlloc.Free(list)
		d.qplAlloc.Unassign(id)
		return nil, nil, err
	}

	descBuf, descBus := d.mem.Reserve(int(d.info.TxQueueEntries)*desc.PktDescSize, desc.PageSize)

	qr, err := d.admin.CreateTxQueue(d.mem, desc.CreateTxQueue{
		QueueID:         uint32(i),
		TxRingAddr:      descBus,
		QueuePageListID: uint32(id),
		NotifyID:        uint32(i),
	})
	if err != nil {
		d.mem.Release(descBus)
		d.unregisterQPL(list)
		d.qplAlloc.Free(list)
		d.qplAlloc.Unassign(id)
		return nil, nil, err
	}

	fifo := txq.NewFifo(list.Flat(), list.BusBase())
	ring := txq.NewRing(descBuf, fifo, d.bar2, qr.DoorbellIndex, d.counters, qr.CounterIndex,
		d.txUpper(i), d.releaseTx, d.log)
	ring.SetUp(true)

	return ring, list, nil
}

func (d *Device) openRxQueue(i, numTx int) (*rxq.Ring, *qpl.QueuePageList, error) {
	id, ok := d.qplAlloc.AssignRX()
	if !ok {
		return nil, nil, errors.New("no free RX QPL id")
	}

	pages := int(d.info.RxPagesPerQPL)
	if pages > desc.MaxRxPagesPerQPL {
		pages = desc.MaxRxPagesPerQPL
	}

	list, err := d.qplAlloc.Allocate(id, pages)
	if err != nil {
		d.qplAlloc.Unassign(id)
		return nil, nil, err
	}

	if err := d.registerQPL(list); err != nil {
		d.qplAlloc.Free(list)
		d.qplAlloc.Unassign(id)
		return nil, nil, err
	}

	slots := int(d.info.RxQueueEntries)
	descBuf, descBus := d.mem.Reserve(slots*desc.RxDescSize, desc.PageSize)
	dataBuf, dataBus := d.mem.Reserve(slots*desc.RxDataSlotSize, desc.PageSize)

	qr, err := d.admin.CreateRxQueue(d.mem, desc.CreateRxQueue{
		QueueID:         uint32(numTx + i),
		Index:           uint32(i),
		NotifyID:        uint32(d.maxTxBlocks + i),
		RxDescRingAddr:  descBus,
		RxDataRingAddr:  dataBus,
		QueuePageListID: uint32(id),
	})
	if err != nil {
		d.mem.Release(descBus)
		d.mem.Release(dataBus)
		d.unregisterQPL(list)
		d.qplAlloc.Free(list)
		d.qplAlloc.Unassign(id)
		return nil, nil, err
	}

	ring := rxq.NewRing(descBuf, dataBuf, list, d.info.MTU, rxq.DefaultCopybreak, d.bar2, qr.DoorbellIndex, d.log)

	return ring, list, nil
}

// Close tears down TX/RX queues and frees their QPLs, returning the
// device to Probed-down (admin queue and device resources stay intact):
// spec §4.8's Open → Close transition.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *Device) closeLocked() error {
	if d.deviceFlags&flagDeviceRingsOK == 0 {
		return nil
	}

	d.net.setLinkUp(false)
	d.net.deactivateTx()

	var firstErr error
	recordErr := func(err error) {
		if err != nil {
			d.log.Warn().Err(err).Msg("gve: queue teardown command failed during close")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	for i, r := range d.tx {
		r.SetUp(false)
		recordErr(d.admin.DestroyTxQueue(uint32(i)))
	}
	for i := range d.rx {
		recordErr(d.admin.DestroyRxQueue(uint32(len(d.tx) + i)))
	}

	for i, list := range d.txQPLs {
		d.unregisterQPL(list)
		d.qplAlloc.Free(list)
		d.qplAlloc.Unassign(list.ID)
		d.blocks[i].TxIdx = notify.NoQueue
	}
	for i, list := range d.rxQPLs {
		d.unregisterQPL(list)
		d.qplAlloc.Free(list)
		d.qplAlloc.Unassign(list.ID)
		d.blocks[d.maxTxBlocks+i].RxIdx = notify.NoQueue
	}

	d.tx = nil
	d.rx = nil
	d.txQPLs = nil
	d.rxQPLs = nil
	d.numTxQueues = 0
	d.numRxQueues = 0
	d.administrativelyUp = false
	d.deviceFlags &^= flagDeviceRingsOK | flagNapiEnabled

	if firstErr != nil {
		return d.fail(firstErr)
	}
	return nil
}

