package gve

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/google/gve-go/desc"
	"github.com/google/gve-go/dma"
	"github.com/google/gve-go/internal/regio"
)

// fakeNIC emulates just enough of the admin queue protocol for Probe/Open/
// Close/Reset to exercise their full command sequence against a Device,
// the same watch-the-doorbell-register technique adminq's own tests use,
// extended to also fabricate the response payloads DESCRIBE_DEVICE,
// CONFIGURE_DEVICE_RESOURCES, and CREATE_TX/RX_QUEUE write back.
type fakeNIC struct {
	t   *testing.T
	mem *dma.Region

	nextDB uint32 // next device-assigned doorbell/counter index

	descriptor desc.DeviceDescriptor
}

func newFakeNIC(t *testing.T, mem *dma.Region) *fakeNIC {
	return &fakeNIC{
		t:   t,
		mem: mem,
		descriptor: desc.DeviceDescriptor{
			MaxRegisteredPages: 4096,
			TxQueueEntries:     256,
			RxQueueEntries:     256,
			DefaultNumQueues:   1,
			MTU:                1500,
			Counters:           64,
			TxPagesPerQPL:      16,
			RxPagesPerQPL:      16,
			MAC:                [6]byte{0x42, 0x00, 0x00, 0x00, 0x00, 0x01},
		},
	}
}

// run watches regs for the admin queue's PFN registration and then drains
// commands off it until stop is closed.
func (f *fakeNIC) run(regs *regio.Window) (stop func()) {
	done := make(chan struct{})
	go func() {
		var pfnBus uint64
		var lastPFN uint32
		var lastSeen uint32

		for {
			select {
			case <-done:
				return
			default:
			}

			// Re-read the PFN every iteration: Reset detaches and
			// reattaches the admin queue to a fresh page, so the bus
			// address this goroutine targets must follow it.
			pfn := regs.Read(desc.RegAdminQueuePFN)
			if pfn != lastPFN {
				lastPFN = pfn
				pfnBus = uint64(pfn) * desc.PageSize
				lastSeen = 0
				if pfn != 0 {
					// A fresh attach starts the device's completion
					// counter back at zero, same as real hardware.
					regs.Write(desc.RegAdminQueueCounter, 0)
				}
			}
			if pfn == 0 {
				time.Sleep(time.Millisecond)
				continue
			}

			doorbell := regs.Read(desc.RegAdminQueueDoorbell)
			if doorbell == lastSeen {
				time.Sleep(time.Millisecond)
				continue
			}
			lastSeen = doorbell

			slot := (doorbell - 1) % (desc.PageSize / desc.CommandSlotSize)

			slotBuf := make([]byte, desc.CommandSlotSize)
			_ = f.mem.Read(pfnBus, int(slot)*desc.CommandSlotSize, slotBuf)

			var cmd desc.Command
			cmd.UnmarshalBinary(slotBuf)

			f.handle(&cmd)

			copy(slotBuf, cmd.MarshalBinary())
			_ = f.mem.Write(pfnBus, int(slot)*desc.CommandSlotSize, slotBuf)

			regs.Write(desc.RegAdminQueueCounter, doorbell)
		}
	}()

	return func() { close(done) }
}

func (f *fakeNIC) handle(cmd *desc.Command) {
	switch cmd.Opcode {
	case desc.OpDescribeDevice:
		addr := binary.BigEndian.Uint64(cmd.Payload[0:8])
		buf := make([]byte, desc.DeviceDescriptorSize)
		f.encodeDescriptor(buf)
		_ = f.mem.Write(addr, 0, buf)

	case desc.OpConfigureDeviceResources:
		irqAddr := binary.BigEndian.Uint64(cmd.Payload[8:16])
		numBlocks := binary.BigEndian.Uint32(cmd.Payload[20:24])
		stride := binary.BigEndian.Uint32(cmd.Payload[24:28])
		for i := uint32(0); i < numBlocks; i++ {
			block := make([]byte, desc.NotifyBlockSize)
			binary.BigEndian.PutUint32(block[0:4], i)
			_ = f.mem.Write(irqAddr, int(i*stride), block)
		}

	case desc.OpCreateTxQueue:
		addr := binary.BigEndian.Uint64(cmd.Payload[8:16])
		f.writeQueueResources(addr)

	case desc.OpCreateRxQueue:
		addr := binary.BigEndian.Uint64(cmd.Payload[16:24])
		f.writeQueueResources(addr)

	case desc.OpDeconfigureDeviceResources, desc.OpDestroyTxQueue, desc.OpDestroyRxQueue,
		desc.OpRegisterPageList, desc.OpUnregisterPageList:
		// no response payload

	default:
		f.t.Fatalf("fakeNIC: unhandled opcode %v", cmd.Opcode)
	}

	cmd.Status = desc.StatusPassed
}

func (f *fakeNIC) writeQueueResources(addr uint64) {
	buf := make([]byte, desc.QueueResourcesSize)
	binary.BigEndian.PutUint32(buf[0:4], f.nextDB)
	binary.BigEndian.PutUint32(buf[4:8], f.nextDB)
	f.nextDB++
	_ = f.mem.Write(addr, 0, buf)
}

func (f *fakeNIC) encodeDescriptor(buf []byte) {
	d := f.descriptor
	binary.BigEndian.PutUint64(buf[0:8], d.MaxRegisteredPages)
	binary.BigEndian.PutUint16(buf[10:12], d.TxQueueEntries)
	binary.BigEndian.PutUint16(buf[12:14], d.RxQueueEntries)
	binary.BigEndian.PutUint16(buf[14:16], d.DefaultNumQueues)
	binary.BigEndian.PutUint16(buf[16:18], d.MTU)
	binary.BigEndian.PutUint16(buf[18:20], d.Counters)
	binary.BigEndian.PutUint16(buf[20:22], d.TxPagesPerQPL)
	binary.BigEndian.PutUint16(buf[22:24], d.RxPagesPerQPL)
	copy(buf[24:30], d.MAC[:])
}

// newTestDevice builds a Device with 4/4 max queues and wires up a fakeNIC
// to answer its admin queue.
func newTestDevice(t *testing.T) (*Device, func()) {
	t.Helper()

	regs := regio.NewWindow(int(desc.RegWindowSize))
	regs.Write(desc.RegMaxTxQueues, 4)
	regs.Write(desc.RegMaxRxQueues, 4)

	bar2 := regio.NewWindow(4096)
	mem := dma.NewRegion(1<<22, 0x100000)

	d := NewDevice(regs, bar2, mem, zerolog.Nop())

	nic := newFakeNIC(t, mem)
	stop := nic.run(regs)

	return d, stop
}

func TestProbeIsIdempotent(t *testing.T) {
	d, stop := newTestDevice(t)
	defer stop()

	require.NoError(t, d.Probe())
	require.NoError(t, d.Probe())

	require.Equal(t, tcpipMAC(d), [6]byte{0x42, 0x00, 0x00, 0x00, 0x00, 0x01})
	require.Equal(t, uint32(1500), d.MTU())
}

func tcpipMAC(d *Device) [6]byte {
	var mac [6]byte
	copy(mac[:], []byte(d.LinkAddress()))
	return mac
}

func TestOpenCloseRoundTrip(t *testing.T) {
	d, stop := newTestDevice(t)
	defer stop()

	require.NoError(t, d.Open(2, 2))
	require.Len(t, d.tx, 2)
	require.Len(t, d.rx, 2)
	require.True(t, d.net.linkUp)

	require.NoError(t, d.Close())
	require.Len(t, d.tx, 0)
	require.Len(t, d.rx, 0)
	require.False(t, d.net.linkUp)

	stats := d.Stats()
	require.Empty(t, stats.TxQueues)
	require.Empty(t, stats.RxQueues)

	require.Equal(t, 0, d.qplAlloc.RegisteredPages())
}

func TestOpenRejectsTooManyQueues(t *testing.T) {
	d, stop := newTestDevice(t)
	defer stop()

	err := d.Open(5, 0)
	require.Error(t, err)
}

func TestAdjustQueuesWhileDownOnlyRecordsCounts(t *testing.T) {
	d, stop := newTestDevice(t)
	defer stop()

	require.NoError(t, d.Probe())
	require.NoError(t, d.AdjustQueues(3, 1))

	require.False(t, d.administrativelyUp)
	require.Equal(t, 3, d.numTxQueues)
	require.Equal(t, 1, d.numRxQueues)
}

func TestAdjustQueuesWhileUpReopens(t *testing.T) {
	d, stop := newTestDevice(t)
	defer stop()

	require.NoError(t, d.Open(1, 1))
	require.NoError(t, d.AdjustQueues(2, 2))

	require.Len(t, d.tx, 2)
	require.Len(t, d.rx, 2)
	require.True(t, d.net.linkUp)
}

func TestResetReprobesAndReopensWhenPreviouslyUp(t *testing.T) {
	d, stop := newTestDevice(t)
	defer stop()

	require.NoError(t, d.Open(1, 1))

	require.NoError(t, d.Reset())

	require.Len(t, d.tx, 1)
	require.Len(t, d.rx, 1)
	require.True(t, d.net.linkUp)
	require.True(t, d.deviceFlags&flagAdminQueueOK != 0)
}

func TestResetLeavesDeviceDownWhenPreviouslyDown(t *testing.T) {
	d, stop := newTestDevice(t)
	defer stop()

	require.NoError(t, d.Probe())
	require.NoError(t, d.Reset())

	require.Len(t, d.tx, 0)
	require.False(t, d.administrativelyUp)
	require.True(t, d.deviceFlags&flagAdminQueueOK != 0)
}

func TestResetNeededReflectsDoResetFlag(t *testing.T) {
	d, stop := newTestDevice(t)
	defer stop()

	require.False(t, d.ResetNeeded(false))
	require.True(t, d.ResetNeeded(true))

	d.mu.Lock()
	d.serviceFlags |= flagDoReset
	d.mu.Unlock()

	require.True(t, d.ResetNeeded(false))
}
