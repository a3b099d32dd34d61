package adminq

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/google/gve-go/desc"
	"github.com/google/gve-go/dma"
	"github.com/google/gve-go/internal/regio"
)

// fakeDevice emulates the counter-register handshake: it watches the
// doorbell register and, once it changes, stamps the submitted slot with a
// status and advances the counter register to match, just as the real
// device would after processing a command.
func fakeDevice(t *testing.T, q *Queue, status desc.Status) (stop func()) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		var lastSeen uint32
		for {
			select {
			case <-done:
				return
			default:
			}

			doorbell := q.regs.Read(desc.RegAdminQueueDoorbell)
			if doorbell != lastSeen {
				lastSeen = doorbell
				slot := (doorbell - 1) % slotCount

				var cmd desc.Command
				cmd.UnmarshalBinary(q.buf[slot*desc.CommandSlotSize : (slot+1)*desc.CommandSlotSize])
				cmd.Status = status
				copy(q.buf[slot*desc.CommandSlotSize:(slot+1)*desc.CommandSlotSize], cmd.MarshalBinary())

				q.regs.Write(desc.RegAdminQueueCounter, doorbell)
			}

			time.Sleep(time.Millisecond)
		}
	}()

	return func() { close(done) }
}

func newTestQueue() *Queue {
	regs := regio.NewWindow(int(desc.RegWindowSize))
	mem := dma.NewRegion(1<<20, 0x10000)
	return New(regs, mem, zerolog.Nop())
}

func TestSubmitCompletesOnCounterAdvance(t *testing.T) {
	q := newTestQueue()
	stop := fakeDevice(t, q, desc.StatusPassed)
	defer stop()

	var cmd desc.Command
	cmd.Opcode = desc.OpDescribeDevice

	out, err := q.Submit(cmd)
	require.NoError(t, err)
	require.Equal(t, desc.StatusPassed, out.Status)
}

func TestDoClassifiesSuccess(t *testing.T) {
	q := newTestQueue()
	stop := fakeDevice(t, q, desc.StatusPassed)
	defer stop()

	var cmd desc.Command
	cmd.Opcode = desc.OpConfigureDeviceResources

	_, kind, err := q.Do(cmd)
	require.NoError(t, err)
	require.Equal(t, desc.KindSuccess, kind)
}

func TestDoClassifiesPermanentError(t *testing.T) {
	q := newTestQueue()
	stop := fakeDevice(t, q, desc.StatusInvalidArgumentError)
	defer stop()

	var cmd desc.Command
	cmd.Opcode = desc.OpCreateTxQueue

	_, kind, err := q.Do(cmd)
	require.Error(t, err)
	require.Equal(t, desc.KindPermanentInvalid, kind)
}

func TestSubmitSequentialSlotsWrapAroundThePage(t *testing.T) {
	q := newTestQueue()
	stop := fakeDevice(t, q, desc.StatusPassed)
	defer stop()

	for i := 0; i < slotCount+3; i++ {
		var cmd desc.Command
		cmd.Opcode = desc.OpDescribeDevice

		out, err := q.Submit(cmd)
		require.NoError(t, err)
		require.Equal(t, desc.StatusPassed, out.Status)
	}
}

func TestCloseDetachesPFN(t *testing.T) {
	q := newTestQueue()
	q.Close()

	require.Equal(t, uint32(0), q.regs.Read(desc.RegAdminQueuePFN))
}
