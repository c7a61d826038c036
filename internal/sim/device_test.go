package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/hwcq/internal/rdma"
)

type fixture struct {
	dev    *Device
	table  *rdma.QueueTable
	cq     *rdma.CQ
	qp     *rdma.QP
	events <-chan struct{}
}

func newFixture(t *testing.T, entries int) *fixture {
	t.Helper()
	dev := NewDevice(rdma.LinkLayerEthernet, rdma.DeviceCapRawIPCsum)
	table := rdma.NewQueueTable()
	cq, err := rdma.NewCQ(rdma.CQAttr{Num: 7, Entries: entries, Resolver: table, Doorbell: dev})
	require.NoError(t, err)
	qp, err := rdma.NewQP(rdma.QPAttr{Num: 0x100, Type: rdma.QPTypeRC, MaxSendWR: 256, MaxRecvWR: 256, SendCQ: cq, RecvCQ: cq})
	require.NoError(t, err)
	qp.BindPort(dev.LinkLayer(), dev.Caps())
	table.AddQP(qp)
	return &fixture{dev: dev, table: table, cq: cq, qp: qp, events: dev.Attach(cq)}
}

func (f *fixture) send(t *testing.T, wrid uint64) error {
	t.Helper()
	return f.dev.Complete(f.cq.Num(), func() (rdma.CQEFields, error) {
		idx, err := f.qp.PostSend(wrid)
		if err != nil {
			return rdma.CQEFields{}, err
		}
		return rdma.CQEFields{QPN: f.qp.Num, IsSend: true, WQEIndex: idx, Opcode: rdma.OpSend}, nil
	})
}

func (f *fixture) poll(t *testing.T) []uint64 {
	t.Helper()
	var wrids []uint64
	wc := make([]rdma.WorkCompletion, 4)
	for {
		n, err := f.cq.Poll(wc)
		require.NoError(t, err)
		if n == 0 {
			return wrids
		}
		for _, c := range wc[:n] {
			wrids = append(wrids, c.WRID)
		}
	}
}

func fired(events <-chan struct{}) bool {
	select {
	case <-events:
		return true
	case <-time.After(10 * time.Millisecond):
		return false
	}
}

func TestDeviceProduceAndRoom(t *testing.T) {
	f := newFixture(t, 3)
	room, err := f.dev.Room(f.cq.Num())
	require.NoError(t, err)
	assert.Equal(t, 3, room)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.send(t, uint64(i)))
	}
	err = f.send(t, 99)
	assert.ErrorIs(t, err, ErrCQFull)
	assert.Equal(t, uint32(3), f.qp.SQ.Head(), "nothing is posted when the CQ is full")

	assert.Equal(t, []uint64{0, 1, 2}, f.poll(t))
	room, err = f.dev.Room(f.cq.Num())
	require.NoError(t, err)
	assert.Equal(t, 3, room)

	// keeps going across several laps
	for i := 0; i < 10; i++ {
		require.NoError(t, f.send(t, uint64(10+i)))
		assert.Equal(t, []uint64{uint64(10 + i)}, f.poll(t))
	}
}

func TestDeviceUnknownCQ(t *testing.T) {
	dev := NewDevice(rdma.LinkLayerInfiniBand, 0)
	_, err := dev.Room(1)
	assert.ErrorIs(t, err, ErrUnknownCQ)
	assert.ErrorIs(t, dev.Produce(1, rdma.CQEFields{}), ErrUnknownCQ)

	f := newFixture(t, 4)
	f.dev.Detach(f.cq.Num())
	assert.ErrorIs(t, f.send(t, 1), ErrUnknownCQ)
}

func TestDeviceArmFiresOnNextEntry(t *testing.T) {
	f := newFixture(t, 8)

	f.cq.Arm(false)
	armed, sn := f.dev.Armed(f.cq.Num())
	assert.True(t, armed)
	assert.Equal(t, uint32(1), sn)
	assert.False(t, fired(f.events), "no entry yet")

	require.NoError(t, f.send(t, 1))
	assert.True(t, fired(f.events))
	armed, _ = f.dev.Armed(f.cq.Num())
	assert.False(t, armed, "an event disarms the CQ")

	// unarmed CQs raise no event
	require.NoError(t, f.send(t, 2))
	assert.False(t, fired(f.events))
}

func TestDeviceArmWithPendingEntries(t *testing.T) {
	f := newFixture(t, 8)
	require.NoError(t, f.send(t, 1))

	f.cq.Arm(false)
	assert.True(t, fired(f.events), "entries past the arm consumer index fire at once")

	f.cq.Event()
	assert.Equal(t, []uint64{1}, f.poll(t))
	f.cq.Arm(false)
	_, sn := f.dev.Armed(f.cq.Num())
	assert.Equal(t, uint32(2), sn)
	assert.False(t, fired(f.events))
}

func TestDeviceArmSolicited(t *testing.T) {
	f := newFixture(t, 8)
	f.cq.Arm(true)

	require.NoError(t, f.send(t, 1))
	assert.False(t, fired(f.events))

	require.NoError(t, f.dev.Complete(f.cq.Num(), func() (rdma.CQEFields, error) {
		idx, err := f.qp.PostSend(2)
		return rdma.CQEFields{QPN: f.qp.Num, IsSend: true, WQEIndex: idx, Opcode: rdma.OpError, Syndrome: rdma.SyndromeRemoteAccess}, err
	}))
	assert.True(t, fired(f.events))

	wc := make([]rdma.WorkCompletion, 4)
	n, err := f.cq.Poll(wc)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	assert.Equal(t, rdma.WCRemAccessErr, wc[1].Status)
}

func TestDeviceResize(t *testing.T) {
	f := newFixture(t, 7)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, f.send(t, uint64(i)))
	}

	require.NoError(t, f.cq.Resize(ctx, 63, f.dev))
	assert.Equal(t, 64, f.cq.Ring().Entries())
	for i := 5; i < 40; i++ {
		require.NoError(t, f.send(t, uint64(i)))
	}

	var want []uint64
	for i := 0; i < 40; i++ {
		want = append(want, uint64(i))
	}
	assert.Equal(t, want, f.poll(t))

	// shrink with nothing pending
	require.NoError(t, f.cq.Resize(ctx, 3, f.dev))
	room, err := f.dev.Room(f.cq.Num())
	require.NoError(t, err)
	assert.LessOrEqual(t, room, 3)
	require.NoError(t, f.send(t, 100))
	assert.Equal(t, []uint64{100}, f.poll(t))
}

func TestDeviceResizeRejectsSmallRing(t *testing.T) {
	f := newFixture(t, 7)
	for i := 0; i < 5; i++ {
		require.NoError(t, f.send(t, uint64(i)))
	}
	ring, err := rdma.NewRing(4, rdma.CQESize)
	require.NoError(t, err)

	err = f.dev.ResizeCQ(context.Background(), f.cq, ring)
	assert.ErrorIs(t, err, ErrCQFull)
	assert.Len(t, f.poll(t), 5, "the old ring is still in use")
}

func TestDeviceAttachDuringResize(t *testing.T) {
	f := newFixture(t, 7)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 200; i++ {
			size := 7
			if i%2 == 0 {
				size = 15
			}
			if err := f.cq.Resize(ctx, size, f.dev); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for i := 0; i < 200; i++ {
		assert.Equal(t, f.events, f.dev.Attach(f.cq), "attaching again returns the same event channel")
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("attach and resize deadlocked")
	}
	require.NoError(t, f.send(t, 1))
	assert.Equal(t, []uint64{1}, f.poll(t))
}
