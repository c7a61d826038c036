package rdma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkQueuePostAndRetire(t *testing.T) {
	wq, err := NewWorkQueue(3)
	require.NoError(t, err)
	assert.Equal(t, 4, wq.Depth())

	for i := 0; i < 4; i++ {
		idx, err := wq.Post(uint64(10 + i))
		require.NoError(t, err)
		assert.Equal(t, uint16(i), idx)
	}
	_, err = wq.Post(99)
	assert.ErrorIs(t, err, ErrWorkQueueFull)

	assert.Equal(t, uint64(10), wq.retireNext())
	assert.Equal(t, uint64(13), wq.retireTo(3), "tail jumps over unsignaled requests")
	assert.Zero(t, wq.Outstanding())
}

func TestWorkQueueCounterWraps(t *testing.T) {
	wq, err := NewWorkQueue(4)
	require.NoError(t, err)
	wq.head.Store(0xfffe)
	wq.tail.Store(0xfffe)

	var last uint16
	for i := 0; i < 3; i++ {
		idx, err := wq.Post(uint64(i))
		require.NoError(t, err)
		last = idx
	}
	assert.Equal(t, uint16(0x0000), last, "the reported counter is 16 bits wide")
	assert.Equal(t, uint64(2), wq.retireTo(last))
	assert.Equal(t, uint32(0x10001), wq.Tail())
	assert.Zero(t, wq.Outstanding())
}

func TestNewWorkQueueValidation(t *testing.T) {
	_, err := NewWorkQueue(0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewWorkQueue(MaxWorkQueueEntries + 1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSRQFreeList(t *testing.T) {
	srq, err := NewSRQ(1, 3, false)
	require.NoError(t, err)
	assert.Equal(t, 4, srq.Depth())
	assert.Equal(t, 3, srq.FreeCount(), "one slot stays as the list tail")

	var idx []uint16
	for i := 0; i < 3; i++ {
		n, err := srq.Post(uint64(i))
		require.NoError(t, err)
		idx = append(idx, n)
	}
	_, err = srq.Post(99)
	assert.ErrorIs(t, err, ErrWorkQueueFull)
	assert.Zero(t, srq.FreeCount())

	// out-of-order retirement
	assert.Equal(t, uint64(1), srq.retire(idx[1]))
	assert.Equal(t, 1, srq.FreeCount())
	srq.FreeWQE(idx[0])
	assert.Equal(t, 2, srq.FreeCount())

	n, err := srq.Post(42)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), srq.retire(n))
	assert.Equal(t, uint64(2), srq.retire(idx[2]))
	assert.Equal(t, 3, srq.FreeCount())
}

func TestQPPostRecvUsesSRQ(t *testing.T) {
	env := newTestEnv(t, 8, 0)
	srq, err := NewSRQ(7, 8, false)
	require.NoError(t, err)
	qp := env.addQP(t, 0x10, srq)
	assert.Nil(t, qp.RQ)

	free := srq.FreeCount()
	_, err = qp.PostRecv(1)
	require.NoError(t, err)
	assert.Equal(t, free-1, srq.FreeCount())
}

func TestBindPortChecksumCapability(t *testing.T) {
	env := newTestEnv(t, 8, 0)
	tests := []struct {
		qpType    QPType
		linkLayer LinkLayer
		caps      DeviceCaps
		want      QPCaps
	}{
		{QPTypeUD, LinkLayerInfiniBand, DeviceCapUDIPCsum, QPCapRxCsumValid},
		{QPTypeUD, LinkLayerEthernet, DeviceCapUDIPCsum, 0},
		{QPTypeUD, LinkLayerInfiniBand, DeviceCapRawIPCsum, 0},
		{QPTypeRawPacket, LinkLayerEthernet, DeviceCapRawIPCsum, QPCapRxCsumValid},
		{QPTypeRawPacket, LinkLayerInfiniBand, DeviceCapRawIPCsum | DeviceCapUDIPCsum, 0},
		{QPTypeRC, LinkLayerEthernet, DeviceCapRawIPCsum | DeviceCapUDIPCsum, 0},
	}
	for _, tt := range tests {
		qp, err := NewQP(QPAttr{Num: 1, Type: tt.qpType, MaxSendWR: 1, MaxRecvWR: 1, SendCQ: env.cq, RecvCQ: env.cq})
		require.NoError(t, err)
		qp.BindPort(tt.linkLayer, tt.caps)
		assert.Equal(t, tt.want, qp.Caps(), "type %d on %s", tt.qpType, tt.linkLayer)
		assert.Equal(t, tt.linkLayer, qp.LinkLayer())
	}
}

func TestQueueTable(t *testing.T) {
	env := newTestEnv(t, 8, 0)
	env.addQP(t, 0x10, nil)
	srq, err := NewSRQ(3, 4, true)
	require.NoError(t, err)
	env.table.AddSRQ(srq)

	qps, srqs := env.table.Len()
	assert.Equal(t, 1, qps)
	assert.Equal(t, 1, srqs)
	assert.NotNil(t, env.table.FindQP(0x10))
	assert.Nil(t, env.table.FindQP(0x11))
	assert.Same(t, srq, env.table.FindSRQ(3))
}
