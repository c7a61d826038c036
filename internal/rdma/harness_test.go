package rdma

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockDoorbell is a mock implementation of DoorbellWriter
type MockDoorbell struct {
	mock.Mock
}

func (m *MockDoorbell) WriteDoorbell(offset uint32, words [2]uint32) {
	m.Called(offset, words)
}

// MockResizeCommand is a mock implementation of ResizeCommand
type MockResizeCommand struct {
	mock.Mock
}

func (m *MockResizeCommand) ResizeCQ(ctx context.Context, cq *CQ, newRing *Ring) error {
	args := m.Called(ctx, cq, newRing)
	return args.Error(0)
}

// countingResolver counts lookups made through a QueueTable
type countingResolver struct {
	*QueueTable
	qpLookups atomic.Int32
}

func (c *countingResolver) FindQP(qpn uint32) *QP {
	c.qpLookups.Add(1)
	return c.QueueTable.FindQP(qpn)
}

// testDevice produces entries into the ring the CQ was created with, and
// follows it through resizes when used as the ResizeCommand.
type testDevice struct {
	ring *Ring
	prod uint32
}

func (d *testDevice) produce(f CQEFields) {
	d.ring.Produce(d.prod, f)
	d.prod++
}

// ResizeCQ plants the RESIZE entry and switches to newRing. It runs with
// the CQ lock held, so it must not call back into the CQ.
func (d *testDevice) ResizeCQ(_ context.Context, _ *CQ, newRing *Ring) error {
	d.produce(CQEFields{Opcode: OpResize})
	d.ring = newRing
	return nil
}

type testEnv struct {
	table *QueueTable
	db    *MockDoorbell
	cq    *CQ
	dev   *testDevice
}

func newTestEnv(t *testing.T, entries, entrySize int) *testEnv {
	t.Helper()
	table := NewQueueTable()
	db := &MockDoorbell{}
	cq, err := NewCQ(CQAttr{
		Num:       0x42,
		Entries:   entries,
		EntrySize: entrySize,
		Resolver:  table,
		Doorbell:  db,
	})
	require.NoError(t, err)
	return &testEnv{
		table: table,
		db:    db,
		cq:    cq,
		dev:   &testDevice{ring: cq.Ring()},
	}
}

// addQP registers a QP completing on the env CQ.
func (e *testEnv) addQP(t *testing.T, num uint32, srq *SRQ) *QP {
	t.Helper()
	qp, err := NewQP(QPAttr{
		Num:       num,
		Type:      QPTypeRC,
		MaxSendWR: 4096,
		MaxRecvWR: 4096,
		SRQ:       srq,
		SendCQ:    e.cq,
		RecvCQ:    e.cq,
	})
	require.NoError(t, err)
	e.table.AddQP(qp)
	return qp
}

// recv posts a receive on qp and produces its successful completion.
func (e *testEnv) recv(t *testing.T, qp *QP, wrid uint64, byteLen uint32) {
	t.Helper()
	idx, err := qp.PostRecv(wrid)
	require.NoError(t, err)
	e.dev.produce(CQEFields{
		QPN:       qp.Num,
		RemoteQPN: 0x99,
		Opcode:    RecvOpSend,
		WQEIndex:  idx,
		ByteCount: byteLen,
	})
}

// send posts a signaled send on qp and produces its completion.
func (e *testEnv) send(t *testing.T, qp *QP, wrid uint64) {
	t.Helper()
	idx, err := qp.PostSend(wrid)
	require.NoError(t, err)
	e.dev.produce(CQEFields{
		QPN:      qp.Num,
		Opcode:   OpSend,
		IsSend:   true,
		WQEIndex: idx,
	})
}

// pollAll drains the CQ and returns the WRIDs in completion order.
func (e *testEnv) pollAll(t *testing.T) []uint64 {
	t.Helper()
	var wrids []uint64
	wc := make([]WorkCompletion, 8)
	for {
		n, err := e.cq.Poll(wc)
		require.NoError(t, err)
		if n == 0 {
			return wrids
		}
		for _, c := range wc[:n] {
			wrids = append(wrids, c.WRID)
		}
	}
}
