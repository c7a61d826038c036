package rdma

import "sync"

// QueueResolver maps numbers carried in CQEs to the queues they belong to.
// Lookups run with the CQ lock held and must not block.
type QueueResolver interface {
	FindQP(qpn uint32) *QP
	FindSRQ(srqn uint32) *SRQ
}

// QueueTable is the default QueueResolver. Removing a QP or SRQ that can
// still have entries in a CQ must go through DestroyQP or DestroySRQ so the
// CQs are cleaned while the entry is being dropped.
type QueueTable struct {
	mu   sync.RWMutex
	qps  map[uint32]*QP
	srqs map[uint32]*SRQ
}

// NewQueueTable creates an empty table.
func NewQueueTable() *QueueTable {
	return &QueueTable{
		qps:  make(map[uint32]*QP),
		srqs: make(map[uint32]*SRQ),
	}
}

// FindQP implements QueueResolver.
func (t *QueueTable) FindQP(qpn uint32) *QP {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.qps[qpn]
}

// FindSRQ implements QueueResolver.
func (t *QueueTable) FindSRQ(srqn uint32) *SRQ {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.srqs[srqn]
}

// AddQP registers qp under its number.
func (t *QueueTable) AddQP(qp *QP) {
	t.mu.Lock()
	t.qps[qp.Num] = qp
	t.mu.Unlock()
}

// AddSRQ registers srq under its number.
func (t *QueueTable) AddSRQ(srq *SRQ) {
	t.mu.Lock()
	t.srqs[srq.Num] = srq
	t.mu.Unlock()
}

// Len returns the number of registered QPs and SRQs.
func (t *QueueTable) Len() (qps, srqs int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.qps), len(t.srqs)
}

// DestroyQP drops every pending entry of qp from its CQs and unregisters
// it, both with the CQ locks held so no poller can resolve it half way.
// It returns the number of entries dropped.
func (t *QueueTable) DestroyQP(qp *QP) int {
	LockCQs(qp.SendCQ, qp.RecvCQ)
	defer UnlockCQs(qp.SendCQ, qp.RecvCQ)

	n := cleanQPLocked(qp)

	t.mu.Lock()
	delete(t.qps, qp.Num)
	t.mu.Unlock()
	return n
}

// DestroySRQ drops the entries an XRC SRQ still has in cq and unregisters it.
func (t *QueueTable) DestroySRQ(srq *SRQ, cq *CQ) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if srq.XRC {
		cq.clean(0, srq)
	}

	t.mu.Lock()
	delete(t.srqs, srq.Num)
	t.mu.Unlock()
}
