package rdma

import (
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	// MaxWorkQueueEntries bounds send, receive and SRQ depths
	MaxWorkQueueEntries = 1 << 16
)

// WorkQueue is a send or receive queue of a QP. The submission path owns
// head; the CQ consumer owns tail. Both are free-running counters and the
// slot of index i is i & (Depth()-1).
type WorkQueue struct {
	wrid []uint64
	head atomic.Uint32
	tail atomic.Uint32
}

// NewWorkQueue creates a work queue with room for at least maxWR requests.
func NewWorkQueue(maxWR int) (*WorkQueue, error) {
	if maxWR <= 0 || maxWR > MaxWorkQueueEntries {
		return nil, fmt.Errorf("%w: work queue depth %d", ErrInvalidArgument, maxWR)
	}
	return &WorkQueue{wrid: make([]uint64, alignQueueSize(maxWR))}, nil
}

// Depth returns the number of slots.
func (wq *WorkQueue) Depth() int { return len(wq.wrid) }

// Post records wrid at the head and returns the 16-bit WQE counter the
// device reports back in the completion. Post must not race with another
// Post on the same queue.
func (wq *WorkQueue) Post(wrid uint64) (uint16, error) {
	head := wq.head.Load()
	if head-wq.tail.Load() >= uint32(len(wq.wrid)) {
		return 0, ErrWorkQueueFull
	}
	wq.wrid[head&uint32(len(wq.wrid)-1)] = wrid
	wq.head.Store(head + 1)
	return uint16(head), nil
}

// Outstanding returns the number of posted requests not yet retired.
func (wq *WorkQueue) Outstanding() int {
	return int(wq.head.Load() - wq.tail.Load())
}

// Head returns the producer counter.
func (wq *WorkQueue) Head() uint32 { return wq.head.Load() }

// Tail returns the consumer counter.
func (wq *WorkQueue) Tail() uint32 { return wq.tail.Load() }

// retireTo jumps the tail to the WQE the device reported and retires it.
// A send completion may cover several unsignaled requests before it, so the
// tail moves forward by the 16-bit distance to wqeIndex.
func (wq *WorkQueue) retireTo(wqeIndex uint16) uint64 {
	tail := wq.tail.Load()
	tail += uint32(wqeIndex - uint16(tail))
	wrid := wq.wrid[tail&uint32(len(wq.wrid)-1)]
	wq.tail.Store(tail + 1)
	return wrid
}

// retireNext retires the oldest outstanding request.
func (wq *WorkQueue) retireNext() uint64 {
	tail := wq.tail.Load()
	wrid := wq.wrid[tail&uint32(len(wq.wrid)-1)]
	wq.tail.Store(tail + 1)
	return wrid
}

func (wq *WorkQueue) reset() {
	wq.head.Store(0)
	wq.tail.Store(0)
}

// SRQ is a shared receive queue. Free WQE slots form a singly linked list
// threaded through next; one slot always stays on the list as its tail.
type SRQ struct {
	Num uint32
	// XRC marks an SRQ that is looked up by number from XRC receive entries
	XRC bool

	mu   sync.Mutex
	wrid []uint64
	next []uint16
	head uint16
	tail uint16
}

// NewSRQ creates an SRQ with room for at least maxWR requests.
func NewSRQ(num uint32, maxWR int, xrc bool) (*SRQ, error) {
	if maxWR <= 0 || maxWR >= MaxWorkQueueEntries {
		return nil, fmt.Errorf("%w: srq depth %d", ErrInvalidArgument, maxWR)
	}
	n := alignQueueSize(maxWR + 1)
	s := &SRQ{
		Num:  num,
		XRC:  xrc,
		wrid: make([]uint64, n),
		next: make([]uint16, n),
		tail: uint16(n - 1),
	}
	for i := range s.next {
		s.next[i] = uint16((i + 1) & (n - 1))
	}
	return s, nil
}

// Depth returns the number of WQE slots, including the reserved tail slot.
func (s *SRQ) Depth() int { return len(s.wrid) }

// Post takes a slot from the free list, records wrid in it and returns its index.
func (s *SRQ) Post(wrid uint64) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.head == s.tail {
		return 0, ErrWorkQueueFull
	}
	idx := s.head
	s.wrid[idx] = wrid
	s.head = s.next[idx]
	return idx, nil
}

// FreeWQE appends slot idx to the tail of the free list.
func (s *SRQ) FreeWQE(idx uint16) {
	s.mu.Lock()
	idx &= uint16(len(s.wrid) - 1)
	s.next[s.tail] = idx
	s.tail = idx
	s.mu.Unlock()
}

// FreeCount walks the free list and returns the number of postable slots.
func (s *SRQ) FreeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for i := s.head; i != s.tail; i = s.next[i] {
		n++
	}
	return n
}

// retire returns the wrid of slot idx and puts the slot back on the free list.
func (s *SRQ) retire(idx uint16) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx &= uint16(len(s.wrid) - 1)
	wrid := s.wrid[idx]
	s.next[s.tail] = idx
	s.tail = idx
	return wrid
}

// QPAttr describes a QP to be tracked by the consumer.
type QPAttr struct {
	Num       uint32
	Type      QPType
	MaxSendWR int
	MaxRecvWR int // ignored when SRQ is set
	SRQ       *SRQ
	SendCQ    *CQ
	RecvCQ    *CQ
}

// QP is the consumer's view of a queue pair: its work queues, the CQs it
// completes on and the port state cached when it was bound to a port.
type QP struct {
	Num    uint32
	Type   QPType
	SQ     *WorkQueue
	RQ     *WorkQueue // nil when SRQ is set
	SRQ    *SRQ
	SendCQ *CQ
	RecvCQ *CQ

	linkLayer LinkLayer
	caps      QPCaps
}

// NewQP creates the work queues of a QP.
func NewQP(attr QPAttr) (*QP, error) {
	if attr.SendCQ == nil || attr.RecvCQ == nil {
		return nil, fmt.Errorf("%w: qp 0x%x needs send and receive CQs", ErrInvalidArgument, attr.Num)
	}
	sq, err := NewWorkQueue(attr.MaxSendWR)
	if err != nil {
		return nil, fmt.Errorf("qp 0x%x send queue: %w", attr.Num, err)
	}
	qp := &QP{
		Num:    attr.Num & cqeQPNMask,
		Type:   attr.Type,
		SQ:     sq,
		SRQ:    attr.SRQ,
		SendCQ: attr.SendCQ,
		RecvCQ: attr.RecvCQ,
	}
	if attr.SRQ == nil {
		rq, err := NewWorkQueue(attr.MaxRecvWR)
		if err != nil {
			return nil, fmt.Errorf("qp 0x%x receive queue: %w", attr.Num, err)
		}
		qp.RQ = rq
	}
	return qp, nil
}

// BindPort caches the link layer of the port the QP moves to and derives
// whether receive completions may report a validated IP checksum. It must
// be called before the QP generates completions.
func (qp *QP) BindPort(linkLayer LinkLayer, devCaps DeviceCaps) {
	qp.linkLayer = linkLayer
	qp.caps &^= QPCapRxCsumValid

	switch {
	case qp.Type == QPTypeUD && linkLayer == LinkLayerInfiniBand && devCaps&DeviceCapUDIPCsum != 0:
		qp.caps |= QPCapRxCsumValid
	case qp.Type == QPTypeRawPacket && linkLayer == LinkLayerEthernet && devCaps&DeviceCapRawIPCsum != 0:
		qp.caps |= QPCapRxCsumValid
	}
}

// LinkLayer returns the cached link layer.
func (qp *QP) LinkLayer() LinkLayer { return qp.linkLayer }

// Caps returns the cached capabilities.
func (qp *QP) Caps() QPCaps { return qp.caps }

// PostSend records a send request and returns its WQE index.
func (qp *QP) PostSend(wrid uint64) (uint16, error) {
	return qp.SQ.Post(wrid)
}

// PostRecv records a receive request on the RQ or the attached SRQ.
func (qp *QP) PostRecv(wrid uint64) (uint16, error) {
	if qp.SRQ != nil {
		return qp.SRQ.Post(wrid)
	}
	return qp.RQ.Post(wrid)
}

func (qp *QP) resetQueues() {
	qp.SQ.reset()
	if qp.RQ != nil {
		qp.RQ.reset()
	}
}
