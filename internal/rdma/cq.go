package rdma

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultCQEntries is the CQ depth used when none is configured
	DefaultCQEntries = 256
)

// CQAttr describes a CQ to create.
type CQAttr struct {
	Num       uint32
	Entries   int // minimum number of completions the CQ must hold
	EntrySize int // 32 or 64, 0 means 32
	Resolver  QueueResolver
	Doorbell  DoorbellWriter
}

// CQ is a completion queue as seen by its single logical consumer. All
// ring and consumer-index state is guarded by mu.
type CQ struct {
	mu        sync.Mutex
	num       uint32
	ring      *Ring
	consIndex uint32
	db        DoorbellRecord
	armSN     atomic.Uint32
	resolver  QueueResolver
	uar       DoorbellWriter

	// variable-shape decoder chosen for exFields
	exDecoder *exDecoder
	exLayout  *wcExLayout
	exFields  WCExFlags
}

// NewCQ creates a CQ whose ring holds at least attr.Entries completions.
func NewCQ(attr CQAttr) (*CQ, error) {
	if attr.Entries < 1 || attr.Entries > MaxCQEntries {
		return nil, fmt.Errorf("%w: %d entries", ErrInvalidCQSize, attr.Entries)
	}
	if attr.Resolver == nil || attr.Doorbell == nil {
		return nil, fmt.Errorf("%w: cq 0x%x needs a resolver and a doorbell writer", ErrInvalidArgument, attr.Num)
	}
	entrySize := attr.EntrySize
	if entrySize == 0 {
		entrySize = CQESize
	}

	ring, err := NewRing(alignQueueSize(attr.Entries+1), entrySize)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate ring for cq 0x%x: %w", attr.Num, err)
	}

	cq := &CQ{
		num:      attr.Num,
		ring:     ring,
		resolver: attr.Resolver,
		uar:      attr.Doorbell,
	}
	cq.armSN.Store(1)

	log.Debug().
		Str("cq", fmt.Sprintf("0x%x", cq.num)).
		Int("requested", attr.Entries).
		Int("entries", ring.Entries()).
		Int("cqe_size", entrySize).
		Msg("Created completion queue")
	return cq, nil
}

// Num returns the CQ number.
func (cq *CQ) Num() uint32 { return cq.num }

// Ring returns the current ring. It changes on resize.
func (cq *CQ) Ring() *Ring {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return cq.ring
}

// Capacity returns the number of completions the CQ is guaranteed to hold.
func (cq *CQ) Capacity() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return cq.ring.Entries() - 1
}

// ConsumerIndex returns the free-running consumer index.
func (cq *CQ) ConsumerIndex() uint32 {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return cq.consIndex
}

// DoorbellRecord returns the record the device reads the consumer index from.
func (cq *CQ) DoorbellRecord() *DoorbellRecord { return &cq.db }

// ArmSN returns the current arm sequence number.
func (cq *CQ) ArmSN() uint32 { return cq.armSN.Load() }

// nextEntry returns the entry at the consumer index and moves past it, or
// nil when the device still owns that slot.
func (cq *CQ) nextEntry() cqe {
	e := cq.ring.swEntry(cq.consIndex)
	if e == nil {
		return nil
	}
	cq.consIndex++
	return e
}

func (cq *CQ) publish() {
	cq.db.publishConsumerIndex(cq.consIndex)
}

// Poll drains up to len(wc) completions into wc and returns how many were
// written. An empty CQ returns 0 and no error. If an entry names a queue
// that cannot be resolved, Poll stops there and returns the completions
// decoded so far together with an error wrapping ErrPollFailed; the bad
// entry is consumed either way.
func (cq *CQ) Poll(wc []WorkCompletion) (int, error) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	var (
		cur     *QP
		npolled int
		err     error
	)
	for npolled < len(wc) {
		e := cq.nextEntry()
		if e == nil {
			break
		}
		var r retired
		r, err = cq.retire(e, &cur)
		if err != nil {
			break
		}
		decodeCompletion(e, r, &wc[npolled])
		npolled++
	}

	if npolled > 0 || err != nil {
		cq.publish()
	}
	return npolled, err
}

// decodeCompletion fills the fixed-shape record for a retired entry.
func decodeCompletion(e cqe, r retired, wc *WorkCompletion) {
	*wc = WorkCompletion{WRID: r.wrid}
	if e.isError() {
		wc.Status = r.status
		wc.VendorErr = r.vendor
		return
	}

	wc.QPNum = e.qpn()
	op := e.opcode()
	if e.isSend() {
		var imm bool
		wc.Opcode, imm = sendOpcode(op)
		if imm {
			wc.WCFlags |= WCWithImm
		}
		if n, ok := sendByteLen(op, e); ok {
			wc.ByteLen = n
		}
		return
	}

	var imm bool
	wc.ByteLen = e.byteCnt()
	wc.Opcode, imm = recvOpcode(op)
	if imm {
		wc.WCFlags |= WCWithImm
		wc.ImmData = e.immediate()
	}
	wc.SLID = e.rlid()
	wc.SrcQP = e.remoteQPN()
	wc.DLIDPathBits = e.pathBits()
	if e.hasGRH() {
		wc.WCFlags |= WCGRH
	}
	wc.PkeyIndex = e.pkeyIndex()

	// XRC SRQ entries have no QP, so no checksum offload either
	wc.SL = e.sl(r.linkLayer())
	if r.qp != nil && r.qp.caps&QPCapRxCsumValid != 0 && e.ipCsumOK() {
		wc.WCFlags |= WCIPCsumOK
	}
}

// Arm requests a completion event for the next completion, or for the next
// solicited one. The arm record is stored before the doorbell is rung.
func (cq *CQ) Arm(solicited bool) {
	cmd := ArmNext
	if solicited {
		cmd = ArmSolicited
	}
	sn := cq.armSN.Load() & armSNMask

	cq.mu.Lock()
	ci := cq.consIndex & consumerIndexMask
	cq.db.storeArm(sn<<armSNShift | cmd | ci)
	cq.mu.Unlock()

	cq.uar.WriteDoorbell(CQDoorbellOffset, [2]uint32{
		toBigEndian(sn<<armSNShift | cmd | cq.num&consumerIndexMask),
		toBigEndian(ci),
	})
}

// Event acknowledges a delivered completion event. The next Arm uses a new
// sequence number so the device can tell the requests apart.
func (cq *CQ) Event() {
	cq.armSN.Add(1)
}

// OutstandingCount returns the number of software-owned entries from the
// consumer index on, i.e. what a large enough Poll would return right now.
func (cq *CQ) OutstandingCount() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return cq.outstanding()
}

func (cq *CQ) outstanding() int {
	i := cq.consIndex
	for cq.ring.IsSoftwareOwned(i) {
		i++
	}
	return int(i - cq.consIndex)
}
