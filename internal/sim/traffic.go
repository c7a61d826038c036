package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/hwcq/internal/rdma"
	"go.uber.org/ratelimit"
	"golang.org/x/net/ipv4"
)

const (
	// payloadSize is the size of the message carried by each receive
	payloadSize = 8
	// remoteQPN is the source QP reported on receive entries
	remoteQPN = 0x99
)

// TrafficConfig describes the completions a Traffic run generates.
type TrafficConfig struct {
	RatePerSecond int
	// ErrorEvery turns every n-th completion into a flush error, 0 disables errors
	ErrorEvery int
	// WithGRH prefixes receive buffers with a RoCEv2 IPv4 GRH
	WithGRH bool
	SrcIP   net.IP
	DstIP   net.IP
}

// TrafficStats counts what a Traffic run produced.
type TrafficStats struct {
	Sends    uint64
	Recvs    uint64
	Errors   uint64
	Stalls   uint64 // ticks skipped because the CQ or a work queue was full
	Produced uint64
}

// Traffic posts work requests on a set of QPs and has the device complete
// them, paced by a rate limiter. It alternates sends and receives over the
// QPs in round-robin order.
type Traffic struct {
	dev     *Device
	cq      *rdma.CQ
	qps     []*rdma.QP
	cfg     TrafficConfig
	limiter ratelimit.Limiter

	seq      uint64
	sends    atomic.Uint64
	recvs    atomic.Uint64
	errs     atomic.Uint64
	stalls   atomic.Uint64
	produced atomic.Uint64

	// receive buffers by WRID, removed when the consumer takes them
	bufMu   sync.Mutex
	buffers map[uint64][]byte
}

// NewTraffic creates a generator completing on cq. Every QP must use cq as
// both its send and receive CQ.
func NewTraffic(dev *Device, cq *rdma.CQ, qps []*rdma.QP, cfg TrafficConfig) (*Traffic, error) {
	if len(qps) == 0 {
		return nil, errors.New("traffic needs at least one qp")
	}
	if cfg.RatePerSecond < 1 {
		return nil, fmt.Errorf("invalid traffic rate %d", cfg.RatePerSecond)
	}
	for _, qp := range qps {
		if qp.SendCQ != cq || qp.RecvCQ != cq {
			return nil, fmt.Errorf("qp 0x%x does not complete on cq 0x%x", qp.Num, cq.Num())
		}
	}
	if cfg.SrcIP == nil {
		cfg.SrcIP = net.IPv4(10, 0, 0, 1)
	}
	if cfg.DstIP == nil {
		cfg.DstIP = net.IPv4(10, 0, 0, 2)
	}
	return &Traffic{
		dev:     dev,
		cq:      cq,
		qps:     qps,
		cfg:     cfg,
		limiter: ratelimit.New(cfg.RatePerSecond),
		buffers: make(map[uint64][]byte),
	}, nil
}

// Run generates completions until ctx is done.
func (t *Traffic) Run(ctx context.Context) error {
	log.Info().
		Str("cq", fmt.Sprintf("0x%x", t.cq.Num())).
		Int("qps", len(t.qps)).
		Int("rate_per_second", t.cfg.RatePerSecond).
		Msg("Traffic generator started")
	defer log.Info().Str("cq", fmt.Sprintf("0x%x", t.cq.Num())).Msg("Traffic generator stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			// Take a token from the rate limiter (this blocks until the rate limit allows)
			t.limiter.Take()
			if err := t.Step(); err != nil {
				return err
			}
		}
	}
}

// Step produces one completion. A full CQ or work queue counts as a stall
// and is not an error.
func (t *Traffic) Step() error {
	seq := t.seq
	t.seq++
	qp := t.qps[int(seq/2)%len(t.qps)]
	isRecv := seq%2 == 1
	isErr := t.cfg.ErrorEvery > 0 && (seq+1)%uint64(t.cfg.ErrorEvery) == 0

	err := t.dev.Complete(t.cq.Num(), func() (rdma.CQEFields, error) {
		if isRecv {
			return t.postRecv(qp, seq, isErr)
		}
		return t.postSend(qp, seq, isErr)
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrCQFull), errors.Is(err, rdma.ErrWorkQueueFull):
		t.stalls.Add(1)
		return nil
	default:
		return fmt.Errorf("traffic step %d on qp 0x%x: %w", seq, qp.Num, err)
	}

	t.produced.Add(1)
	switch {
	case isErr:
		t.errs.Add(1)
	case isRecv:
		t.recvs.Add(1)
	default:
		t.sends.Add(1)
	}
	return nil
}

func (t *Traffic) postSend(qp *rdma.QP, wrid uint64, isErr bool) (rdma.CQEFields, error) {
	idx, err := qp.PostSend(wrid)
	if err != nil {
		return rdma.CQEFields{}, err
	}
	f := rdma.CQEFields{
		QPN:      qp.Num,
		IsSend:   true,
		WQEIndex: idx,
		Opcode:   rdma.OpSend,
	}
	if isErr {
		f.Opcode = rdma.OpError
		f.Syndrome = rdma.SyndromeWRFlush
	}
	return f, nil
}

func (t *Traffic) postRecv(qp *rdma.QP, wrid uint64, isErr bool) (rdma.CQEFields, error) {
	buf, err := t.receiveBuffer(wrid)
	if err != nil {
		return rdma.CQEFields{}, err
	}
	idx, err := qp.PostRecv(wrid)
	if err != nil {
		return rdma.CQEFields{}, err
	}
	t.bufMu.Lock()
	t.buffers[wrid] = buf
	t.bufMu.Unlock()

	f := rdma.CQEFields{
		QPN:       qp.Num,
		RemoteQPN: remoteQPN,
		WQEIndex:  idx,
		ByteCount: uint32(len(buf)),
		GRH:       t.cfg.WithGRH,
		Opcode:    rdma.RecvOpSend,
	}
	if isErr {
		f.Opcode = rdma.OpError
		f.Syndrome = rdma.SyndromeWRFlush
	}
	return f, nil
}

// receiveBuffer builds the bytes the device would have placed in the
// receive buffer of wrid: an optional GRH, then the WRID as payload.
func (t *Traffic) receiveBuffer(wrid uint64) ([]byte, error) {
	var buf []byte
	if t.cfg.WithGRH {
		h := &ipv4.Header{
			Version:  ipv4.Version,
			Len:      ipv4.HeaderLen,
			TotalLen: ipv4.HeaderLen + payloadSize,
			TTL:      64,
			Protocol: 17,
			Src:      t.cfg.SrcIP,
			Dst:      t.cfg.DstIP,
		}
		b, err := h.Marshal()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal GRH: %w", err)
		}
		buf = make([]byte, rdma.GRHSize, rdma.GRHSize+payloadSize)
		buf[0] = 0x40
		copy(buf[rdma.IPv4HeaderOffset:], b)
	}
	buf = binary.BigEndian.AppendUint64(buf, wrid)
	return buf, nil
}

// TakeBuffer returns the receive buffer posted with wrid and forgets it.
func (t *Traffic) TakeBuffer(wrid uint64) []byte {
	t.bufMu.Lock()
	defer t.bufMu.Unlock()
	buf := t.buffers[wrid]
	delete(t.buffers, wrid)
	return buf
}

// Stats returns the counters of the run so far.
func (t *Traffic) Stats() TrafficStats {
	return TrafficStats{
		Sends:    t.sends.Load(),
		Recvs:    t.recvs.Load(),
		Errors:   t.errs.Load(),
		Stalls:   t.stalls.Load(),
		Produced: t.produced.Load(),
	}
}
