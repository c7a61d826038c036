// Package poller runs the event-driven consumer loop of a completion queue.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/hwcq/internal/rdma"
	"github.com/yuuki/hwcq/internal/telemetry"
)

const (
	// DefaultBatchSize is the number of completions drained per poll
	DefaultBatchSize = 16
	// DefaultChannelSize is the buffer size of the completion and error channels
	DefaultChannelSize = 100
)

// Completion is a successful work completion handed to a consumer.
type Completion struct {
	rdma.WorkCompletion
	CQ           uint32
	Timestamp    uint64 // device clock, valid when HasTimestamp
	HasTimestamp bool
	GRH          *rdma.GRHHeaderInfo // receive with WCGRH and a known buffer
	Payload      []byte
}

// WCError is reported for a completion with an error status.
type WCError struct {
	CQ        uint32
	WRID      uint64
	Status    rdma.WCStatus
	VendorErr uint32
}

func (e *WCError) Error() string {
	return fmt.Sprintf("WC error on CQ 0x%x, WRID %d, Status: %s (%d), Vendor Syndrome: 0x%x",
		e.CQ, e.WRID, e.Status, int(e.Status), e.VendorErr)
}

// Options tune a Poller. Zero values take the defaults.
type Options struct {
	BatchSize int
	// Fields selects variable-shape polling with these optional fields; 0 polls fixed-shape completions
	Fields      rdma.WCExFlags
	Solicited   bool
	ChannelSize int
	// Buffers returns the receive buffer posted with wrid, or nil
	Buffers func(wrid uint64) []byte
}

// Stats counts what a Poller has seen.
type Stats struct {
	Polled     uint64
	WCErrors   uint64
	PollErrors uint64
	Events     uint64
	Dropped    uint64
}

// Poller waits for completion events on one CQ and drains it, dispatching
// send and receive completions to buffered channels.
type Poller struct {
	cq      *rdma.CQ
	events  <-chan struct{}
	opts    Options
	metrics *telemetry.Metrics

	sendCompChan chan *Completion
	recvCompChan chan *Completion
	errChan      chan error

	// scratch space, used by one drain at a time
	drainMu sync.Mutex
	wc      []rdma.WorkCompletion
	exBuf   []byte

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup

	polled     atomic.Uint64
	wcErrors   atomic.Uint64
	pollErrors atomic.Uint64
	nevents    atomic.Uint64
	dropped    atomic.Uint64
}

// New creates a poller for cq. events delivers the completion events of cq.
// A nil metrics records nothing.
func New(cq *rdma.CQ, events <-chan struct{}, metrics *telemetry.Metrics, opts Options) (*Poller, error) {
	if opts.Fields&^rdma.WCExSupported != 0 {
		return nil, fmt.Errorf("%w: unsupported completion fields 0x%x", rdma.ErrInvalidArgument, uint64(opts.Fields))
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.ChannelSize <= 0 {
		opts.ChannelSize = DefaultChannelSize
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}

	p := &Poller{
		cq:           cq,
		events:       events,
		opts:         opts,
		metrics:      metrics,
		sendCompChan: make(chan *Completion, opts.ChannelSize),
		recvCompChan: make(chan *Completion, opts.ChannelSize),
		errChan:      make(chan error, opts.ChannelSize),
	}
	if opts.Fields != 0 {
		p.exBuf = make([]byte, opts.BatchSize*rdma.WCExRecordSize(opts.Fields))
	} else {
		p.wc = make([]rdma.WorkCompletion, opts.BatchSize)
	}
	return p, nil
}

// SendCompletions delivers successful send-side completions.
func (p *Poller) SendCompletions() <-chan *Completion { return p.sendCompChan }

// RecvCompletions delivers successful receive completions.
func (p *Poller) RecvCompletions() <-chan *Completion { return p.recvCompChan }

// Errors delivers *WCError values and poll failures.
func (p *Poller) Errors() <-chan error { return p.errChan }

// Stats returns the counters so far.
func (p *Poller) Stats() Stats {
	return Stats{
		Polled:     p.polled.Load(),
		WCErrors:   p.wcErrors.Load(),
		PollErrors: p.pollErrors.Load(),
		Events:     p.nevents.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// Start starts the poller goroutine. It arms the CQ, and on every event
// acknowledges it, re-arms and drains the CQ.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		log.Info().Str("cq", fmt.Sprintf("0x%x", p.cq.Num())).Msg("CQ poller already running.")
		return
	}
	p.running = true
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	log.Info().Str("cq", fmt.Sprintf("0x%x", p.cq.Num())).Int("batch_size", p.opts.BatchSize).Msg("Starting CQ poller...")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer log.Info().Str("cq", fmt.Sprintf("0x%x", p.cq.Num())).Msg("CQ poller stopped.")

		p.cq.Arm(p.opts.Solicited)
		p.Drain(ctx)

		for {
			select {
			case <-done:
				log.Debug().Str("cq", fmt.Sprintf("0x%x", p.cq.Num())).Msg("CQ poller received done signal. Exiting.")
				return
			case <-ctx.Done():
				log.Debug().Str("cq", fmt.Sprintf("0x%x", p.cq.Num())).Msg("CQ poller context done. Exiting.")
				return
			case <-p.events:
			}

			p.nevents.Add(1)
			p.cq.Event()
			// re-arm before draining so entries arriving meanwhile raise a new event
			p.cq.Arm(p.opts.Solicited)
			p.Drain(ctx)
		}
	}()
}

// Stop stops the poller goroutine and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Drain polls the CQ until it is empty and dispatches every completion.
// It returns the number of completions polled.
func (p *Poller) Drain(ctx context.Context) int {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()

	total := 0
	for {
		n, err := p.pollBatch(ctx)
		total += n
		if n > 0 {
			p.metrics.RecordBatch(ctx, p.cq.Num(), n)
		}
		if err != nil {
			// the unresolvable entry has been consumed, keep going
			p.pollErrors.Add(1)
			p.metrics.RecordPollError(ctx, p.cq.Num())
			log.Error().Err(err).Str("cq", fmt.Sprintf("0x%x", p.cq.Num())).Msg("CQ poll failed")
			p.sendErr(err)
			continue
		}
		if n < p.opts.BatchSize {
			return total
		}
	}
}

func (p *Poller) pollBatch(ctx context.Context) (int, error) {
	if p.opts.Fields == 0 {
		n, err := p.cq.Poll(p.wc)
		for i := 0; i < n; i++ {
			p.dispatch(ctx, &Completion{WorkCompletion: p.wc[i], CQ: p.cq.Num()})
		}
		return n, err
	}

	n, _, err := p.cq.PollEx(p.exBuf, p.opts.BatchSize, p.opts.Fields)
	for _, rec := range rdma.WCExRecords(p.exBuf, n, p.opts.Fields) {
		c := &Completion{WorkCompletion: rec.WorkCompletion(), CQ: p.cq.Num()}
		c.Timestamp, c.HasTimestamp = rec.CompletionTimestamp()
		p.dispatch(ctx, c)
	}
	return n, err
}

func (p *Poller) dispatch(ctx context.Context, c *Completion) {
	p.polled.Add(1)
	if c.Status != rdma.WCSuccess {
		p.handleWCError(ctx, c)
		return
	}
	p.metrics.RecordCompletion(ctx, p.cq.Num(), c.Opcode.String())

	if c.Opcode.IsRecv() {
		p.handleRecvCompletion(c)
		return
	}
	p.handleSendCompletion(c)
}

func (p *Poller) handleWCError(ctx context.Context, c *Completion) {
	p.wcErrors.Add(1)
	p.metrics.RecordCompletionError(ctx, p.cq.Num(), c.Status.String())
	if p.opts.Buffers != nil {
		// an error completion may belong to a receive, release its buffer
		p.opts.Buffers(c.WRID)
	}

	wcErr := &WCError{CQ: p.cq.Num(), WRID: c.WRID, Status: c.Status, VendorErr: c.VendorErr}
	log.Debug().Err(wcErr).Msg("Work Completion Error")
	p.sendErr(wcErr)
}

func (p *Poller) handleRecvCompletion(c *Completion) {
	log.Trace().
		Str("cq", fmt.Sprintf("0x%x", p.cq.Num())).
		Uint32("qpn", c.QPNum).
		Uint64("wrid", c.WRID).
		Uint32("bytes", c.ByteLen).
		Uint32("src_qp", c.SrcQP).
		Uint32("wc_flags", uint32(c.WCFlags)).
		Msg("Receive completion")

	if p.opts.Buffers != nil {
		if buf := p.opts.Buffers(c.WRID); buf != nil {
			payload, grh, err := rdma.ReceivePayload(&c.WorkCompletion, buf)
			if err != nil {
				log.Warn().Err(err).Uint64("wrid", c.WRID).Msg("Failed to parse receive buffer")
			} else {
				c.Payload = payload
				c.GRH = grh
			}
		}
	}

	select {
	case p.recvCompChan <- c:
	default:
		p.dropped.Add(1)
		log.Warn().
			Str("cq", fmt.Sprintf("0x%x", p.cq.Num())).
			Uint32("qpn", c.QPNum).
			Msg("Receive completion channel full, dropping completion")
	}
}

func (p *Poller) handleSendCompletion(c *Completion) {
	log.Trace().
		Str("cq", fmt.Sprintf("0x%x", p.cq.Num())).
		Uint32("qpn", c.QPNum).
		Uint64("wrid", c.WRID).
		Str("opcode", c.Opcode.String()).
		Msg("Send completion")

	select {
	case p.sendCompChan <- c:
	default:
		p.dropped.Add(1)
		log.Warn().
			Str("cq", fmt.Sprintf("0x%x", p.cq.Num())).
			Uint32("qpn", c.QPNum).
			Msg("Send completion channel full, dropping completion")
	}
}

func (p *Poller) sendErr(err error) {
	select {
	case p.errChan <- err:
	default:
		p.dropped.Add(1)
		log.Warn().Str("cq", fmt.Sprintf("0x%x", p.cq.Num())).Msg("Error channel full, dropping error")
	}
}

// IsWCError reports whether err is a completion error and returns it.
func IsWCError(err error) (*WCError, bool) {
	var wcErr *WCError
	if errors.As(err, &wcErr) {
		return wcErr, true
	}
	return nil, false
}
