// Package simulator wires a completion queue consumer to a simulated device
// and runs it for a configured duration.
package simulator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/hwcq/internal/config"
	"github.com/yuuki/hwcq/internal/health"
	"github.com/yuuki/hwcq/internal/poller"
	"github.com/yuuki/hwcq/internal/rdma"
	"github.com/yuuki/hwcq/internal/sim"
	"github.com/yuuki/hwcq/internal/store"
	"github.com/yuuki/hwcq/internal/telemetry"
)

const (
	cqNum    = 1
	srqNum   = 1
	firstQPN = 0x100
)

// Simulator runs traffic through one CQ shared by a set of QPs
type Simulator struct {
	ctx     context.Context
	cancel  context.CancelFunc
	config  *config.SimConfig
	runID   string
	device  *sim.Device
	table   *rdma.QueueTable
	cq      *rdma.CQ
	srq     *rdma.SRQ
	qps     []*rdma.QP
	events  <-chan struct{}
	traffic *sim.Traffic
	poller  *poller.Poller
	metrics *telemetry.Metrics
	store   *store.RunStore
	health  *health.Server
	wg      sync.WaitGroup

	stopOnce  sync.Once
	startedAt time.Time
	summary   store.RunSummary

	mu         sync.Mutex
	wcErrors   []store.CompletionError
	sends      atomic.Uint64
	recvs      atomic.Uint64
	mismatches atomic.Uint64
	resizes    atomic.Uint64
	cleaned    atomic.Uint64
}

// New creates the simulated device, the CQ and its QPs
func New(cfg *config.SimConfig) (*Simulator, error) {
	initLogging(cfg.LogLevel)

	log.Debug().Msg("Creating new simulator instance")

	ctx, cancel := context.WithCancel(context.Background())
	s := &Simulator{
		ctx:     ctx,
		cancel:  cancel,
		config:  cfg,
		runID:   uuid.NewString(),
		device:  sim.NewDevice(rdma.LinkLayerInfiniBand, rdma.DeviceCapUDIPCsum),
		table:   rdma.NewQueueTable(),
		metrics: telemetry.NewNoopMetrics(),
	}

	cq, err := rdma.NewCQ(rdma.CQAttr{
		Num:       cqNum,
		Entries:   cfg.CQEntries,
		EntrySize: cfg.CQESize,
		Resolver:  s.table,
		Doorbell:  s.device,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create cq: %w", err)
	}
	s.cq = cq
	s.events = s.device.Attach(cq)

	if cfg.SRQWR > 0 {
		srq, err := rdma.NewSRQ(srqNum, cfg.SRQWR, false)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create srq: %w", err)
		}
		s.srq = srq
		s.table.AddSRQ(srq)
	}

	for i := 0; i < cfg.QPCount; i++ {
		qp, err := rdma.NewQP(rdma.QPAttr{
			Num:       uint32(firstQPN + i),
			Type:      rdma.QPTypeUD,
			MaxSendWR: cfg.SendWR,
			MaxRecvWR: cfg.RecvWR,
			SRQ:       s.srq,
			SendCQ:    cq,
			RecvCQ:    cq,
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create qp %d: %w", i, err)
		}
		qp.BindPort(s.device.LinkLayer(), s.device.Caps())
		s.table.AddQP(qp)
		s.qps = append(s.qps, qp)
	}

	s.traffic, err = sim.NewTraffic(s.device, cq, s.qps, sim.TrafficConfig{
		RatePerSecond: cfg.RatePerSecond,
		ErrorEvery:    1000,
		WithGRH:       true,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create traffic generator: %w", err)
	}

	log.Debug().
		Str("run_id", s.runID).
		Int("cq_entries", cq.Capacity()).
		Int("qps", len(s.qps)).
		Bool("srq", s.srq != nil).
		Msg("Simulator instance created")
	return s, nil
}

// RunID returns the ID the run is recorded under
func (s *Simulator) RunID() string { return s.runID }

// Start starts the optional services, the poller and the traffic generator
func (s *Simulator) Start() error {
	log.Debug().Msg("Starting simulator")
	s.startedAt = time.Now()

	// Initialize metrics if enabled
	if s.config.MetricsEnabled {
		m, err := telemetry.NewMetrics(s.ctx, s.config.InstanceID, s.config.OtelCollectorAddr)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize metrics, continuing without metrics")
		} else {
			s.metrics = m
			log.Info().
				Str("instance_id", s.config.InstanceID).
				Str("collector_addr", s.config.OtelCollectorAddr).
				Msg("OpenTelemetry metrics initialized")
		}
	}

	p, err := poller.New(s.cq, s.events, s.metrics, poller.Options{
		BatchSize: s.config.BatchSize,
		Fields:    rdma.WCExFlags(s.config.WCFlags),
		Buffers:   s.traffic.TakeBuffer,
	})
	if err != nil {
		return fmt.Errorf("failed to create poller: %w", err)
	}
	s.poller = p

	if s.config.DatabaseURI != "" {
		st, err := store.NewRunStore(s.config.DatabaseURI)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to open run store, continuing without it")
		} else {
			s.store = st
		}
	}

	if s.config.HealthAddr != "" {
		s.health = health.NewServer(s.config.HealthAddr)
		if err := s.health.Start(); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
	}

	s.poller.Start(s.ctx)

	s.wg.Add(1)
	go s.resultHandler()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.traffic.Run(s.ctx); err != nil {
			log.Error().Err(err).Msg("Traffic generator failed")
		}
	}()

	if s.config.ResizeTo > 0 {
		s.wg.Add(1)
		go s.resizeLater(time.Duration(s.config.DurationMS) * time.Millisecond / 2)
	}

	if s.health != nil {
		s.health.SetServing(true)
	}
	log.Info().Str("run_id", s.runID).Msg("Simulator started")
	return nil
}

func (s *Simulator) resizeLater(after time.Duration) {
	defer s.wg.Done()
	select {
	case <-s.ctx.Done():
		return
	case <-time.After(after):
	}

	if err := s.cq.Resize(s.ctx, s.config.ResizeTo, s.device); err != nil {
		if errors.Is(err, rdma.ErrInvalidCQSize) || errors.Is(err, sim.ErrCQFull) {
			log.Warn().Err(err).Int("entries", s.config.ResizeTo).Msg("CQ resize rejected")
			return
		}
		log.Error().Err(err).Int("entries", s.config.ResizeTo).Msg("CQ resize failed")
		return
	}
	s.resizes.Add(1)
	s.metrics.RecordResize(s.ctx, s.cq.Num(), s.cq.Capacity())
	log.Info().Int("capacity", s.cq.Capacity()).Msg("CQ resized")
}

func (s *Simulator) resultHandler() {
	defer s.wg.Done()
	log.Debug().Msg("Result handler started")

	for {
		select {
		case <-s.ctx.Done():
			log.Debug().Msg("Result handler stopping due to context cancellation")
			return
		case c := <-s.poller.SendCompletions():
			s.handleSend(c)
		case c := <-s.poller.RecvCompletions():
			s.handleRecv(c)
		case err := <-s.poller.Errors():
			s.handleError(err)
		}
	}
}

// drainResults handles what the poller queued before it stopped
func (s *Simulator) drainResults() {
	for {
		select {
		case c := <-s.poller.SendCompletions():
			s.handleSend(c)
		case c := <-s.poller.RecvCompletions():
			s.handleRecv(c)
		case err := <-s.poller.Errors():
			s.handleError(err)
		default:
			return
		}
	}
}

func (s *Simulator) handleSend(c *poller.Completion) {
	s.sends.Add(1)
}

func (s *Simulator) handleRecv(c *poller.Completion) {
	s.recvs.Add(1)
	if len(c.Payload) >= 8 && binary.BigEndian.Uint64(c.Payload) != c.WRID {
		s.mismatches.Add(1)
		log.Error().
			Uint64("wrid", c.WRID).
			Uint64("payload", binary.BigEndian.Uint64(c.Payload)).
			Msg("Receive completion does not match its buffer")
	}
}

func (s *Simulator) handleError(err error) {
	wcErr, ok := poller.IsWCError(err)
	if !ok {
		log.Error().Err(err).Msg("Poller error")
		return
	}
	s.mu.Lock()
	s.wcErrors = append(s.wcErrors, store.CompletionError{
		RunID:     s.runID,
		CQ:        wcErr.CQ,
		WRID:      wcErr.WRID,
		Status:    wcErr.Status.String(),
		VendorErr: wcErr.VendorErr,
	})
	s.mu.Unlock()
}

// teardown destroys the QPs and the SRQ, dropping their pending entries
func (s *Simulator) teardown() {
	for _, qp := range s.qps {
		n := s.table.DestroyQP(qp)
		s.cleaned.Add(uint64(n))
		s.metrics.RecordCleaned(context.Background(), s.cq.Num(), n)
	}
	if s.srq != nil {
		s.table.DestroySRQ(s.srq, s.cq)
	}
	s.device.Detach(s.cq.Num())
}

// Summary returns the run summary. It is complete once Stop returned.
func (s *Simulator) Summary() store.RunSummary {
	return s.summary
}

// Stop stops the simulator and records the run
func (s *Simulator) Stop() {
	s.stopOnce.Do(s.stop)
}

func (s *Simulator) stop() {
	log.Debug().Msg("Stopping simulator")
	if s.health != nil {
		s.health.SetServing(false)
	}
	s.cancel()

	// Wait for goroutines to complete
	log.Debug().Msg("Waiting for background goroutines to complete")
	s.wg.Wait()

	var ps poller.Stats
	if s.poller != nil {
		log.Debug().Msg("Stopping poller")
		s.poller.Stop()
		s.drainResults()
		ps = s.poller.Stats()
	}
	s.teardown()

	ts := s.traffic.Stats()
	s.summary = store.RunSummary{
		RunID:      s.runID,
		InstanceID: s.config.InstanceID,
		CQ:         s.cq.Num(),
		Entries:    s.cq.Capacity(),
		CQESize:    s.cq.Ring().EntrySize(),
		Produced:   ts.Produced,
		Polled:     ps.Polled,
		WCErrors:   ps.WCErrors,
		PollErrors: ps.PollErrors,
		Dropped:    ps.Dropped,
		Cleaned:    s.cleaned.Load(),
		Resizes:    s.resizes.Load(),
		StartedAt:  s.startedAt,
		FinishedAt: time.Now(),
	}

	log.Info().
		Str("run_id", s.runID).
		Uint64("produced", ts.Produced).
		Uint64("stalls", ts.Stalls).
		Uint64("polled", ps.Polled).
		Uint64("sends", s.sends.Load()).
		Uint64("recvs", s.recvs.Load()).
		Uint64("wc_errors", ps.WCErrors).
		Uint64("poll_errors", ps.PollErrors).
		Uint64("dropped", ps.Dropped).
		Uint64("cleaned", s.summary.Cleaned).
		Uint64("resizes", s.summary.Resizes).
		Uint64("payload_mismatches", s.mismatches.Load()).
		Msg("Run summary")

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.RecordRun(ctx, &s.summary); err != nil {
			log.Error().Err(err).Msg("Failed to record run summary")
		}
		s.mu.Lock()
		wcErrors := s.wcErrors
		s.mu.Unlock()
		if err := s.store.RecordCompletionErrors(ctx, wcErrors); err != nil {
			log.Error().Err(err).Msg("Failed to record completion errors")
		}
		if err := s.store.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close run store")
		}
	}

	if s.health != nil {
		log.Debug().Msg("Stopping health server")
		s.health.Stop()
	}

	// Shutdown metrics if enabled
	if s.config.MetricsEnabled {
		log.Debug().Msg("Shutting down metrics")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.metrics.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown metrics properly")
		}
	}

	log.Info().Msg("Simulator stopped")
}

// Run runs the simulator for the configured duration or until a signal arrives
func (s *Simulator) Run() error {
	log.Debug().Msg("Running simulator")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := s.Start(); err != nil {
		s.Stop()
		return fmt.Errorf("failed to start simulator: %w", err)
	}

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down gracefully...")

		// Wait for the second signal in a separate goroutine
		forceQuitCh := make(chan os.Signal, 1)
		signal.Notify(forceQuitCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-forceQuitCh
			log.Warn().Msg("Received second signal, forcing immediate exit...")
			os.Exit(1)
		}()
	case <-time.After(time.Duration(s.config.DurationMS) * time.Millisecond):
		log.Info().Uint32("duration_ms", s.config.DurationMS).Msg("Run duration elapsed")
	}

	s.Stop()
	return nil
}

// initLogging initializes the logging configuration
func initLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Configure pretty logging for development
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
