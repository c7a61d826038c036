package simulator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/hwcq/internal/config"
	"github.com/yuuki/hwcq/internal/health"
	"github.com/yuuki/hwcq/internal/rdma"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func testConfig() *config.SimConfig {
	return &config.SimConfig{
		InstanceID:    "test",
		LogLevel:      "error",
		CQEntries:     64,
		CQESize:       rdma.CQESize,
		BatchSize:     8,
		RatePerSecond: 20000,
		DurationMS:    200,
		QPCount:       2,
		SendWR:        64,
		RecvWR:        64,
	}
}

func runFor(t *testing.T, s *Simulator, d time.Duration) {
	t.Helper()
	require.NoError(t, s.Start())
	time.Sleep(d)
	s.Stop()
}

func TestSimulatorAccountsForEveryCompletion(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.SimConfig)
	}{
		{"plain", func(*config.SimConfig) {}},
		{"srq", func(c *config.SimConfig) { c.SRQWR = 64 }},
		{"extended fields", func(c *config.SimConfig) {
			c.WCFlags = uint64(rdma.WCExWithByteLen | rdma.WCExWithCompletionTimestamp | rdma.WCExWithQPNum)
		}},
		{"wide entries", func(c *config.SimConfig) { c.CQESize = rdma.CQESize64 }},
		{"resize", func(c *config.SimConfig) { c.ResizeTo = 255 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.modify(cfg)
			s, err := New(cfg)
			require.NoError(t, err)

			runFor(t, s, 200*time.Millisecond)

			sum := s.Summary()
			assert.Equal(t, s.RunID(), sum.RunID)
			assert.Equal(t, uint32(cqNum), sum.CQ)
			assert.NotZero(t, sum.Produced)
			assert.Equal(t, sum.Produced, sum.Polled+sum.Cleaned, "every entry is either polled or cleaned")
			assert.Zero(t, sum.PollErrors)
			assert.Zero(t, s.mismatches.Load())
			assert.Equal(t, cfg.CQESize, sum.CQESize)
			assert.False(t, sum.FinishedAt.Before(sum.StartedAt))

			qps, _ := s.table.Len()
			assert.Zero(t, qps, "all QPs destroyed")
			assert.Zero(t, s.cq.OutstandingCount())
		})
	}
}

func TestSimulatorResize(t *testing.T) {
	cfg := testConfig()
	cfg.ResizeTo = 255
	s, err := New(cfg)
	require.NoError(t, err)

	runFor(t, s, 300*time.Millisecond)

	sum := s.Summary()
	assert.Equal(t, uint64(1), sum.Resizes)
	assert.Equal(t, 255, sum.Entries)
	assert.Equal(t, sum.Produced, sum.Polled+sum.Cleaned)
}

func TestSimulatorCollectsErrorCompletions(t *testing.T) {
	cfg := testConfig()
	cfg.RatePerSecond = 50000
	s, err := New(cfg)
	require.NoError(t, err)

	runFor(t, s, 400*time.Millisecond)

	sum := s.Summary()
	s.mu.Lock()
	collected := len(s.wcErrors)
	s.mu.Unlock()
	require.NotZero(t, sum.WCErrors, "one in a thousand completions is an error")
	assert.LessOrEqual(t, uint64(collected), sum.WCErrors)
	for _, e := range s.wcErrors {
		assert.Equal(t, s.RunID(), e.RunID)
		assert.Equal(t, rdma.WCWRFlushErr.String(), e.Status)
	}
}

func TestSimulatorHealth(t *testing.T) {
	cfg := testConfig()
	cfg.HealthAddr = "127.0.0.1:0"
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := health.Check(ctx, s.health.Addr(), health.ServiceName)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)

	s.Stop()
	s.Stop()
}

func TestSimulatorStopWithoutStart(t *testing.T) {
	s, err := New(testConfig())
	require.NoError(t, err)

	s.Stop()
	sum := s.Summary()
	assert.Zero(t, sum.Produced)
	assert.Zero(t, sum.Polled)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.WCFlags = uint64(rdma.WCExGRH)
	s, err := New(cfg)
	require.NoError(t, err, "fields are checked when the poller starts")
	assert.ErrorIs(t, s.Start(), rdma.ErrInvalidArgument)
	s.Stop()

	cfg = testConfig()
	cfg.CQEntries = 0
	_, err = New(cfg)
	assert.ErrorIs(t, err, rdma.ErrInvalidCQSize)
}
