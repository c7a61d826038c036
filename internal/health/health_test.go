package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestHealthServer(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	require.NoError(t, s.Start())
	defer s.Stop()
	require.NoError(t, s.Start(), "starting twice is a no-op")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, err := Check(ctx, s.Addr(), ServiceName)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status)

	s.SetServing(true)
	status, err = Check(ctx, s.Addr(), ServiceName)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)

	status, err = Check(ctx, s.Addr(), "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)

	_, err = Check(ctx, s.Addr(), "unknown.Service")
	assert.Error(t, err, "unknown services are NOT_FOUND")
}

func TestHealthServerStop(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	require.NoError(t, s.Start())
	addr := s.Addr()
	s.Stop()
	s.Stop()
	assert.Equal(t, "127.0.0.1:0", s.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := Check(ctx, addr, ServiceName)
	assert.Error(t, err)
}
