package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/yuuki/hwcq/internal/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	flags := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	addr := flags.String("addr", "localhost:50061", "Address of the simulator health endpoint")
	service := flags.String("service", health.ServiceName, "Service to check, empty for the whole server")
	timeout := flags.Duration("timeout", 5*time.Second, "Timeout for the check")
	flags.Parse(os.Args[1:])

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	status, err := health.Check(ctx, *addr, *service)
	if err != nil {
		log.Error().Err(err).Str("addr", *addr).Str("service", *service).Msg("Health check failed")
		os.Exit(2)
	}
	fmt.Println(status)
	if status != healthpb.HealthCheckResponse_SERVING {
		log.Warn().Str("addr", *addr).Str("status", status.String()).Msg("Service is not serving")
		os.Exit(1)
	}
}
