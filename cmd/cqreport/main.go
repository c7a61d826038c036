package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/yuuki/hwcq/internal/store"
)

func main() {
	flags := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	dbURI := flags.String("db-uri", "http://localhost:4001", "rqlite URI the runs were recorded to")
	runID := flags.String("run-id", "", "ID of the run to report")
	timeout := flags.Duration("timeout", 10*time.Second, "Timeout for the queries")
	flags.Parse(os.Args[1:])

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if *runID == "" {
		fmt.Fprintln(os.Stderr, "--run-id is required")
		os.Exit(2)
	}

	s, err := store.NewRunStore(*dbURI)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open run store")
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	run, err := s.GetRun(ctx, *runID)
	if err != nil {
		log.Fatal().Err(err).Str("run_id", *runID).Msg("Failed to load run")
	}
	errs, err := s.ListCompletionErrors(ctx, *runID)
	if err != nil {
		log.Fatal().Err(err).Str("run_id", *runID).Msg("Failed to load completion errors")
	}

	fmt.Printf("Run %s (instance %s)\n", run.RunID, run.InstanceID)
	fmt.Printf("  CQ 0x%x, %d entries of %d bytes\n", run.CQ, run.Entries, run.CQESize)
	fmt.Printf("  %s .. %s (%s)\n", run.StartedAt.Format(time.RFC3339), run.FinishedAt.Format(time.RFC3339),
		run.FinishedAt.Sub(run.StartedAt))
	fmt.Printf("  produced %d, polled %d, cleaned %d, dropped %d\n", run.Produced, run.Polled, run.Cleaned, run.Dropped)
	fmt.Printf("  wc errors %d, poll errors %d, resizes %d\n", run.WCErrors, run.PollErrors, run.Resizes)
	for _, e := range errs {
		fmt.Printf("  WRID %d: %s (vendor 0x%x)\n", e.WRID, e.Status, e.VendorErr)
	}
}
