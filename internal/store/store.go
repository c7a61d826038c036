// Package store keeps simulator run summaries and error completions in rqlite.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rqlite/gorqlite"
	"github.com/rs/zerolog/log"
)

// ErrRunNotFound is returned when no summary exists for a run ID
var ErrRunNotFound = errors.New("run not found")

// RunSummary is what one simulator run produced and consumed.
type RunSummary struct {
	RunID      string
	InstanceID string
	CQ         uint32
	Entries    int
	CQESize    int
	Produced   uint64
	Polled     uint64
	WCErrors   uint64
	PollErrors uint64
	Dropped    uint64
	Cleaned    uint64
	Resizes    uint64
	StartedAt  time.Time
	FinishedAt time.Time
}

// CompletionError is one error completion seen during a run.
type CompletionError struct {
	RunID     string
	CQ        uint32
	WRID      uint64
	Status    string
	VendorErr uint32
}

// RunStore writes run records to rqlite
type RunStore struct {
	conn *gorqlite.Connection
}

// NewRunStore connects to rqlite and creates the tables if needed
func NewRunStore(dbURI string) (*RunStore, error) {
	log.Info().Str("dbURI", dbURI).Msg("Initializing run store with rqlite")

	conn, err := gorqlite.Open(dbURI)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rqlite: %w", err)
	}

	s := &RunStore{conn: conn}
	if err := s.initializeSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initializeSchema creates the necessary tables if they don't exist
func (s *RunStore) initializeSchema() error {
	createRunsSQL := `
	CREATE TABLE IF NOT EXISTS cq_runs (
		run_id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		cqn INTEGER NOT NULL,
		entries INTEGER NOT NULL,
		cqe_size INTEGER NOT NULL,
		produced INTEGER NOT NULL,
		polled INTEGER NOT NULL,
		wc_errors INTEGER NOT NULL,
		poll_errors INTEGER NOT NULL,
		dropped INTEGER NOT NULL,
		cleaned INTEGER NOT NULL,
		resizes INTEGER NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL
	);
	`

	createErrorsSQL := `
	CREATE TABLE IF NOT EXISTS cq_completion_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		cqn INTEGER NOT NULL,
		wrid INTEGER NOT NULL,
		status TEXT NOT NULL,
		vendor_err INTEGER NOT NULL
	);
	`

	createIndexSQL := `CREATE INDEX IF NOT EXISTS idx_cq_completion_errors_run_id ON cq_completion_errors (run_id);`

	if _, err := s.conn.WriteOne(createRunsSQL); err != nil {
		return fmt.Errorf("failed to create cq_runs table: %w", err)
	}
	if _, err := s.conn.WriteOne(createErrorsSQL); err != nil {
		return fmt.Errorf("failed to create cq_completion_errors table: %w", err)
	}
	if _, err := s.conn.WriteOne(createIndexSQL); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// Close closes the store
func (s *RunStore) Close() error {
	if s.conn != nil {
		s.conn.Close()
	}
	return nil
}

// RecordRun upserts the summary of a run
func (s *RunStore) RecordRun(ctx context.Context, run *RunSummary) error {
	log.Info().
		Str("runID", run.RunID).
		Uint64("polled", run.Polled).
		Msg("Recording run summary")

	stmt := gorqlite.ParameterizedStatement{
		Query: `
	INSERT OR REPLACE INTO cq_runs
	(run_id, instance_id, cqn, entries, cqe_size, produced, polled, wc_errors, poll_errors, dropped, cleaned, resizes, started_at, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`,
		Arguments: []interface{}{
			run.RunID,
			run.InstanceID,
			int64(run.CQ),
			run.Entries,
			run.CQESize,
			int64(run.Produced),
			int64(run.Polled),
			int64(run.WCErrors),
			int64(run.PollErrors),
			int64(run.Dropped),
			int64(run.Cleaned),
			int64(run.Resizes),
			run.StartedAt.UTC().Format(time.RFC3339Nano),
			run.FinishedAt.UTC().Format(time.RFC3339Nano),
		},
	}

	if _, err := s.conn.WriteOneParameterized(stmt); err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.RunID, err)
	}
	return nil
}

// RecordCompletionErrors stores error completions of a run in one request
func (s *RunStore) RecordCompletionErrors(ctx context.Context, errs []CompletionError) error {
	if len(errs) == 0 {
		return nil
	}

	stmts := make([]gorqlite.ParameterizedStatement, 0, len(errs))
	for _, e := range errs {
		stmts = append(stmts, gorqlite.ParameterizedStatement{
			Query: `INSERT INTO cq_completion_errors (run_id, cqn, wrid, status, vendor_err) VALUES (?, ?, ?, ?, ?);`,
			Arguments: []interface{}{
				e.RunID,
				int64(e.CQ),
				int64(e.WRID),
				e.Status,
				int64(e.VendorErr),
			},
		})
	}

	if _, err := s.conn.WriteParameterized(stmts); err != nil {
		return fmt.Errorf("failed to record %d completion errors: %w", len(errs), err)
	}
	return nil
}

// GetRun returns the summary of a run
func (s *RunStore) GetRun(ctx context.Context, runID string) (*RunSummary, error) {
	stmt := gorqlite.ParameterizedStatement{
		Query: `
	SELECT run_id, instance_id, cqn, entries, cqe_size, produced, polled, wc_errors, poll_errors, dropped, cleaned, resizes, started_at, finished_at
	FROM cq_runs
	WHERE run_id = ?;
	`,
		Arguments: []interface{}{runID},
	}

	result, err := s.conn.QueryOneParameterized(stmt)
	if err != nil {
		return nil, fmt.Errorf("failed to query run %s: %w", runID, err)
	}
	if !result.Next() {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	var (
		run                                                          RunSummary
		cqn, entries, cqeSize                                        int64
		produced, polled, wcErrors, pollErrors, dropped, cleaned, rs int64
		startedAt, finishedAt                                        string
	)
	if err := result.Scan(&run.RunID, &run.InstanceID, &cqn, &entries, &cqeSize,
		&produced, &polled, &wcErrors, &pollErrors, &dropped, &cleaned, &rs,
		&startedAt, &finishedAt); err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}

	run.CQ = uint32(cqn)
	run.Entries = int(entries)
	run.CQESize = int(cqeSize)
	run.Produced = uint64(produced)
	run.Polled = uint64(polled)
	run.WCErrors = uint64(wcErrors)
	run.PollErrors = uint64(pollErrors)
	run.Dropped = uint64(dropped)
	run.Cleaned = uint64(cleaned)
	run.Resizes = uint64(rs)
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("invalid started_at %q: %w", startedAt, err)
	}
	if run.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt); err != nil {
		return nil, fmt.Errorf("invalid finished_at %q: %w", finishedAt, err)
	}
	return &run, nil
}

// ListCompletionErrors returns the error completions of a run in insertion order
func (s *RunStore) ListCompletionErrors(ctx context.Context, runID string) ([]CompletionError, error) {
	stmt := gorqlite.ParameterizedStatement{
		Query: `
	SELECT cqn, wrid, status, vendor_err
	FROM cq_completion_errors
	WHERE run_id = ?
	ORDER BY id;
	`,
		Arguments: []interface{}{runID},
	}

	result, err := s.conn.QueryOneParameterized(stmt)
	if err != nil {
		return nil, fmt.Errorf("failed to query completion errors of run %s: %w", runID, err)
	}

	var errs []CompletionError
	for result.Next() {
		var (
			cqn, wrid, vendorErr int64
			status               string
		)
		if err := result.Scan(&cqn, &wrid, &status, &vendorErr); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		errs = append(errs, CompletionError{
			RunID:     runID,
			CQ:        uint32(cqn),
			WRID:      uint64(wrid),
			Status:    status,
			VendorErr: uint32(vendorErr),
		})
	}
	return errs, nil
}
