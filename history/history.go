// Package history keeps a SQLite log of every capture run. It is advisory:
// write failures are logged and never block the rotation.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/hazyhaar/carousel/capture"
	"github.com/hazyhaar/carousel/dbopen"
	"github.com/hazyhaar/carousel/idgen"
)

const defaultLimit = 50

// Run is one row of capture_runs.
type Run struct {
	ID         string    `json:"id"`
	TargetID   string    `json:"targetId"`
	URL        string    `json:"url"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Success    bool      `json:"success"`
	Attempts   int       `json:"attempts"`
	Bytes      int       `json:"bytes"`
	Stage      string    `json:"stage,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// TargetStats aggregates runs for one target.
type TargetStats struct {
	TargetID    string    `json:"targetId"`
	Runs        int       `json:"runs"`
	Successes   int       `json:"successes"`
	Failures    int       `json:"failures"`
	LastSuccess time.Time `json:"lastSuccess,omitzero"`
}

// Store reads and writes capture_runs.
type Store struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
	// timeout bounds writes made through the Recorder methods.
	timeout time.Duration
}

// Open opens (creating if needed) the history database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(schema))
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	return New(db, logger)
}

// New wraps an already-opened database and ensures the schema exists.
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("history: schema: %w", err)
	}
	return &Store{
		db:      db,
		newID:   idgen.Prefixed("run_", idgen.UUIDv7()),
		logger:  logger,
		timeout: 5 * time.Second,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Record inserts one run built from r and returns its id.
func (s *Store) Record(ctx context.Context, r capture.Result) (string, error) {
	id := s.newID()
	started := r.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	var errText string
	if r.Err != nil {
		errText = r.Err.Error()
	}
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO capture_runs (id, target_id, url, started_at, finished_at,
		success, attempts, bytes, stage, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, r.Target.ID, r.Target.URL, started.UnixMilli(), started.Add(r.Duration).UnixMilli(),
		boolInt(r.Success), r.Attempts, r.Bytes, r.Stage.String(), errText,
	)
	if err != nil {
		return "", fmt.Errorf("history: record %s: %w", r.Target.ID, err)
	}
	return id, nil
}

// Recent returns the newest runs, for one target or all when targetID is
// empty.
func (s *Store) Recent(ctx context.Context, targetID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	q := `SELECT id, target_id, url, started_at, finished_at, success, attempts,
		bytes, stage, error FROM capture_runs`
	args := []any{}
	if targetID != "" {
		q += ` WHERE target_id = ?`
		args = append(args, targetID)
	}
	q += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var (
			r                 Run
			started, finished int64
			success           int
		)
		if err := rows.Scan(&r.ID, &r.TargetID, &r.URL, &started, &finished,
			&success, &r.Attempts, &r.Bytes, &r.Stage, &r.Error); err != nil {
			return nil, fmt.Errorf("history: scan run: %w", err)
		}
		r.StartedAt = time.UnixMilli(started)
		r.FinishedAt = time.UnixMilli(finished)
		r.Success = success != 0
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Stats returns success and failure totals per target, ordered by id.
func (s *Store) Stats(ctx context.Context) ([]TargetStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT target_id, COUNT(*), COALESCE(SUM(success), 0),
		COALESCE(MAX(CASE WHEN success = 1 THEN finished_at END), 0)
		FROM capture_runs GROUP BY target_id ORDER BY target_id`)
	if err != nil {
		return nil, fmt.Errorf("history: stats: %w", err)
	}
	defer rows.Close()

	stats := []TargetStats{}
	for rows.Next() {
		var (
			st   TargetStats
			last int64
		)
		if err := rows.Scan(&st.TargetID, &st.Runs, &st.Successes, &last); err != nil {
			return nil, fmt.Errorf("history: scan stats: %w", err)
		}
		st.Failures = st.Runs - st.Successes
		if last > 0 {
			st.LastSuccess = time.UnixMilli(last)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// Prune deletes runs that started before cutoff and returns how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := dbopen.Exec(ctx, s.db,
		`DELETE FROM capture_runs WHERE started_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	return res.RowsAffected()
}

// StartPruner deletes runs older than retention once now and then daily,
// until ctx is cancelled.
func (s *Store) StartPruner(ctx context.Context, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("history: new scheduler: %w", err)
	}
	_, err = cron.NewJob(
		gocron.DurationJob(24*time.Hour),
		gocron.NewTask(func() {
			n, err := s.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				s.logger.Warn("history: prune failed", "error", err)
				return
			}
			if n > 0 {
				s.logger.Info("history: pruned", "rows", n, "retention", retention)
			}
		}),
		gocron.WithName("history-prune"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		cron.Shutdown()
		return fmt.Errorf("history: prune job: %w", err)
	}
	cron.Start()
	go func() {
		<-ctx.Done()
		if err := cron.Shutdown(); err != nil {
			s.logger.Warn("history: pruner shutdown", "error", err)
		}
	}()
	return nil
}

// RecordSuccess implements capture.Recorder.
func (s *Store) RecordSuccess(r capture.Result) { s.recordLogged(r) }

// RecordFailure implements capture.Recorder.
func (s *Store) RecordFailure(r capture.Result) { s.recordLogged(r) }

// recordLogged writes r with a short timeout. Errors are logged only.
func (s *Store) recordLogged(r capture.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.Record(ctx, r); err != nil {
		s.logger.Warn("history: record failed", "target", r.Target.ID, "error", err)
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
