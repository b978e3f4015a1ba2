package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "lockstep/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db    *sql.DB
	log   logx.Logger
	runID string
}

func openSQLite(cfg Config, runID string, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("storage opened", logx.String("path", path), logx.String("run_id", runID))
	return &sqliteStore{db: db, log: log, runID: runID}, nil
}

func (s *sqliteStore) RunID() string { return s.runID }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendTransition(ctx context.Context, t Transition) error {
	if t.RunID == "" {
		t.RunID = s.runID
	}
	if t.At.IsZero() {
		t.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transitions(run_id, at, tick, service, service_id, from_state, to_state)
		 VALUES(?,?,?,?,?,?,?)`,
		t.RunID, t.At.Format(time.RFC3339Nano), int64(t.Tick), t.Service, t.ServiceID, t.From, t.To,
	)
	return err
}

// RecentTransitions returns up to limit transitions, oldest first.
func (s *sqliteStore) RecentTransitions(ctx context.Context, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, at, tick, service, service_id, from_state, to_state
		 FROM (SELECT * FROM transitions ORDER BY id DESC LIMIT ?) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			t    Transition
			at   string
			tick int64
		)
		if err := rows.Scan(&t.RunID, &at, &tick, &t.Service, &t.ServiceID, &t.From, &t.To); err != nil {
			return nil, err
		}
		t.At, _ = time.Parse(time.RFC3339Nano, at)
		t.Tick = uint64(tick)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveInvokerStats(ctx context.Context, stats []InvokerStat) error {
	if len(stats) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	for _, st := range stats {
		if st.RunID == "" {
			st.RunID = s.runID
		}
		if st.SavedAt.IsZero() {
			st.SavedAt = now
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO invoker_stats(run_id, saved_at, owner, name, type, fires, skipped, failures, execute_ms, schedule_ms, idle_ms)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(run_id, owner, name) DO UPDATE SET
			   saved_at=excluded.saved_at, fires=excluded.fires, skipped=excluded.skipped, failures=excluded.failures,
			   execute_ms=excluded.execute_ms, schedule_ms=excluded.schedule_ms, idle_ms=excluded.idle_ms`,
			st.RunID, st.SavedAt.Format(time.RFC3339Nano), st.Owner, st.Name, st.Type,
			int64(st.Fires), int64(st.Skipped), int64(st.Failures), st.ExecuteMS, st.ScheduleMS, st.IdleMS,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) PutSummary(ctx context.Context, sum Summary) error {
	if sum.RunID == "" {
		sum.RunID = s.runID
	}
	if sum.At.IsZero() {
		sum.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries(service, run_id, at, body) VALUES(?,?,?,?)
		 ON CONFLICT(service) DO UPDATE SET run_id=excluded.run_id, at=excluded.at, body=excluded.body`,
		sum.Service, sum.RunID, sum.At.Format(time.RFC3339Nano), sum.Body,
	)
	return err
}

func (s *sqliteStore) GetSummary(ctx context.Context, service string) (Summary, bool, error) {
	var (
		sum Summary
		at  string
	)
	err := s.db.QueryRowContext(ctx, `SELECT service, run_id, at, body FROM summaries WHERE service = ?`, service).
		Scan(&sum.Service, &sum.RunID, &at, &sum.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return Summary{}, false, nil
	}
	if err != nil {
		return Summary{}, false, err
	}
	sum.At, _ = time.Parse(time.RFC3339Nano, at)
	return sum, true, nil
}
