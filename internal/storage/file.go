package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "lockstep/pkg/logx"
)

// fileStore keeps the journal in plain files:
//   - <prefix>.transitions.jsonl (append-only)
//   - <prefix>.invokers.jsonl    (append-only, one batch per run)
//   - <prefix>.summaries.json    (snapshot, replaced atomically)
type fileStore struct {
	log   logx.Logger
	runID string

	mu              sync.Mutex
	transitionsPath string
	transitions     *os.File
	invokers        *os.File
	summariesPath   string
	summaries       map[string]Summary
}

func openFile(cfg Config, runID string, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:             log,
		runID:           runID,
		transitionsPath: prefix + ".transitions.jsonl",
		summariesPath:   prefix + ".summaries.json",
		summaries:       map[string]Summary{},
	}
	if err := loadSummaries(s.summariesPath, s.summaries); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("summaries snapshot unreadable, starting empty", logx.Err(err))
	}

	var err error
	if s.transitions, err = os.OpenFile(s.transitionsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		return nil, err
	}
	if s.invokers, err = os.OpenFile(prefix+".invokers.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		_ = s.transitions.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("prefix", prefix), logx.String("run_id", runID))
	return s, nil
}

func (s *fileStore) RunID() string { return s.runID }

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.transitions != nil {
		errs = append(errs, s.transitions.Close())
		s.transitions = nil
	}
	if s.invokers != nil {
		errs = append(errs, s.invokers.Close())
		s.invokers = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendTransition(_ context.Context, t Transition) error {
	if t.RunID == "" {
		t.RunID = s.runID
	}
	if t.At.IsZero() {
		t.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transitions == nil {
		return errors.New("transitions file closed")
	}
	return json.NewEncoder(s.transitions).Encode(t)
}

func (s *fileStore) RecentTransitions(_ context.Context, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.transitionsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Transition
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var t Transition
		if err := json.Unmarshal(sc.Bytes(), &t); err != nil {
			continue
		}
		out = append(out, t)
		if len(out) > limit {
			out = out[1:]
		}
	}
	return out, sc.Err()
}

func (s *fileStore) SaveInvokerStats(_ context.Context, stats []InvokerStat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invokers == nil {
		return errors.New("invokers file closed")
	}
	now := time.Now()
	enc := json.NewEncoder(s.invokers)
	for _, st := range stats {
		if st.RunID == "" {
			st.RunID = s.runID
		}
		if st.SavedAt.IsZero() {
			st.SavedAt = now
		}
		if err := enc.Encode(st); err != nil {
			return err
		}
	}
	return nil
}

func (s *fileStore) PutSummary(_ context.Context, sum Summary) error {
	if sum.RunID == "" {
		sum.RunID = s.runID
	}
	if sum.At.IsZero() {
		sum.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[sum.Service] = sum

	tmp := s.summariesPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.summaries); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.summariesPath)
}

func (s *fileStore) GetSummary(_ context.Context, service string) (Summary, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.summaries[service]
	return sum, ok, nil
}

func loadSummaries(path string, out map[string]Summary) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(&out)
}
