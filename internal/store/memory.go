package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/arena-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	competitors map[string]model.Competitor
	snapshots   map[string][]model.Snapshot
	runs        []model.RunLog
	runIndex    map[string]int
	trades      []model.TradeRecord
	calls       map[string]int
	bars        map[string]map[string]model.Bar

	// FailSaves makes the next n SaveRun calls fail, for retry tests.
	FailSaves int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		competitors: make(map[string]model.Competitor),
		snapshots:   make(map[string][]model.Snapshot),
		runIndex:    make(map[string]int),
		calls:       make(map[string]int),
		bars:        make(map[string]map[string]model.Bar),
	}
}

func (s *MemoryStore) UpsertCompetitor(_ context.Context, c *model.Competitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	if existing, ok := s.competitors[c.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	s.competitors[c.ID] = cp
	return nil
}

func (s *MemoryStore) GetCompetitor(_ context.Context, id string) (*model.Competitor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.competitors[id]
	if !ok {
		return nil, fmt.Errorf("competitor %s: %w", id, ErrNotFound)
	}
	return &c, nil
}

func (s *MemoryStore) ListCompetitors(_ context.Context) ([]model.Competitor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Competitor, 0, len(s.competitors))
	for _, c := range s.competitors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, competitorID string, snap model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[competitorID] = append(s.snapshots[competitorID], snap.Clone())
	return nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context, competitorID string) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.snapshots[competitorID]
	if len(h) == 0 {
		return nil, fmt.Errorf("snapshot for %s: %w", competitorID, ErrNotFound)
	}
	latest := h[len(h)-1].Clone()
	return &latest, nil
}

func (s *MemoryStore) SnapshotHistory(_ context.Context, competitorID string) ([]model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.snapshots[competitorID]
	out := make([]model.Snapshot, len(h))
	for i := range h {
		out[i] = h[i].Clone()
	}
	return out, nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run *model.RunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailSaves > 0 {
		s.FailSaves--
		return fmt.Errorf("memory store: injected failure")
	}
	if _, ok := s.runIndex[run.RunID]; ok {
		return nil
	}

	cp, err := deepCopy(run)
	if err != nil {
		return err
	}
	s.runIndex[run.RunID] = len(s.runs)
	s.runs = append(s.runs, *cp)
	s.trades = append(s.trades, tradesFor(cp)...)
	if cp.SnapshotAfter != nil {
		s.snapshots[run.CompetitorID] = append(s.snapshots[run.CompetitorID], cp.SnapshotAfter.Clone())
	}
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (*model.RunLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.runIndex[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return deepCopy(&s.runs[i])
}

func (s *MemoryStore) ListRuns(_ context.Context, f RunFilter) ([]model.RunLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.RunLog
	for i := len(s.runs) - 1; i >= 0; i-- {
		if !matches(f, &s.runs[i]) {
			continue
		}
		cp, err := deepCopy(&s.runs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CountRuns(_ context.Context, f RunFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for i := range s.runs {
		if matches(f, &s.runs[i]) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) HasRecordedRun(_ context.Context, competitorID string, sess model.Session) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.runs {
		r := &s.runs[i]
		if r.CompetitorID == competitorID && r.Session() == sess && r.State == model.StateRecorded {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, competitorID string, limit int) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.TradeRecord
	for i := len(s.trades) - 1; i >= 0; i-- {
		t := s.trades[i]
		if competitorID != "" && t.CompetitorID != competitorID {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CallCount(_ context.Context, provider, date string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[provider+"/"+date], nil
}

func (s *MemoryStore) IncrementCalls(_ context.Context, provider, date string, n int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := provider + "/" + date
	s.calls[k] += n
	return s.calls[k], nil
}

func (s *MemoryStore) SaveBars(_ context.Context, ticker string, bars []model.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.bars[ticker]
	if !ok {
		m = make(map[string]model.Bar)
		s.bars[ticker] = m
	}
	for _, b := range bars {
		m[b.Date] = b
	}
	return nil
}

func (s *MemoryStore) Bars(_ context.Context, ticker string, limit int) ([]model.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := s.bars[ticker]
	out := make([]model.Bar, 0, len(m))
	for _, b := range m {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) BarTickers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.bars))
	for t := range s.bars {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// deepCopy round-trips a run log through JSON so callers cannot mutate
// stored state through shared slices or pointers.
func deepCopy(run *model.RunLog) (*model.RunLog, error) {
	b, err := json.Marshal(run)
	if err != nil {
		return nil, err
	}
	var out model.RunLog
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
