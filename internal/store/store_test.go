package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/arena-engine/internal/model"
)

var ts0 = time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func seedRun(id string, state model.RunState, at time.Time) *model.RunLog {
	after := model.Snapshot{
		Timestamp: at,
		Cash:      d(94592.200603),
		Positions: []model.Position{{Ticker: "AAPL", Qty: 30, AvgCost: d(180.0799), CurrentPrice: d(179.90)}},
		TotalFees: d(5.402397),
	}
	return &model.RunLog{
		RunID:        id,
		CompetitorID: "gpt",
		SessionDate:  "2024-01-15",
		SessionType:  model.SessionOpen,
		Timestamp:    at,
		State:        state,
		Fills: []model.Fill{{
			ID: id + "-fill-0", Ticker: "AAPL", Side: model.SideBuy, Qty: 30, OrderType: model.OrderMarket,
			FillPrice: d(180.0799), Fees: d(5.402397), Slippage: d(5.397), Notional: d(5402.397), Timestamp: at,
		}},
		SnapshotAfter: &after,
	}
}

func TestMemoryStore_SaveRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	run := seedRun("r1", model.StateRecorded, ts0)

	for i := 0; i < 3; i++ {
		if err := s.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun #%d: %v", i, err)
		}
	}

	trades, _ := s.ListTrades(ctx, "gpt", 0)
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade after replays, got %d", len(trades))
	}
	if trades[0].RunID != "r1" || !trades[0].Notional.Equal(d(5402.397)) {
		t.Errorf("unexpected trade record: %+v", trades[0])
	}
	history, _ := s.SnapshotHistory(ctx, "gpt")
	if len(history) != 1 {
		t.Errorf("expected 1 snapshot, got %d", len(history))
	}
}

func TestMemoryStore_GetRunReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.SaveRun(ctx, seedRun("r1", model.StateRecorded, ts0)); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	got.Fills[0].Qty = 999

	again, _ := s.GetRun(ctx, "r1")
	if again.Fills[0].Qty != 30 {
		t.Error("stored run was mutated through a returned copy")
	}
	if !again.Fills[0].FillPrice.Equal(d(180.0799)) || !again.SnapshotAfter.Cash.Equal(d(94592.200603)) {
		t.Error("numeric fields should survive storage exactly")
	}

	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ListRuns(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.SaveRun(ctx, seedRun("old", model.StateFailed, ts0))
	_ = s.SaveRun(ctx, seedRun("new", model.StateRecorded, ts0.Add(time.Hour)))

	runs, _ := s.ListRuns(ctx, RunFilter{CompetitorID: "gpt"})
	if len(runs) != 2 || runs[0].RunID != "new" {
		t.Fatalf("expected newest first, got %+v", runs)
	}
	runs, _ = s.ListRuns(ctx, RunFilter{Limit: 1})
	if len(runs) != 1 || runs[0].RunID != "new" {
		t.Errorf("limit should keep the newest run")
	}
	runs, _ = s.ListRuns(ctx, RunFilter{CompetitorID: "other"})
	if len(runs) != 0 {
		t.Errorf("filter should exclude other competitors")
	}
	if n, _ := s.CountRuns(ctx, RunFilter{CompetitorID: "gpt", Limit: 1}); n != 2 {
		t.Errorf("CountRuns = %d, want 2", n)
	}
}

func TestMemoryStore_HasRecordedRun(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess := model.Session{Date: "2024-01-15", Type: model.SessionOpen}

	_ = s.SaveRun(ctx, seedRun("failed", model.StateFailed, ts0))
	if ok, _ := s.HasRecordedRun(ctx, "gpt", sess); ok {
		t.Error("a FAILED run should not count as recorded")
	}
	_ = s.SaveRun(ctx, seedRun("ok", model.StateRecorded, ts0))
	if ok, _ := s.HasRecordedRun(ctx, "gpt", sess); !ok {
		t.Error("expected recorded run")
	}
	if ok, _ := s.HasRecordedRun(ctx, "gpt", model.Session{Date: "2024-01-15", Type: model.SessionClose}); ok {
		t.Error("CLOSE session has no run")
	}
}

func TestMemoryStore_SnapshotsAndCounters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.LatestSnapshot(ctx, "gpt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_ = s.SaveSnapshot(ctx, "gpt", model.NewSnapshot(d(100000), ts0))
	_ = s.SaveRun(ctx, seedRun("r1", model.StateRecorded, ts0.Add(time.Hour)))

	latest, err := s.LatestSnapshot(ctx, "gpt")
	if err != nil || !latest.Cash.Equal(d(94592.200603)) {
		t.Errorf("latest snapshot should be the run's snapshot_after, got %+v %v", latest, err)
	}

	n, _ := s.IncrementCalls(ctx, "openrouter", "2024-01-15", 2)
	n, _ = s.IncrementCalls(ctx, "openrouter", "2024-01-15", 1)
	if n != 3 {
		t.Errorf("counter = %d, want 3", n)
	}
	if c, _ := s.CallCount(ctx, "openrouter", "2024-01-16"); c != 0 {
		t.Errorf("new day should start at zero, got %d", c)
	}
}

func TestMemoryStore_Bars(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.SaveBars(ctx, "AAPL", []model.Bar{
		{Date: "2024-01-12", Close: d(185.92)},
		{Date: "2024-01-10", Close: d(186.19)},
		{Date: "2024-01-11", Close: d(185.59)},
	})
	_ = s.SaveBars(ctx, "AAPL", []model.Bar{{Date: "2024-01-12", Close: d(186)}})

	bars, _ := s.Bars(ctx, "AAPL", 2)
	if len(bars) != 2 || bars[0].Date != "2024-01-11" || !bars[1].Close.Equal(d(186)) {
		t.Errorf("unexpected bars: %+v", bars)
	}
	tickers, _ := s.BarTickers(ctx)
	if len(tickers) != 1 || tickers[0] != "AAPL" {
		t.Errorf("unexpected tickers: %v", tickers)
	}
}

func TestCachedStore_FallsThroughWhenRedisDown(t *testing.T) {
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()

	primary := NewMemoryStore()
	s := NewCachedStore(primary, rdb, time.Minute)

	if err := s.UpsertCompetitor(ctx, &model.Competitor{ID: "gpt", Name: "GPT", Provider: "openrouter", Model: "m"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRun(ctx, seedRun("r1", model.StateRecorded, ts0)); err != nil {
		t.Fatal(err)
	}

	cs, err := s.ListCompetitors(ctx)
	if err != nil || len(cs) != 1 {
		t.Fatalf("ListCompetitors: %v %v", cs, err)
	}
	snap, err := s.LatestSnapshot(ctx, "gpt")
	if err != nil || len(snap.Positions) != 1 {
		t.Fatalf("LatestSnapshot: %+v %v", snap, err)
	}
	run, err := s.GetRun(ctx, "r1")
	if err != nil || run.RunID != "r1" {
		t.Fatalf("GetRun: %v", err)
	}

	calls := 0
	doc, err := s.Document(ctx, DashboardKey, func(context.Context) ([]byte, error) {
		calls++
		return []byte(`{}`), nil
	})
	if err != nil || string(doc) != `{}` || calls != 1 {
		t.Errorf("Document should build when the cache is unavailable")
	}
}

// flakyRedis answers GET/SET from memory and fails every DEL.
type flakyRedis struct {
	mu   sync.Mutex
	data map[string]string
	dels int
}

func (h *flakyRedis) DialHook(next redis.DialHook) redis.DialHook { return next }
func (h *flakyRedis) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func (h *flakyRedis) ProcessHook(redis.ProcessHook) redis.ProcessHook {
	return func(_ context.Context, cmd redis.Cmder) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		args := cmd.Args()
		key, _ := args[1].(string)
		switch c := cmd.(type) {
		case *redis.StringCmd:
			v, ok := h.data[key]
			if !ok {
				c.SetErr(redis.Nil)
				return redis.Nil
			}
			c.SetVal(v)
		case *redis.StatusCmd:
			switch v := args[2].(type) {
			case []byte:
				h.data[key] = string(v)
			case string:
				h.data[key] = v
			}
			c.SetVal("OK")
		case *redis.IntCmd:
			h.dels++
			err := errors.New("connection reset by peer")
			c.SetErr(err)
			return err
		}
		return nil
	}
}

func TestCachedStore_StaleEntryNeverServesSnapshot(t *testing.T) {
	ctx := context.Background()
	fake := &flakyRedis{data: map[string]string{
		// A pre-run portfolio left behind by an earlier cache layout.
		"arena:snapshot:gpt": `{"cash": "100000", "positions": []}`,
	}}
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	rdb.AddHook(fake)
	defer rdb.Close()

	s := NewCachedStore(NewMemoryStore(), rdb, time.Minute)
	if err := s.UpsertCompetitor(ctx, &model.Competitor{ID: "gpt", Name: "GPT", Provider: "openrouter", Model: "m"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Document(ctx, DashboardKey, func(context.Context) ([]byte, error) { return []byte(`{"v":1}`), nil }); err != nil {
		t.Fatal(err)
	}

	if err := s.SaveRun(ctx, seedRun("r1", model.StateRecorded, ts0)); err != nil {
		t.Fatalf("a failed invalidation must not fail the committed write: %v", err)
	}
	if fake.dels == 0 {
		t.Error("SaveRun should invalidate the dashboard")
	}

	snap, err := s.LatestSnapshot(ctx, "gpt")
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Cash.Equal(d(94592.200603)) {
		t.Errorf("restore must read the primary store, got cash %s", snap.Cash)
	}
}
