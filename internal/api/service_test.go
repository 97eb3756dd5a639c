package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/arena-engine/internal/api"
	"github.com/atmx/arena-engine/internal/arena"
	"github.com/atmx/arena-engine/internal/export"
	"github.com/atmx/arena-engine/internal/model"
	"github.com/atmx/arena-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2024, 1, 15, 21, 0, 0, 0, time.UTC)

// fakeRunner records triggered sessions. RunSession blocks on release when
// it is set.
type fakeRunner struct {
	admitErr error
	release  chan struct{}

	mu    sync.Mutex
	calls []model.Session
	opts  []arena.RunOptions
}

func (f *fakeRunner) Today() string { return "2024-01-15" }

func (f *fakeRunner) Admit(model.Session, arena.RunOptions) error { return f.admitErr }

func (f *fakeRunner) RunSession(_ context.Context, s model.Session, o arena.RunOptions) ([]arena.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.opts = append(f.opts, o)
	f.mu.Unlock()
	if f.release != nil {
		<-f.release
	}
	return nil, nil
}

type fixedDocs []byte

func (f fixedDocs) Document(context.Context, string, func(context.Context) ([]byte, error)) ([]byte, error) {
	return f, nil
}

type testEnv struct {
	svc    *api.Service
	ms     *store.MemoryStore
	runner *fakeRunner
	router chi.Router
}

func newTestEnv(t *testing.T, docs api.DocumentCache) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	exp := export.New(ms, export.Options{RunLogLimit: 10, TradeLimit: 10}, func() time.Time { return t0 })
	fr := &fakeRunner{}
	svc := api.NewService(context.Background(), ms, exp, fr, docs)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return &testEnv{svc: svc, ms: ms, runner: fr, router: r}
}

// seedCompetitor registers a competitor with an initial snapshot and one
// recorded run that bought 10 AAPL.
func seedCompetitor(t *testing.T, ms *store.MemoryStore, id string) *model.RunLog {
	t.Helper()
	ctx := context.Background()
	if err := ms.UpsertCompetitor(ctx, &model.Competitor{ID: id, Name: id, Provider: "openrouter", Model: "m", CreatedAt: t0}); err != nil {
		t.Fatalf("seed competitor: %v", err)
	}
	if err := ms.SaveSnapshot(ctx, id, model.NewSnapshot(d(100000), t0.Add(-time.Hour))); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	after := model.Snapshot{
		Timestamp: t0,
		Cash:      d(98000),
		Positions: []model.Position{{Ticker: "AAPL", Qty: 10, AvgCost: d(200), CurrentPrice: d(210)}},
	}
	run := &model.RunLog{
		RunID:        "run-" + id,
		CompetitorID: id,
		SessionDate:  "2024-01-15",
		SessionType:  model.SessionClose,
		Timestamp:    t0,
		State:        model.StateRecorded,
		LLMCalls:     []model.LLMCall{},
		Fills: []model.Fill{{
			ID: "fill-" + id, Ticker: "AAPL", Side: model.SideBuy, Qty: 10, OrderType: model.OrderMarket,
			FillPrice: d(200), Fees: d(2), Slippage: d(0.2), Notional: d(2000), Timestamp: t0,
		}},
		Errors:        []string{},
		SnapshotAfter: &after,
	}
	if err := ms.SaveRun(ctx, run); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	return run
}

func get(t *testing.T, router chi.Router, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func post(t *testing.T, router chi.Router, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest("POST", path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

// --- Read endpoints ---

func TestGetDashboard(t *testing.T) {
	env := newTestEnv(t, nil)
	seedCompetitor(t, env.ms, "gpt")

	w := get(t, env.router, "/api/v1/dashboard")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var dd model.DashboardData
	decode(t, w, &dd)
	if dd.Metadata.TotalCompetitors != 1 || dd.Metadata.TotalRuns != 1 || dd.Metadata.TotalTrades != 1 {
		t.Errorf("metadata: %+v", dd.Metadata)
	}
	if len(dd.EquityCurves["gpt"]) != 2 {
		t.Errorf("expected 2 equity points, got %d", len(dd.EquityCurves["gpt"]))
	}
}

func TestGetDashboard_ServedFromCache(t *testing.T) {
	env := newTestEnv(t, fixedDocs(`{"cached":true}`))

	w := get(t, env.router, "/api/v1/dashboard")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != `{"cached":true}` {
		t.Errorf("expected cached document, got %s", w.Body.String())
	}
}

func TestGetLeaderboard(t *testing.T) {
	env := newTestEnv(t, nil)
	seedCompetitor(t, env.ms, "gpt")

	w := get(t, env.router, "/api/v1/leaderboard")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var lb []model.LeaderboardEntry
	decode(t, w, &lb)
	if len(lb) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(lb))
	}
	// 98000 + 10*210 = 100100
	if !lb[0].CurrentEquity.Equal(d(100100)) {
		t.Errorf("equity: expected 100100, got %s", lb[0].CurrentEquity)
	}
	if !lb[0].TotalReturn.Equal(d(0.001)) {
		t.Errorf("return: expected 0.001, got %s", lb[0].TotalReturn)
	}
}

func TestListCompetitors_Empty(t *testing.T) {
	env := newTestEnv(t, nil)

	w := get(t, env.router, "/api/v1/competitors")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := bytes.TrimSpace(w.Body.Bytes()); string(got) != "[]" {
		t.Errorf("expected [], got %s", got)
	}
}

func TestGetSnapshot(t *testing.T) {
	env := newTestEnv(t, nil)
	seedCompetitor(t, env.ms, "gpt")

	w := get(t, env.router, "/api/v1/competitors/gpt/snapshot")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var v model.SnapshotView
	decode(t, w, &v)
	if !v.Equity.Equal(d(100100)) {
		t.Errorf("equity: expected 100100, got %s", v.Equity)
	}
	if len(v.Positions) != 1 || !v.Positions[0].UnrealizedPnL.Equal(d(100)) {
		t.Errorf("positions: %+v", v.Positions)
	}

	if w := get(t, env.router, "/api/v1/competitors/nobody/snapshot"); w.Code != http.StatusNotFound {
		t.Errorf("unknown competitor: expected 404, got %d", w.Code)
	}
}

func TestListTrades(t *testing.T) {
	env := newTestEnv(t, nil)
	seedCompetitor(t, env.ms, "gpt")

	w := get(t, env.router, "/api/v1/competitors/gpt/trades")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var trades []model.TradeRecord
	decode(t, w, &trades)
	if len(trades) != 1 || trades[0].RunID != "run-gpt" || trades[0].Ticker != "AAPL" {
		t.Errorf("trades: %+v", trades)
	}

	if w := get(t, env.router, "/api/v1/competitors/nobody/trades"); w.Code != http.StatusNotFound {
		t.Errorf("unknown competitor: expected 404, got %d", w.Code)
	}
	if w := get(t, env.router, "/api/v1/competitors/gpt/trades?limit=abc"); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", w.Code)
	}
}

func TestListRuns_Filters(t *testing.T) {
	env := newTestEnv(t, nil)
	seedCompetitor(t, env.ms, "gpt")
	seedCompetitor(t, env.ms, "gem")

	tests := []struct {
		query string
		want  int
	}{
		{"", 2},
		{"?competitor_id=gem", 1},
		{"?limit=1", 1},
		{"?session=close", 2},
		{"?session=OPEN", 0},
		{"?date=2024-01-16", 0},
	}
	for _, tt := range tests {
		w := get(t, env.router, "/api/v1/runs"+tt.query)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", tt.query, w.Code)
		}
		var runs []model.RunLog
		decode(t, w, &runs)
		if len(runs) != tt.want {
			t.Errorf("%s: expected %d runs, got %d", tt.query, tt.want, len(runs))
		}
	}

	if w := get(t, env.router, "/api/v1/runs?session=NOON"); w.Code != http.StatusBadRequest {
		t.Errorf("bad session: expected 400, got %d", w.Code)
	}
	if w := get(t, env.router, "/api/v1/runs?limit=0"); w.Code != http.StatusBadRequest {
		t.Errorf("zero limit: expected 400, got %d", w.Code)
	}
}

func TestGetRun(t *testing.T) {
	env := newTestEnv(t, nil)
	seedCompetitor(t, env.ms, "gpt")

	w := get(t, env.router, "/api/v1/runs/run-gpt")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var run model.RunLog
	decode(t, w, &run)
	if run.State != model.StateRecorded || len(run.Fills) != 1 {
		t.Errorf("run: state %s, fills %d", run.State, len(run.Fills))
	}

	if w := get(t, env.router, "/api/v1/runs/missing"); w.Code != http.StatusNotFound {
		t.Errorf("missing run: expected 404, got %d", w.Code)
	}
}

// --- Session trigger ---

func TestTriggerSession_Defaults(t *testing.T) {
	env := newTestEnv(t, nil)

	w := post(t, env.router, "/api/v1/sessions", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.SessionResponse
	decode(t, w, &resp)
	if resp.Session != "2024-01-15/CLOSE" || resp.Status != "accepted" {
		t.Errorf("response: %+v", resp)
	}

	env.svc.Wait()
	if len(env.runner.calls) != 1 || env.runner.calls[0].Type != model.SessionClose {
		t.Errorf("runner calls: %+v", env.runner.calls)
	}
}

func TestTriggerSession_Options(t *testing.T) {
	env := newTestEnv(t, nil)

	w := post(t, env.router, "/api/v1/sessions", api.SessionRequest{
		Date: "2024-01-16", Session: "open", CompetitorID: "gpt", Force: true,
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	env.svc.Wait()

	if got := env.runner.calls[0]; got.Date != "2024-01-16" || got.Type != model.SessionOpen {
		t.Errorf("session: %+v", got)
	}
	if got := env.runner.opts[0]; !got.Force || got.CompetitorID != "gpt" {
		t.Errorf("options: %+v", got)
	}
}

func TestTriggerSession_AlreadyRunning(t *testing.T) {
	env := newTestEnv(t, nil)
	env.runner.release = make(chan struct{})

	if w := post(t, env.router, "/api/v1/sessions", nil); w.Code != http.StatusAccepted {
		t.Fatalf("first trigger: expected 202, got %d", w.Code)
	}
	if w := post(t, env.router, "/api/v1/sessions", nil); w.Code != http.StatusConflict {
		t.Errorf("second trigger: expected 409, got %d", w.Code)
	}

	close(env.runner.release)
	env.svc.Wait()

	if w := post(t, env.router, "/api/v1/sessions", nil); w.Code != http.StatusAccepted {
		t.Errorf("after completion: expected 202, got %d", w.Code)
	}
	env.svc.Wait()
}

func TestTriggerSession_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		admitErr error
		body     any
		want     int
	}{
		{"bad session type", nil, api.SessionRequest{Session: "NOON"}, http.StatusBadRequest},
		{"invalid session", fmt.Errorf("%w: date", arena.ErrInvalidSession), nil, http.StatusBadRequest},
		{"unknown competitor", fmt.Errorf("%w: x", arena.ErrUnknownCompetitor), nil, http.StatusNotFound},
		{"gate closed", fmt.Errorf("%w: outside window", arena.ErrSessionClosed), nil, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.runner.admitErr = tt.admitErr

			w := post(t, env.router, "/api/v1/sessions", tt.body)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			env.svc.Wait()
			if len(env.runner.calls) != 0 {
				t.Errorf("rejected trigger must not run, got %d calls", len(env.runner.calls))
			}
		})
	}
}

func TestTriggerSession_InvalidBody(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest("POST", "/api/v1/sessions", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestTriggerSession_NoRunner(t *testing.T) {
	ms := store.NewMemoryStore()
	svc := api.NewService(context.Background(), ms, export.New(ms, export.Options{}, nil), nil, nil)
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	if w := post(t, r, "/api/v1/sessions", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}
