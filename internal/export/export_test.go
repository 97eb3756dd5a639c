package export

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/arena-engine/internal/model"
	"github.com/atmx/arena-engine/internal/store"
)

var ts0 = time.Date(2024, 1, 15, 21, 0, 0, 0, time.UTC)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func curve(vals ...float64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = d(v)
	}
	return out
}

func TestCompute(t *testing.T) {
	p := Compute(curve(100, 110, 99, 120), d(50))

	if !p.TotalReturn.Equal(d(0.2)) {
		t.Errorf("total return = %s", p.TotalReturn)
	}
	if !p.MaxDrawdown.Equal(d(0.1)) {
		t.Errorf("max drawdown = %s", p.MaxDrawdown)
	}
	if p.Turnover == nil || *round(p.Turnover, 4) != 0.4662 {
		t.Errorf("turnover = %v", p.Turnover)
	}
	if p.Volatility == nil || *p.Volatility <= 0 || p.Sharpe == nil {
		t.Errorf("volatility/sharpe should be set: %v %v", p.Volatility, p.Sharpe)
	}
}

func TestCompute_EdgeCases(t *testing.T) {
	empty := Compute(nil, decimal.Zero)
	if !empty.TotalReturn.IsZero() || empty.Volatility != nil {
		t.Errorf("empty curve: %+v", empty)
	}

	single := Compute(curve(100), decimal.Zero)
	if !single.MaxDrawdown.IsZero() || single.Sharpe != nil || single.Volatility != nil {
		t.Errorf("single point: %+v", single)
	}

	flat := Compute(curve(100, 100, 100), decimal.Zero)
	if flat.Volatility == nil || *flat.Volatility != 0 || flat.Sharpe != nil {
		t.Errorf("flat curve should have zero volatility and no sharpe: %+v", flat)
	}
}

func TestMaxDrawdown_RecoversToNewPeak(t *testing.T) {
	// Drawdown is measured from the running peak, not the first value.
	dd := MaxDrawdown(curve(100, 80, 150, 120, 160))
	if !dd.Equal(d(0.2)) {
		t.Errorf("max drawdown = %s, want 0.2", dd)
	}
}

func seed(t *testing.T) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()

	for _, c := range []model.Competitor{
		{ID: "loser", Name: "Loser", Provider: "gemini", Model: "g"},
		{ID: "winner", Name: "Winner", Provider: "openrouter", Model: "o"},
	} {
		if err := s.UpsertCompetitor(ctx, &c); err != nil {
			t.Fatal(err)
		}
		if err := s.SaveSnapshot(ctx, c.ID, model.NewSnapshot(d(100000), ts0.Add(-48*time.Hour))); err != nil {
			t.Fatal(err)
		}
	}

	win := model.Snapshot{
		Timestamp: ts0,
		Cash:      d(94592.200603),
		Positions: []model.Position{{Ticker: "AAPL", Qty: 30, AvgCost: d(180.0799), CurrentPrice: d(190)}},
		TotalFees: d(5.402397),
	}
	err := s.SaveRun(ctx, &model.RunLog{
		RunID: "run-win", CompetitorID: "winner", SessionDate: "2024-01-15", SessionType: model.SessionClose,
		Timestamp: ts0, State: model.StateRecorded,
		Fills: []model.Fill{{ID: "fill-1", Ticker: "AAPL", Side: model.SideBuy, Qty: 30, OrderType: model.OrderMarket,
			FillPrice: d(180.0799), Fees: d(5.402397), Slippage: d(5.397), Notional: d(5402.397), Timestamp: ts0}},
		SnapshotAfter: &win,
	})
	if err != nil {
		t.Fatal(err)
	}

	lose := model.NewSnapshot(d(99000), ts0)
	_ = s.SaveRun(ctx, &model.RunLog{
		RunID: "run-lose", CompetitorID: "loser", SessionDate: "2024-01-15", SessionType: model.SessionClose,
		Timestamp: ts0.Add(-time.Minute), State: model.StateRecorded, SnapshotAfter: &lose,
	})
	_ = s.SaveRun(ctx, &model.RunLog{
		RunID: "run-fail", CompetitorID: "loser", SessionDate: "2024-01-15", SessionType: model.SessionOpen,
		Timestamp: ts0.Add(-time.Hour), State: model.StateFailed, FailedStage: model.StageStrategist,
		Errors: []string{"strategist: invalid JSON"},
	})
	_ = s.SaveBars(ctx, "AAPL", []model.Bar{
		{Date: "2024-01-12", Close: d(185.92)},
		{Date: "2024-01-15", Close: d(190)},
	})
	return s
}

func TestLeaderboard_SortedByReturn(t *testing.T) {
	e := New(seed(t), Options{}, nil)
	lb, err := e.Leaderboard(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(lb) != 2 || lb[0].CompetitorID != "winner" || lb[1].CompetitorID != "loser" {
		t.Fatalf("unexpected order: %+v", lb)
	}

	w := lb[0]
	// 94592.200603 + 30 × 190 = 100292.200603
	if !w.CurrentEquity.Equal(d(100292.2)) {
		t.Errorf("current equity = %s, want 2dp rounding", w.CurrentEquity)
	}
	if !w.TotalReturn.Equal(d(0.002922)) {
		t.Errorf("total return = %s", w.TotalReturn)
	}
	if w.NumTrades != 1 || w.Name != "Winner" || w.Provider != "openrouter" {
		t.Errorf("entry = %+v", w)
	}
	l := lb[1]
	if !l.TotalReturn.Equal(d(-0.01)) || !l.MaxDrawdown.Equal(d(0.01)) {
		t.Errorf("loser = return %s drawdown %s", l.TotalReturn, l.MaxDrawdown)
	}
}

func TestBuild(t *testing.T) {
	e := New(seed(t), Options{RunLogLimit: 2, TradeLimit: 10, MarketDataBars: 1}, func() time.Time { return ts0 })
	dd, err := e.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	md := dd.Metadata
	if md.TotalCompetitors != 2 || md.TotalRuns != 3 || md.TotalTrades != 1 || !md.LastUpdated.Equal(ts0) {
		t.Errorf("metadata = %+v", md)
	}
	if len(dd.RunLogs) != 2 || dd.RunLogs[0].RunID != "run-win" {
		t.Errorf("run logs should be newest first and limited: %d", len(dd.RunLogs))
	}
	if len(dd.EquityCurves["winner"]) != 2 || dd.EquityCurves["winner"][1].Cash == nil {
		t.Errorf("equity curve = %+v", dd.EquityCurves["winner"])
	}
	snap := dd.Snapshots["winner"]
	if !snap.PositionsValue.Equal(d(5700)) || len(snap.Positions) != 1 {
		t.Errorf("snapshot view = %+v", snap)
	}
	if bars := dd.MarketData["AAPL"]; len(bars) != 1 || bars[0].Date != "2024-01-15" {
		t.Errorf("market data = %+v", dd.MarketData)
	}
}

func TestDashboardRoundTripPreservesNumbers(t *testing.T) {
	e := New(seed(t), Options{RunLogLimit: 10, TradeLimit: 10}, func() time.Time { return ts0 })
	dd, err := e.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := Write(&buf, dd); err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"fill_price": 180.0799`)) {
		t.Error("decimals should be encoded as JSON numbers")
	}
	back, err := Read(&buf)
	if err != nil {
		t.Fatal(err)
	}

	f0, f1 := dd.Trades[0], back.Trades[0]
	for name, pair := range map[string][2]decimal.Decimal{
		"fill_price": {f0.FillPrice, f1.FillPrice},
		"fees":       {f0.Fees, f1.Fees},
		"slippage":   {f0.Slippage, f1.Slippage},
		"notional":   {f0.Notional, f1.Notional},
	} {
		if !pair[0].Equal(pair[1]) {
			t.Errorf("%s changed: %s -> %s", name, pair[0], pair[1])
		}
	}

	var run0, run1 *model.RunLog
	for i := range dd.RunLogs {
		if dd.RunLogs[i].RunID == "run-win" {
			run0, run1 = &dd.RunLogs[i], &back.RunLogs[i]
		}
	}
	a, b := run0.SnapshotAfter, run1.SnapshotAfter
	if !a.Cash.Equal(b.Cash) || !a.TotalFees.Equal(b.TotalFees) || !a.Positions[0].AvgCost.Equal(b.Positions[0].AvgCost) {
		t.Errorf("snapshot numbers changed: %+v -> %+v", a, b)
	}
	if !back.Snapshots["winner"].Equity.Equal(dd.Snapshots["winner"].Equity) {
		t.Error("snapshot view equity changed")
	}
	if back.Trades[0].CompetitorID != "winner" || back.Trades[0].RunID != "run-win" {
		t.Errorf("trade record identity lost: %+v", back.Trades[0])
	}
}
