package broker

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/arena-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var ts = time.Date(2024, 1, 15, 14, 35, 0, 0, time.UTC)

func newBroker(t *testing.T, cfg Config) *Broker {
	t.Helper()
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func buy(ticker string, qty int64) model.Order {
	return model.Order{Ticker: ticker, Side: model.SideBuy, Qty: qty, OrderType: model.OrderMarket}
}

func sell(ticker string, qty int64) model.Order {
	return model.Order{Ticker: ticker, Side: model.SideSell, Qty: qty, OrderType: model.OrderMarket}
}

func TestExecute_AAPLScenario(t *testing.T) {
	b := newBroker(t, Config{SlippageBps: d(10), FeeBps: d(10), MaxPositionPct: d(0.25)})

	res := b.Execute(Request{
		RunID:     "run-1",
		Orders:    []model.Order{buy("AAPL", 30)},
		Prices:    map[string]decimal.Decimal{"AAPL": d(179.90)},
		State:     model.NewSnapshot(d(100000), ts),
		Timestamp: ts,
	})

	if len(res.Fills) != 1 {
		t.Fatalf("expected 1 fill, got %d (rejections %v)", len(res.Fills), res.Rejections)
	}
	f := res.Fills[0]
	if !f.FillPrice.Equal(d(180.0799)) {
		t.Errorf("fill price = %s, want 180.0799", f.FillPrice)
	}
	if !f.FillPrice.Round(2).Equal(d(180.08)) {
		t.Errorf("fill price rounds to %s, want 180.08", f.FillPrice.Round(2))
	}
	if !f.Notional.Equal(d(5402.397)) || !f.Notional.Round(2).Equal(d(5402.40)) {
		t.Errorf("notional = %s, want 5402.397", f.Notional)
	}
	if !f.Fees.Equal(d(5.402397)) || !f.Fees.Round(2).Equal(d(5.40)) {
		t.Errorf("fees = %s, want 5.402397", f.Fees)
	}
	if !res.Snapshot.Cash.Equal(d(94592.200603)) {
		t.Errorf("cash = %s, want 94592.200603", res.Snapshot.Cash)
	}
	pos, ok := res.Snapshot.Position("AAPL")
	if !ok || pos.Qty != 30 || !pos.AvgCost.Equal(d(180.0799)) || !pos.CurrentPrice.Equal(d(179.90)) {
		t.Errorf("position = %+v", pos)
	}
	if f.ID == "" || !f.Timestamp.Equal(ts) {
		t.Errorf("fill id/timestamp not set: %+v", f)
	}
}

func TestExecute_FillInvariants(t *testing.T) {
	b := newBroker(t, Config{SlippageBps: d(7), FeeBps: d(3)})
	state := model.Snapshot{
		Cash:      d(50000),
		Positions: []model.Position{{Ticker: "MSFT", Qty: 40, AvgCost: d(390.25), CurrentPrice: d(400)}},
	}
	prices := map[string]decimal.Decimal{"AAPL": d(179.37), "MSFT": d(411.13), "NVDA": d(875.5)}

	res := b.Execute(Request{
		RunID:     "run-inv",
		Orders:    []model.Order{buy("AAPL", 17), sell("MSFT", 13), buy("NVDA", 3)},
		Prices:    prices,
		State:     state,
		Timestamp: ts,
	})
	if len(res.Fills) != 3 {
		t.Fatalf("expected 3 fills, got %d: %v", len(res.Fills), res.Rejections)
	}

	for _, f := range res.Fills {
		qty := decimal.NewFromInt(f.Qty)
		if !f.Notional.Equal(qty.Mul(f.FillPrice)) {
			t.Errorf("%s: notional %s != qty × fill %s", f.Ticker, f.Notional, qty.Mul(f.FillPrice))
		}
		if !f.Fees.Equal(f.Notional.Mul(d(3)).Div(d(10000))) {
			t.Errorf("%s: fees %s != notional × bps", f.Ticker, f.Fees)
		}
		ref := prices[f.Ticker]
		if f.Side == model.SideBuy && f.FillPrice.LessThan(ref) {
			t.Errorf("%s: BUY filled below reference", f.Ticker)
		}
		if f.Side == model.SideSell && f.FillPrice.GreaterThan(ref) {
			t.Errorf("%s: SELL filled above reference", f.Ticker)
		}
	}

	s := res.Snapshot
	want := s.Cash
	for _, p := range s.Positions {
		want = want.Add(decimal.NewFromInt(p.Qty).Mul(p.CurrentPrice))
	}
	if !s.Equity().Equal(want) {
		t.Errorf("equity %s != cash + Σ qty×price %s", s.Equity(), want)
	}
}

func TestExecute_CashReconciles(t *testing.T) {
	b := newBroker(t, Config{SlippageBps: d(10), FeeBps: d(10)})
	initial := d(100000)
	res := b.Execute(Request{
		RunID:  "run-rec",
		Orders: []model.Order{buy("AAPL", 50), sell("AAPL", 20), buy("MSFT", 10)},
		Prices: map[string]decimal.Decimal{"AAPL": d(180), "MSFT": d(400)},
		State:  model.NewSnapshot(initial, ts),
	})
	s := res.Snapshot
	basis := decimal.Zero
	for _, p := range s.Positions {
		basis = basis.Add(p.CostBasis())
	}
	// cash + Σ qty×avg_cost == initial + realized − fees
	lhs := s.Cash.Add(basis)
	rhs := initial.Add(s.RealizedPnL).Sub(s.TotalFees)
	if lhs.Sub(rhs).Abs().GreaterThan(d(0.000001)) {
		t.Errorf("reconciliation failed: %s vs %s", lhs, rhs)
	}
}

func TestExecute_EmptyPlanIsNoop(t *testing.T) {
	b := newBroker(t, Config{SlippageBps: d(10), FeeBps: d(10)})
	state := model.Snapshot{
		Cash:        d(1234.5),
		Positions:   []model.Position{{Ticker: "AAPL", Qty: 3, AvgCost: d(170), CurrentPrice: d(179.9)}},
		RealizedPnL: d(12),
	}
	res := b.Execute(Request{RunID: "r", State: state, Prices: map[string]decimal.Decimal{"AAPL": d(179.9)}})
	if len(res.Fills) != 0 || len(res.Rejections) != 0 {
		t.Fatalf("expected no activity, got %+v", res)
	}
	if !res.Snapshot.Cash.Equal(state.Cash) || !reflect.DeepEqual(res.Snapshot.Positions, state.Positions) {
		t.Errorf("state changed: %+v", res.Snapshot)
	}
}

func TestExecute_InsufficientCashSkipsOnlyThatOrder(t *testing.T) {
	b := newBroker(t, Config{SlippageBps: d(10), FeeBps: d(10)})
	res := b.Execute(Request{
		RunID:  "r",
		Orders: []model.Order{buy("AAPL", 5), buy("NVDA", 100), buy("MSFT", 1)},
		Prices: map[string]decimal.Decimal{"AAPL": d(100), "NVDA": d(900), "MSFT": d(400)},
		State:  model.NewSnapshot(d(2000), ts),
	})
	if len(res.Fills) != 2 {
		t.Fatalf("expected 2 fills, got %d", len(res.Fills))
	}
	if len(res.Rejections) != 1 || res.Rejections[0].Index != 1 || !errors.Is(res.Rejections[0].Reason, ErrInsufficientCash) {
		t.Errorf("unexpected rejections: %v", res.Rejections)
	}
	if res.Snapshot.Cash.IsNegative() {
		t.Errorf("cash went negative: %s", res.Snapshot.Cash)
	}
}

func TestExecute_NoShortSelling(t *testing.T) {
	b := newBroker(t, Config{})
	state := model.Snapshot{
		Cash:      d(0),
		Positions: []model.Position{{Ticker: "AAPL", Qty: 5, AvgCost: d(100), CurrentPrice: d(100)}},
	}
	res := b.Execute(Request{
		RunID:  "r",
		Orders: []model.Order{sell("AAPL", 6), sell("TSLA", 1)},
		Prices: map[string]decimal.Decimal{"AAPL": d(100), "TSLA": d(200)},
		State:  state,
	})
	if len(res.Fills) != 0 || len(res.Rejections) != 2 {
		t.Fatalf("expected both sells rejected, got %+v", res)
	}
	for _, r := range res.Rejections {
		if !errors.Is(r.Reason, ErrInsufficientShares) {
			t.Errorf("expected ErrInsufficientShares, got %v", r.Reason)
		}
	}
}

func TestExecute_AvgCostAndRealizedPnL(t *testing.T) {
	b := newBroker(t, Config{})
	state := model.NewSnapshot(d(10000), ts)

	r1 := b.Execute(Request{RunID: "a", Orders: []model.Order{buy("AAPL", 10)},
		Prices: map[string]decimal.Decimal{"AAPL": d(100)}, State: state})
	r2 := b.Execute(Request{RunID: "b", Orders: []model.Order{buy("AAPL", 10)},
		Prices: map[string]decimal.Decimal{"AAPL": d(110)}, State: r1.Snapshot})

	pos, _ := r2.Snapshot.Position("AAPL")
	if pos.Qty != 20 || !pos.AvgCost.Equal(d(105)) {
		t.Fatalf("expected 20 @ 105, got %d @ %s", pos.Qty, pos.AvgCost)
	}

	r3 := b.Execute(Request{RunID: "c", Orders: []model.Order{sell("AAPL", 5)},
		Prices: map[string]decimal.Decimal{"AAPL": d(120)}, State: r2.Snapshot})
	pos, _ = r3.Snapshot.Position("AAPL")
	if pos.Qty != 15 || !pos.AvgCost.Equal(d(105)) {
		t.Errorf("sell changed avg cost: %d @ %s", pos.Qty, pos.AvgCost)
	}
	if !r3.Snapshot.RealizedPnL.Equal(d(75)) {
		t.Errorf("realized = %s, want 75", r3.Snapshot.RealizedPnL)
	}

	r4 := b.Execute(Request{RunID: "d", Orders: []model.Order{sell("AAPL", 15)},
		Prices: map[string]decimal.Decimal{"AAPL": d(100)}, State: r3.Snapshot})
	if _, ok := r4.Snapshot.Position("AAPL"); ok {
		t.Error("flat position should be removed")
	}
	if !r4.Snapshot.RealizedPnL.Equal(d(0)) {
		t.Errorf("realized = %s, want 0 (75 − 75)", r4.Snapshot.RealizedPnL)
	}
	if !r4.Snapshot.Cash.Equal(d(10000)) {
		t.Errorf("cash = %s, want 10000", r4.Snapshot.Cash)
	}
}

func TestExecute_MaxPositionPct(t *testing.T) {
	b := newBroker(t, Config{MaxPositionPct: d(0.25)})
	res := b.Execute(Request{
		RunID:  "r",
		Orders: []model.Order{buy("AAPL", 30), buy("MSFT", 20)},
		Prices: map[string]decimal.Decimal{"AAPL": d(100), "MSFT": d(100)},
		State:  model.NewSnapshot(d(10000), ts),
	})
	if len(res.Fills) != 1 || res.Fills[0].Ticker != "MSFT" {
		t.Fatalf("expected only MSFT to fill, got %+v", res.Fills)
	}
	if !errors.Is(res.Rejections[0].Reason, ErrPositionLimit) {
		t.Errorf("expected ErrPositionLimit, got %v", res.Rejections[0].Reason)
	}
	eq := res.Snapshot.Equity()
	for _, p := range res.Snapshot.Positions {
		if p.MarketValue().GreaterThan(eq.Mul(d(0.25))) {
			t.Errorf("%s exceeds limit", p.Ticker)
		}
	}
}

func TestExecute_LimitAndStop(t *testing.T) {
	b := newBroker(t, Config{})
	lim := d(150)
	stop := d(190)
	orders := []model.Order{
		{Ticker: "AAPL", Side: model.SideBuy, Qty: 1, OrderType: model.OrderLimit, LimitPrice: &lim},
		{Ticker: "AAPL", Side: model.SideBuy, Qty: 2, OrderType: model.OrderStop, StopPrice: &stop},
		{Ticker: "AAPL", Side: model.SideBuy, Qty: 3, OrderType: model.OrderLimit},
	}
	res := b.Execute(Request{
		RunID:  "r",
		Orders: orders,
		Prices: map[string]decimal.Decimal{"AAPL": d(180)},
		State:  model.NewSnapshot(d(10000), ts),
	})
	if len(res.Fills) != 0 || len(res.Rejections) != 3 {
		t.Fatalf("expected all rejected, got %+v", res)
	}
	if !errors.Is(res.Rejections[0].Reason, ErrNotTriggered) ||
		!errors.Is(res.Rejections[1].Reason, ErrNotTriggered) ||
		!errors.Is(res.Rejections[2].Reason, ErrMissingTriggerPrice) {
		t.Errorf("unexpected reasons: %v", res.Rejections)
	}

	res = b.Execute(Request{
		RunID:  "r2",
		Orders: orders[:2],
		Prices: map[string]decimal.Decimal{"AAPL": d(145)},
		State:  model.NewSnapshot(d(10000), ts),
	})
	if len(res.Fills) != 1 || res.Fills[0].OrderType != model.OrderLimit {
		t.Errorf("expected marketable limit fill only, got %+v", res.Fills)
	}
}

func TestExecute_ShortWhenAllowed(t *testing.T) {
	b := newBroker(t, Config{AllowShort: true})
	r1 := b.Execute(Request{RunID: "a", Orders: []model.Order{sell("TSLA", 10)},
		Prices: map[string]decimal.Decimal{"TSLA": d(200)}, State: model.NewSnapshot(d(1000), ts)})
	pos, _ := r1.Snapshot.Position("TSLA")
	if pos.Qty != -10 || !pos.AvgCost.Equal(d(200)) {
		t.Fatalf("short position = %+v", pos)
	}
	r2 := b.Execute(Request{RunID: "b", Orders: []model.Order{buy("TSLA", 10)},
		Prices: map[string]decimal.Decimal{"TSLA": d(180)}, State: r1.Snapshot})
	if !r2.Snapshot.RealizedPnL.Equal(d(200)) {
		t.Errorf("realized = %s, want 200", r2.Snapshot.RealizedPnL)
	}
	if len(r2.Snapshot.Positions) != 0 {
		t.Errorf("expected flat, got %+v", r2.Snapshot.Positions)
	}
}

func TestExecute_Deterministic(t *testing.T) {
	b := newBroker(t, Config{SlippageBps: d(10), FeeBps: d(10), MaxPositionPct: d(0.5)})
	req := Request{
		RunID:     "run-det",
		Orders:    []model.Order{buy("AAPL", 10), buy("MSFT", 5), sell("AAPL", 4)},
		Prices:    map[string]decimal.Decimal{"AAPL": d(179.9), "MSFT": d(401.2)},
		State:     model.NewSnapshot(d(20000), ts),
		Timestamp: ts,
	}
	a := b.Execute(req)
	c := b.Execute(req)
	if !reflect.DeepEqual(a, c) {
		t.Error("identical inputs produced different results")
	}
	if a.Fills[0].ID != FillID("run-det", 0) || a.Fills[0].ID == a.Fills[1].ID {
		t.Errorf("unexpected fill ids: %s %s", a.Fills[0].ID, a.Fills[1].ID)
	}
}

func TestNewFillEngine_NegativeBps(t *testing.T) {
	if _, err := NewFillEngine(d(-1), d(0)); err != ErrInvalidBps {
		t.Errorf("expected ErrInvalidBps, got %v", err)
	}
}

func TestFillEngine_PriceRejectsNonPositiveReference(t *testing.T) {
	e, _ := NewFillEngine(d(10), d(10))
	if _, err := e.Price(buy("AAPL", 1), d(0)); !errors.Is(err, ErrInvalidPrice) {
		t.Errorf("expected ErrInvalidPrice, got %v", err)
	}
}
