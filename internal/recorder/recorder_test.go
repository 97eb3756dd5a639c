package recorder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/arena-engine/internal/events"
	"github.com/atmx/arena-engine/internal/model"
	"github.com/atmx/arena-engine/internal/store"
)

var ts0 = time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

type capture struct{ events []events.Event }

func (c *capture) Publish(_ context.Context, evs ...events.Event) error {
	c.events = append(c.events, evs...)
	return nil
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, ...events.Event) error {
	return errors.New("broker down")
}

func runWithFill() *model.RunLog {
	after := model.NewSnapshot(d(94592.200603), ts0)
	after.Positions = []model.Position{{Ticker: "AAPL", Qty: 30, AvgCost: d(180.0799), CurrentPrice: d(179.90)}}
	return &model.RunLog{
		RunID: "run-1", CompetitorID: "gpt", SessionDate: "2024-01-15", SessionType: model.SessionOpen,
		Timestamp: ts0, State: model.StateRecorded,
		Fills: []model.Fill{{ID: "f1", Ticker: "AAPL", Side: model.SideBuy, Qty: 30, OrderType: model.OrderMarket,
			FillPrice: d(180.0799), Notional: d(5402.397), Fees: d(5.402397), Timestamp: ts0}},
		SnapshotAfter: &after,
	}
}

func TestRecord_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	s.FailSaves = 2
	pub := &capture{}
	r := New(s, pub, Options{Retries: 3, Backoff: time.Millisecond})

	if err := r.Record(ctx, runWithFill()); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := s.GetRun(ctx, "run-1"); err != nil {
		t.Errorf("run should be stored: %v", err)
	}
	if len(pub.events) != 2 {
		t.Errorf("expected 2 events, got %d", len(pub.events))
	}
}

func TestRecord_GivesUpAfterRetries(t *testing.T) {
	s := store.NewMemoryStore()
	s.FailSaves = 5
	pub := &capture{}
	r := New(s, pub, Options{Retries: 1, Backoff: time.Millisecond})

	if err := r.Record(context.Background(), runWithFill()); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if len(pub.events) != 0 {
		t.Error("nothing should be published for an unsaved run")
	}
}

func TestRecord_ReplayDoesNotDuplicateFills(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := New(s, nil, Options{})

	run := runWithFill()
	for i := 0; i < 2; i++ {
		if err := r.Record(ctx, run); err != nil {
			t.Fatal(err)
		}
	}
	trades, _ := s.ListTrades(ctx, "gpt", 0)
	if len(trades) != 1 {
		t.Errorf("expected 1 trade, got %d", len(trades))
	}
}

func TestRecord_PublishFailureIsNotFatal(t *testing.T) {
	r := New(store.NewMemoryStore(), failingPublisher{}, Options{})
	if err := r.Record(context.Background(), runWithFill()); err != nil {
		t.Errorf("publish failure should not fail Record: %v", err)
	}
}

func TestRecord_StopsOnCancel(t *testing.T) {
	s := store.NewMemoryStore()
	s.FailSaves = 10
	r := New(s, nil, Options{Retries: 5, Backoff: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Record(ctx, runWithFill())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRecordBars(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := New(s, nil, Options{})

	err := r.RecordBars(ctx, map[string][]model.Bar{
		"AAPL": {{Date: "2024-01-12", Close: d(185.92)}},
		"MSFT": nil,
	})
	if err != nil {
		t.Fatal(err)
	}
	tickers, _ := s.BarTickers(ctx)
	if len(tickers) != 1 || tickers[0] != "AAPL" {
		t.Errorf("tickers = %v", tickers)
	}
}
