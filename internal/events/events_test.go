package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/shopspring/decimal"

	"github.com/atmx/arena-engine/internal/model"
)

var ts0 = time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func recordedRun() *model.RunLog {
	after := model.Snapshot{
		Timestamp: ts0,
		Cash:      d(94592.200603),
		Positions: []model.Position{{Ticker: "AAPL", Qty: 30, AvgCost: d(180.0799), CurrentPrice: d(179.90)}},
	}
	return &model.RunLog{
		RunID:        "run-1",
		CompetitorID: "gpt",
		SessionDate:  "2024-01-15",
		SessionType:  model.SessionOpen,
		Timestamp:    ts0,
		State:        model.StateRecorded,
		Fills: []model.Fill{{
			ID: "fill-1", Ticker: "AAPL", Side: model.SideBuy, Qty: 30, OrderType: model.OrderMarket,
			FillPrice: d(180.0799), Notional: d(5402.397), Fees: d(5.402397), Timestamp: ts0,
		}},
		SnapshotAfter: &after,
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) Publish(_ context.Context, events ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return r.err
}

func TestFromRun(t *testing.T) {
	evs := FromRun(recordedRun())
	if len(evs) != 2 {
		t.Fatalf("expected fill + run event, got %d", len(evs))
	}
	if evs[0].Type != FillPosted || evs[0].Fill == nil || evs[0].Fill.ID != "fill-1" {
		t.Errorf("first event should carry the fill: %+v", evs[0])
	}
	last := evs[1]
	if last.Type != RunRecorded || last.State != model.StateRecorded {
		t.Errorf("unexpected run event: %+v", last)
	}
	// 94592.200603 + 30 × 179.90
	if last.Equity == nil || !last.Equity.Equal(d(99989.200603)) {
		t.Errorf("equity = %v", last.Equity)
	}
}

func TestFromRun_FailedRunHasNoEquity(t *testing.T) {
	run := &model.RunLog{RunID: "r", CompetitorID: "c", State: model.StateFailed, FailedStage: model.StageStrategist}
	evs := FromRun(run)
	if len(evs) != 1 || evs[0].Equity != nil || evs[0].FailedStage != model.StageStrategist {
		t.Errorf("unexpected events: %+v", evs)
	}
}

func TestFanout_PublishesToAllAndJoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("down")}
	err := Fanout{bad, ok, Nop{}}.Publish(context.Background(), FromRun(recordedRun())...)

	if err == nil || err.Error() != "down" {
		t.Errorf("expected joined error, got %v", err)
	}
	if len(ok.events) != 2 || len(bad.events) != 2 {
		t.Errorf("every publisher should receive all events")
	}
}

func TestKafkaPublisher_SendsKeyedMessages(t *testing.T) {
	producer := mocks.NewSyncProducer(t, ProducerConfig())
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(b []byte) error {
		var e Event
		if err := json.Unmarshal(b, &e); err != nil {
			return err
		}
		if e.Type != FillPosted || !e.Fill.FillPrice.Equal(d(180.0799)) {
			return fmt.Errorf("unexpected fill event %s", b)
		}
		return nil
	})
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(b []byte) error {
		var e Event
		if err := json.Unmarshal(b, &e); err != nil {
			return err
		}
		if e.Type != RunRecorded || e.RunID != "run-1" {
			return fmt.Errorf("unexpected run event %s", b)
		}
		return nil
	})

	pub := NewKafkaPublisherWithProducer(producer, "arena.runs")
	if err := pub.Publish(context.Background(), FromRun(recordedRun())...); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestKafkaPublisher_ReturnsProducerError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, ProducerConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	pub := NewKafkaPublisherWithProducer(producer, "arena.runs")
	run := recordedRun()
	run.Fills = nil
	if err := pub.Publish(context.Background(), FromRun(run)...); err == nil {
		t.Fatal("expected error")
	}
	_ = pub.Close()
}
