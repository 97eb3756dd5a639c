// Package events publishes run outcomes to downstream consumers: the
// dashboard WebSocket hub and, when configured, a Kafka topic.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/arena-engine/internal/model"
)

type Type string

const (
	RunRecorded Type = "run_recorded"
	FillPosted  Type = "fill"
)

// Event is the JSON message published for a recorded run or one of its fills.
type Event struct {
	Type         Type              `json:"type"`
	RunID        string            `json:"run_id"`
	CompetitorID string            `json:"competitor_id"`
	SessionDate  string            `json:"session_date"`
	SessionType  model.SessionType `json:"session_type"`
	State        model.RunState    `json:"state,omitempty"`
	FailedStage  model.Stage       `json:"failed_stage,omitempty"`
	Equity       *decimal.Decimal  `json:"equity,omitempty"`
	Fill         *model.Fill       `json:"fill,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// FromRun returns one event per fill followed by the run_recorded event.
func FromRun(run *model.RunLog) []Event {
	base := Event{
		RunID:        run.RunID,
		CompetitorID: run.CompetitorID,
		SessionDate:  run.SessionDate,
		SessionType:  run.SessionType,
		Timestamp:    run.Timestamp,
	}
	out := make([]Event, 0, len(run.Fills)+1)
	for i := range run.Fills {
		e := base
		e.Type = FillPosted
		f := run.Fills[i]
		e.Fill = &f
		e.Timestamp = f.Timestamp
		out = append(out, e)
	}

	e := base
	e.Type = RunRecorded
	e.State = run.State
	e.FailedStage = run.FailedStage
	if run.SnapshotAfter != nil {
		eq := run.SnapshotAfter.Equity()
		e.Equity = &eq
	}
	return append(out, e)
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, events ...Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, events...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) error { return nil }
