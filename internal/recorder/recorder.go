// Package recorder persists run logs append-only and announces them.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/atmx/arena-engine/internal/events"
	"github.com/atmx/arena-engine/internal/model"
	"github.com/atmx/arena-engine/internal/store"
)

// Options controls persistence retries.
type Options struct {
	Retries int           // additional attempts after the first
	Backoff time.Duration // doubled after each failed attempt
}

// Recorder writes run logs through a Store with at-least-once retries.
// Store.SaveRun is idempotent on run_id, so a retry after an ambiguous
// failure never duplicates fills.
type Recorder struct {
	store     store.Store
	publisher events.Publisher
	opts      Options
}

func New(s store.Store, pub events.Publisher, opts Options) *Recorder {
	if pub == nil {
		pub = events.Nop{}
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &Recorder{store: s, publisher: pub, opts: opts}
}

// Record saves run and then publishes its events. Publish failures are
// logged and do not fail the call: the run log is the record of truth.
func (r *Recorder) Record(ctx context.Context, run *model.RunLog) error {
	backoff := r.opts.Backoff
	var err error
	for attempt := 0; attempt <= r.opts.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("record run %s: %w (last error: %v)", run.RunID, ctx.Err(), err)
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = r.store.SaveRun(ctx, run); err == nil {
			break
		}
		slog.Warn("save run failed", "run_id", run.RunID, "competitor", run.CompetitorID,
			"attempt", attempt+1, "error", err)
	}
	if err != nil {
		return fmt.Errorf("record run %s after %d attempts: %w", run.RunID, r.opts.Retries+1, err)
	}

	slog.Info("run recorded", "run_id", run.RunID, "competitor", run.CompetitorID,
		"state", run.State, "fills", len(run.Fills))

	if err := r.publisher.Publish(ctx, events.FromRun(run)...); err != nil {
		slog.Warn("publish run events failed", "run_id", run.RunID, "error", err)
	}
	return nil
}

// RecordBars stores the daily bars fetched for a session so the dashboard
// can chart them later. Tickers are written in sorted order.
func (r *Recorder) RecordBars(ctx context.Context, bars map[string][]model.Bar) error {
	tickers := make([]string, 0, len(bars))
	for t := range bars {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)
	for _, t := range tickers {
		if len(bars[t]) == 0 {
			continue
		}
		if err := r.store.SaveBars(ctx, t, bars[t]); err != nil {
			return fmt.Errorf("save bars %s: %w", t, err)
		}
	}
	return nil
}
