// Package store defines the persistence interface for the arena engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/arena-engine/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	CompetitorID string
	SessionDate  string
	SessionType  model.SessionType
	Limit        int
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Competitors ---

	// UpsertCompetitor registers a competitor. An existing row keeps its
	// created_at.
	UpsertCompetitor(ctx context.Context, c *model.Competitor) error

	GetCompetitor(ctx context.Context, id string) (*model.Competitor, error)

	// ListCompetitors returns competitors ordered by id.
	ListCompetitors(ctx context.Context) ([]model.Competitor, error)

	// --- Snapshots ---

	// SaveSnapshot appends a snapshot that is not tied to a run, such as the
	// initial cash-only portfolio.
	SaveSnapshot(ctx context.Context, competitorID string, s model.Snapshot) error

	// LatestSnapshot returns the most recent snapshot or ErrNotFound.
	LatestSnapshot(ctx context.Context, competitorID string) (*model.Snapshot, error)

	// SnapshotHistory returns all snapshots oldest first.
	SnapshotHistory(ctx context.Context, competitorID string) ([]model.Snapshot, error)

	// --- Runs (append-only) ---

	// SaveRun atomically writes the run log, its fills as trades and its
	// snapshot_after. Saving a run_id that already exists is a no-op, so
	// retries never duplicate fills.
	SaveRun(ctx context.Context, run *model.RunLog) error

	// GetRun returns a run log or ErrNotFound.
	GetRun(ctx context.Context, runID string) (*model.RunLog, error)

	// ListRuns returns run logs newest first.
	ListRuns(ctx context.Context, f RunFilter) ([]model.RunLog, error)

	// CountRuns counts run logs matching f. Limit is ignored.
	CountRuns(ctx context.Context, f RunFilter) (int, error)

	// HasRecordedRun reports whether the competitor already has a RECORDED
	// run for the session.
	HasRecordedRun(ctx context.Context, competitorID string, s model.Session) (bool, error)

	// --- Trades ---

	// ListTrades returns fills newest first. An empty competitorID lists all
	// competitors; limit <= 0 means no limit.
	ListTrades(ctx context.Context, competitorID string, limit int) ([]model.TradeRecord, error)

	// --- LLM call budget ---

	CallCount(ctx context.Context, provider, date string) (int, error)

	// IncrementCalls adds n to the provider's counter for date and returns
	// the new total.
	IncrementCalls(ctx context.Context, provider, date string, n int) (int, error)

	// --- Market data ---

	// SaveBars upserts daily bars keyed by (ticker, date).
	SaveBars(ctx context.Context, ticker string, bars []model.Bar) error

	// Bars returns up to limit most recent bars, oldest first.
	Bars(ctx context.Context, ticker string, limit int) ([]model.Bar, error)

	// BarTickers lists tickers with stored bars.
	BarTickers(ctx context.Context) ([]string, error)
}

// tradesFor flattens a run's fills into trade records.
func tradesFor(run *model.RunLog) []model.TradeRecord {
	out := make([]model.TradeRecord, 0, len(run.Fills))
	for _, f := range run.Fills {
		out = append(out, model.TradeRecord{Fill: f, CompetitorID: run.CompetitorID, RunID: run.RunID})
	}
	return out
}

func matches(f RunFilter, r *model.RunLog) bool {
	return (f.CompetitorID == "" || f.CompetitorID == r.CompetitorID) &&
		(f.SessionDate == "" || f.SessionDate == r.SessionDate) &&
		(f.SessionType == "" || f.SessionType == r.SessionType)
}
