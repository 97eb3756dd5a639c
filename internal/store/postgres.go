package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/arena-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertCompetitor(ctx context.Context, c *model.Competitor) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO competitors (id, name, provider, model, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		     name = EXCLUDED.name,
		     provider = EXCLUDED.provider,
		     model = EXCLUDED.model`,
		c.ID, c.Name, c.Provider, c.Model, c.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetCompetitor(ctx context.Context, id string) (*model.Competitor, error) {
	var c model.Competitor
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, provider, model, created_at FROM competitors WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Provider, &c.Model, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("competitor %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get competitor %s: %w", id, err)
	}
	return &c, nil
}

func (s *PostgresStore) ListCompetitors(ctx context.Context) ([]model.Competitor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, provider, model, created_at FROM competitors ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Competitor
	for rows.Next() {
		var c model.Competitor
		if err := rows.Scan(&c.ID, &c.Name, &c.Provider, &c.Model, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func insertSnapshot(ctx context.Context, tx pgx.Tx, competitorID string, runID *string, snap model.Snapshot) error {
	positions, err := json.Marshal(snap.Positions)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO snapshots (competitor_id, run_id, timestamp, cash, realized_pnl, total_fees, positions)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::JSONB)
		 ON CONFLICT (run_id) DO NOTHING`,
		competitorID, runID, snap.Timestamp,
		snap.Cash.String(), snap.RealizedPnL.String(), snap.TotalFees.String(),
		string(positions),
	)
	return err
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, competitorID string, snap model.Snapshot) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return insertSnapshot(ctx, tx, competitorID, nil, snap)
	})
}

const snapshotColumns = `timestamp, cash::TEXT, realized_pnl::TEXT, total_fees::TEXT, positions`

func (s *PostgresStore) LatestSnapshot(ctx context.Context, competitorID string) (*model.Snapshot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots
		 WHERE competitor_id = $1 ORDER BY timestamp DESC, id DESC LIMIT 1`, competitorID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("snapshot for %s: %w", competitorID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot %s: %w", competitorID, err)
	}
	return &snap, nil
}

func (s *PostgresStore) SnapshotHistory(ctx context.Context, competitorID string) ([]model.Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots
		 WHERE competitor_id = $1 ORDER BY timestamp, id`, competitorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func scanSnapshot(row pgx.Row) (model.Snapshot, error) {
	var (
		snap                 model.Snapshot
		cash, realized, fees string
		positions            []byte
	)
	if err := row.Scan(&snap.Timestamp, &cash, &realized, &fees, &positions); err != nil {
		return snap, err
	}
	snap.Cash, _ = decimal.NewFromString(cash)
	snap.RealizedPnL, _ = decimal.NewFromString(realized)
	snap.TotalFees, _ = decimal.NewFromString(fees)
	snap.Positions = []model.Position{}
	if len(positions) > 0 {
		if err := json.Unmarshal(positions, &snap.Positions); err != nil {
			return snap, fmt.Errorf("decode positions: %w", err)
		}
	}
	return snap, nil
}

func (s *PostgresStore) SaveRun(ctx context.Context, run *model.RunLog) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", run.RunID, err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO run_logs (run_id, competitor_id, session_date, session_type, state, timestamp, payload)
			 VALUES ($1, $2, $3::DATE, $4, $5, $6, $7::JSONB)
			 ON CONFLICT (run_id) DO NOTHING`,
			run.RunID, run.CompetitorID, run.SessionDate, run.SessionType, run.State, run.Timestamp, string(payload),
		)
		if err != nil {
			return fmt.Errorf("insert run log: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Already recorded by an earlier attempt.
			return nil
		}

		batch := &pgx.Batch{}
		for _, f := range run.Fills {
			batch.Queue(
				`INSERT INTO trades (id, run_id, competitor_id, ticker, side, qty, order_type,
				                     fill_price, fees, slippage, notional, timestamp)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12)
				 ON CONFLICT (id) DO NOTHING`,
				f.ID, run.RunID, run.CompetitorID, f.Ticker, f.Side, f.Qty, f.OrderType,
				f.FillPrice.String(), f.Fees.String(), f.Slippage.String(), f.Notional.String(), f.Timestamp,
			)
		}
		if batch.Len() > 0 {
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("insert trades: %w", err)
			}
		}

		if run.SnapshotAfter != nil {
			runID := run.RunID
			if err := insertSnapshot(ctx, tx, run.CompetitorID, &runID, *run.SnapshotAfter); err != nil {
				return fmt.Errorf("insert snapshot: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.RunLog, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM run_logs WHERE run_id = $1`, runID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	var run model.RunLog
	if err := json.Unmarshal(payload, &run); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, f RunFilter) ([]model.RunLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM run_logs
		 WHERE ($1 = '' OR competitor_id = $1)
		   AND ($2 = '' OR session_date::TEXT = $2)
		   AND ($3 = '' OR session_type = $3)
		 ORDER BY timestamp DESC, run_id
		 LIMIT NULLIF($4::INT, 0)`,
		f.CompetitorID, f.SessionDate, string(f.SessionType), f.Limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RunLog
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var run model.RunLog
		if err := json.Unmarshal(payload, &run); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountRuns(ctx context.Context, f RunFilter) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM run_logs
		 WHERE ($1 = '' OR competitor_id = $1)
		   AND ($2 = '' OR session_date::TEXT = $2)
		   AND ($3 = '' OR session_type = $3)`,
		f.CompetitorID, f.SessionDate, string(f.SessionType),
	).Scan(&n)
	return n, err
}

func (s *PostgresStore) HasRecordedRun(ctx context.Context, competitorID string, sess model.Session) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM run_logs
		     WHERE competitor_id = $1 AND session_date = $2::DATE AND session_type = $3 AND state = $4)`,
		competitorID, sess.Date, sess.Type, model.StateRecorded,
	).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) ListTrades(ctx context.Context, competitorID string, limit int) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, competitor_id, ticker, side, qty, order_type,
		        fill_price::TEXT, fees::TEXT, slippage::TEXT, notional::TEXT, timestamp
		 FROM trades
		 WHERE ($1 = '' OR competitor_id = $1)
		 ORDER BY timestamp DESC, id
		 LIMIT NULLIF($2::INT, 0)`, competitorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TradeRecord
	for rows.Next() {
		var (
			t                               model.TradeRecord
			price, fees, slippage, notional string
		)
		if err := rows.Scan(&t.ID, &t.RunID, &t.CompetitorID, &t.Ticker, &t.Side, &t.Qty, &t.OrderType,
			&price, &fees, &slippage, &notional, &t.Timestamp); err != nil {
			return nil, err
		}
		t.FillPrice, _ = decimal.NewFromString(price)
		t.Fees, _ = decimal.NewFromString(fees)
		t.Slippage, _ = decimal.NewFromString(slippage)
		t.Notional, _ = decimal.NewFromString(notional)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CallCount(ctx context.Context, provider, date string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE((SELECT count FROM call_counters WHERE provider = $1 AND date = $2::DATE), 0)`,
		provider, date).Scan(&n)
	return n, err
}

func (s *PostgresStore) IncrementCalls(ctx context.Context, provider, date string, n int) (int, error) {
	var total int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO call_counters (provider, date, count) VALUES ($1, $2::DATE, $3)
		 ON CONFLICT (provider, date) DO UPDATE SET count = call_counters.count + EXCLUDED.count
		 RETURNING count`,
		provider, date, n).Scan(&total)
	return total, err
}

func (s *PostgresStore) SaveBars(ctx context.Context, ticker string, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, b := range bars {
		batch.Queue(
			`INSERT INTO market_bars (ticker, date, open, high, low, close, volume)
			 VALUES ($1, $2::DATE, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)
			 ON CONFLICT (ticker, date) DO UPDATE SET
			     open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
			     close = EXCLUDED.close, volume = EXCLUDED.volume`,
			ticker, b.Date, b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(), b.Volume,
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) Bars(ctx context.Context, ticker string, limit int) ([]model.Bar, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT date, open, high, low, close, volume FROM (
		     SELECT date::TEXT AS date, open::TEXT AS open, high::TEXT AS high, low::TEXT AS low,
		            close::TEXT AS close, volume, date AS d
		     FROM market_bars WHERE ticker = $1
		     ORDER BY date DESC
		     LIMIT NULLIF($2::INT, 0)
		 ) recent ORDER BY d`, ticker, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Bar
	for rows.Next() {
		var (
			b                   model.Bar
			open, high, low, cl string
		)
		if err := rows.Scan(&b.Date, &open, &high, &low, &cl, &b.Volume); err != nil {
			return nil, err
		}
		b.Open, _ = decimal.NewFromString(open)
		b.High, _ = decimal.NewFromString(high)
		b.Low, _ = decimal.NewFromString(low)
		b.Close, _ = decimal.NewFromString(cl)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) BarTickers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT ticker FROM market_bars ORDER BY ticker`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
