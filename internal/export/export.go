// Package export assembles the DashboardData document from the store.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/arena-engine/internal/model"
	"github.com/atmx/arena-engine/internal/store"
)

// Options bound the size of the exported document.
type Options struct {
	RunLogLimit    int
	TradeLimit     int
	MarketDataBars int // zero omits market data
}

// Exporter builds dashboard documents.
type Exporter struct {
	store store.Store
	opts  Options
	now   func() time.Time
}

func New(s store.Store, opts Options, now func() time.Time) *Exporter {
	if now == nil {
		now = time.Now
	}
	return &Exporter{store: s, opts: opts, now: now}
}

// competitorData is everything loaded for one competitor.
type competitorData struct {
	competitor model.Competitor
	history    []model.Snapshot
	trades     []model.TradeRecord
}

func (e *Exporter) load(ctx context.Context) ([]competitorData, error) {
	cs, err := e.store.ListCompetitors(ctx)
	if err != nil {
		return nil, fmt.Errorf("list competitors: %w", err)
	}
	out := make([]competitorData, 0, len(cs))
	for _, c := range cs {
		h, err := e.store.SnapshotHistory(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("snapshots %s: %w", c.ID, err)
		}
		tr, err := e.store.ListTrades(ctx, c.ID, 0)
		if err != nil {
			return nil, fmt.Errorf("trades %s: %w", c.ID, err)
		}
		out = append(out, competitorData{competitor: c, history: h, trades: tr})
	}
	return out, nil
}

// Leaderboard ranks competitors by total return, best first. Ties keep
// competitor id order.
func (e *Exporter) Leaderboard(ctx context.Context) ([]model.LeaderboardEntry, error) {
	data, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	return leaderboard(data), nil
}

func leaderboard(data []competitorData) []model.LeaderboardEntry {
	out := make([]model.LeaderboardEntry, 0, len(data))
	for _, cd := range data {
		curve := make([]decimal.Decimal, len(cd.history))
		for i, s := range cd.history {
			curve[i] = s.Equity()
		}
		traded := decimal.Zero
		for _, t := range cd.trades {
			traded = traded.Add(t.Notional)
		}
		perf := Compute(curve, traded)

		entry := model.LeaderboardEntry{
			CompetitorID: cd.competitor.ID,
			Name:         cd.competitor.Name,
			Provider:     cd.competitor.Provider,
			Model:        cd.competitor.Model,
			TotalReturn:  perf.TotalReturn.Round(6),
			MaxDrawdown:  perf.MaxDrawdown.Round(4),
			NumTrades:    len(cd.trades),
			SharpeRatio:  round(perf.Sharpe, 4),
			Volatility:   round(perf.Volatility, 4),
			Turnover:     round(perf.Turnover, 4),
		}
		if len(curve) > 0 {
			entry.CurrentEquity = curve[len(curve)-1].Round(2)
		}
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TotalReturn.GreaterThan(out[j].TotalReturn)
	})
	return out
}

func round(v *float64, places int) *float64 {
	if v == nil {
		return nil
	}
	f, _ := decimal.NewFromFloat(*v).Round(int32(places)).Float64()
	return &f
}

// Build assembles the full dashboard document.
func (e *Exporter) Build(ctx context.Context) (*model.DashboardData, error) {
	data, err := e.load(ctx)
	if err != nil {
		return nil, err
	}

	dd := &model.DashboardData{
		Leaderboard:  leaderboard(data),
		EquityCurves: make(map[string][]model.EquityPoint, len(data)),
		Snapshots:    make(map[string]model.SnapshotView, len(data)),
	}

	totalTrades := 0
	for _, cd := range data {
		totalTrades += len(cd.trades)
		points := make([]model.EquityPoint, 0, len(cd.history))
		for _, s := range cd.history {
			cash := s.Cash
			points = append(points, model.EquityPoint{Timestamp: s.Timestamp, Equity: s.Equity(), Cash: &cash})
		}
		dd.EquityCurves[cd.competitor.ID] = points
		if n := len(cd.history); n > 0 {
			dd.Snapshots[cd.competitor.ID] = model.NewSnapshotView(cd.history[n-1])
		}
	}

	runs, err := e.store.ListRuns(ctx, store.RunFilter{Limit: e.opts.RunLogLimit})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	if runs == nil {
		runs = []model.RunLog{}
	}
	dd.RunLogs = runs

	totalRuns, err := e.store.CountRuns(ctx, store.RunFilter{})
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}

	trades, err := e.store.ListTrades(ctx, "", e.opts.TradeLimit)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	dd.Trades = trades

	if e.opts.MarketDataBars > 0 {
		tickers, err := e.store.BarTickers(ctx)
		if err != nil {
			return nil, fmt.Errorf("bar tickers: %w", err)
		}
		if len(tickers) > 0 {
			dd.MarketData = make(map[string][]model.Bar, len(tickers))
		}
		for _, t := range tickers {
			bars, err := e.store.Bars(ctx, t, e.opts.MarketDataBars)
			if err != nil {
				return nil, fmt.Errorf("bars %s: %w", t, err)
			}
			dd.MarketData[t] = bars
		}
	}

	dd.Metadata = model.DashboardMetadata{
		LastUpdated:      e.now().UTC(),
		TotalCompetitors: len(data),
		TotalRuns:        totalRuns,
		TotalTrades:      totalTrades,
	}
	return dd, nil
}

// JSON renders the dashboard document.
func (e *Exporter) JSON(ctx context.Context) ([]byte, error) {
	dd, err := e.Build(ctx)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(dd, "", "  ")
}

// Write encodes dd to w.
func Write(w io.Writer, dd *model.DashboardData) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(dd)
}

// Read decodes a dashboard document.
func Read(r io.Reader) (*model.DashboardData, error) {
	var dd model.DashboardData
	if err := json.NewDecoder(r).Decode(&dd); err != nil {
		return nil, err
	}
	return &dd, nil
}
