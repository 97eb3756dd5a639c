package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DashboardData is the single document consumed by the dashboard and any
// other external tooling. Top-level keys are camelCase; nested records keep
// their snake_case field names.
type DashboardData struct {
	Metadata     DashboardMetadata        `json:"metadata"`
	Leaderboard  []LeaderboardEntry       `json:"leaderboard"`
	EquityCurves map[string][]EquityPoint `json:"equityCurves"`
	RunLogs      []RunLog                 `json:"runLogs"`
	Trades       []TradeRecord            `json:"trades"`
	Snapshots    map[string]SnapshotView  `json:"snapshots"`
	MarketData   map[string][]Bar         `json:"marketData,omitempty"`
}

type DashboardMetadata struct {
	LastUpdated      time.Time `json:"lastUpdated"`
	TotalCompetitors int       `json:"totalCompetitors"`
	TotalRuns        int       `json:"totalRuns"`
	TotalTrades      int       `json:"totalTrades"`
}

// LeaderboardEntry ranks one competitor. Sharpe and volatility are absent
// until the equity curve has enough points.
type LeaderboardEntry struct {
	CompetitorID  string          `json:"competitor_id"`
	Name          string          `json:"name"`
	Provider      string          `json:"provider"`
	Model         string          `json:"model"`
	CurrentEquity decimal.Decimal `json:"current_equity"`
	TotalReturn   decimal.Decimal `json:"total_return"`
	MaxDrawdown   decimal.Decimal `json:"max_drawdown"`
	NumTrades     int             `json:"num_trades"`
	SharpeRatio   *float64        `json:"sharpe_ratio,omitempty"`
	Volatility    *float64        `json:"volatility,omitempty"`
	Turnover      *float64        `json:"turnover,omitempty"`
}

type EquityPoint struct {
	Timestamp time.Time        `json:"timestamp"`
	Equity    decimal.Decimal  `json:"equity"`
	Cash      *decimal.Decimal `json:"cash,omitempty"`
}

// TradeRecord is a Fill flattened with its owning competitor and run.
type TradeRecord struct {
	Fill
	CompetitorID string `json:"competitor_id"`
	RunID        string `json:"run_id"`
}

// PositionView is a Position with derived mark-to-market fields.
type PositionView struct {
	Position
	MarketValue      decimal.Decimal `json:"market_value"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPct decimal.Decimal `json:"unrealized_pnl_pct"`
}

// SnapshotView is the latest Snapshot of a competitor with derived totals.
// Its Positions field shadows the embedded one in JSON.
type SnapshotView struct {
	Snapshot
	Positions        []PositionView  `json:"positions"`
	PositionsValue   decimal.Decimal `json:"positions_value"`
	Equity           decimal.Decimal `json:"equity"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPct decimal.Decimal `json:"unrealized_pnl_pct"`
}

// NewSnapshotView derives the dashboard view of s.
func NewSnapshotView(s Snapshot) SnapshotView {
	v := SnapshotView{
		Snapshot:       s,
		Positions:      make([]PositionView, 0, len(s.Positions)),
		PositionsValue: s.PositionsValue(),
		Equity:         s.Equity(),
		UnrealizedPnL:  s.UnrealizedPnL(),
	}
	basis := decimal.Zero
	for _, p := range s.Positions {
		pv := PositionView{
			Position:      p,
			MarketValue:   p.MarketValue(),
			UnrealizedPnL: p.UnrealizedPnL(),
		}
		if cb := p.CostBasis().Abs(); !cb.IsZero() {
			pv.UnrealizedPnLPct = pv.UnrealizedPnL.Div(cb).Round(6)
		}
		basis = basis.Add(p.CostBasis().Abs())
		v.Positions = append(v.Positions, pv)
	}
	if !basis.IsZero() {
		v.UnrealizedPnLPct = v.UnrealizedPnL.Div(basis).Round(6)
	}
	return v
}
