// Package model defines the core domain types shared across the arena engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// The dashboard contract carries numbers, not quoted strings.
	decimal.MarshalJSONWithoutQuotes = true
}

// SessionDateLayout is the wire format of session dates.
const SessionDateLayout = "2006-01-02"

// Competitor is one (provider, model) pairing with its own paper portfolio.
// Immutable after creation.
type Competitor struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Provider  string    `json:"provider" db:"provider"`
	Model     string    `json:"model" db:"model"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Session is the (date, type) trigger for one run per competitor.
type Session struct {
	Date string      `json:"session_date"`
	Type SessionType `json:"session_type"`
}

// Key returns a stable identifier such as "2024-01-15/OPEN".
func (s Session) Key() string { return s.Date + "/" + string(s.Type) }

// Order is an instruction produced by the Risk Guard stage.
// LimitPrice and StopPrice are only meaningful for LIMIT and STOP orders.
type Order struct {
	Ticker     string           `json:"ticker"`
	Side       OrderSide        `json:"side"`
	Qty        int64            `json:"qty"`
	OrderType  OrderType        `json:"order_type"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice  *decimal.Decimal `json:"stop_price,omitempty"`
}

// Fill is an immutable execution record. Created exactly once per executed
// order by the broker; never mutated.
type Fill struct {
	ID        string          `json:"id" db:"id"`
	Ticker    string          `json:"ticker" db:"ticker"`
	Side      OrderSide       `json:"side" db:"side"`
	Qty       int64           `json:"qty" db:"qty"`
	OrderType OrderType       `json:"order_type" db:"order_type"`
	FillPrice decimal.Decimal `json:"fill_price" db:"fill_price"`
	Fees      decimal.Decimal `json:"fees" db:"fees"`
	Slippage  decimal.Decimal `json:"slippage" db:"slippage"` // total adverse cost, qty × |fill - ref|
	Notional  decimal.Decimal `json:"notional" db:"notional"` // qty × fill_price
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Position is a competitor's aggregate holding in one ticker.
type Position struct {
	Ticker       string          `json:"ticker"`
	Qty          int64           `json:"qty"` // negative only when shorting is enabled
	AvgCost      decimal.Decimal `json:"avg_cost"`
	CurrentPrice decimal.Decimal `json:"current_price"`
}

// MarketValue is qty × current_price.
func (p Position) MarketValue() decimal.Decimal {
	return decimal.NewFromInt(p.Qty).Mul(p.CurrentPrice)
}

// CostBasis is qty × avg_cost.
func (p Position) CostBasis() decimal.Decimal {
	return decimal.NewFromInt(p.Qty).Mul(p.AvgCost)
}

// UnrealizedPnL is market value minus cost basis.
func (p Position) UnrealizedPnL() decimal.Decimal {
	return p.MarketValue().Sub(p.CostBasis())
}

// Snapshot is a point-in-time portfolio capture. Never mutated once written;
// derive new snapshots with the With* helpers.
type Snapshot struct {
	Timestamp   time.Time       `json:"timestamp"`
	Cash        decimal.Decimal `json:"cash"`
	Positions   []Position      `json:"positions"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	TotalFees   decimal.Decimal `json:"total_fees"`
}

// NewSnapshot returns an empty portfolio holding only cash.
func NewSnapshot(cash decimal.Decimal, ts time.Time) Snapshot {
	return Snapshot{Timestamp: ts, Cash: cash, Positions: []Position{}}
}

// PositionsValue is Σ qty × current_price.
func (s Snapshot) PositionsValue() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.Positions {
		total = total.Add(p.MarketValue())
	}
	return total
}

// Equity is cash plus the marked value of all positions.
func (s Snapshot) Equity() decimal.Decimal {
	return s.Cash.Add(s.PositionsValue())
}

// UnrealizedPnL sums unrealized P&L over positions.
func (s Snapshot) UnrealizedPnL() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.Positions {
		total = total.Add(p.UnrealizedPnL())
	}
	return total
}

// Position returns the holding for ticker, if any.
func (s Snapshot) Position(ticker string) (Position, bool) {
	for _, p := range s.Positions {
		if p.Ticker == ticker {
			return p, true
		}
	}
	return Position{}, false
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Positions = make([]Position, len(s.Positions))
	copy(out.Positions, s.Positions)
	return out
}

// WithPrices returns a copy with positions re-marked at the given prices.
// Tickers without a price keep their previous mark.
func (s Snapshot) WithPrices(prices map[string]decimal.Decimal, ts time.Time) Snapshot {
	out := s.Clone()
	out.Timestamp = ts
	for i := range out.Positions {
		if px, ok := prices[out.Positions[i].Ticker]; ok {
			out.Positions[i].CurrentPrice = px
		}
	}
	return out
}

// SortPositions orders positions by ticker so snapshots serialize stably.
func SortPositions(ps []Position) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Ticker < ps[j].Ticker })
}

// TickerProposal is the Strategist's call for one ticker.
type TickerProposal struct {
	Ticker              string         `json:"ticker"`
	Action              ProposedAction `json:"action"`
	Confidence          float64        `json:"confidence"`
	Rationale           string         `json:"rationale"`
	TargetAllocationPct *float64       `json:"target_allocation_pct,omitempty"`
}

// StrategistProposal is the session-level bundle of ticker proposals.
type StrategistProposal struct {
	SessionDate   string           `json:"session_date"`
	SessionType   SessionType      `json:"session_type"`
	MarketSummary string           `json:"market_summary"`
	Proposals     []TickerProposal `json:"proposals"`
}

// Proposal returns the proposal for ticker, if present.
func (p *StrategistProposal) Proposal(ticker string) (TickerProposal, bool) {
	for _, tp := range p.Proposals {
		if tp.Ticker == ticker {
			return tp, true
		}
	}
	return TickerProposal{}, false
}

// TradePlan is the Risk Guard's output. An empty Orders list is an explicit HOLD.
type TradePlan struct {
	Reasoning      string  `json:"reasoning"`
	RiskAssessment string  `json:"risk_assessment"`
	Orders         []Order `json:"orders"`
}

// LLMCall is an append-only audit record of one model invocation.
type LLMCall struct {
	CallType         CallType  `json:"call_type"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	LatencyMs        int64     `json:"latency_ms"`
	Success          bool      `json:"success"`
	Error            string    `json:"error,omitempty"`
	Prompt           string    `json:"prompt,omitempty"`
	SystemPrompt     string    `json:"system_prompt,omitempty"`
	RawResponse      string    `json:"raw_response,omitempty"`
	ParsedResponse   string    `json:"parsed_response,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// RunLog is the audit unit for one (competitor, session) execution.
// StrategistProposal, TradePlan and SnapshotAfter are nil when the run
// failed before producing them.
type RunLog struct {
	RunID              string              `json:"run_id"`
	CompetitorID       string              `json:"competitor_id"`
	SessionDate        string              `json:"session_date"`
	SessionType        SessionType         `json:"session_type"`
	Timestamp          time.Time           `json:"timestamp"`
	State              RunState            `json:"state"`
	FailedStage        Stage               `json:"failed_stage,omitempty"`
	FailureReason      string              `json:"failure_reason,omitempty"`
	LLMCalls           []LLMCall           `json:"llm_calls"`
	StrategistProposal *StrategistProposal `json:"strategist_proposal,omitempty"`
	TradePlan          *TradePlan          `json:"trade_plan,omitempty"`
	Fills              []Fill              `json:"fills"`
	Errors             []string            `json:"errors"`
	SnapshotBefore     *Snapshot           `json:"snapshot_before,omitempty"`
	SnapshotAfter      *Snapshot           `json:"snapshot_after,omitempty"`
}

// Session returns the (date, type) pair this run belongs to.
func (r *RunLog) Session() Session {
	return Session{Date: r.SessionDate, Type: r.SessionType}
}

// Bar is one daily OHLCV candle.
type Bar struct {
	Date   string          `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}
