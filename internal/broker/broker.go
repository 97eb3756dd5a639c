// Package broker simulates order execution against reference prices.
//
// Execution is deterministic: identical inputs produce identical fills,
// ids and snapshots. All monetary values use shopspring/decimal.
package broker

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/arena-engine/internal/model"
)

var (
	ErrInvalidOrder       = errors.New("broker: invalid order")
	ErrNoPrice            = errors.New("broker: no reference price for ticker")
	ErrInsufficientCash   = errors.New("broker: insufficient cash")
	ErrInsufficientShares = errors.New("broker: insufficient shares (short selling disabled)")
	ErrPositionLimit      = errors.New("broker: position would exceed max share of equity")
)

// fillNamespace scopes name-based fill ids.
var fillNamespace = uuid.MustParse("6f1f3c1e-8a5e-4d0a-9a55-2b8c7e4d1a10")

// FillID derives the id of the index-th fill of a run. Replaying the same run
// yields the same ids, so persistence can de-duplicate.
func FillID(runID string, index int) string {
	return uuid.NewSHA1(fillNamespace, []byte(runID+"/"+strconv.Itoa(index))).String()
}

// Config holds execution frictions and limits.
type Config struct {
	SlippageBps    decimal.Decimal
	FeeBps         decimal.Decimal
	MaxPositionPct decimal.Decimal // fraction of equity; zero disables the check
	CashBufferPct  decimal.Decimal // extra cash reserved on buys, fraction of cost
	AllowShort     bool
}

// Broker executes orders against a portfolio snapshot.
type Broker struct {
	engine *FillEngine
	cfg    Config
}

// New creates a broker.
func New(cfg Config) (*Broker, error) {
	engine, err := NewFillEngine(cfg.SlippageBps, cfg.FeeBps)
	if err != nil {
		return nil, err
	}
	if cfg.MaxPositionPct.IsNegative() || cfg.CashBufferPct.IsNegative() {
		return nil, fmt.Errorf("%w: negative limit", ErrInvalidOrder)
	}
	return &Broker{engine: engine, cfg: cfg}, nil
}

// Engine exposes the fill engine for pre-trade estimates.
func (b *Broker) Engine() *FillEngine { return b.engine }

// Request is one execution batch.
type Request struct {
	RunID     string
	Orders    []model.Order
	Prices    map[string]decimal.Decimal // reference price per ticker
	State     model.Snapshot
	Timestamp time.Time
}

// Rejection records an order the broker skipped.
type Rejection struct {
	Index  int
	Order  model.Order
	Reason error
}

func (r Rejection) Error() string {
	return fmt.Sprintf("order %d %s %d %s rejected: %v", r.Index, r.Order.Side, r.Order.Qty, r.Order.Ticker, r.Reason)
}

// Result is the outcome of Execute. Snapshot is the post-execution state
// marked at the request prices.
type Result struct {
	Fills      []model.Fill
	Rejections []Rejection
	Snapshot   model.Snapshot
}

// Execute runs orders in sequence. A rejected order is skipped and never
// affects earlier or later fills. The input snapshot is not modified.
func (b *Broker) Execute(req Request) Result {
	book := newLedger(req.State, req.Prices)
	res := Result{Fills: []model.Fill{}}

	for i, o := range req.Orders {
		fill, err := b.executeOne(book, o, req.Prices)
		if err != nil {
			res.Rejections = append(res.Rejections, Rejection{Index: i, Order: o, Reason: err})
			continue
		}
		fill.ID = FillID(req.RunID, len(res.Fills))
		fill.Timestamp = req.Timestamp
		res.Fills = append(res.Fills, fill)
	}

	res.Snapshot = book.snapshot(req.Timestamp)
	return res
}

func (b *Broker) executeOne(book *ledger, o model.Order, prices map[string]decimal.Decimal) (model.Fill, error) {
	if o.Qty <= 0 || !o.Side.Valid() || !o.OrderType.Valid() || o.Ticker == "" {
		return model.Fill{}, fmt.Errorf("%w: %+v", ErrInvalidOrder, o)
	}
	ref, ok := prices[o.Ticker]
	if !ok {
		return model.Fill{}, fmt.Errorf("%w: %s", ErrNoPrice, o.Ticker)
	}
	q, err := b.engine.Price(o, ref)
	if err != nil {
		return model.Fill{}, err
	}

	cur := book.position(o.Ticker)
	delta := o.Qty
	if o.Side == model.SideSell {
		delta = -o.Qty
	}

	switch o.Side {
	case model.SideBuy:
		need := q.Notional.Add(q.Fees)
		need = need.Add(need.Mul(b.cfg.CashBufferPct))
		if book.cash.LessThan(need) {
			return model.Fill{}, fmt.Errorf("%w: need %s, have %s", ErrInsufficientCash, need.StringFixed(2), book.cash.StringFixed(2))
		}
	case model.SideSell:
		if !b.cfg.AllowShort && o.Qty > max(cur.Qty, 0) {
			return model.Fill{}, fmt.Errorf("%w: sell %d %s, hold %d", ErrInsufficientShares, o.Qty, o.Ticker, cur.Qty)
		}
	}

	next, realized := applyFill(cur, delta, q.FillPrice)
	next.CurrentPrice = ref

	cash := book.cash
	if o.Side == model.SideBuy {
		cash = cash.Sub(q.Notional).Sub(q.Fees)
	} else {
		cash = cash.Add(q.Notional).Sub(q.Fees)
	}

	if b.cfg.MaxPositionPct.IsPositive() && abs64(next.Qty) > abs64(cur.Qty) {
		equityAfter := book.equityWith(next, cash)
		limit := equityAfter.Mul(b.cfg.MaxPositionPct)
		if next.MarketValue().Abs().GreaterThan(limit) {
			return model.Fill{}, fmt.Errorf("%w: %s value %s > %s", ErrPositionLimit, o.Ticker,
				next.MarketValue().Abs().StringFixed(2), limit.StringFixed(2))
		}
	}

	book.cash = cash
	book.realized = book.realized.Add(realized)
	book.fees = book.fees.Add(q.Fees)
	book.set(next)

	return model.Fill{
		Ticker:    o.Ticker,
		Side:      o.Side,
		Qty:       o.Qty,
		OrderType: o.OrderType,
		FillPrice: q.FillPrice,
		Fees:      q.Fees,
		Slippage:  q.Slippage,
		Notional:  q.Notional,
	}, nil
}

// applyFill moves a position by a signed quantity at price. Adding to a
// position re-weights avg_cost; reducing realizes P&L against avg_cost and
// leaves it unchanged; crossing zero opens the remainder at price.
func applyFill(p model.Position, delta int64, price decimal.Decimal) (model.Position, decimal.Decimal) {
	realized := decimal.Zero
	if p.Qty == 0 || (p.Qty > 0) == (delta > 0) {
		newQty := p.Qty + delta
		total := decimal.NewFromInt(abs64(p.Qty)).Mul(p.AvgCost).
			Add(decimal.NewFromInt(abs64(delta)).Mul(price))
		p.AvgCost = total.Div(decimal.NewFromInt(abs64(newQty)))
		p.Qty = newQty
		return p, realized
	}

	closed := min(abs64(delta), abs64(p.Qty))
	pnlPerShare := price.Sub(p.AvgCost)
	if p.Qty < 0 {
		pnlPerShare = pnlPerShare.Neg()
	}
	realized = decimal.NewFromInt(closed).Mul(pnlPerShare)

	newQty := p.Qty + delta
	switch {
	case newQty == 0:
		p.AvgCost = decimal.Zero
	case (newQty > 0) != (p.Qty > 0):
		p.AvgCost = price
	}
	p.Qty = newQty
	return p, realized
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// ledger is the broker's scratch portfolio for one Execute call.
type ledger struct {
	cash      decimal.Decimal
	realized  decimal.Decimal
	fees      decimal.Decimal
	positions map[string]model.Position
}

func newLedger(s model.Snapshot, prices map[string]decimal.Decimal) *ledger {
	l := &ledger{
		cash:      s.Cash,
		realized:  s.RealizedPnL,
		fees:      s.TotalFees,
		positions: make(map[string]model.Position, len(s.Positions)),
	}
	for _, p := range s.Positions {
		if px, ok := prices[p.Ticker]; ok {
			p.CurrentPrice = px
		}
		l.positions[p.Ticker] = p
	}
	return l
}

func (l *ledger) position(ticker string) model.Position {
	if p, ok := l.positions[ticker]; ok {
		return p
	}
	return model.Position{Ticker: ticker}
}

func (l *ledger) set(p model.Position) {
	if p.Qty == 0 {
		delete(l.positions, p.Ticker)
		return
	}
	l.positions[p.Ticker] = p
}

// equityWith values the book as if p replaced its ticker's position and cash
// were the given amount.
func (l *ledger) equityWith(p model.Position, cash decimal.Decimal) decimal.Decimal {
	total := cash.Add(p.MarketValue())
	for t, q := range l.positions {
		if t != p.Ticker {
			total = total.Add(q.MarketValue())
		}
	}
	return total
}

func (l *ledger) snapshot(ts time.Time) model.Snapshot {
	s := model.Snapshot{
		Timestamp:   ts,
		Cash:        l.cash,
		RealizedPnL: l.realized,
		TotalFees:   l.fees,
		Positions:   make([]model.Position, 0, len(l.positions)),
	}
	for _, p := range l.positions {
		s.Positions = append(s.Positions, p)
	}
	model.SortPositions(s.Positions)
	return s
}
