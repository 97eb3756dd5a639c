// Package risk enforces the hard trading constraints on a Risk Guard plan
// after it has been parsed.
//
// Orders are evaluated in the sequence the plan lists them. An offending
// order is dropped and later orders are evaluated against the projected
// portfolio left by the orders accepted so far. Once the per-session cap is
// reached every remaining order is dropped, so the cap keeps the first
// accepted orders.
package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/arena-engine/internal/model"
)

var (
	// ErrUnknownTicker is returned for an order whose ticker has no
	// proposal in the session's StrategistProposal.
	ErrUnknownTicker = errors.New("risk: order ticker not in strategist proposal")

	// ErrLowConfidence is returned when the backing proposal's confidence
	// is below the configured threshold.
	ErrLowConfidence = errors.New("risk: proposal confidence below threshold")

	// ErrActionMismatch is returned when the order side contradicts the
	// proposal action (including orders for HOLD proposals).
	ErrActionMismatch = errors.New("risk: order side does not match proposed action")

	// ErrOrderCapExceeded is returned for orders past the per-session cap.
	ErrOrderCapExceeded = errors.New("risk: max orders per session exceeded")

	// ErrPositionLimitExceeded is returned when the resulting position would
	// be worth more than the configured share of equity.
	ErrPositionLimitExceeded = errors.New("risk: position limit exceeded")

	// ErrInvalidOrder is returned for malformed orders.
	ErrInvalidOrder = errors.New("risk: invalid order")

	// ErrNoPrice is returned when no reference price exists for sizing.
	ErrNoPrice = errors.New("risk: no reference price")
)

// Pricer estimates execution costs. *broker.FillEngine satisfies it.
type Pricer interface {
	FillPrice(side model.OrderSide, ref decimal.Decimal) decimal.Decimal
	Fees(notional decimal.Decimal) decimal.Decimal
}

// Limits are the static per-competitor constraints.
type Limits struct {
	MinConfidence  float64
	MaxOrders      int
	MaxPositionPct decimal.Decimal // fraction of equity, e.g. 0.25
}

// PositionLimiter validates Risk Guard orders against Limits.
type PositionLimiter struct {
	Limits Limits
	pricer Pricer
}

// NewPositionLimiter creates a limiter. A nil pricer projects at the
// reference price with no fees.
func NewPositionLimiter(limits Limits, pricer Pricer) *PositionLimiter {
	if limits.MaxOrders < 0 {
		limits.MaxOrders = 0
	}
	return &PositionLimiter{Limits: limits, pricer: pricer}
}

// Violation is a dropped order with the reason.
type Violation struct {
	Index  int
	Order  model.Order
	Reason error
}

func (v Violation) Error() string {
	return fmt.Sprintf("dropped order %d (%s %d %s): %v", v.Index, v.Order.Side, v.Order.Qty, v.Order.Ticker, v.Reason)
}

// Enforce returns the orders that satisfy every constraint, and the
// violations for the ones it dropped. The input plan is not modified.
func (l *PositionLimiter) Enforce(
	plan model.TradePlan,
	proposal *model.StrategistProposal,
	state model.Snapshot,
	prices map[string]decimal.Decimal,
) ([]model.Order, []Violation) {
	book := project(state, prices)
	kept := make([]model.Order, 0, len(plan.Orders))
	var dropped []Violation

	for i, o := range plan.Orders {
		var err error
		if len(kept) >= l.Limits.MaxOrders {
			err = ErrOrderCapExceeded
		} else {
			err = l.CheckOrder(o, proposal, book, prices)
		}
		if err != nil {
			dropped = append(dropped, Violation{Index: i, Order: o, Reason: err})
			continue
		}
		book.apply(o, prices[o.Ticker], l.pricer)
		kept = append(kept, o)
	}
	return kept, dropped
}

// CheckOrder validates a single order against the proposal and the
// projected book. It does not mutate the book.
func (l *PositionLimiter) CheckOrder(
	o model.Order,
	proposal *model.StrategistProposal,
	book *Book,
	prices map[string]decimal.Decimal,
) error {
	if o.Qty <= 0 || !o.Side.Valid() || !o.OrderType.Valid() {
		return ErrInvalidOrder
	}

	// 1. Provenance: every order must trace back to a proposal.
	if proposal == nil {
		return ErrUnknownTicker
	}
	tp, ok := proposal.Proposal(o.Ticker)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTicker, o.Ticker)
	}

	// 2. Confidence threshold.
	if tp.Confidence < l.Limits.MinConfidence {
		return fmt.Errorf("%w: %s %.2f < %.2f", ErrLowConfidence, o.Ticker, tp.Confidence, l.Limits.MinConfidence)
	}

	// 3. Direction.
	if string(tp.Action) != string(o.Side) {
		return fmt.Errorf("%w: %s proposed %s, order %s", ErrActionMismatch, o.Ticker, tp.Action, o.Side)
	}

	// 4. Position size relative to projected equity.
	ref, ok := prices[o.Ticker]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPrice, o.Ticker)
	}
	return l.CheckLimit(o, ref, book)
}

// CheckLimit verifies that after o executes at ref, the absolute value of the
// ticker's position is within MaxPositionPct of projected equity. Orders that
// shrink a position always pass.
func (l *PositionLimiter) CheckLimit(o model.Order, ref decimal.Decimal, book *Book) error {
	if !l.Limits.MaxPositionPct.IsPositive() {
		return nil
	}
	after := book.clone()
	after.apply(o, ref, l.pricer)

	cur := abs64(book.qty[o.Ticker])
	next := abs64(after.qty[o.Ticker])
	if next <= cur {
		return nil
	}

	value := decimal.NewFromInt(next).Mul(ref)
	limit := after.equity().Mul(l.Limits.MaxPositionPct)
	if value.GreaterThan(limit) {
		return fmt.Errorf("%w: %s would be %s of max %s", ErrPositionLimitExceeded, o.Ticker,
			value.StringFixed(2), limit.StringFixed(2))
	}
	return nil
}

// Book is a projected portfolio used for sizing checks.
type Book struct {
	cash   decimal.Decimal
	qty    map[string]int64
	prices map[string]decimal.Decimal
}

func project(s model.Snapshot, prices map[string]decimal.Decimal) *Book {
	b := &Book{cash: s.Cash, qty: make(map[string]int64), prices: make(map[string]decimal.Decimal)}
	for _, p := range s.Positions {
		b.qty[p.Ticker] = p.Qty
		b.prices[p.Ticker] = p.CurrentPrice
	}
	for t, px := range prices {
		b.prices[t] = px
	}
	return b
}

// NewBook projects a snapshot marked at prices.
func NewBook(s model.Snapshot, prices map[string]decimal.Decimal) *Book {
	return project(s, prices)
}

func (b *Book) clone() *Book {
	c := &Book{cash: b.cash, qty: make(map[string]int64, len(b.qty)), prices: b.prices}
	for t, q := range b.qty {
		c.qty[t] = q
	}
	return c
}

func (b *Book) apply(o model.Order, ref decimal.Decimal, pricer Pricer) {
	fill := ref
	if pricer != nil {
		fill = pricer.FillPrice(o.Side, ref)
	}
	notional := decimal.NewFromInt(o.Qty).Mul(fill)
	fees := decimal.Zero
	if pricer != nil {
		fees = pricer.Fees(notional)
	}
	if o.Side == model.SideBuy {
		b.qty[o.Ticker] += o.Qty
		b.cash = b.cash.Sub(notional).Sub(fees)
	} else {
		b.qty[o.Ticker] -= o.Qty
		b.cash = b.cash.Add(notional).Sub(fees)
	}
}

func (b *Book) equity() decimal.Decimal {
	total := b.cash
	for t, q := range b.qty {
		total = total.Add(decimal.NewFromInt(q).Mul(b.prices[t]))
	}
	return total
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
