package broker

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/arena-engine/internal/model"
)

var (
	// ErrInvalidBps is returned when slippage or fee basis points are negative.
	ErrInvalidBps = errors.New("broker: basis points must be non-negative")

	// ErrInvalidPrice is returned when the reference price is not positive.
	ErrInvalidPrice = errors.New("broker: reference price must be positive")

	// ErrNotTriggered is returned for LIMIT/STOP orders that are not
	// marketable at the reference price.
	ErrNotTriggered = errors.New("broker: order not triggered at reference price")

	// ErrMissingTriggerPrice is returned for LIMIT/STOP orders without their price.
	ErrMissingTriggerPrice = errors.New("broker: limit/stop order without trigger price")
)

// bpsShift converts basis points to a fraction by moving the decimal point.
// Shifting is exact, unlike division.
const bpsShift int32 = -4

// FillEngine prices executions: adverse slippage on the reference price and
// proportional fees on notional. It is stateless.
type FillEngine struct {
	slippageBps decimal.Decimal
	feeBps      decimal.Decimal
}

// NewFillEngine creates a fill engine. 10 bps = 0.1%.
func NewFillEngine(slippageBps, feeBps decimal.Decimal) (*FillEngine, error) {
	if slippageBps.IsNegative() || feeBps.IsNegative() {
		return nil, ErrInvalidBps
	}
	return &FillEngine{slippageBps: slippageBps, feeBps: feeBps}, nil
}

// FillPrice applies slippage against the trader:
//
//	BUY:  ref × (1 + slippage_bps/10000)
//	SELL: ref × (1 − slippage_bps/10000)
func (e *FillEngine) FillPrice(side model.OrderSide, ref decimal.Decimal) decimal.Decimal {
	adj := e.slippageBps.Shift(bpsShift)
	if side == model.SideSell {
		adj = adj.Neg()
	}
	return ref.Mul(decimal.NewFromInt(1).Add(adj))
}

// Fees returns notional × fee_bps/10000.
func (e *FillEngine) Fees(notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(e.feeBps).Shift(bpsShift)
}

// Quote is the priced outcome of one order before it touches the portfolio.
type Quote struct {
	FillPrice decimal.Decimal
	Notional  decimal.Decimal // qty × fill price, exact
	Fees      decimal.Decimal
	Slippage  decimal.Decimal // qty × |fill price − ref|
}

// Price validates the trigger condition and computes the execution values
// for order at reference price ref.
func (e *FillEngine) Price(order model.Order, ref decimal.Decimal) (Quote, error) {
	if !ref.IsPositive() {
		return Quote{}, fmt.Errorf("%w: %s", ErrInvalidPrice, ref)
	}
	if err := CheckTrigger(order, ref); err != nil {
		return Quote{}, err
	}

	fill := e.FillPrice(order.Side, ref)
	qty := decimal.NewFromInt(order.Qty)
	notional := qty.Mul(fill)
	return Quote{
		FillPrice: fill,
		Notional:  notional,
		Fees:      e.Fees(notional),
		Slippage:  qty.Mul(fill.Sub(ref).Abs()),
	}, nil
}

// CheckTrigger reports whether a LIMIT or STOP order is executable at ref.
// MARKET orders always are.
//
//	LIMIT BUY  fills when ref ≤ limit; LIMIT SELL when ref ≥ limit.
//	STOP  BUY  fires when ref ≥ stop;  STOP  SELL when ref ≤ stop.
func CheckTrigger(order model.Order, ref decimal.Decimal) error {
	switch order.OrderType {
	case model.OrderLimit:
		if order.LimitPrice == nil {
			return ErrMissingTriggerPrice
		}
		lim := *order.LimitPrice
		if order.Side == model.SideBuy && ref.GreaterThan(lim) ||
			order.Side == model.SideSell && ref.LessThan(lim) {
			return fmt.Errorf("%w: %s limit %s, ref %s", ErrNotTriggered, order.Side, lim, ref)
		}
	case model.OrderStop:
		if order.StopPrice == nil {
			return ErrMissingTriggerPrice
		}
		stop := *order.StopPrice
		if order.Side == model.SideBuy && ref.LessThan(stop) ||
			order.Side == model.SideSell && ref.GreaterThan(stop) {
			return fmt.Errorf("%w: %s stop %s, ref %s", ErrNotTriggered, order.Side, stop, ref)
		}
	}
	return nil
}
