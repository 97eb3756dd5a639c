package export

import (
	"math"

	"github.com/shopspring/decimal"
)

const tradingDays = 252

// Performance summarizes an equity curve.
type Performance struct {
	TotalReturn decimal.Decimal // fraction, e.g. 0.05 for +5%
	MaxDrawdown decimal.Decimal // positive fraction
	Volatility  *float64        // annualized; nil with fewer than two points
	Sharpe      *float64        // annualized, zero risk-free rate; nil when volatility is zero
	Turnover    *float64        // traded notional / mean equity
}

// Compute derives performance from equity values in time order and the
// total notional traded over the same period.
func Compute(curve []decimal.Decimal, traded decimal.Decimal) Performance {
	var p Performance
	if len(curve) == 0 {
		return p
	}

	start, end := curve[0], curve[len(curve)-1]
	if start.IsPositive() {
		p.TotalReturn = end.Sub(start).Div(start)
	}
	p.MaxDrawdown = MaxDrawdown(curve)

	mean := decimal.Zero
	for _, e := range curve {
		mean = mean.Add(e)
	}
	mean = mean.Div(decimal.NewFromInt(int64(len(curve))))
	if mean.IsPositive() {
		t := traded.Div(mean).InexactFloat64()
		p.Turnover = &t
	}

	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1]
		if !prev.IsPositive() {
			continue
		}
		returns = append(returns, curve[i].Sub(prev).Div(prev).InexactFloat64())
	}
	if len(returns) == 0 {
		return p
	}

	avg, sd := meanStd(returns)
	vol := sd * math.Sqrt(tradingDays)
	p.Volatility = &vol
	if vol > 0 {
		sharpe := avg * tradingDays / vol
		p.Sharpe = &sharpe
	}
	return p
}

// MaxDrawdown is the largest peak-to-trough decline as a positive fraction.
func MaxDrawdown(curve []decimal.Decimal) decimal.Decimal {
	worst := decimal.Zero
	if len(curve) < 2 {
		return worst
	}
	peak := curve[0]
	for _, e := range curve {
		if e.GreaterThan(peak) {
			peak = e
		}
		if !peak.IsPositive() {
			continue
		}
		if dd := peak.Sub(e).Div(peak); dd.GreaterThan(worst) {
			worst = dd
		}
	}
	return worst
}

// meanStd returns the mean and population standard deviation.
func meanStd(xs []float64) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}
