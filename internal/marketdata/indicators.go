package marketdata

import (
	"math"

	"github.com/atmx/arena-engine/internal/model"
)

// Indicators are derived deterministically from daily closes. Nil fields
// mean the history was too short to compute them.
//
// Technical math runs on float64 and is only ever rendered into prompts;
// prices used for execution stay decimal.
type Indicators struct {
	Return1D      *float64 `json:"return_1d,omitempty"`
	Return5D      *float64 `json:"return_5d,omitempty"`
	Return20D     *float64 `json:"return_20d,omitempty"`
	Return60D     *float64 `json:"return_60d,omitempty"`
	Volatility20D *float64 `json:"volatility_20d,omitempty"` // annualized
	RSI14         *float64 `json:"rsi_14,omitempty"`
	MACDLine      *float64 `json:"macd_line,omitempty"`
	MACDSignal    *float64 `json:"macd_signal,omitempty"`
	MACDHistogram *float64 `json:"macd_histogram,omitempty"`
	MA20          *float64 `json:"ma_20,omitempty"`
	MA50          *float64 `json:"ma_50,omitempty"`
	MA200         *float64 `json:"ma_200,omitempty"`
	High52W       *float64 `json:"high_52w,omitempty"`
	Low52W        *float64 `json:"low_52w,omitempty"`
}

const tradingDaysPerYear = 252

// ComputeIndicators derives returns, volatility, RSI, MACD, moving averages
// and the 52-week range from bars sorted oldest first.
func ComputeIndicators(bars []model.Bar) Indicators {
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close.InexactFloat64()
	}

	var ind Indicators
	ind.Return1D = periodReturn(closes, 1)
	ind.Return5D = periodReturn(closes, 5)
	ind.Return20D = periodReturn(closes, 20)
	ind.Return60D = periodReturn(closes, 60)
	ind.Volatility20D = volatility(closes, 20)
	ind.RSI14 = RSI(closes, 14)
	ind.MACDLine, ind.MACDSignal, ind.MACDHistogram = MACD(closes, 12, 26, 9)
	ind.MA20 = SMA(closes, 20)
	ind.MA50 = SMA(closes, 50)
	ind.MA200 = SMA(closes, 200)

	if len(bars) > 0 {
		window := bars
		if len(window) > tradingDaysPerYear {
			window = window[len(window)-tradingDaysPerYear:]
		}
		hi, lo := math.Inf(-1), math.Inf(1)
		for _, b := range window {
			hi = math.Max(hi, b.High.InexactFloat64())
			lo = math.Min(lo, b.Low.InexactFloat64())
		}
		ind.High52W, ind.Low52W = &hi, &lo
	}
	return ind
}

func periodReturn(closes []float64, n int) *float64 {
	if len(closes) < n+1 {
		return nil
	}
	past := closes[len(closes)-1-n]
	if past == 0 {
		return nil
	}
	r := (closes[len(closes)-1] - past) / past
	return &r
}

// volatility is the sample standard deviation of the last n daily returns,
// annualized with √252.
func volatility(closes []float64, n int) *float64 {
	if len(closes) < n+1 || n < 2 {
		return nil
	}
	rets := make([]float64, 0, n)
	for i := len(closes) - n; i < len(closes); i++ {
		if closes[i-1] == 0 {
			return nil
		}
		rets = append(rets, closes[i]/closes[i-1]-1)
	}
	v := stdev(rets) * math.Sqrt(tradingDaysPerYear)
	return &v
}

func stdev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

// SMA is the mean of the last n values.
func SMA(xs []float64, n int) *float64 {
	if n <= 0 || len(xs) < n {
		return nil
	}
	var sum float64
	for _, x := range xs[len(xs)-n:] {
		sum += x
	}
	m := sum / float64(n)
	return &m
}

// EMA returns the exponential moving average series with alpha = 2/(span+1),
// seeded with the first value.
func EMA(xs []float64, span int) []float64 {
	if len(xs) == 0 || span <= 0 {
		return nil
	}
	alpha := 2 / (float64(span) + 1)
	out := make([]float64, len(xs))
	out[0] = xs[0]
	for i := 1; i < len(xs); i++ {
		out[i] = alpha*xs[i] + (1-alpha)*out[i-1]
	}
	return out
}

// RSI uses Wilder smoothing (alpha = 1/period) of gains and losses.
func RSI(closes []float64, period int) *float64 {
	if period <= 0 || len(closes) < period+1 {
		return nil
	}
	alpha := 1 / float64(period)
	var avgGain, avgLoss float64
	for i := 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		gain, loss := math.Max(delta, 0), math.Max(-delta, 0)
		if i == 1 {
			avgGain, avgLoss = gain, loss
			continue
		}
		avgGain += alpha * (gain - avgGain)
		avgLoss += alpha * (loss - avgLoss)
	}

	var rsi float64
	switch {
	case avgLoss == 0 && avgGain == 0:
		rsi = 50
	case avgLoss == 0:
		rsi = 100
	default:
		rsi = 100 - 100/(1+avgGain/avgLoss)
	}
	return &rsi
}

// MACD returns line, signal and histogram for the latest bar.
func MACD(closes []float64, fast, slow, signal int) (*float64, *float64, *float64) {
	if len(closes) < slow+signal {
		return nil, nil, nil
	}
	ef, es := EMA(closes, fast), EMA(closes, slow)
	line := make([]float64, len(closes))
	for i := range closes {
		line[i] = ef[i] - es[i]
	}
	sig := EMA(line, signal)
	l, s := line[len(line)-1], sig[len(sig)-1]
	h := l - s
	return &l, &s, &h
}
