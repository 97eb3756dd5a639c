package marketdata

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/arena-engine/internal/model"
)

func almost(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func linearBars(n int, start, step float64) []model.Bar {
	bars := make([]model.Bar, n)
	for i := range bars {
		c := decimal.NewFromFloat(start + step*float64(i))
		bars[i] = model.Bar{
			Date:  fmtDay(i),
			Open:  c,
			High:  c.Add(decimal.NewFromInt(1)),
			Low:   c.Sub(decimal.NewFromInt(1)),
			Close: c,
		}
	}
	return bars
}

func fmtDay(i int) string {
	return day0.AddDate(0, 0, i).Format(model.SessionDateLayout)
}

func TestPeriodReturn(t *testing.T) {
	closes := []float64{100, 110, 121}
	r := periodReturn(closes, 1)
	if r == nil || !almost(*r, 0.1) {
		t.Errorf("1d return = %v, want 0.1", r)
	}
	r = periodReturn(closes, 2)
	if r == nil || !almost(*r, 0.21) {
		t.Errorf("2d return = %v, want 0.21", r)
	}
	if periodReturn(closes, 3) != nil {
		t.Error("expected nil for insufficient history")
	}
	if periodReturn([]float64{0, 1}, 1) != nil {
		t.Error("expected nil for zero base")
	}
}

func TestVolatility_ConstantGrowthIsZero(t *testing.T) {
	closes := make([]float64, 21)
	closes[0] = 100
	for i := 1; i < len(closes); i++ {
		closes[i] = closes[i-1] * 1.01
	}
	v := volatility(closes, 20)
	if v == nil || *v > 1e-9 {
		t.Errorf("expected ~0 volatility, got %v", v)
	}
	if volatility(closes[:20], 20) != nil {
		t.Error("expected nil with 20 closes")
	}
}

func TestVolatility_SampleStdev(t *testing.T) {
	// Alternating +1% / -1% returns.
	closes := []float64{100}
	for i := 0; i < 20; i++ {
		f := 1.01
		if i%2 == 1 {
			f = 0.99
		}
		closes = append(closes, closes[len(closes)-1]*f)
	}
	v := volatility(closes, 20)
	if v == nil {
		t.Fatal("expected volatility")
	}
	// mean 0, sample variance = 20 × 0.0001 / 19
	want := math.Sqrt(20*0.0001/19) * math.Sqrt(252)
	if math.Abs(*v-want) > 1e-9 {
		t.Errorf("volatility = %v, want %v", *v, want)
	}
}

func TestRSI(t *testing.T) {
	up := make([]float64, 20)
	for i := range up {
		up[i] = float64(100 + i)
	}
	if r := RSI(up, 14); r == nil || *r != 100 {
		t.Errorf("monotonic rise RSI = %v, want 100", r)
	}

	flat := make([]float64, 20)
	for i := range flat {
		flat[i] = 50
	}
	if r := RSI(flat, 14); r == nil || *r != 50 {
		t.Errorf("flat RSI = %v, want 50", r)
	}

	down := make([]float64, 20)
	for i := range down {
		down[i] = float64(100 - i)
	}
	if r := RSI(down, 14); r == nil || *r != 0 {
		t.Errorf("monotonic fall RSI = %v, want 0", r)
	}

	if RSI(up[:14], 14) != nil {
		t.Error("expected nil with fewer than period+1 closes")
	}
}

func TestEMA(t *testing.T) {
	got := EMA([]float64{1, 2, 3}, 3) // alpha 0.5
	want := []float64{1, 1.5, 2.25}
	for i := range want {
		if !almost(got[i], want[i]) {
			t.Errorf("EMA[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestMACD(t *testing.T) {
	closes := make([]float64, 34)
	for i := range closes {
		closes[i] = 100
	}
	if l, _, _ := MACD(closes, 12, 26, 9); l != nil {
		t.Error("expected nil MACD with 34 closes")
	}
	closes = append(closes, 100)
	l, s, h := MACD(closes, 12, 26, 9)
	if l == nil || !almost(*l, 0) || !almost(*s, 0) || !almost(*h, 0) {
		t.Errorf("flat MACD = %v %v %v, want zeros", l, s, h)
	}

	rising := make([]float64, 60)
	for i := range rising {
		rising[i] = float64(100 + i)
	}
	l, _, _ = MACD(rising, 12, 26, 9)
	if l == nil || *l <= 0 {
		t.Errorf("rising MACD line = %v, want positive", l)
	}
}

func TestSMA(t *testing.T) {
	m := SMA([]float64{1, 2, 3, 4}, 2)
	if m == nil || *m != 3.5 {
		t.Errorf("SMA = %v, want 3.5", m)
	}
	if SMA([]float64{1}, 2) != nil {
		t.Error("expected nil")
	}
}

func TestComputeIndicators(t *testing.T) {
	bars := linearBars(300, 100, 1)
	ind := ComputeIndicators(bars)

	for name, v := range map[string]*float64{
		"return_1d": ind.Return1D, "return_60d": ind.Return60D, "volatility": ind.Volatility20D,
		"rsi": ind.RSI14, "macd": ind.MACDLine, "ma20": ind.MA20, "ma50": ind.MA50, "ma200": ind.MA200,
	} {
		if v == nil {
			t.Errorf("%s missing with 300 bars", name)
		}
	}
	// 52-week window is the last 252 bars: closes 148..399, high = close+1.
	if *ind.High52W != 400 || *ind.Low52W != 147 {
		t.Errorf("52w range = %v/%v, want 400/147", *ind.High52W, *ind.Low52W)
	}
	if *ind.MA20 != 389.5 {
		t.Errorf("MA20 = %v, want 389.5", *ind.MA20)
	}

	short := ComputeIndicators(linearBars(10, 100, 1))
	if short.MA20 != nil || short.RSI14 != nil || short.MACDLine != nil || short.Return1D == nil {
		t.Errorf("unexpected indicators for short history: %+v", short)
	}
}
