// Package briefing renders market data and portfolio state into the text
// blocks the LLM stages consume. Rendering is pure: the same inputs always
// produce byte-identical output.
package briefing

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/arena-engine/internal/marketdata"
	"github.com/atmx/arena-engine/internal/model"
)

const (
	heavyRule = "================================================================================"
	lightRule = "────────────────────────────────────────"

	// DefaultHistoryRows is the number of recent bars in the price table.
	DefaultHistoryRows = 10
	maxInsiderRows     = 10
	maxNewsRows        = 10
)

// Builder renders briefings.
type Builder struct {
	HistoryRows int
}

// New returns a Builder with default settings.
func New() *Builder { return &Builder{HistoryRows: DefaultHistoryRows} }

// Session renders every bundle of the set in universe order, separated by
// blank lines.
func (bl *Builder) Session(set *marketdata.Set) string {
	if set == nil || set.Empty() {
		return "No market data provided."
	}
	parts := make([]string, 0, len(set.Tickers))
	for _, t := range set.Tickers {
		parts = append(parts, bl.Ticker(set.Bundles[t]))
	}
	return strings.Join(parts, "\n\n")
}

// Ticker renders one bundle. Sections without data are omitted.
func (bl *Builder) Ticker(b *marketdata.Bundle) string {
	var w strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&w, format, args...)
		w.WriteByte('\n')
	}
	section := func(title string) {
		w.WriteByte('\n')
		line("%s", lightRule)
		line("%s", title)
		line("%s", lightRule)
	}

	header := b.Ticker
	if f := b.Fundamentals; f != nil {
		if f.Name != "" {
			header += " - " + f.Name
		}
		if f.Sector != "" {
			header += " (" + f.Sector + ")"
		}
	}
	line("%s", heavyRule)
	line("MARKET BRIEFING: %s", header)
	line("Session Date: %s", b.AsOf)
	line("%s", heavyRule)

	last, ok := b.LastBar()
	if ok {
		section(fmt.Sprintf("PRICE DATA (Source: %s)", b.Source))
		line("Open: $%s | High: $%s | Low: $%s | Close: $%s",
			last.Open.StringFixed(2), last.High.StringFixed(2), last.Low.StringFixed(2), last.Close.StringFixed(2))
		line("Volume: %s", intComma(last.Volume))
		ind := b.Indicators
		if ind.High52W != nil && ind.Low52W != nil && *ind.High52W > 0 {
			fromHigh := (last.Close.InexactFloat64() - *ind.High52W) / *ind.High52W
			line("52-Week Range: $%.2f - $%.2f (%+.1f%% from high)", *ind.Low52W, *ind.High52W, fromHigh*100)
		}
	}

	bl.returns(b, section, line)
	bl.technicals(b, section, line)

	if f := b.Fundamentals; f != nil {
		bl.fundamentals(f, section, line)
	}

	if e := b.Earnings; e != nil && e.ReportDate != "" {
		section("EARNINGS CALENDAR")
		asOf, err := time.Parse(model.SessionDateLayout, b.AsOf)
		days := -1
		if err == nil {
			days = e.DaysUntil(asOf)
		}
		if days >= 0 {
			line("Next Earnings: %s (%d days away)", e.ReportDate, days)
		} else {
			line("Next Earnings: %s", e.ReportDate)
		}
		if e.Estimate != nil {
			line("EPS Estimate: %.2f %s", *e.Estimate, e.Currency)
		}
	}

	if ins := b.Insider; ins != nil && len(ins.Transactions) > 0 {
		section("INSIDER TRANSACTIONS")
		line("Recent Activity: %s shares bought, %s shares sold (net %s)",
			floatComma(ins.SharesBought), floatComma(ins.SharesSold), signedComma(ins.NetShares()))
		w.WriteByte('\n')
		line("Date       | Insider Name         | Title          | Type | Shares    | Value")
		line("-----------|----------------------|----------------|------|-----------|------------")
		for i, t := range ins.Transactions {
			if i == maxInsiderRows {
				break
			}
			value := "N/A"
			if t.SharePrice != nil && *t.SharePrice > 0 {
				value = "$" + floatComma(t.Shares * *t.SharePrice)
			}
			line("%-10s | %-20s | %-14s | %-4s | %9s | %s",
				clip(t.Date, 10), clip(t.Executive, 20), clip(t.Title, 14), t.Type, floatComma(t.Shares), value)
		}
	}

	if n := b.News; n != nil && len(n.Articles) > 0 {
		section("NEWS WITH SENTIMENT")
		bull, bear, neutral := 0, 0, 0
		for _, a := range n.Articles {
			switch marketdata.SentimentLabel(a.SentimentScore) {
			case "Bullish":
				bull++
			case "Bearish":
				bear++
			default:
				neutral++
			}
		}
		line("Overall Sentiment: %s (score: %+.2f)", n.Label, n.Score)
		line("Article Breakdown: %d bullish, %d bearish, %d neutral", bull, bear, neutral)
		w.WriteByte('\n')
		for i, a := range n.Articles {
			if i == maxNewsRows {
				break
			}
			source := a.Source
			if source == "" {
				source = "Unknown"
			}
			line("[%d] %s [%s: %+.2f]", i+1, source, a.SentimentLabel, a.SentimentScore)
			line("    %q", a.Title)
		}
	}

	if rows := bl.historyRows(); len(b.Bars) > 0 && rows > 0 {
		section("PRICE HISTORY")
		w.WriteByte('\n')
		line("Date       | Open    | High    | Low     | Close   | Volume")
		line("-----------|---------|---------|---------|---------|------------")
		shown := 0
		for i := len(b.Bars) - 1; i >= 0 && shown < rows; i-- {
			bar := b.Bars[i]
			line("%s | %7s | %7s | %7s | %7s | %10s", bar.Date,
				bar.Open.StringFixed(2), bar.High.StringFixed(2), bar.Low.StringFixed(2), bar.Close.StringFixed(2),
				intComma(bar.Volume))
			shown++
		}
		if more := len(b.Bars) - shown; more > 0 {
			line("... (%d more rows)", more)
		}
	}

	for _, warn := range b.Warnings {
		line("Note: %s", warn)
	}
	w.WriteByte('\n')
	w.WriteString(heavyRule)
	return w.String()
}

func (bl *Builder) historyRows() int {
	if bl.HistoryRows <= 0 {
		return DefaultHistoryRows
	}
	return bl.HistoryRows
}

type lineFunc func(format string, args ...any)

func (bl *Builder) returns(b *marketdata.Bundle, section func(string), line lineFunc) {
	ind := b.Indicators
	if ind.Return1D == nil {
		return
	}
	section("RETURNS")
	parts := []string{fmt.Sprintf("1-Day: %s", pct(*ind.Return1D, 2))}
	for _, r := range []struct {
		label string
		v     *float64
	}{{"5-Day", ind.Return5D}, {"20-Day", ind.Return20D}, {"60-Day", ind.Return60D}} {
		if r.v != nil {
			parts = append(parts, fmt.Sprintf("%s: %s", r.label, pct(*r.v, 2)))
		}
	}
	line("%s", strings.Join(parts, " | "))
	if ind.Volatility20D != nil {
		line("Volatility (20-day annualized): %.1f%%", *ind.Volatility20D*100)
	}
}

func (bl *Builder) technicals(b *marketdata.Bundle, section func(string), line lineFunc) {
	ind := b.Indicators
	if ind.RSI14 == nil && ind.MACDLine == nil && ind.MA20 == nil {
		return
	}
	section("TECHNICAL INDICATORS")
	if ind.RSI14 != nil {
		line("RSI (14-period): %.1f", *ind.RSI14)
	}
	if ind.MACDLine != nil {
		line("MACD: Line=%.3f, Signal=%.3f, Histogram=%+.3f", *ind.MACDLine, *ind.MACDSignal, *ind.MACDHistogram)
	}
	var mas []string
	for _, ma := range []struct {
		label string
		v     *float64
	}{{"MA(20)", ind.MA20}, {"MA(50)", ind.MA50}, {"MA(200)", ind.MA200}} {
		if ma.v == nil {
			continue
		}
		s := fmt.Sprintf("%s: $%.2f", ma.label, *ma.v)
		if dist := b.CloseDistance(ma.v); dist != nil {
			s += fmt.Sprintf(" (%+.1f%%)", *dist*100)
		}
		mas = append(mas, s)
	}
	if len(mas) > 0 {
		line("Moving Averages: %s", strings.Join(mas, " | "))
	}
}

func (bl *Builder) fundamentals(f *marketdata.Fundamentals, section func(string), line lineFunc) {
	groups := []struct {
		label string
		parts []string
	}{
		{"Valuation", compact(
			opt(f.MarketCap, func(v float64) string { return "Market Cap: " + bigMoney(v) }),
			opt(f.PERatio, func(v float64) string { return fmt.Sprintf("P/E (TTM): %.1f", v) }),
			opt(f.ForwardPE, func(v float64) string { return fmt.Sprintf("Forward P/E: %.1f", v) }),
			opt(f.AnalystTarget, func(v float64) string { return fmt.Sprintf("Analyst Target: $%.2f", v) }),
		)},
		{"Earnings", compact(
			opt(f.EPS, func(v float64) string { return fmt.Sprintf("EPS (TTM): $%.2f", v) }),
		)},
		{"Profitability", compact(
			opt(f.ProfitMargin, func(v float64) string { return fmt.Sprintf("Profit Margin: %.1f%%", v*100) }),
			opt(f.OperatingMargin, func(v float64) string { return fmt.Sprintf("Operating Margin: %.1f%%", v*100) }),
			opt(f.ReturnOnEquity, func(v float64) string { return fmt.Sprintf("ROE: %.1f%%", v*100) }),
		)},
		{"Financial Health", compact(
			opt(f.DebtToEquity, func(v float64) string { return fmt.Sprintf("Debt/Equity: %.2f", v) }),
			opt(f.DividendYield, func(v float64) string { return fmt.Sprintf("Dividend Yield: %.2f%%", v*100) }),
			opt(f.Beta, func(v float64) string { return fmt.Sprintf("Beta: %.2f", v) }),
		)},
	}

	var lines []string
	if f.Industry != "" {
		lines = append(lines, "Industry: "+f.Industry)
	}
	for _, g := range groups {
		if len(g.parts) > 0 {
			lines = append(lines, g.label+": "+strings.Join(g.parts, " | "))
		}
	}
	if len(lines) == 0 {
		return
	}
	section("FUNDAMENTALS")
	for _, l := range lines {
		line("%s", l)
	}
}

// PortfolioSummary renders cash, positions value, equity and unrealized P&L.
func PortfolioSummary(s model.Snapshot) string {
	return strings.Join([]string{
		"Cash: " + Money(s.Cash),
		"Positions Value: " + Money(s.PositionsValue()),
		"Total Equity: " + Money(s.Equity()),
		"Unrealized P&L: " + Money(s.UnrealizedPnL()),
		"Realized P&L: " + Money(s.RealizedPnL),
	}, "\n")
}

// PositionsSummary renders one line per open position.
func PositionsSummary(s model.Snapshot) string {
	if len(s.Positions) == 0 {
		return "No current positions."
	}
	lines := make([]string, 0, len(s.Positions))
	for _, p := range s.Positions {
		lines = append(lines, fmt.Sprintf("- %s: %d shares @ $%s avg cost, current $%s, P&L %s",
			p.Ticker, p.Qty, p.AvgCost.StringFixed(2), p.CurrentPrice.StringFixed(2), Money(p.UnrealizedPnL())))
	}
	return strings.Join(lines, "\n")
}

// PricesSummary renders reference prices sorted by ticker.
func PricesSummary(prices map[string]decimal.Decimal) string {
	if len(prices) == 0 {
		return "No prices available."
	}
	tickers := make([]string, 0, len(prices))
	for t := range prices {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)
	lines := make([]string, 0, len(tickers))
	for _, t := range tickers {
		lines = append(lines, fmt.Sprintf("- %s: $%s", t, prices[t].StringFixed(2)))
	}
	return strings.Join(lines, "\n")
}

// Money formats a decimal as $1,234.56 (negative as -$1,234.56).
func Money(d decimal.Decimal) string {
	s := d.Abs().StringFixed(2)
	intPart, frac, _ := strings.Cut(s, ".")
	out := "$" + groupDigits(intPart) + "." + frac
	if d.Round(2).IsNegative() {
		return "-" + out
	}
	return out
}

func pct(v float64, prec int) string {
	return fmt.Sprintf("%+.*f%%", prec, v*100)
}

func bigMoney(v float64) string {
	switch {
	case v >= 1e12:
		return fmt.Sprintf("$%.2fT", v/1e12)
	case v >= 1e9:
		return fmt.Sprintf("$%.2fB", v/1e9)
	default:
		return fmt.Sprintf("$%.0fM", v/1e6)
	}
}

func intComma(v int64) string {
	if v < 0 {
		return "-" + groupDigits(fmt.Sprint(-v))
	}
	return groupDigits(fmt.Sprint(v))
}

func floatComma(v float64) string { return intComma(int64(math.Round(v))) }

func signedComma(v float64) string {
	if v > 0 {
		return "+" + floatComma(v)
	}
	return floatComma(v)
}

func groupDigits(s string) string {
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
	}
	for i := pre; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func opt(v *float64, f func(float64) string) string {
	if v == nil {
		return ""
	}
	return f(*v)
}

func compact(parts ...string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
