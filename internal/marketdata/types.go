// Package marketdata fetches prices and context for the ticker universe and
// assembles one immutable Bundle per ticker per session.
package marketdata

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/arena-engine/internal/model"
)

var (
	// ErrNoData is returned when a source has nothing for the ticker.
	ErrNoData = errors.New("marketdata: no data")

	// ErrRateLimited is returned when the provider throttled the request.
	ErrRateLimited = errors.New("marketdata: rate limited")

	// ErrProvider wraps provider-reported errors.
	ErrProvider = errors.New("marketdata: provider error")

	// ErrUnsupported is returned when a source does not cover a market.
	ErrUnsupported = errors.New("marketdata: unsupported market")
)

// PriceSource returns daily bars sorted oldest first.
type PriceSource interface {
	Name() string
	DailyBars(ctx context.Context, ticker string, market model.MarketType) ([]model.Bar, error)
}

// FundamentalsSource returns the company overview for an equity.
type FundamentalsSource interface {
	Fundamentals(ctx context.Context, ticker string) (*Fundamentals, error)
}

// EarningsSource returns the next scheduled earnings report.
type EarningsSource interface {
	NextEarnings(ctx context.Context, ticker string) (*Earnings, error)
}

// InsiderSource returns recent insider transactions, newest first.
type InsiderSource interface {
	InsiderActivity(ctx context.Context, ticker string, limit int) (*InsiderActivity, error)
}

// NewsSource returns news with sentiment for the ticker published in the
// week before asOf.
type NewsSource interface {
	NewsSentiment(ctx context.Context, ticker string, asOf time.Time, limit int) (*NewsSentiment, error)
}

// Fundamentals is the company overview. Missing values are nil.
type Fundamentals struct {
	Name            string   `json:"name,omitempty"`
	Sector          string   `json:"sector,omitempty"`
	Industry        string   `json:"industry,omitempty"`
	MarketCap       *float64 `json:"market_cap,omitempty"`
	PERatio         *float64 `json:"pe_ratio,omitempty"`
	ForwardPE       *float64 `json:"forward_pe,omitempty"`
	EPS             *float64 `json:"eps,omitempty"`
	ProfitMargin    *float64 `json:"profit_margin,omitempty"`
	OperatingMargin *float64 `json:"operating_margin,omitempty"`
	ReturnOnEquity  *float64 `json:"return_on_equity,omitempty"`
	DebtToEquity    *float64 `json:"debt_to_equity,omitempty"`
	DividendYield   *float64 `json:"dividend_yield,omitempty"`
	Beta            *float64 `json:"beta,omitempty"`
	AnalystTarget   *float64 `json:"analyst_target,omitempty"`
	High52W         *float64 `json:"high_52w,omitempty"`
	Low52W          *float64 `json:"low_52w,omitempty"`
}

// Earnings is the next scheduled report.
type Earnings struct {
	ReportDate       string   `json:"report_date"`
	FiscalDateEnding string   `json:"fiscal_date_ending,omitempty"`
	Estimate         *float64 `json:"estimate,omitempty"`
	Currency         string   `json:"currency,omitempty"`
}

// DaysUntil returns the number of calendar days from asOf to the report,
// or -1 when the date cannot be parsed.
func (e Earnings) DaysUntil(asOf time.Time) int {
	t, err := time.Parse(model.SessionDateLayout, e.ReportDate)
	if err != nil {
		return -1
	}
	from := time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, time.UTC)
	return int(t.Sub(from).Hours() / 24)
}

// InsiderTransaction is one reported insider trade.
type InsiderTransaction struct {
	Date       string   `json:"date"`
	Executive  string   `json:"executive"`
	Title      string   `json:"title,omitempty"`
	Type       string   `json:"type"` // A (acquisition) or D (disposal)
	Shares     float64  `json:"shares"`
	SharePrice *float64 `json:"share_price,omitempty"`
}

// InsiderActivity summarizes recent insider transactions.
type InsiderActivity struct {
	Transactions []InsiderTransaction `json:"transactions"`
	SharesBought float64              `json:"shares_bought"`
	SharesSold   float64              `json:"shares_sold"`
}

// NetShares is bought minus sold.
func (a InsiderActivity) NetShares() float64 { return a.SharesBought - a.SharesSold }

// Summarize recomputes the bought/sold totals from Transactions.
func (a *InsiderActivity) Summarize() {
	a.SharesBought, a.SharesSold = 0, 0
	for _, t := range a.Transactions {
		switch t.Type {
		case "A":
			a.SharesBought += t.Shares
		case "D":
			a.SharesSold += t.Shares
		}
	}
}

// Article is one news item with its ticker-specific sentiment.
type Article struct {
	Title          string  `json:"title"`
	Source         string  `json:"source,omitempty"`
	Published      string  `json:"published,omitempty"`
	Relevance      float64 `json:"relevance"`
	SentimentScore float64 `json:"sentiment_score"`
	SentimentLabel string  `json:"sentiment_label,omitempty"`
}

// NewsSentiment aggregates articles into a relevance-weighted score.
type NewsSentiment struct {
	Articles []Article `json:"articles"`
	Score    float64   `json:"score"`
	Label    string    `json:"label"`
}

const (
	bullishThreshold = 0.15
	bearishThreshold = -0.15
)

// SentimentLabel classifies a score.
func SentimentLabel(score float64) string {
	switch {
	case score > bullishThreshold:
		return "Bullish"
	case score < bearishThreshold:
		return "Bearish"
	default:
		return "Neutral"
	}
}

// Aggregate computes Score and Label from Articles, weighting by relevance
// when any is reported.
func (n *NewsSentiment) Aggregate() {
	var weighted, weights float64
	for _, a := range n.Articles {
		weighted += a.SentimentScore * a.Relevance
		weights += a.Relevance
	}
	n.Score = 0
	switch {
	case weights > 0:
		n.Score = weighted / weights
	case len(n.Articles) > 0:
		var sum float64
		for _, a := range n.Articles {
			sum += a.SentimentScore
		}
		n.Score = sum / float64(len(n.Articles))
	}
	n.Label = SentimentLabel(n.Score)
}

// Bundle is everything known about one ticker for one session. Bundles are
// shared read-only across competitors.
type Bundle struct {
	Ticker       string           `json:"ticker"`
	Market       model.MarketType `json:"market"`
	AsOf         string           `json:"as_of"`
	Bars         []model.Bar      `json:"bars"`
	Indicators   Indicators       `json:"indicators"`
	Fundamentals *Fundamentals    `json:"fundamentals,omitempty"`
	Earnings     *Earnings        `json:"earnings,omitempty"`
	Insider      *InsiderActivity `json:"insider,omitempty"`
	News         *NewsSentiment   `json:"news,omitempty"`
	Source       string           `json:"source"`
	Warnings     []string         `json:"warnings,omitempty"`
}

// LastBar returns the most recent bar.
func (b *Bundle) LastBar() (model.Bar, bool) {
	if len(b.Bars) == 0 {
		return model.Bar{}, false
	}
	return b.Bars[len(b.Bars)-1], true
}

// PrevBar returns the bar before the most recent one.
func (b *Bundle) PrevBar() (model.Bar, bool) {
	if len(b.Bars) < 2 {
		return model.Bar{}, false
	}
	return b.Bars[len(b.Bars)-2], true
}

// ReferencePrice is the execution reference for the session. OPEN uses the
// open of the bar dated on the session date, falling back to the latest
// close; CLOSE uses the latest close.
func (b *Bundle) ReferencePrice(s model.Session) (decimal.Decimal, bool) {
	last, ok := b.LastBar()
	if !ok {
		return decimal.Zero, false
	}
	if s.Type == model.SessionOpen && last.Date == s.Date && last.Open.IsPositive() {
		return last.Open, true
	}
	return last.Close, last.Close.IsPositive()
}

// CloseDistance returns (close - ma) / ma for the latest close, or nil.
func (b *Bundle) CloseDistance(ma *float64) *float64 {
	last, ok := b.LastBar()
	if !ok || ma == nil || *ma == 0 {
		return nil
	}
	v := (last.Close.InexactFloat64() - *ma) / *ma
	return &v
}
