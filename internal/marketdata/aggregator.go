package marketdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/arena-engine/internal/model"
)

// Sources are the capabilities the aggregator can use. Prices is required
// and tried in order; the others are optional and may be nil.
type Sources struct {
	Prices       []PriceSource
	Fundamentals FundamentalsSource
	Earnings     EarningsSource
	Insider      InsiderSource
	News         NewsSource
}

// Options bound the work done per session.
type Options struct {
	HistoryDays  int
	InsiderLimit int
	NewsLimit    int
	Timeout      time.Duration // per source call
	Concurrency  int           // tickers fetched in parallel
}

// Instrument is one ticker of the universe with its market.
type Instrument struct {
	Ticker string
	Market model.MarketType
}

// Set is the market data for one session. It is built once and shared
// read-only by every competitor.
type Set struct {
	Session  model.Session
	Bundles  map[string]*Bundle
	Tickers  []string          // universe order, fetched tickers only
	Excluded map[string]string // ticker -> reason
}

// Bundle returns the bundle for ticker.
func (s *Set) Bundle(ticker string) (*Bundle, bool) {
	b, ok := s.Bundles[ticker]
	return b, ok
}

// Prices returns the reference price of every fetched ticker.
func (s *Set) Prices() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(s.Bundles))
	for t, b := range s.Bundles {
		if px, ok := b.ReferencePrice(s.Session); ok {
			out[t] = px
		}
	}
	return out
}

// Empty reports whether no ticker could be fetched.
func (s *Set) Empty() bool { return len(s.Tickers) == 0 }

// Aggregator assembles Bundles from Sources.
type Aggregator struct {
	src  Sources
	opts Options

	// OnError observes every source failure, including optional ones.
	OnError func(source string, err error)
}

// NewAggregator creates an aggregator.
func NewAggregator(src Sources, opts Options) *Aggregator {
	if opts.HistoryDays <= 0 {
		opts.HistoryDays = 250
	}
	if opts.InsiderLimit <= 0 {
		opts.InsiderLimit = 10
	}
	if opts.NewsLimit <= 0 {
		opts.NewsLimit = 20
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Aggregator{src: src, opts: opts}
}

// Fetch builds the Set for a session. A ticker whose prices cannot be
// fetched is excluded and recorded in Excluded; optional context failures
// become bundle warnings. Fetch only fails when ctx is done.
func (a *Aggregator) Fetch(ctx context.Context, session model.Session, universe []Instrument) (*Set, error) {
	asOf, err := time.Parse(model.SessionDateLayout, session.Date)
	if err != nil {
		return nil, fmt.Errorf("marketdata: session date: %w", err)
	}

	set := &Set{
		Session:  session,
		Bundles:  make(map[string]*Bundle, len(universe)),
		Excluded: make(map[string]string),
	}
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(a.opts.Concurrency)

	for _, inst := range universe {
		g.Go(func() error {
			b, err := a.bundle(ctx, inst, session.Date, asOf)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				set.Excluded[inst.Ticker] = err.Error()
				slog.Warn("ticker excluded", "ticker", inst.Ticker, "session", session.Key(), "error", err)
				return nil
			}
			set.Bundles[inst.Ticker] = b
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, inst := range universe {
		if _, ok := set.Bundles[inst.Ticker]; ok {
			set.Tickers = append(set.Tickers, inst.Ticker)
		}
	}
	return set, nil
}

func (a *Aggregator) bundle(ctx context.Context, inst Instrument, date string, asOf time.Time) (*Bundle, error) {
	bars, source, err := a.bars(ctx, inst)
	if err != nil {
		return nil, err
	}

	// Never let data from after the session date leak into a briefing.
	cut := len(bars)
	for cut > 0 && bars[cut-1].Date > date {
		cut--
	}
	bars = bars[:cut]
	if len(bars) > a.opts.HistoryDays {
		bars = bars[len(bars)-a.opts.HistoryDays:]
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: no bars on or before %s", ErrNoData, date)
	}

	b := &Bundle{
		Ticker:     inst.Ticker,
		Market:     inst.Market,
		AsOf:       date,
		Bars:       bars,
		Indicators: ComputeIndicators(bars),
		Source:     source,
	}

	warn := func(what string, err error) {
		if !errors.Is(err, ErrNoData) {
			a.observe(what, err)
		}
		b.Warnings = append(b.Warnings, fmt.Sprintf("%s unavailable: %v", what, err))
	}

	// Fundamentals, earnings and insider filings are US-only endpoints.
	if inst.Market == model.MarketUSEquity {
		if a.src.Fundamentals != nil {
			if f, err := call(ctx, a.opts.Timeout, func(ctx context.Context) (*Fundamentals, error) {
				return a.src.Fundamentals.Fundamentals(ctx, inst.Ticker)
			}); err != nil {
				warn("fundamentals", err)
			} else {
				b.Fundamentals = f
			}
		}
		if a.src.Earnings != nil {
			if e, err := call(ctx, a.opts.Timeout, func(ctx context.Context) (*Earnings, error) {
				return a.src.Earnings.NextEarnings(ctx, inst.Ticker)
			}); err != nil {
				warn("earnings", err)
			} else {
				b.Earnings = e
			}
		}
		if a.src.Insider != nil {
			if ins, err := call(ctx, a.opts.Timeout, func(ctx context.Context) (*InsiderActivity, error) {
				return a.src.Insider.InsiderActivity(ctx, inst.Ticker, a.opts.InsiderLimit)
			}); err != nil {
				warn("insider", err)
			} else {
				b.Insider = ins
			}
		}
	}
	if a.src.News != nil {
		if n, err := call(ctx, a.opts.Timeout, func(ctx context.Context) (*NewsSentiment, error) {
			return a.src.News.NewsSentiment(ctx, inst.Ticker, asOf, a.opts.NewsLimit)
		}); err != nil {
			warn("news", err)
		} else {
			b.News = n
		}
	}
	return b, nil
}

// bars tries each price source in order and returns the first success.
func (a *Aggregator) bars(ctx context.Context, inst Instrument) ([]model.Bar, string, error) {
	if len(a.src.Prices) == 0 {
		return nil, "", fmt.Errorf("%w: no price source configured", ErrNoData)
	}
	var errs []error
	for _, src := range a.src.Prices {
		bars, err := call(ctx, a.opts.Timeout, func(ctx context.Context) ([]model.Bar, error) {
			return src.DailyBars(ctx, inst.Ticker, inst.Market)
		})
		if err == nil && len(bars) > 0 {
			return bars, src.Name(), nil
		}
		if err == nil {
			err = ErrNoData
		}
		a.observe(src.Name(), err)
		errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
	}
	return nil, "", errors.Join(errs...)
}

func (a *Aggregator) observe(source string, err error) {
	if a.OnError != nil {
		a.OnError(source, err)
	}
}

func call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
