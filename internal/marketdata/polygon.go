package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/arena-engine/internal/model"
)

const polygonURL = "https://api.polygon.io"

// PolygonConfig configures the Polygon aggregates client.
type PolygonConfig struct {
	APIKey            string
	BaseURL           string
	RequestsPerMinute int
	HistoryDays       int
	MaxRetries        int
	BackoffBase       time.Duration
	Timeout           time.Duration
}

// Polygon is a PriceSource backed by the v2 aggregates endpoint.
type Polygon struct {
	cfg     PolygonConfig
	http    *http.Client
	limiter *rate.Limiter
	cache   *Cache
	now     func() time.Time
}

// NewPolygon creates a client. cache may be nil.
func NewPolygon(cfg PolygonConfig, cache *Cache) (*Polygon, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("marketdata: polygon api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = polygonURL
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 5
	}
	if cfg.HistoryDays <= 0 {
		cfg.HistoryDays = 250
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Polygon{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60), 1),
		cache:   cache,
		now:     time.Now,
	}, nil
}

func (p *Polygon) Name() string { return "polygon" }

// PolygonSymbol converts BTC-USD to X:BTCUSD; equities pass through.
func PolygonSymbol(t model.Ticker) string {
	if t.IsPair() {
		return "X:" + t.Base + t.Quote
	}
	return t.Symbol
}

// DailyBars fetches adjusted daily aggregates covering HistoryDays trading
// days (approximated as calendar days × 1.5).
func (p *Polygon) DailyBars(ctx context.Context, ticker string, market model.MarketType) ([]model.Bar, error) {
	t, err := model.ParseTicker(ticker)
	if err != nil {
		return nil, err
	}
	if market == model.MarketCrypto && !t.IsPair() {
		t.Quote = "USD"
	}
	if market == model.MarketSGEquity || t.IsSGX() {
		return nil, fmt.Errorf("%w: polygon does not cover SGX (%s)", ErrNoData, ticker)
	}

	to := p.now().UTC()
	from := to.AddDate(0, 0, -(p.cfg.HistoryDays*3/2 + 7))
	path := fmt.Sprintf("%s/v2/aggs/ticker/%s/range/1/day/%s/%s", p.cfg.BaseURL,
		url.PathEscape(PolygonSymbol(t)), from.Format(model.SessionDateLayout), to.Format(model.SessionDateLayout))
	q := url.Values{"adjusted": {"true"}, "sort": {"asc"}, "limit": {"50000"}}

	key := "polygon:" + path + "?" + q.Encode()
	if v, ok := p.cache.Get(key); ok {
		return v.([]model.Bar), nil
	}
	q.Set("apiKey", p.cfg.APIKey)

	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.cfg.BackoffBase * time.Duration(1<<(attempt-1))):
			}
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		bars, retry, err := p.fetch(ctx, path+"?"+q.Encode())
		if err == nil {
			if len(bars) == 0 {
				return nil, fmt.Errorf("%w: %s", ErrNoData, ticker)
			}
			p.cache.Set(key, bars)
			return bars, nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return nil, lastErr
}

func (p *Polygon) fetch(ctx context.Context, reqURL string) ([]model.Bar, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, ErrRateLimited
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("%w: HTTP %d", ErrProvider, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, false, fmt.Errorf("%w: HTTP %d: %s", ErrProvider, resp.StatusCode, body)
	}

	var out struct {
		Status  string `json:"status"`
		Error   string `json:"error"`
		Results []struct {
			O float64 `json:"o"`
			H float64 `json:"h"`
			L float64 `json:"l"`
			C float64 `json:"c"`
			V float64 `json:"v"`
			T int64   `json:"t"` // unix ms, bar start
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, false, fmt.Errorf("%w: decode aggregates: %v", ErrProvider, err)
	}
	if out.Status == "ERROR" {
		return nil, false, fmt.Errorf("%w: %s", ErrProvider, out.Error)
	}

	bars := make([]model.Bar, 0, len(out.Results))
	for _, r := range out.Results {
		bars = append(bars, model.Bar{
			Date:   time.UnixMilli(r.T).UTC().Format(model.SessionDateLayout),
			Open:   decimal.NewFromFloat(r.O),
			High:   decimal.NewFromFloat(r.H),
			Low:    decimal.NewFromFloat(r.L),
			Close:  decimal.NewFromFloat(r.C),
			Volume: int64(r.V),
		})
	}
	return bars, false, nil
}
