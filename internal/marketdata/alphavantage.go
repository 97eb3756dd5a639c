package marketdata

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/arena-engine/internal/model"
)

const alphaVantageURL = "https://www.alphavantage.co/query"

// AlphaVantageConfig configures the Alpha Vantage client.
type AlphaVantageConfig struct {
	APIKey            string
	BaseURL           string
	RequestsPerMinute int
	HistoryDays       int
	MaxRetries        int
	BackoffBase       time.Duration
	Timeout           time.Duration
}

// AlphaVantage implements every source interface against the Alpha Vantage
// query API.
type AlphaVantage struct {
	cfg     AlphaVantageConfig
	http    *http.Client
	limiter *rate.Limiter
	cache   *Cache
}

// NewAlphaVantage creates a client. cache may be nil.
func NewAlphaVantage(cfg AlphaVantageConfig, cache *Cache) (*AlphaVantage, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("marketdata: alpha vantage api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = alphaVantageURL
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 75
	}
	if cfg.HistoryDays <= 0 {
		cfg.HistoryDays = 250
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &AlphaVantage{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60), 1),
		cache:   cache,
	}, nil
}

func (a *AlphaVantage) Name() string { return "alphavantage" }

// query performs one API call with rate limiting, retries and caching. The
// raw body is returned after the error envelope has been checked.
func (a *AlphaVantage) query(ctx context.Context, params url.Values) ([]byte, error) {
	key := "av:" + params.Encode()
	if v, ok := a.cache.Get(key); ok {
		return v.([]byte), nil
	}

	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("apikey", a.cfg.APIKey)
	reqURL := a.cfg.BaseURL + "?" + q.Encode()

	var lastErr error
	for attempt := 0; attempt < a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := a.cfg.BackoffBase * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, retry, err := a.do(ctx, reqURL)
		if err == nil {
			a.cache.Set(key, body)
			return body, nil
		}
		lastErr = err
		if !retry {
			break
		}
		slog.Debug("alpha vantage retry", "function", params.Get("function"), "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (a *AlphaVantage) do(ctx context.Context, reqURL string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("%w: read body: %v", ErrProvider, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, ErrRateLimited
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("%w: HTTP %d", ErrProvider, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("%w: HTTP %d: %s", ErrProvider, resp.StatusCode, truncate(body, 200))
	}
	if err := checkEnvelope(body); err != nil {
		return nil, false, err
	}
	return body, false, nil
}

// checkEnvelope maps the in-band error keys Alpha Vantage returns with HTTP
// 200 to errors. Non-JSON bodies (CSV endpoints) pass through.
func checkEnvelope(body []byte) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ErrNoData
	}
	if trimmed[0] != '{' {
		return nil
	}
	var env struct {
		Note         string `json:"Note"`
		Information  string `json:"Information"`
		ErrorMessage string `json:"Error Message"`
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrProvider, err)
	}
	switch {
	case env.ErrorMessage != "":
		return fmt.Errorf("%w: %s", ErrProvider, env.ErrorMessage)
	case env.Note != "":
		return fmt.Errorf("%w: %s", ErrRateLimited, env.Note)
	case env.Information != "":
		return fmt.Errorf("%w: %s", ErrRateLimited, env.Information)
	}
	return nil
}

// AlphaVantageSymbol maps a ticker to Alpha Vantage's symbol; SGX listings
// use the .SES exchange suffix.
func AlphaVantageSymbol(t model.Ticker) string {
	if t.IsSGX() {
		return strings.TrimSuffix(t.Symbol, model.SGXSuffix) + ".SES"
	}
	return t.Symbol
}

// DailyBars fetches TIME_SERIES_DAILY for equities and DIGITAL_CURRENCY_DAILY
// for crypto pairs.
func (a *AlphaVantage) DailyBars(ctx context.Context, ticker string, market model.MarketType) ([]model.Bar, error) {
	t, err := model.ParseTicker(ticker)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	seriesKey := "Time Series (Daily)"
	if market == model.MarketCrypto {
		quote := t.Quote
		if quote == "" {
			quote = "USD"
		}
		params.Set("function", "DIGITAL_CURRENCY_DAILY")
		params.Set("symbol", t.Base)
		params.Set("market", quote)
		seriesKey = "Time Series (Digital Currency Daily)"
	} else {
		params.Set("function", "TIME_SERIES_DAILY")
		params.Set("symbol", AlphaVantageSymbol(t))
		if a.cfg.HistoryDays > 100 {
			params.Set("outputsize", "full")
		}
	}

	body, err := a.query(ctx, params)
	if err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode bars: %v", ErrProvider, err)
	}
	var series map[string]map[string]string
	if s, ok := raw[seriesKey]; ok {
		if err := json.Unmarshal(s, &series); err != nil {
			return nil, fmt.Errorf("%w: decode series: %v", ErrProvider, err)
		}
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoData, ticker)
	}
	return parseSeries(series, t.Quote)
}

func parseSeries(series map[string]map[string]string, quote string) ([]model.Bar, error) {
	bars := make([]model.Bar, 0, len(series))
	for date, fields := range series {
		field := func(n, name string) string {
			if v, ok := fields[n+". "+name]; ok {
				return v
			}
			// Older digital currency payloads suffix the market.
			return fields[n+"a. "+name+" ("+quote+")"]
		}
		var bar model.Bar
		var err error
		bar.Date = date
		if bar.Open, err = decimal.NewFromString(field("1", "open")); err != nil {
			return nil, fmt.Errorf("%w: bad open on %s", ErrProvider, date)
		}
		if bar.High, err = decimal.NewFromString(field("2", "high")); err != nil {
			return nil, fmt.Errorf("%w: bad high on %s", ErrProvider, date)
		}
		if bar.Low, err = decimal.NewFromString(field("3", "low")); err != nil {
			return nil, fmt.Errorf("%w: bad low on %s", ErrProvider, date)
		}
		if bar.Close, err = decimal.NewFromString(field("4", "close")); err != nil {
			return nil, fmt.Errorf("%w: bad close on %s", ErrProvider, date)
		}
		if v, err := strconv.ParseFloat(fields["5. volume"], 64); err == nil {
			bar.Volume = int64(v)
		}
		bars = append(bars, bar)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date < bars[j].Date })
	return bars, nil
}

// Fundamentals fetches the OVERVIEW endpoint.
func (a *AlphaVantage) Fundamentals(ctx context.Context, ticker string) (*Fundamentals, error) {
	body, err := a.query(ctx, url.Values{"function": {"OVERVIEW"}, "symbol": {ticker}})
	if err != nil {
		return nil, err
	}
	var raw map[string]string
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode overview: %v", ErrProvider, err)
	}
	if raw["Symbol"] == "" {
		return nil, fmt.Errorf("%w: overview %s", ErrNoData, ticker)
	}
	return &Fundamentals{
		Name:            raw["Name"],
		Sector:          raw["Sector"],
		Industry:        raw["Industry"],
		MarketCap:       parseOptional(raw["MarketCapitalization"]),
		PERatio:         parseOptional(raw["PERatio"]),
		ForwardPE:       parseOptional(raw["ForwardPE"]),
		EPS:             parseOptional(raw["EPS"]),
		ProfitMargin:    parseOptional(raw["ProfitMargin"]),
		OperatingMargin: parseOptional(raw["OperatingMarginTTM"]),
		ReturnOnEquity:  parseOptional(raw["ReturnOnEquityTTM"]),
		DebtToEquity:    parseOptional(raw["DebtToEquityRatio"]),
		DividendYield:   parseOptional(raw["DividendYield"]),
		Beta:            parseOptional(raw["Beta"]),
		AnalystTarget:   parseOptional(raw["AnalystTargetPrice"]),
		High52W:         parseOptional(raw["52WeekHigh"]),
		Low52W:          parseOptional(raw["52WeekLow"]),
	}, nil
}

// NextEarnings reads the EARNINGS_CALENDAR CSV for a three month horizon and
// returns the earliest report.
func (a *AlphaVantage) NextEarnings(ctx context.Context, ticker string) (*Earnings, error) {
	body, err := a.query(ctx, url.Values{
		"function": {"EARNINGS_CALENDAR"},
		"symbol":   {ticker},
		"horizon":  {"3month"},
	})
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: decode earnings csv: %v", ErrProvider, err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("%w: earnings %s", ErrNoData, ticker)
	}

	col := make(map[string]int, len(rows[0]))
	for i, h := range rows[0] {
		col[strings.TrimSpace(h)] = i
	}
	get := func(row []string, name string) string {
		if i, ok := col[name]; ok && i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	var next *Earnings
	for _, row := range rows[1:] {
		if sym := get(row, "symbol"); sym != "" && !strings.EqualFold(sym, ticker) {
			continue
		}
		e := Earnings{
			ReportDate:       get(row, "reportDate"),
			FiscalDateEnding: get(row, "fiscalDateEnding"),
			Estimate:         parseOptional(get(row, "estimate")),
			Currency:         get(row, "currency"),
		}
		if e.ReportDate == "" {
			continue
		}
		if next == nil || e.ReportDate < next.ReportDate {
			next = &e
		}
	}
	if next == nil {
		return nil, fmt.Errorf("%w: earnings %s", ErrNoData, ticker)
	}
	return next, nil
}

// InsiderActivity fetches INSIDER_TRANSACTIONS and keeps the newest limit.
func (a *AlphaVantage) InsiderActivity(ctx context.Context, ticker string, limit int) (*InsiderActivity, error) {
	body, err := a.query(ctx, url.Values{"function": {"INSIDER_TRANSACTIONS"}, "symbol": {ticker}})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data []struct {
			Date       string `json:"transaction_date"`
			Executive  string `json:"executive"`
			Title      string `json:"executive_title"`
			Type       string `json:"acquisition_or_disposal"`
			Shares     string `json:"shares"`
			SharePrice string `json:"share_price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode insider: %v", ErrProvider, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: insider %s", ErrNoData, ticker)
	}

	txs := make([]InsiderTransaction, 0, len(resp.Data))
	for _, d := range resp.Data {
		shares, _ := strconv.ParseFloat(d.Shares, 64)
		txs = append(txs, InsiderTransaction{
			Date:       d.Date,
			Executive:  d.Executive,
			Title:      d.Title,
			Type:       strings.ToUpper(d.Type),
			Shares:     shares,
			SharePrice: parseOptional(d.SharePrice),
		})
	}
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].Date > txs[j].Date })
	if limit > 0 && len(txs) > limit {
		txs = txs[:limit]
	}
	act := &InsiderActivity{Transactions: txs}
	act.Summarize()
	return act, nil
}

// NewsSentiment fetches NEWS_SENTIMENT for the seven days ending at asOf.
func (a *AlphaVantage) NewsSentiment(ctx context.Context, ticker string, asOf time.Time, limit int) (*NewsSentiment, error) {
	if limit <= 0 || limit > 20 {
		limit = 20
	}
	t, err := model.ParseTicker(ticker)
	if err != nil {
		return nil, err
	}
	avTicker := AlphaVantageSymbol(t)
	if t.IsPair() {
		avTicker = "CRYPTO:" + t.Base
	}

	body, err := a.query(ctx, url.Values{
		"function":  {"NEWS_SENTIMENT"},
		"tickers":   {avTicker},
		"time_from": {asOf.AddDate(0, 0, -7).Format("20060102") + "T0000"},
		"time_to":   {asOf.Format("20060102") + "T2359"},
		"sort":      {"LATEST"},
		"limit":     {strconv.Itoa(limit)},
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Feed []struct {
			Title           string `json:"title"`
			Source          string `json:"source"`
			TimePublished   string `json:"time_published"`
			TickerSentiment []struct {
				Ticker    string `json:"ticker"`
				Relevance string `json:"relevance_score"`
				Score     string `json:"ticker_sentiment_score"`
				Label     string `json:"ticker_sentiment_label"`
			} `json:"ticker_sentiment"`
		} `json:"feed"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode news: %v", ErrProvider, err)
	}
	if len(resp.Feed) == 0 {
		return nil, fmt.Errorf("%w: news %s", ErrNoData, ticker)
	}

	news := &NewsSentiment{}
	for _, item := range resp.Feed {
		if len(news.Articles) >= limit {
			break
		}
		art := Article{Title: item.Title, Source: item.Source, Published: item.TimePublished, SentimentLabel: "Neutral"}
		for _, ts := range item.TickerSentiment {
			if strings.EqualFold(ts.Ticker, avTicker) {
				art.Relevance, _ = strconv.ParseFloat(ts.Relevance, 64)
				art.SentimentScore, _ = strconv.ParseFloat(ts.Score, 64)
				if ts.Label != "" {
					art.SentimentLabel = ts.Label
				}
				break
			}
		}
		news.Articles = append(news.Articles, art)
	}
	news.Aggregate()
	return news, nil
}

// parseOptional parses provider numbers, treating "None", "-" and empty
// strings as missing.
func parseOptional(s string) *float64 {
	s = strings.TrimSpace(s)
	switch s {
	case "", "None", "-", "N/A":
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
