// Package config loads the arena definition from YAML and overlays process
// settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"

	"github.com/atmx/arena-engine/internal/model"
)

var ErrInvalidConfig = errors.New("config: invalid arena configuration")

// marketDefaults are the exchange hours used when a market omits them.
var marketDefaults = map[model.MarketType]Market{
	model.MarketUSEquity: {Timezone: "America/New_York", OpenTime: "09:30", CloseTime: "16:00"},
	model.MarketSGEquity: {Timezone: "Asia/Singapore", OpenTime: "09:00", CloseTime: "17:00"},
	model.MarketCrypto:   {Timezone: "America/New_York", OpenTime: "09:30", CloseTime: "16:00"},
}

// Market is one ticker universe with its session calendar.
type Market struct {
	Type      model.MarketType `yaml:"type"`
	Tickers   []string         `yaml:"tickers"`
	Timezone  string           `yaml:"timezone"`
	OpenTime  string           `yaml:"open_time"`  // HH:MM local
	CloseTime string           `yaml:"close_time"` // HH:MM local
	Holidays  []string         `yaml:"holidays"`   // YYYY-MM-DD
}

// Competitor is a configured (provider, model) pairing. Zero-valued risk
// fields are filled from Simulation during Load.
type Competitor struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Provider        string   `yaml:"provider"`
	Model           string   `yaml:"model"`
	InitialCash     float64  `yaml:"initial_cash"`
	MaxPositionPct  float64  `yaml:"max_position_pct"`
	MaxOrdersPerRun int      `yaml:"max_orders_per_run"`
	Temperature     *float64 `yaml:"temperature"`
}

type Simulation struct {
	SlippageBps     float64 `yaml:"slippage_bps"`
	FeeBps          float64 `yaml:"fee_bps"`
	InitialCash     float64 `yaml:"initial_cash"`
	MaxPositionPct  float64 `yaml:"max_position_pct"`
	MaxOrdersPerRun int     `yaml:"max_orders_per_run"`
	MinConfidence   float64 `yaml:"min_confidence"`
	AllowShort      bool    `yaml:"allow_short"`
	CashBufferPct   float64 `yaml:"cash_buffer_pct"`
}

type Runner struct {
	Concurrency       int           `yaml:"concurrency"`
	MarketDataTimeout time.Duration `yaml:"market_data_timeout"`
	LLMTimeout        time.Duration `yaml:"llm_timeout"`
	PersistRetries    int           `yaml:"persist_retries"`
	PersistBackoff    time.Duration `yaml:"persist_backoff"`
}

type MarketData struct {
	HistoryDays       int           `yaml:"history_days"`
	InsiderLimit      int           `yaml:"insider_limit"`
	NewsLimit         int           `yaml:"news_limit"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
}

type Export struct {
	RunLogLimit    int `yaml:"run_log_limit"`
	TradeLimit     int `yaml:"trade_limit"`
	MarketDataBars int `yaml:"market_data_bars"`
}

// Arena is the root of the YAML arena file.
type Arena struct {
	Name            string         `yaml:"name"`
	Markets         []Market       `yaml:"markets"`
	Competitors     []Competitor   `yaml:"competitors"`
	Simulation      Simulation     `yaml:"simulation"`
	DailyCallLimits map[string]int `yaml:"daily_call_limits"`
	Runner          Runner         `yaml:"runner"`
	MarketData      MarketData     `yaml:"market_data"`
	Export          Export         `yaml:"export"`
}

// Env holds process settings and secrets read from the environment.
type Env struct {
	Port              string        `env:"PORT" envDefault:"8080"`
	ArenaConfig       string        `env:"ARENA_CONFIG" envDefault:"arena.yaml"`
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL       string        `env:"DATABASE_URL"`
	RedisURL          string        `env:"REDIS_URL"`
	RedisTTL          time.Duration `env:"REDIS_TTL" envDefault:"30s"`
	KafkaBrokers      []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic        string        `env:"KAFKA_TOPIC" envDefault:"arena.runs"`
	OpenRouterAPIKey  string        `env:"OPENROUTER_API_KEY"`
	OpenRouterBaseURL string        `env:"OPENROUTER_BASE_URL" envDefault:"https://openrouter.ai/api/v1"`
	GoogleAPIKey      string        `env:"GOOGLE_API_KEY"`
	GeminiBaseURL     string        `env:"GEMINI_BASE_URL" envDefault:"https://generativelanguage.googleapis.com/v1beta"`
	AlphaVantageKey   string        `env:"ALPHA_VANTAGE_API_KEY"`
	PolygonKey        string        `env:"POLYGON_API_KEY"`
}

// LoadEnv parses the process environment.
func LoadEnv() (Env, error) {
	var e Env
	return e, env.Parse(&e)
}

// Load reads, defaults and validates an arena file.
func Load(path string) (*Arena, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes an arena document from YAML bytes.
func Parse(b []byte) (*Arena, error) {
	var a Arena
	if err := yaml.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("parse arena config: %w", err)
	}
	a.applyDefaults()
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

func (a *Arena) applyDefaults() {
	s := &a.Simulation
	if s.SlippageBps == 0 {
		s.SlippageBps = 10
	}
	if s.FeeBps == 0 {
		s.FeeBps = 10
	}
	if s.InitialCash == 0 {
		s.InitialCash = 100000
	}
	if s.MaxPositionPct == 0 {
		s.MaxPositionPct = 0.25
	}
	if s.MaxOrdersPerRun == 0 {
		s.MaxOrdersPerRun = 3
	}
	if s.MinConfidence == 0 {
		s.MinConfidence = 0.5
	}

	for i := range a.Competitors {
		c := &a.Competitors[i]
		if c.Name == "" {
			c.Name = c.ID
		}
		if c.InitialCash == 0 {
			c.InitialCash = s.InitialCash
		}
		if c.MaxPositionPct == 0 {
			c.MaxPositionPct = s.MaxPositionPct
		}
		if c.MaxOrdersPerRun == 0 {
			c.MaxOrdersPerRun = s.MaxOrdersPerRun
		}
	}

	for i := range a.Markets {
		m := &a.Markets[i]
		if m.Type == "" {
			m.Type = model.MarketUSEquity
		}
		def, ok := marketDefaults[m.Type]
		if !ok {
			def = marketDefaults[model.MarketUSEquity]
		}
		if m.Timezone == "" {
			m.Timezone = def.Timezone
		}
		if m.OpenTime == "" {
			m.OpenTime = def.OpenTime
		}
		if m.CloseTime == "" {
			m.CloseTime = def.CloseTime
		}
	}

	r := &a.Runner
	if r.Concurrency <= 0 {
		r.Concurrency = 4
	}
	if r.MarketDataTimeout == 0 {
		r.MarketDataTimeout = 30 * time.Second
	}
	if r.LLMTimeout == 0 {
		r.LLMTimeout = 120 * time.Second
	}
	if r.PersistRetries <= 0 {
		r.PersistRetries = 5
	}
	if r.PersistBackoff == 0 {
		r.PersistBackoff = 200 * time.Millisecond
	}

	md := &a.MarketData
	if md.HistoryDays == 0 {
		md.HistoryDays = 250
	}
	if md.InsiderLimit == 0 {
		md.InsiderLimit = 10
	}
	if md.NewsLimit == 0 {
		md.NewsLimit = 20
	}
	if md.RequestsPerMinute == 0 {
		md.RequestsPerMinute = 75
	}
	if md.CacheTTL == 0 {
		md.CacheTTL = time.Hour
	}

	if a.Export.RunLogLimit == 0 {
		a.Export.RunLogLimit = 50
	}
	if a.Export.TradeLimit == 0 {
		a.Export.TradeLimit = 200
	}
	if a.Export.MarketDataBars == 0 {
		a.Export.MarketDataBars = 60
	}
}

var knownProviders = map[string]bool{
	"openrouter": true,
	"gemini":     true,
}

// Validate checks cross-field invariants after defaults are applied.
func (a *Arena) Validate() error {
	if len(a.Markets) == 0 {
		return fmt.Errorf("%w: no markets configured", ErrInvalidConfig)
	}
	for i := range a.Markets {
		m := &a.Markets[i]
		if !m.Type.Valid() {
			return fmt.Errorf("%w: unknown market type %q", ErrInvalidConfig, m.Type)
		}
		if len(m.Tickers) == 0 {
			return fmt.Errorf("%w: market %d has no tickers", ErrInvalidConfig, i)
		}
		for j, t := range m.Tickers {
			if m.Type == model.MarketSGEquity {
				t = model.SGXTicker(t)
			}
			sym, err := model.NormalizeTicker(t)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
			}
			m.Tickers[j] = sym
		}
		if _, err := time.LoadLocation(m.Timezone); err != nil {
			return fmt.Errorf("%w: timezone %q: %v", ErrInvalidConfig, m.Timezone, err)
		}
	}

	if len(a.Competitors) == 0 {
		return fmt.Errorf("%w: no competitors configured", ErrInvalidConfig)
	}
	seen := make(map[string]bool)
	for _, c := range a.Competitors {
		if c.ID == "" {
			return fmt.Errorf("%w: competitor without id", ErrInvalidConfig)
		}
		if seen[c.ID] {
			return fmt.Errorf("%w: duplicate competitor id %q", ErrInvalidConfig, c.ID)
		}
		seen[c.ID] = true
		if !knownProviders[c.Provider] {
			return fmt.Errorf("%w: competitor %s has unknown provider %q", ErrInvalidConfig, c.ID, c.Provider)
		}
		if c.Model == "" {
			return fmt.Errorf("%w: competitor %s has no model", ErrInvalidConfig, c.ID)
		}
		if c.MaxPositionPct <= 0 || c.MaxPositionPct > 1 {
			return fmt.Errorf("%w: competitor %s max_position_pct must be in (0,1]", ErrInvalidConfig, c.ID)
		}
		if c.InitialCash <= 0 {
			return fmt.Errorf("%w: competitor %s initial_cash must be positive", ErrInvalidConfig, c.ID)
		}
	}

	s := a.Simulation
	if s.SlippageBps < 0 || s.FeeBps < 0 {
		return fmt.Errorf("%w: slippage_bps and fee_bps must be non-negative", ErrInvalidConfig)
	}
	if s.MinConfidence < 0 || s.MinConfidence > 1 {
		return fmt.Errorf("%w: min_confidence must be in [0,1]", ErrInvalidConfig)
	}
	if s.CashBufferPct < 0 || s.CashBufferPct >= 1 {
		return fmt.Errorf("%w: cash_buffer_pct must be in [0,1)", ErrInvalidConfig)
	}
	return nil
}

// Tickers returns the de-duplicated universe across all markets, in
// configuration order.
func (a *Arena) Tickers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range a.Markets {
		for _, t := range m.Tickers {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// MarketFor returns the market that lists ticker.
func (a *Arena) MarketFor(ticker string) (Market, bool) {
	for _, m := range a.Markets {
		for _, t := range m.Tickers {
			if t == ticker {
				return m, true
			}
		}
	}
	return Market{}, false
}

// Competitor looks up a competitor by id.
func (a *Arena) Competitor(id string) (Competitor, bool) {
	for _, c := range a.Competitors {
		if c.ID == id {
			return c, true
		}
	}
	return Competitor{}, false
}
