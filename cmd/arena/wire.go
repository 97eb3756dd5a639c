package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/arena-engine/internal/arena"
	"github.com/atmx/arena-engine/internal/config"
	"github.com/atmx/arena-engine/internal/events"
	"github.com/atmx/arena-engine/internal/llm"
	"github.com/atmx/arena-engine/internal/marketdata"
	"github.com/atmx/arena-engine/internal/metrics"
	"github.com/atmx/arena-engine/internal/recorder"
	"github.com/atmx/arena-engine/internal/store"
)

// marketDataCacheEntries bounds the response cache; each entry costs 1.
const marketDataCacheEntries = 10000

// app holds the wired components. runner is nil when no price source is
// configured.
type app struct {
	store   store.Store
	cached  *store.CachedStore // nil without Redis
	gate    *arena.Gate
	runner  *arena.Runner
	cleanup []func()
}

func (a *app) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

// wire builds the store chain, market data sources, LLM clients, event
// publishers and the runner. extra, when non-nil, receives run events in
// addition to Kafka.
func wire(ctx context.Context, env config.Env, cfg *config.Arena, extra events.Publisher) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	st, cached, closeStore, err := openStore(ctx, env)
	if err != nil {
		return nil, err
	}
	a.store, a.cached = st, cached
	a.cleanup = append(a.cleanup, closeStore)

	if a.gate, err = arena.NewGate(cfg.Markets); err != nil {
		return nil, err
	}

	var pubs events.Fanout
	if extra != nil {
		pubs = append(pubs, extra)
	}
	if len(env.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(env.KafkaBrokers, env.KafkaTopic)
		if err != nil {
			return nil, fmt.Errorf("kafka: %w", err)
		}
		a.cleanup = append(a.cleanup, func() { kp.Close() })
		pubs = append(pubs, kp)
		slog.Info("kafka publishing enabled", "topic", env.KafkaTopic, "brokers", len(env.KafkaBrokers))
	}
	rec := recorder.New(st, pubs, recorder.Options{
		Retries: cfg.Runner.PersistRetries,
		Backoff: cfg.Runner.PersistBackoff,
	})

	agg, closeData, err := newAggregator(env, cfg)
	if err != nil {
		return nil, err
	}
	a.cleanup = append(a.cleanup, closeData)
	if agg == nil {
		slog.Warn("no price source configured, sessions cannot run")
		ok = true
		return a, nil
	}

	a.runner, err = arena.New(cfg, arena.Deps{
		Store:      st,
		Recorder:   rec,
		MarketData: agg,
		Clients:    newRegistry(env, cfg),
		Gate:       a.gate,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

// openStore returns Postgres (wrapped with Redis when configured) or the
// in-memory store when DATABASE_URL is unset.
func openStore(ctx context.Context, env config.Env) (store.Store, *store.CachedStore, func(), error) {
	if env.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil, func() {}, nil
	}

	pg, closePG, err := openPostgres(ctx, env.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	if env.RedisURL == "" {
		return pg, nil, closePG, nil
	}

	opt, err := redis.ParseURL(env.RedisURL)
	if err != nil {
		closePG()
		return nil, nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	cached := store.NewCachedStore(pg, rdb, env.RedisTTL)
	slog.Info("Redis cache enabled", "ttl", env.RedisTTL)
	return cached, cached, func() {
		rdb.Close()
		closePG()
	}, nil
}

func openPostgres(ctx context.Context, url string) (*store.PostgresStore, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("database ping failed: %w", err)
	}
	slog.Info("connected to PostgreSQL")
	return store.NewPostgresStore(pool), pool.Close, nil
}

// newAggregator wires Alpha Vantage (full context) and Polygon (prices
// fallback) behind a shared response cache. It returns a nil aggregator
// when neither key is set.
func newAggregator(env config.Env, cfg *config.Arena) (*marketdata.Aggregator, func(), error) {
	md := cfg.MarketData
	cache, err := marketdata.NewCache(marketDataCacheEntries, md.CacheTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("market data cache: %w", err)
	}

	var src marketdata.Sources
	if env.AlphaVantageKey != "" {
		av, err := marketdata.NewAlphaVantage(marketdata.AlphaVantageConfig{
			APIKey:            env.AlphaVantageKey,
			RequestsPerMinute: md.RequestsPerMinute,
			HistoryDays:       md.HistoryDays,
		}, cache)
		if err != nil {
			cache.Close()
			return nil, nil, err
		}
		src.Prices = append(src.Prices, av)
		src.Fundamentals, src.Earnings, src.Insider, src.News = av, av, av, av
	}
	if env.PolygonKey != "" {
		pg, err := marketdata.NewPolygon(marketdata.PolygonConfig{
			APIKey:      env.PolygonKey,
			HistoryDays: md.HistoryDays,
		}, cache)
		if err != nil {
			cache.Close()
			return nil, nil, err
		}
		src.Prices = append(src.Prices, pg)
	}
	if len(src.Prices) == 0 {
		return nil, cache.Close, nil
	}

	agg := marketdata.NewAggregator(src, marketdata.Options{
		HistoryDays:  md.HistoryDays,
		InsiderLimit: md.InsiderLimit,
		NewsLimit:    md.NewsLimit,
		Timeout:      cfg.Runner.MarketDataTimeout,
	})
	agg.OnError = func(source string, err error) {
		metrics.MarketDataErrors.WithLabelValues(source).Inc()
	}
	return agg, cache.Close, nil
}

// newRegistry creates one client per competitor. A competitor whose client
// cannot be built is left out and reported as an error by the runner.
func newRegistry(env config.Env, cfg *config.Arena) *llm.Registry {
	keys := llm.Keys{
		OpenRouterAPIKey:  env.OpenRouterAPIKey,
		OpenRouterBaseURL: env.OpenRouterBaseURL,
		GoogleAPIKey:      env.GoogleAPIKey,
		GeminiBaseURL:     env.GeminiBaseURL,
		Timeout:           cfg.Runner.LLMTimeout,
	}
	reg := llm.NewRegistry()
	for _, c := range cfg.Competitors {
		client, err := llm.New(c.Provider, c.Model, keys)
		if err != nil {
			slog.Warn("llm client unavailable", "competitor", c.ID, "provider", c.Provider, "error", err)
			continue
		}
		reg.Register(c.ID, client)
	}
	return reg
}
