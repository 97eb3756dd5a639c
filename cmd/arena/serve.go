package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/arena-engine/internal/api"
	"github.com/atmx/arena-engine/internal/arena"
	"github.com/atmx/arena-engine/internal/config"
	"github.com/atmx/arena-engine/internal/metrics"
	"github.com/atmx/arena-engine/internal/model"
)

// serve handles `arena serve`.
func serve(ctx context.Context, env config.Env, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	schedule := fs.Bool("schedule", false, "run sessions automatically when their window opens")
	fs.Parse(args)

	cfg, err := config.Load(env.ArenaConfig)
	if err != nil {
		return err
	}

	// --- WebSocket hub ---
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	wsHub := api.NewWSHub()
	go wsHub.Run(hubCtx)

	a, err := wire(ctx, env, cfg, wsHub)
	if err != nil {
		return err
	}
	defer a.Close()

	// --- Arena service ---
	var runner api.SessionRunner
	if a.runner != nil {
		runner = a.runner
	}
	var docs api.DocumentCache
	if a.cached != nil {
		docs = a.cached
	}
	svc := api.NewService(ctx, a.store, newExporter(a.store, cfg), runner, docs)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for the dashboard.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"arena-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for run and fill events. Registered outside the
		// timeout group so connections stay open.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + env.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("arena-engine listening", "port", env.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	if *schedule {
		if a.runner == nil {
			slog.Warn("scheduler disabled: no price source configured")
		} else {
			go scheduleSessions(ctx, a.runner, a.gate, time.Minute)
		}
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down arena-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	svc.Wait()
	stopHub()
	slog.Info("arena-engine stopped")
	return nil
}

// scheduleSessions runs each session once when its window opens. The
// runner skips competitors that already recorded the session, so a restart
// inside a window does not double-trade.
func scheduleSessions(ctx context.Context, runner *arena.Runner, gate *arena.Gate, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	var last string
	for {
		if w, ok := gate.Current(time.Now()); ok && w.Session.Key() != last {
			last = w.Session.Key()
			runScheduled(ctx, runner, w.Session)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runScheduled(ctx context.Context, runner *arena.Runner, s model.Session) {
	slog.Info("scheduled session starting", "session", s.Key())
	results, err := runner.RunSession(ctx, s, arena.RunOptions{})
	if err != nil {
		slog.Error("scheduled session failed", "session", s.Key(), "error", err)
		return
	}
	slog.Info("scheduled session finished", "session", s.Key(), "results", len(results))
}
