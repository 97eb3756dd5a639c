// Package api serves the arena over HTTP: dashboard and leaderboard reads,
// competitor and run lookups, manual session triggers and a WebSocket feed
// of run events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/arena-engine/internal/arena"
	"github.com/atmx/arena-engine/internal/export"
	"github.com/atmx/arena-engine/internal/model"
	"github.com/atmx/arena-engine/internal/store"
)

const (
	defaultRunLimit   = 50
	defaultTradeLimit = 100
	maxLimit          = 500
)

// SessionRunner is the part of arena.Runner the API drives.
type SessionRunner interface {
	Today() string
	Admit(s model.Session, opts arena.RunOptions) error
	RunSession(ctx context.Context, s model.Session, opts arena.RunOptions) ([]arena.Result, error)
}

// DocumentCache caches rendered documents. store.CachedStore implements it.
type DocumentCache interface {
	Document(ctx context.Context, key string, build func(context.Context) ([]byte, error)) ([]byte, error)
}

// SessionRequest is the body of POST /api/v1/sessions. Empty fields default
// to today's CLOSE session for every competitor.
type SessionRequest struct {
	Date         string `json:"date"`
	Session      string `json:"session"`
	CompetitorID string `json:"competitor_id"`
	Force        bool   `json:"force"`
}

// SessionResponse acknowledges an accepted session trigger.
type SessionResponse struct {
	Session string `json:"session"`
	Status  string `json:"status"`
}

// Service handles arena HTTP endpoints.
type Service struct {
	store    store.Store
	exporter *export.Exporter
	runner   SessionRunner
	docs     DocumentCache

	// ctx bounds background session runs; it outlives any one request.
	ctx      context.Context
	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[string]bool
}

// NewService creates the API service. docs may be nil, in which case the
// dashboard is rebuilt on every request. runner may be nil when sessions
// cannot run; triggers then answer 503.
func NewService(ctx context.Context, st store.Store, exp *export.Exporter, runner SessionRunner, docs DocumentCache) *Service {
	return &Service{
		store:    st,
		exporter: exp,
		runner:   runner,
		docs:     docs,
		ctx:      ctx,
		inflight: make(map[string]bool),
	}
}

// Routes registers the /api/v1 endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/dashboard", s.GetDashboard)
	r.Get("/leaderboard", s.GetLeaderboard)
	r.Get("/competitors", s.ListCompetitors)
	r.Get("/competitors/{competitorID}/snapshot", s.GetSnapshot)
	r.Get("/competitors/{competitorID}/trades", s.ListTrades)
	r.Get("/runs", s.ListRuns)
	r.Get("/runs/{runID}", s.GetRun)
	r.Post("/sessions", s.TriggerSession)
}

// Wait blocks until every background session started by TriggerSession
// has finished.
func (s *Service) Wait() { s.wg.Wait() }

// GetDashboard handles GET /api/v1/dashboard
func (s *Service) GetDashboard(w http.ResponseWriter, r *http.Request) {
	var (
		body []byte
		err  error
	)
	if s.docs != nil {
		body, err = s.docs.Document(r.Context(), store.DashboardKey, s.exporter.JSON)
	} else {
		body, err = s.exporter.JSON(r.Context())
	}
	if err != nil {
		slog.Error("dashboard export failed", "error", err)
		writeError(w, "failed to build dashboard", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// GetLeaderboard handles GET /api/v1/leaderboard
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	lb, err := s.exporter.Leaderboard(r.Context())
	if err != nil {
		slog.Error("leaderboard failed", "error", err)
		writeError(w, "failed to build leaderboard", http.StatusInternalServerError)
		return
	}
	writeJSON(w, lb)
}

// ListCompetitors handles GET /api/v1/competitors
func (s *Service) ListCompetitors(w http.ResponseWriter, r *http.Request) {
	cs, err := s.store.ListCompetitors(r.Context())
	if err != nil {
		writeError(w, "failed to list competitors", http.StatusInternalServerError)
		return
	}
	if cs == nil {
		cs = []model.Competitor{}
	}
	writeJSON(w, cs)
}

// GetSnapshot handles GET /api/v1/competitors/{competitorID}/snapshot
// Returns the latest snapshot valued at its own marks.
func (s *Service) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "competitorID")

	snap, err := s.store.LatestSnapshot(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "competitor has no snapshot", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load snapshot", http.StatusInternalServerError)
		return
	}
	writeJSON(w, model.NewSnapshotView(*snap))
}

// ListTrades handles GET /api/v1/competitors/{competitorID}/trades?limit=
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "competitorID")
	limit, ok := parseLimit(w, r, defaultTradeLimit)
	if !ok {
		return
	}

	if _, err := s.store.GetCompetitor(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "competitor not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load competitor", http.StatusInternalServerError)
		return
	}

	trades, err := s.store.ListTrades(r.Context(), id, limit)
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	writeJSON(w, trades)
}

// ListRuns handles GET /api/v1/runs
// Optional filters: ?competitor_id=, ?date=YYYY-MM-DD, ?session=OPEN|CLOSE, ?limit=
func (s *Service) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, defaultRunLimit)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := store.RunFilter{
		CompetitorID: q.Get("competitor_id"),
		SessionDate:  q.Get("date"),
		Limit:        limit,
	}
	if v := q.Get("session"); v != "" {
		t, ok := model.ParseSessionType(v)
		if !ok {
			writeError(w, "session must be OPEN or CLOSE", http.StatusBadRequest)
			return
		}
		f.SessionType = t
	}

	runs, err := s.store.ListRuns(r.Context(), f)
	if err != nil {
		writeError(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []model.RunLog{}
	}
	writeJSON(w, runs)
}

// GetRun handles GET /api/v1/runs/{runID}
func (s *Service) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load run", http.StatusInternalServerError)
		return
	}
	writeJSON(w, run)
}

// TriggerSession handles POST /api/v1/sessions
// Validates the request, then runs the session in the background. Progress
// is visible through /runs and the WebSocket feed.
func (s *Service) TriggerSession(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, "session runner not configured", http.StatusServiceUnavailable)
		return
	}

	var req SessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	sess := model.Session{Date: req.Date, Type: model.SessionClose}
	if sess.Date == "" {
		sess.Date = s.runner.Today()
	}
	if req.Session != "" {
		t, ok := model.ParseSessionType(req.Session)
		if !ok {
			writeError(w, "session must be OPEN or CLOSE", http.StatusBadRequest)
			return
		}
		sess.Type = t
	}
	opts := arena.RunOptions{Force: req.Force, CompetitorID: strings.TrimSpace(req.CompetitorID)}

	if err := s.runner.Admit(sess, opts); err != nil {
		switch {
		case errors.Is(err, arena.ErrInvalidSession):
			writeError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, arena.ErrUnknownCompetitor):
			writeError(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, arena.ErrSessionClosed):
			writeError(w, err.Error(), http.StatusConflict)
		default:
			writeError(w, "failed to admit session", http.StatusInternalServerError)
		}
		return
	}

	key := sess.Key()
	s.mu.Lock()
	if s.inflight[key] {
		s.mu.Unlock()
		writeError(w, "session already running", http.StatusConflict)
		return
	}
	s.inflight[key] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, key)
			s.mu.Unlock()
		}()
		results, err := s.runner.RunSession(s.ctx, sess, opts)
		if err != nil {
			slog.Error("triggered session failed", "session", key, "error", err)
			return
		}
		slog.Info("triggered session finished", "session", key, "results", len(results))
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(SessionResponse{Session: key, Status: "accepted"})
}

// parseLimit reads ?limit=, writing a 400 and returning false when invalid.
func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		writeError(w, "limit must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
