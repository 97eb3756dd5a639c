// Package arena runs trading sessions. For each session it fetches market
// data once, then drives every competitor through the same pipeline:
// Strategist, Risk Guard, constraint enforcement, simulated execution and
// recording. Competitors run in parallel and never share mutable state.
package arena

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/arena-engine/internal/agent"
	"github.com/atmx/arena-engine/internal/briefing"
	"github.com/atmx/arena-engine/internal/broker"
	"github.com/atmx/arena-engine/internal/config"
	"github.com/atmx/arena-engine/internal/llm"
	"github.com/atmx/arena-engine/internal/marketdata"
	"github.com/atmx/arena-engine/internal/metrics"
	"github.com/atmx/arena-engine/internal/model"
	"github.com/atmx/arena-engine/internal/recorder"
	"github.com/atmx/arena-engine/internal/risk"
	"github.com/atmx/arena-engine/internal/store"
)

var (
	ErrUnknownCompetitor = errors.New("arena: unknown competitor")
	ErrInvalidSession    = errors.New("arena: invalid session")
)

// callsPerRun is the minimum number of LLM calls a run needs.
const callsPerRun = 2

// MarketData fetches the data set for a session.
type MarketData interface {
	Fetch(ctx context.Context, s model.Session, universe []marketdata.Instrument) (*marketdata.Set, error)
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Store      store.Store
	Recorder   *recorder.Recorder
	MarketData MarketData
	Clients    *llm.Registry
	Briefing   *briefing.Builder // optional
	Gate       *Gate
	Now        func() time.Time // optional
}

// Runner executes sessions for the configured competitors.
type Runner struct {
	cfg     *config.Arena
	store   store.Store
	rec     *recorder.Recorder
	data    MarketData
	clients *llm.Registry
	brief   *briefing.Builder
	gate    *Gate
	now     func() time.Time

	mu      sync.Mutex
	running map[string]bool // competitor|session currently executing
}

func New(cfg *config.Arena, d Deps) (*Runner, error) {
	if d.Store == nil || d.Recorder == nil || d.MarketData == nil || d.Clients == nil || d.Gate == nil {
		return nil, errors.New("arena: missing runner dependency")
	}
	if d.Briefing == nil {
		d.Briefing = briefing.New()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Runner{
		cfg:     cfg,
		store:   d.Store,
		rec:     d.Recorder,
		data:    d.MarketData,
		clients: d.Clients,
		brief:   d.Briefing,
		gate:    d.Gate,
		now:     d.Now,
		running: make(map[string]bool),
	}, nil
}

// RunOptions alter how a session runs.
type RunOptions struct {
	// Force bypasses the session gate and re-runs competitors that already
	// have a recorded run for the session.
	Force bool
	// CompetitorID restricts the session to one competitor.
	CompetitorID string
}

// Result is the outcome for one competitor. Run is nil when the competitor
// was skipped.
type Result struct {
	CompetitorID string
	Run          *model.RunLog
	Skipped      string
	Err          error
}

// SessionData is built once per session and shared read-only.
type SessionData struct {
	Session  model.Session
	Set      *marketdata.Set
	Briefing string
	Prices   map[string]decimal.Decimal
}

// Universe lists the configured tickers with their markets.
func (r *Runner) Universe() []marketdata.Instrument {
	var out []marketdata.Instrument
	for _, t := range r.cfg.Tickers() {
		m, _ := r.cfg.MarketFor(t)
		out = append(out, marketdata.Instrument{Ticker: t, Market: m.Type})
	}
	return out
}

// Prepare fetches market data for s, stores the bars and renders the
// briefing.
func (r *Runner) Prepare(ctx context.Context, s model.Session) (*SessionData, error) {
	set, err := r.data.Fetch(ctx, s, r.Universe())
	if err != nil {
		return nil, fmt.Errorf("fetch market data: %w", err)
	}

	bars := make(map[string][]model.Bar, len(set.Bundles))
	for t, b := range set.Bundles {
		bars[t] = b.Bars
	}
	if err := r.rec.RecordBars(ctx, bars); err != nil {
		slog.Warn("store market bars failed", "session", s.Key(), "error", err)
	}

	return &SessionData{
		Session:  s,
		Set:      set,
		Briefing: r.brief.Session(set),
		Prices:   set.Prices(),
	}, nil
}

// Today returns the current session date in the primary market timezone.
func (r *Runner) Today() string { return r.gate.Today(r.now()) }

// Admit validates s and opts without running anything: the session type,
// the gate (unless forced) and the competitor filter.
func (r *Runner) Admit(s model.Session, opts RunOptions) error {
	_, err := r.admit(s, opts)
	return err
}

func (r *Runner) admit(s model.Session, opts RunOptions) ([]config.Competitor, error) {
	if !s.Type.Valid() {
		return nil, fmt.Errorf("%w: type %q", ErrInvalidSession, s.Type)
	}
	if _, err := time.Parse(model.SessionDateLayout, s.Date); err != nil {
		return nil, fmt.Errorf("%w: date %q", ErrInvalidSession, s.Date)
	}
	if !opts.Force {
		if err := r.gate.Check(r.now(), s); err != nil {
			return nil, err
		}
	}
	if opts.CompetitorID == "" {
		return r.cfg.Competitors, nil
	}
	c, ok := r.cfg.Competitor(opts.CompetitorID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCompetitor, opts.CompetitorID)
	}
	return []config.Competitor{c}, nil
}

// RunSession runs every selected competitor for s. It only fails for
// session-level problems; per-competitor failures are reported in the
// results, which follow configuration order.
func (r *Runner) RunSession(ctx context.Context, s model.Session, opts RunOptions) ([]Result, error) {
	competitors, err := r.admit(s, opts)
	if err != nil {
		return nil, err
	}

	slog.Info("session starting", "session", s.Key(), "competitors", len(competitors), "force", opts.Force)

	sd, err := r.Prepare(ctx, s)
	if err != nil {
		return nil, err
	}
	if len(sd.Set.Excluded) > 0 {
		slog.Error("tickers excluded from session", "session", s.Key(), "excluded", excludedReasons(sd.Set.Excluded))
	}

	results := make([]Result, len(competitors))
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Runner.Concurrency)
	for i, c := range competitors {
		g.Go(func() error {
			results[i] = r.RunCompetitor(ctx, c, sd, opts)
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("session finished", "session", s.Key(), "summary", summarize(results))
	return results, nil
}

// RunCompetitor runs one competitor's pipeline and records the run log.
// Panics are contained and turn the run FAILED.
func (r *Runner) RunCompetitor(ctx context.Context, c config.Competitor, sd *SessionData, opts RunOptions) Result {
	s := sd.Session
	log := slog.With("competitor", c.ID, "session", s.Key())
	res := Result{CompetitorID: c.ID}

	if !r.claim(c.ID, s) {
		res.Skipped = "already running"
		metrics.RunsSkipped.WithLabelValues(c.ID, "already_running").Inc()
		log.Info("competitor skipped", "reason", res.Skipped)
		return res
	}
	defer r.release(c.ID, s)

	if !opts.Force {
		done, err := r.store.HasRecordedRun(ctx, c.ID, s)
		if err != nil {
			res.Err = fmt.Errorf("check recorded run: %w", err)
			return res
		}
		if done {
			res.Skipped = "already recorded"
			metrics.RunsSkipped.WithLabelValues(c.ID, "already_recorded").Inc()
			log.Info("competitor skipped", "reason", res.Skipped)
			return res
		}
	}

	client, ok := r.clients.Get(c.ID)
	if !ok {
		res.Err = fmt.Errorf("no llm client registered for %s", c.ID)
		return res
	}

	if limit := r.cfg.DailyCallLimits[c.Provider]; limit > 0 {
		used, err := r.store.CallCount(ctx, c.Provider, s.Date)
		if err != nil {
			res.Err = fmt.Errorf("read call budget: %w", err)
			return res
		}
		if used+callsPerRun > limit {
			res.Skipped = fmt.Sprintf("daily call limit reached for %s (%d/%d)", c.Provider, used, limit)
			metrics.RunsSkipped.WithLabelValues(c.ID, "call_limit").Inc()
			log.Warn("competitor skipped", "reason", res.Skipped)
			return res
		}
	}

	start := r.now()
	run := &model.RunLog{
		RunID:        uuid.NewString(),
		CompetitorID: c.ID,
		SessionDate:  s.Date,
		SessionType:  s.Type,
		Timestamp:    start.UTC(),
		State:        model.StatePending,
		LLMCalls:     []model.LLMCall{},
		Fills:        []model.Fill{},
		Errors:       []string{},
	}
	log = log.With("run_id", run.RunID)

	func() {
		defer func() {
			if p := recover(); p != nil {
				log.Error("run panicked", "panic", p, "stack", string(debug.Stack()))
				if err := fail(run, fmt.Sprintf("panic: %v", p)); err != nil {
					run.Errors = append(run.Errors, err.Error())
				}
			}
		}()
		r.pipeline(ctx, run, c, client, sd, log)
	}()

	if n := len(run.LLMCalls); n > 0 {
		if _, err := r.store.IncrementCalls(context.WithoutCancel(ctx), c.Provider, s.Date, n); err != nil {
			log.Warn("increment call counter failed", "error", err)
		}
	}

	res.Err = r.persist(ctx, run, log)
	res.Run = run
	metrics.ObserveRun(run, r.now().Sub(start))
	return res
}

// pipeline advances run as far as it can. Failures are recorded on run.
func (r *Runner) pipeline(ctx context.Context, run *model.RunLog, c config.Competitor, client llm.Client, sd *SessionData, log *slog.Logger) {
	failf := func(format string, args ...any) {
		reason := fmt.Sprintf(format, args...)
		stage := StageOf(run.State)
		if err := fail(run, reason); err != nil {
			log.Error("fail transition", "error", err)
			return
		}
		log.Warn("run failed", "stage", stage, "reason", reason)
	}
	step := func(to model.RunState) bool {
		if err := advance(run, to); err != nil {
			failf("%v", err)
			return false
		}
		return true
	}

	// DATA
	state, err := r.restore(ctx, c)
	if err != nil {
		failf("restore portfolio: %v", err)
		return
	}
	run.Errors = append(run.Errors, excludedErrors(sd.Set.Excluded)...)
	if sd.Set.Empty() {
		failf("no market data for any ticker: %s", excludedReasons(sd.Set.Excluded))
		return
	}
	before := state.WithPrices(sd.Prices, r.now().UTC())
	run.SnapshotBefore = &before
	if !step(model.StateDataFetched) {
		return
	}

	// STRATEGIST
	strat := agent.NewStrategist(client, r.now)
	if c.Temperature != nil {
		strat.Temperature = *c.Temperature
	}
	proposal, calls, err := strat.Propose(ctx, sd.Session, sd.Set.Tickers, sd.Briefing)
	run.LLMCalls = append(run.LLMCalls, calls...)
	if err != nil {
		failf("strategist: %v", err)
		return
	}
	run.StrategistProposal = proposal
	if !step(model.StateStrategistDone) {
		return
	}

	// RISK_GUARD
	cons := agent.Constraints{
		MaxOrders:      c.MaxOrdersPerRun,
		MaxPositionPct: c.MaxPositionPct,
		MinConfidence:  r.cfg.Simulation.MinConfidence,
		AllowShort:     r.cfg.Simulation.AllowShort,
	}
	plan, calls, err := agent.NewRiskGuard(client, r.now).Plan(ctx, proposal, before, sd.Prices, cons)
	run.LLMCalls = append(run.LLMCalls, calls...)
	if err != nil {
		failf("risk guard: %v", err)
		return
	}

	b, err := broker.New(broker.Config{
		SlippageBps:    decimal.NewFromFloat(r.cfg.Simulation.SlippageBps),
		FeeBps:         decimal.NewFromFloat(r.cfg.Simulation.FeeBps),
		MaxPositionPct: decimal.NewFromFloat(c.MaxPositionPct),
		CashBufferPct:  decimal.NewFromFloat(r.cfg.Simulation.CashBufferPct),
		AllowShort:     r.cfg.Simulation.AllowShort,
	})
	if err != nil {
		failf("broker config: %v", err)
		return
	}

	limiter := risk.NewPositionLimiter(risk.Limits{
		MinConfidence:  cons.MinConfidence,
		MaxOrders:      cons.MaxOrders,
		MaxPositionPct: decimal.NewFromFloat(c.MaxPositionPct),
	}, b.Engine())
	kept, dropped := limiter.Enforce(*plan, proposal, before, sd.Prices)
	for _, v := range dropped {
		run.Errors = append(run.Errors, v.Error())
		metrics.OrderRejections.WithLabelValues(c.ID, "risk").Inc()
	}
	run.TradePlan = &model.TradePlan{
		Reasoning:      plan.Reasoning,
		RiskAssessment: plan.RiskAssessment,
		Orders:         kept,
	}
	if !step(model.StateRiskDone) {
		return
	}

	// EXECUTION
	exec := b.Execute(broker.Request{
		RunID:     run.RunID,
		Orders:    kept,
		Prices:    sd.Prices,
		State:     before,
		Timestamp: r.now().UTC(),
	})
	for _, rej := range exec.Rejections {
		run.Errors = append(run.Errors, rej.Error())
		metrics.OrderRejections.WithLabelValues(c.ID, "broker").Inc()
		log.Info("order rejected", "ticker", rej.Order.Ticker, "reason", rej.Reason)
	}
	run.Fills = exec.Fills
	after := exec.Snapshot
	run.SnapshotAfter = &after
	step(model.StateExecuted)
}

// restore returns the competitor's latest snapshot, seeding the initial
// cash-only portfolio on the first run.
func (r *Runner) restore(ctx context.Context, c config.Competitor) (model.Snapshot, error) {
	latest, err := r.store.LatestSnapshot(ctx, c.ID)
	if err == nil {
		return *latest, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.Snapshot{}, err
	}

	if err := r.store.UpsertCompetitor(ctx, &model.Competitor{
		ID: c.ID, Name: c.Name, Provider: c.Provider, Model: c.Model, CreatedAt: r.now().UTC(),
	}); err != nil {
		return model.Snapshot{}, fmt.Errorf("register competitor: %w", err)
	}
	seed := model.NewSnapshot(decimal.NewFromFloat(c.InitialCash), r.now().UTC())
	if err := r.store.SaveSnapshot(ctx, c.ID, seed); err != nil {
		return model.Snapshot{}, fmt.Errorf("seed snapshot: %w", err)
	}
	return seed, nil
}

// persist records run. An executed run is stored as RECORDED; when that
// fails the run becomes FAILED at PERSISTENCE and is returned unsaved.
// Runs that failed earlier are stored as they are for the audit trail.
// Persistence outlives ctx cancellation so completed work is not lost.
func (r *Runner) persist(ctx context.Context, run *model.RunLog, log *slog.Logger) error {
	ctx = context.WithoutCancel(ctx)

	if run.State != model.StateExecuted {
		if err := r.rec.Record(ctx, run); err != nil {
			log.Error("record failed run", "error", err)
			return err
		}
		return nil
	}

	final := *run
	if err := advance(&final, model.StateRecorded); err != nil {
		return err
	}
	if err := r.rec.Record(ctx, &final); err != nil {
		_ = fail(run, fmt.Sprintf("persist: %v", err))
		log.Error("run not persisted", "error", err)
		return err
	}
	*run = final

	log.Info("run complete", "fills", len(run.Fills), "errors", len(run.Errors),
		"equity", run.SnapshotAfter.Equity().StringFixed(2))
	return nil
}

// claim marks competitor id as running s. It reports false when another
// run of the same competitor and session holds the claim.
func (r *Runner) claim(id string, s model.Session) bool {
	key := id + "|" + s.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[key] {
		return false
	}
	r.running[key] = true
	return true
}

func (r *Runner) release(id string, s model.Session) {
	r.mu.Lock()
	delete(r.running, id+"|"+s.Key())
	r.mu.Unlock()
}

// excludedErrors renders one run log error per excluded ticker, sorted by
// ticker.
func excludedErrors(ex map[string]string) []string {
	out := make([]string, 0, len(ex))
	for t, reason := range ex {
		out = append(out, fmt.Sprintf("data: %s excluded: %s", t, reason))
	}
	sort.Strings(out)
	return out
}

func excludedReasons(ex map[string]string) string {
	if len(ex) == 0 {
		return "empty universe"
	}
	parts := make([]string, 0, len(ex))
	for t, reason := range ex {
		parts = append(parts, t+": "+reason)
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

func summarize(results []Result) map[string]int {
	out := map[string]int{}
	for _, res := range results {
		switch {
		case res.Skipped != "":
			out["skipped"]++
		case res.Run != nil:
			out[strings.ToLower(string(res.Run.State))]++
		default:
			out["error"]++
		}
	}
	return out
}
