// Command arena runs LLM trading competitions on paper portfolios.
//
//	arena serve                      HTTP API, WebSocket feed and optional scheduler
//	arena run [-session] [-date] ... run one session now
//	arena export [-out data.json]    write the dashboard document
//	arena init-db                    create the Postgres schema
//	arena status                     print the leaderboard
//	arena next-session               print the next session window
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/atmx/arena-engine/internal/arena"
	"github.com/atmx/arena-engine/internal/config"
	"github.com/atmx/arena-engine/internal/export"
	"github.com/atmx/arena-engine/internal/model"
	"github.com/atmx/arena-engine/internal/store"
)

const usage = `usage: arena <command> [flags]

commands:
  serve          start the HTTP API
  run            run a session now
  export         write the dashboard JSON document
  init-db        create the Postgres schema
  status         print the leaderboard
  next-session   print the next session window
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	env, err := config.LoadEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "environment: %v\n", err)
		os.Exit(1)
	}
	setupLogger(env.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "serve":
		err = serve(ctx, env, args)
	case "run":
		err = runSession(ctx, env, args)
	case "export":
		err = exportDashboard(ctx, env, args)
	case "init-db":
		err = initDB(ctx, env)
	case "status":
		err = status(ctx, env)
	case "next-session":
		err = nextSession(env)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error(cmd+" failed", "error", err)
		os.Exit(1)
	}
}

func setupLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// runSession handles `arena run`.
func runSession(ctx context.Context, env config.Env, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	sessionFlag := fs.String("session", "", "OPEN or CLOSE (default: the session whose window is open)")
	dateFlag := fs.String("date", "", "session date YYYY-MM-DD (default: today in the market timezone)")
	competitor := fs.String("competitor", "", "run only this competitor")
	force := fs.Bool("force", false, "bypass the session gate and re-run recorded competitors")
	fs.Parse(args)

	cfg, err := config.Load(env.ArenaConfig)
	if err != nil {
		return err
	}
	a, err := wire(ctx, env, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.runner == nil {
		return errors.New("no price source configured: set ALPHA_VANTAGE_API_KEY or POLYGON_API_KEY")
	}

	sess, err := resolveSession(a.gate, time.Now(), *sessionFlag, *dateFlag)
	if err != nil {
		return err
	}

	results, err := a.runner.RunSession(ctx, sess, arena.RunOptions{Force: *force, CompetitorID: *competitor})
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COMPETITOR\tOUTCOME\tFILLS\tDETAIL")
	failed := 0
	for _, r := range results {
		switch {
		case r.Err != nil:
			failed++
			fmt.Fprintf(tw, "%s\tERROR\t-\t%v\n", r.CompetitorID, r.Err)
		case r.Run == nil:
			fmt.Fprintf(tw, "%s\tSKIPPED\t-\t%s\n", r.CompetitorID, r.Skipped)
		default:
			detail := ""
			if r.Run.State == model.StateFailed {
				failed++
				detail = fmt.Sprintf("%s: %s", r.Run.FailedStage, r.Run.FailureReason)
			} else if r.Run.SnapshotAfter != nil {
				detail = "equity " + r.Run.SnapshotAfter.Equity().StringFixed(2)
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.CompetitorID, r.Run.State, len(r.Run.Fills), detail)
		}
	}
	tw.Flush()

	if failed > 0 {
		return fmt.Errorf("%d of %d competitors failed", failed, len(results))
	}
	return nil
}

// resolveSession fills defaults: the date is today in the primary market
// and the type is the window open now, or CLOSE when none is.
func resolveSession(g *arena.Gate, now time.Time, session, date string) (model.Session, error) {
	s := model.Session{Date: date}
	if s.Date == "" {
		s.Date = g.Today(now)
	}
	switch {
	case session != "":
		t, ok := model.ParseSessionType(session)
		if !ok {
			return s, fmt.Errorf("invalid -session %q: want OPEN or CLOSE", session)
		}
		s.Type = t
	default:
		s.Type = model.SessionClose
		if w, ok := g.Current(now); ok && w.Session.Date == s.Date {
			s.Type = w.Session.Type
		}
	}
	return s, nil
}

// exportDashboard handles `arena export`.
func exportDashboard(ctx context.Context, env config.Env, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	out := fs.String("out", "data.json", "output path, - for stdout")
	fs.Parse(args)

	cfg, err := config.Load(env.ArenaConfig)
	if err != nil {
		return err
	}
	st, _, cleanup, err := openStore(ctx, env)
	if err != nil {
		return err
	}
	defer cleanup()

	dd, err := newExporter(st, cfg).Build(ctx)
	if err != nil {
		return err
	}

	if *out == "-" {
		return export.Write(os.Stdout, dd)
	}
	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	if err := export.Write(f, dd); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	slog.Info("dashboard exported", "path", *out,
		"competitors", dd.Metadata.TotalCompetitors, "runs", dd.Metadata.TotalRuns, "trades", dd.Metadata.TotalTrades)
	return nil
}

// initDB handles `arena init-db`.
func initDB(ctx context.Context, env config.Env) error {
	if env.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	pg, cleanup, err := openPostgres(ctx, env.DatabaseURL)
	if err != nil {
		return err
	}
	defer cleanup()
	if err := pg.Migrate(ctx); err != nil {
		return err
	}
	slog.Info("schema ready")
	return nil
}

// status handles `arena status`.
func status(ctx context.Context, env config.Env) error {
	cfg, err := config.Load(env.ArenaConfig)
	if err != nil {
		return err
	}
	st, _, cleanup, err := openStore(ctx, env)
	if err != nil {
		return err
	}
	defer cleanup()

	lb, err := newExporter(st, cfg).Leaderboard(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tCOMPETITOR\tMODEL\tEQUITY\tRETURN\tMAX DD\tTRADES")
	for i, e := range lb {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s%%\t%s%%\t%d\n", i+1, e.CompetitorID, e.Model,
			e.CurrentEquity.StringFixed(2),
			e.TotalReturn.Shift(2).StringFixed(2),
			e.MaxDrawdown.Shift(2).StringFixed(2),
			e.NumTrades)
	}
	return tw.Flush()
}

// nextSession handles `arena next-session`.
func nextSession(env config.Env) error {
	cfg, err := config.Load(env.ArenaConfig)
	if err != nil {
		return err
	}
	g, err := arena.NewGate(cfg.Markets)
	if err != nil {
		return err
	}
	now := time.Now()
	w, ok := g.Next(now)
	if !ok {
		fmt.Println("no session in the next week")
		return nil
	}
	state := "opens in " + w.Start.Sub(now).Round(time.Minute).String()
	if w.Contains(now) {
		state = "open now, closes in " + w.End.Sub(now).Round(time.Minute).String()
	}
	fmt.Printf("%s %s (%s) %s-%s: %s\n", strings.ToUpper(string(w.Market)), w.Session.Key(),
		w.Target.Format("15:04 MST"), w.Start.Format("15:04"), w.End.Format("15:04"), state)
	return nil
}

func newExporter(st store.Store, cfg *config.Arena) *export.Exporter {
	return export.New(st, export.Options{
		RunLogLimit:    cfg.Export.RunLogLimit,
		TradeLimit:     cfg.Export.TradeLimit,
		MarketDataBars: cfg.Export.MarketDataBars,
	}, nil)
}
