package arena

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/atmx/arena-engine/internal/config"
	"github.com/atmx/arena-engine/internal/model"
)

// ErrSessionClosed is returned when a session is requested outside its window.
var ErrSessionClosed = errors.New("arena: session window closed")

const (
	openLead   = 5 * time.Minute
	openTrail  = 30 * time.Minute
	closeLead  = 30 * time.Minute
	closeTrail = 5 * time.Minute
)

// Window is one session's trading window in one market.
type Window struct {
	Market  model.MarketType
	Session model.Session
	Target  time.Time // scheduled open or close
	Start   time.Time
	End     time.Time
}

// Contains reports whether t is inside the window, inclusive.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

type calendar struct {
	market   model.MarketType
	loc      *time.Location
	open     time.Duration // local wall clock
	close    time.Duration
	holidays map[string]bool
}

// Gate decides whether a session may run now. A session is open when its
// window is open in at least one configured market.
type Gate struct {
	cals []calendar
}

func NewGate(markets []config.Market) (*Gate, error) {
	g := &Gate{}
	for _, m := range markets {
		loc, err := time.LoadLocation(m.Timezone)
		if err != nil {
			return nil, fmt.Errorf("gate: timezone %q: %w", m.Timezone, err)
		}
		open, err := clock(m.OpenTime)
		if err != nil {
			return nil, fmt.Errorf("gate: open_time: %w", err)
		}
		cl, err := clock(m.CloseTime)
		if err != nil {
			return nil, fmt.Errorf("gate: close_time: %w", err)
		}
		hol := make(map[string]bool, len(m.Holidays))
		for _, h := range m.Holidays {
			hol[h] = true
		}
		g.cals = append(g.cals, calendar{market: m.Type, loc: loc, open: open, close: cl, holidays: hol})
	}
	if len(g.cals) == 0 {
		return nil, errors.New("gate: no markets")
	}
	return g, nil
}

func clock(hhmm string) (time.Duration, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (c calendar) tradingDay(day time.Time) bool {
	if c.market == model.MarketCrypto {
		return true
	}
	switch day.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.holidays[day.Format(model.SessionDateLayout)]
}

func (c calendar) window(day time.Time, t model.SessionType) Window {
	at := func(d time.Duration) time.Time {
		// Wall-clock construction keeps DST days correct.
		return time.Date(day.Year(), day.Month(), day.Day(), int(d/time.Hour), int(d%time.Hour/time.Minute), 0, 0, c.loc)
	}
	w := Window{Market: c.market, Session: model.Session{Date: day.Format(model.SessionDateLayout), Type: t}}
	if t == model.SessionOpen {
		w.Target = at(c.open)
		w.Start, w.End = w.Target.Add(-openLead), w.Target.Add(openTrail)
	} else {
		w.Target = at(c.close)
		w.Start, w.End = w.Target.Add(-closeLead), w.Target.Add(closeTrail)
	}
	return w
}

// Today returns the session date at now in the first market's timezone.
func (g *Gate) Today(now time.Time) string {
	return now.In(g.cals[0].loc).Format(model.SessionDateLayout)
}

// Check returns nil when s may run at now.
func (g *Gate) Check(now time.Time, s model.Session) error {
	day, err := time.Parse(model.SessionDateLayout, s.Date)
	if err != nil {
		return fmt.Errorf("%w: bad session date %q", ErrSessionClosed, s.Date)
	}
	reason := "not a trading day"
	for _, c := range g.cals {
		local := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, c.loc)
		if !c.tradingDay(local) {
			continue
		}
		w := c.window(local, s.Type)
		if w.Contains(now) {
			return nil
		}
		reason = fmt.Sprintf("outside %s window %s-%s", s.Type,
			w.Start.Format("15:04"), w.End.Format("15:04 MST"))
	}
	return fmt.Errorf("%w: %s %s", ErrSessionClosed, s.Key(), reason)
}

// Current returns the session whose window contains now, if any.
func (g *Gate) Current(now time.Time) (Window, bool) {
	for _, w := range g.windows(now, 0) {
		if w.Contains(now) {
			return w, true
		}
	}
	return Window{}, false
}

// Next returns the earliest window that has not yet ended. A window that is
// open now is returned as the next one.
func (g *Gate) Next(now time.Time) (Window, bool) {
	for _, w := range g.windows(now, 8) {
		if now.After(w.End) {
			continue
		}
		return w, true
	}
	return Window{}, false
}

// windows lists every window from yesterday through days ahead, ordered by
// start time.
func (g *Gate) windows(now time.Time, days int) []Window {
	var out []Window
	for _, c := range g.cals {
		local := now.In(c.loc)
		for i := -1; i <= days; i++ {
			day := local.AddDate(0, 0, i)
			if !c.tradingDay(day) {
				continue
			}
			out = append(out, c.window(day, model.SessionOpen), c.window(day, model.SessionClose))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}
