package marketdata

import (
	"context"
	"fmt"

	"github.com/atmx/arena-engine/internal/model"
)

// StaticSource serves fixed bars. It backs replays from persisted bars and
// deterministic tests.
type StaticSource struct {
	Label string
	Bars  map[string][]model.Bar
	Err   map[string]error
}

func (s *StaticSource) Name() string {
	if s.Label == "" {
		return "static"
	}
	return s.Label
}

func (s *StaticSource) DailyBars(_ context.Context, ticker string, _ model.MarketType) ([]model.Bar, error) {
	if err, ok := s.Err[ticker]; ok {
		return nil, err
	}
	bars, ok := s.Bars[ticker]
	if !ok || len(bars) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoData, ticker)
	}
	out := make([]model.Bar, len(bars))
	copy(out, bars)
	return out, nil
}
