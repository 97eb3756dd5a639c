package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atmx/arena-engine/internal/llm"
	"github.com/atmx/arena-engine/internal/model"
)

const (
	DefaultStrategistTemperature = 0.7
	DefaultRiskGuardTemperature  = 0.5
)

const noBriefing = "No market data provided."

// Strategist proposes one action per ticker.
type Strategist struct {
	Temperature float64
	MaxTokens   int

	call caller
}

func NewStrategist(client llm.Client, now func() time.Time) *Strategist {
	return &Strategist{Temperature: DefaultStrategistTemperature, call: newCaller(client, 0, now)}
}

// Prompts builds the system and user prompts for a session.
func (s *Strategist) Prompts(session model.Session, briefing string) (system, user string) {
	if strings.TrimSpace(briefing) == "" {
		briefing = noBriefing
	}
	return fmt.Sprintf(strategistSystemPrompt, strategistSchema),
		fmt.Sprintf(strategistUserPrompt, session.Type, session.Date, briefing)
}

// Propose asks the model for a proposal covering every ticker in universe.
// The returned calls are populated even when err is non-nil.
func (s *Strategist) Propose(ctx context.Context, session model.Session, universe []string, briefing string) (*model.StrategistProposal, []model.LLMCall, error) {
	sys, user := s.Prompts(session, briefing)
	req := llm.Request{SystemPrompt: sys, Prompt: user, Temperature: s.Temperature, MaxTokens: s.MaxTokens}

	out, calls, err := s.call.invoke(ctx, model.CallStrategist, req, strategistSchema, func(raw string) (any, error) {
		return ParseProposal(raw, session, universe)
	})
	if err != nil {
		return nil, calls, err
	}
	return out.(*model.StrategistProposal), calls, nil
}
