package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/arena-engine/internal/briefing"
	"github.com/atmx/arena-engine/internal/llm"
	"github.com/atmx/arena-engine/internal/model"
)

// Constraints are the per-competitor limits stated to the Risk Guard. The
// same limits are enforced afterwards by the risk package.
type Constraints struct {
	MaxOrders      int
	MaxPositionPct float64 // fraction of equity
	MinConfidence  float64
	AllowShort     bool
}

// RiskGuard sizes approved proposals into orders.
type RiskGuard struct {
	Temperature float64
	MaxTokens   int

	call caller
}

func NewRiskGuard(client llm.Client, now func() time.Time) *RiskGuard {
	return &RiskGuard{Temperature: DefaultRiskGuardTemperature, call: newCaller(client, 0, now)}
}

// Prompts builds the system and user prompts for a plan request.
func (g *RiskGuard) Prompts(p *model.StrategistProposal, state model.Snapshot, prices map[string]decimal.Decimal, c Constraints) (system, user string, err error) {
	rule := longOnlyRule
	if c.AllowShort {
		rule = allowShortRule
	}
	system = fmt.Sprintf(riskGuardSystemPrompt,
		trimFloat(c.MaxPositionPct*100),
		trimFloat(c.MinConfidence),
		rule,
		briefing.PortfolioSummary(state),
		c.MaxOrders,
		briefing.Money(state.Cash),
		briefing.Money(state.Equity()),
		briefing.PricesSummary(prices),
		tradePlanSchema,
	)

	proposals, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", "", err
	}
	user = fmt.Sprintf(riskGuardUserPrompt, proposals, briefing.PositionsSummary(state))
	return system, user, nil
}

// Plan asks the model for a TradePlan. The returned calls are populated even
// when err is non-nil.
func (g *RiskGuard) Plan(ctx context.Context, p *model.StrategistProposal, state model.Snapshot, prices map[string]decimal.Decimal, c Constraints) (*model.TradePlan, []model.LLMCall, error) {
	sys, user, err := g.Prompts(p, state, prices, c)
	if err != nil {
		return nil, nil, err
	}
	req := llm.Request{SystemPrompt: sys, Prompt: user, Temperature: g.Temperature, MaxTokens: g.MaxTokens}

	out, calls, err := g.call.invoke(ctx, model.CallRiskGuard, req, tradePlanSchema, func(raw string) (any, error) {
		return ParsePlan(raw)
	})
	if err != nil {
		return nil, calls, err
	}
	return out.(*model.TradePlan), calls, nil
}
