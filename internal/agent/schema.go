package agent

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/arena-engine/internal/model"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ErrSchemaViolation is returned when model output does not decode into the
// expected structure or breaks a field constraint.
var ErrSchemaViolation = errors.New("agent: output violates schema")

const (
	maxRationale      = 1000
	maxMarketSummary  = 1000
	maxReasoning      = 3000
	maxRiskAssessment = 1500
)

// Schema returns the JSON schema document embedded for name.
func Schema(name string) string {
	b, err := schemaFS.ReadFile("schemas/" + name + ".json")
	if err != nil {
		panic(err)
	}
	return strings.TrimSpace(string(b))
}

var (
	strategistSchema = Schema("strategist_proposal")
	tradePlanSchema  = Schema("trade_plan")

	strategistValidator = mustCompile("strategist_proposal")
	tradePlanValidator  = mustCompile("trade_plan")
)

// The same documents are rendered into the prompts and enforced here.
func mustCompile(name string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := name + ".json"
	if err := c.AddResource(url, strings.NewReader(Schema(name))); err != nil {
		panic(fmt.Sprintf("agent: schema %s: %v", name, err))
	}
	return c.MustCompile(url)
}

// enumFields are upper-cased before validation; models often answer "buy".
var enumFields = map[string]bool{"action": true, "side": true, "order_type": true, "session_type": true}

// validate checks raw against sch before it is decoded into Go types.
func validate(sch *jsonschema.Schema, raw string) error {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return violation("invalid JSON: %v", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return violation("invalid JSON: %v", errors.New("invalid character after top-level value"))
	}
	canonicalize(doc)
	if err := sch.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return violation("%s", leafMessage(ve))
		}
		return violation("%v", err)
	}
	return nil
}

func canonicalize(v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if s, ok := child.(string); ok && enumFields[k] {
				t[k] = strings.ToUpper(strings.TrimSpace(s))
				continue
			}
			canonicalize(child)
		}
	case []any:
		for _, child := range t {
			canonicalize(child)
		}
	}
}

// leafMessage reports the deepest cause, e.g. "/orders/0/qty: must be >= 1".
func leafMessage(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + ve.Message
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSchemaViolation, fmt.Sprintf(format, args...))
}

func decodeStrict(raw string, v any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return violation("invalid JSON: %v", err)
	}
	return nil
}

type proposalWire struct {
	SessionDate   string       `json:"session_date"`
	SessionType   string       `json:"session_type"`
	MarketSummary string       `json:"market_summary"`
	Proposals     []tickerWire `json:"proposals"`
}

type tickerWire struct {
	Ticker              string       `json:"ticker"`
	Action              string       `json:"action"`
	Confidence          *json.Number `json:"confidence"`
	Rationale           string       `json:"rationale"`
	TargetAllocationPct *json.Number `json:"target_allocation_pct"`
}

// ParseProposal validates Strategist output against the strategist schema,
// then checks coverage: every ticker of the universe exactly once and no
// other ticker. The session fields are taken from session, not from the
// model.
func ParseProposal(raw string, session model.Session, universe []string) (*model.StrategistProposal, error) {
	if err := validate(strategistValidator, raw); err != nil {
		return nil, err
	}
	var w proposalWire
	if err := decodeStrict(raw, &w); err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(universe))
	for _, t := range universe {
		want[t] = true
	}
	seen := make(map[string]bool, len(w.Proposals))
	out := &model.StrategistProposal{
		SessionDate:   session.Date,
		SessionType:   session.Type,
		MarketSummary: clip(strings.TrimSpace(w.MarketSummary), maxMarketSummary),
		Proposals:     make([]model.TickerProposal, 0, len(w.Proposals)),
	}

	for i, tw := range w.Proposals {
		tp, err := tw.proposal()
		if err != nil {
			return nil, violation("proposals[%d]: %v", i, err)
		}
		if !want[tp.Ticker] {
			return nil, violation("proposals[%d]: ticker %s is not in the briefing", i, tp.Ticker)
		}
		if seen[tp.Ticker] {
			return nil, violation("proposals[%d]: duplicate ticker %s", i, tp.Ticker)
		}
		seen[tp.Ticker] = true
		out.Proposals = append(out.Proposals, tp)
	}

	var missing []string
	for _, t := range universe {
		if !seen[t] {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return nil, violation("proposals: missing tickers %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func (tw tickerWire) proposal() (model.TickerProposal, error) {
	sym, err := model.NormalizeTicker(tw.Ticker)
	if err != nil {
		return model.TickerProposal{}, err
	}
	tp := model.TickerProposal{
		Ticker:     sym,
		Action:     model.ProposedAction(strings.ToUpper(strings.TrimSpace(tw.Action))),
		Confidence: 0.5,
		Rationale:  clip(strings.TrimSpace(tw.Rationale), maxRationale),
	}
	if tw.Confidence != nil {
		c, err := tw.Confidence.Float64()
		if err != nil {
			return tp, fmt.Errorf("confidence: %v", err)
		}
		tp.Confidence = c
	}
	if tp.Rationale == "" {
		return tp, errors.New("rationale: must not be blank")
	}
	if tw.TargetAllocationPct != nil {
		a, err := tw.TargetAllocationPct.Float64()
		if err != nil {
			return tp, fmt.Errorf("target_allocation_pct: %v", err)
		}
		tp.TargetAllocationPct = &a
	}
	return tp, nil
}

type planWire struct {
	Reasoning      *string     `json:"reasoning"`
	RiskAssessment string      `json:"risk_assessment"`
	Orders         []orderWire `json:"orders"`
}

type orderWire struct {
	Ticker     string       `json:"ticker"`
	Side       string       `json:"side"`
	Qty        json.Number  `json:"qty"`
	OrderType  string       `json:"order_type"`
	LimitPrice *json.Number `json:"limit_price"`
	StopPrice  *json.Number `json:"stop_price"`
}

// ParsePlan validates Risk Guard output against the trade plan schema.
// Whether an order respects the trading constraints is decided by the risk
// package afterwards.
func ParsePlan(raw string) (*model.TradePlan, error) {
	if err := validate(tradePlanValidator, raw); err != nil {
		return nil, err
	}
	var w planWire
	if err := decodeStrict(raw, &w); err != nil {
		return nil, err
	}
	if w.Reasoning == nil || strings.TrimSpace(*w.Reasoning) == "" {
		return nil, violation("reasoning: must not be blank")
	}
	plan := &model.TradePlan{
		Reasoning:      clip(strings.TrimSpace(*w.Reasoning), maxReasoning),
		RiskAssessment: clip(strings.TrimSpace(w.RiskAssessment), maxRiskAssessment),
		Orders:         make([]model.Order, 0, len(w.Orders)),
	}
	for i, ow := range w.Orders {
		o, err := ow.order()
		if err != nil {
			return nil, violation("orders[%d]: %v", i, err)
		}
		plan.Orders = append(plan.Orders, o)
	}
	return plan, nil
}

func (ow orderWire) order() (model.Order, error) {
	sym, err := model.NormalizeTicker(ow.Ticker)
	if err != nil {
		return model.Order{}, err
	}
	o := model.Order{
		Ticker:    sym,
		Side:      model.OrderSide(strings.ToUpper(strings.TrimSpace(ow.Side))),
		OrderType: model.OrderMarket,
	}
	if t := strings.TrimSpace(ow.OrderType); t != "" {
		o.OrderType = model.OrderType(strings.ToUpper(t))
	}

	q, err := decimal.NewFromString(ow.Qty.String())
	if err != nil {
		return o, fmt.Errorf("qty: %q is not a number", ow.Qty.String())
	}
	if q.GreaterThan(maxQty) {
		return o, fmt.Errorf("qty %s exceeds %s", ow.Qty.String(), maxQty)
	}
	o.Qty = q.IntPart()

	if o.LimitPrice, err = price("limit_price", ow.LimitPrice); err != nil {
		return o, err
	}
	if o.StopPrice, err = price("stop_price", ow.StopPrice); err != nil {
		return o, err
	}
	switch {
	case o.OrderType == model.OrderLimit && o.LimitPrice == nil:
		return o, errors.New("limit_price required for LIMIT orders")
	case o.OrderType == model.OrderStop && o.StopPrice == nil:
		return o, errors.New("stop_price required for STOP orders")
	}
	return o, nil
}

var maxQty = decimal.NewFromInt(math.MaxInt64)

func price(field string, n *json.Number) (*decimal.Decimal, error) {
	if n == nil {
		return nil, nil
	}
	p, err := decimal.NewFromString(n.String())
	if err != nil {
		return nil, fmt.Errorf("%s: %q is not a number", field, n.String())
	}
	return &p, nil
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
