// Package agent implements the two LLM stages of a run. The Strategist turns
// market briefings into per-ticker proposals and the Risk Guard turns
// proposals into concrete orders. Each stage makes one call, parses the
// output strictly and, when parsing fails, makes a single repair call.
//
// Every call is returned as a model.LLMCall, including failed ones, so the
// run log captures the full conversation.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/arena-engine/internal/llm"
	"github.com/atmx/arena-engine/internal/model"
)

// ErrCallFailed wraps provider errors (timeouts, quota, safety blocks).
var ErrCallFailed = errors.New("agent: llm call failed")

const repairTemperature = 0.3

// caller performs one stage call plus the optional repair.
type caller struct {
	client    llm.Client
	maxTokens int
	now       func() time.Time
}

// parseFunc decodes cleaned model output and returns the canonical value.
type parseFunc func(raw string) (any, error)

// invoke runs req, parses the result, and repairs once on a schema
// violation. The returned calls are in the order they were made.
func (c caller) invoke(ctx context.Context, kind model.CallType, req llm.Request, schema string, parse parseFunc) (any, []model.LLMCall, error) {
	req.JSONMode = true
	if req.MaxTokens == 0 {
		req.MaxTokens = c.maxTokens
	}

	resp, err := c.client.Complete(ctx, req)
	call := c.record(kind, req, resp)
	if err != nil {
		call.Error = err.Error()
		return nil, []model.LLMCall{call}, fmt.Errorf("%w: %s: %w", ErrCallFailed, kind, err)
	}

	out, perr := parse(llm.CleanJSON(resp.Content))
	if perr == nil {
		call.Success = true
		call.ParsedResponse = canonical(out)
		return out, []model.LLMCall{call}, nil
	}
	call.Error = perr.Error()
	calls := []model.LLMCall{call}

	slog.Warn("llm output failed validation, attempting repair", "call_type", kind,
		"provider", c.client.Provider(), "model", c.client.Model(), "error", perr)

	sys, user := RepairPrompts(resp.Content, perr.Error(), schema)
	rreq := llm.Request{SystemPrompt: sys, Prompt: user, JSONMode: true, MaxTokens: req.MaxTokens, Temperature: repairTemperature}
	rresp, err := c.client.Complete(ctx, rreq)
	rcall := c.record(model.CallRepair, rreq, rresp)
	if err != nil {
		rcall.Error = err.Error()
		calls = append(calls, rcall)
		return nil, calls, fmt.Errorf("%s: %w (repair call failed: %v)", kind, perr, err)
	}

	out, rerr := parse(llm.CleanJSON(rresp.Content))
	if rerr != nil {
		rcall.Error = rerr.Error()
		calls = append(calls, rcall)
		return nil, calls, fmt.Errorf("%s: repair did not produce valid output: %w", kind, rerr)
	}
	rcall.Success = true
	rcall.ParsedResponse = canonical(out)
	return out, append(calls, rcall), nil
}

func (c caller) record(kind model.CallType, req llm.Request, resp llm.Response) model.LLMCall {
	m := resp.Model
	if m == "" {
		m = c.client.Model()
	}
	return model.LLMCall{
		CallType:         kind,
		Provider:         c.client.Provider(),
		Model:            m,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		LatencyMs:        resp.Latency.Milliseconds(),
		Prompt:           req.Prompt,
		SystemPrompt:     req.SystemPrompt,
		RawResponse:      resp.Content,
		Timestamp:        c.now().UTC(),
	}
}

func canonical(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func newCaller(client llm.Client, maxTokens int, now func() time.Time) caller {
	if now == nil {
		now = time.Now
	}
	return caller{client: client, maxTokens: maxTokens, now: now}
}
