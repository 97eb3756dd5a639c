// Package llm provides chat-completion clients for the supported providers.
//
// Every client returns a Response with token usage and latency even when the
// call fails, so callers can audit each attempt.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrSafetyBlocked   = errors.New("llm: content blocked by safety filters")
	ErrQuotaExceeded   = errors.New("llm: rate limit or quota exceeded")
	ErrEmptyResponse   = errors.New("llm: empty response")
	ErrProvider        = errors.New("llm: provider error")
	ErrUnknownProvider = errors.New("llm: unknown provider")
	ErrMissingAPIKey   = errors.New("llm: api key required")
)

// Request is one completion request.
type Request struct {
	SystemPrompt string
	Prompt       string
	JSONMode     bool
	MaxTokens    int
	Temperature  float64
}

// Response is the completion and its usage.
type Response struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	Model            string
}

// Client is a provider-specific completion client.
type Client interface {
	Provider() string
	Model() string
	Complete(ctx context.Context, req Request) (Response, error)
}

const (
	ProviderOpenRouter = "openrouter"
	ProviderGemini     = "gemini"
)

const (
	defaultMaxTokens = 4096
	defaultAttempts  = 3
	defaultBackoff   = 2 * time.Second
	defaultTimeout   = 120 * time.Second
)

// Options are shared by the HTTP clients.
type Options struct {
	APIKey            string
	BaseURL           string
	Timeout           time.Duration // per attempt
	Attempts          int
	Backoff           time.Duration // first retry delay, doubled per attempt
	RequestsPerMinute int           // zero means unlimited
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.Attempts <= 0 {
		o.Attempts = defaultAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = defaultBackoff
	}
}

func (o Options) limiter() *rate.Limiter {
	if o.RequestsPerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(o.RequestsPerMinute)/60), 1)
}

// attemptFunc performs one attempt. retry reports whether a failure is
// transient.
type attemptFunc func(ctx context.Context) (resp Response, retry bool, err error)

// withRetry runs fn up to attempts times with exponential backoff. The
// returned latency covers every attempt.
func withRetry(ctx context.Context, provider string, o Options, lim *rate.Limiter, fn attemptFunc) (Response, error) {
	start := time.Now()
	backoff := o.Backoff
	var (
		resp Response
		err  error
	)
	for attempt := 1; attempt <= o.Attempts; attempt++ {
		if err = lim.Wait(ctx); err != nil {
			break
		}
		actx, cancel := context.WithTimeout(ctx, o.Timeout)
		var retry bool
		resp, retry, err = fn(actx)
		cancel()
		if err == nil || !retry || attempt == o.Attempts {
			break
		}
		slog.Warn("llm request failed, retrying", "provider", provider, "attempt", attempt,
			"max_attempts", o.Attempts, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			resp.Latency = time.Since(start)
			return resp, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	resp.Latency = time.Since(start)
	return resp, err
}

// classify maps provider error text onto the package sentinels.
func classify(status int, msg string) error {
	up := strings.ToUpper(msg)
	switch {
	case strings.Contains(up, "SAFETY"):
		return fmt.Errorf("%w: %s", ErrSafetyBlocked, msg)
	case status == 429 || status == 402 || strings.Contains(up, "QUOTA") || strings.Contains(up, "RESOURCE_EXHAUSTED"):
		return fmt.Errorf("%w: HTTP %d: %s", ErrQuotaExceeded, status, msg)
	default:
		return fmt.Errorf("%w: HTTP %d: %s", ErrProvider, status, msg)
	}
}

func transient(status int) bool {
	return status == 429 || status == 408 || status >= 500
}

// Keys carries provider credentials and endpoints.
type Keys struct {
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	GoogleAPIKey      string
	GeminiBaseURL     string
	Timeout           time.Duration
}

// New creates a client for provider and model.
func New(provider, model string, keys Keys) (Client, error) {
	switch strings.ToLower(provider) {
	case ProviderOpenRouter:
		c, err := NewOpenRouter(model, Options{APIKey: keys.OpenRouterAPIKey, BaseURL: keys.OpenRouterBaseURL, Timeout: keys.Timeout})
		if err != nil {
			return nil, err
		}
		return c, nil
	case ProviderGemini:
		c, err := NewGemini(model, Options{APIKey: keys.GoogleAPIKey, BaseURL: keys.GeminiBaseURL, Timeout: keys.Timeout})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: %q (supported: openrouter, gemini)", ErrUnknownProvider, provider)
	}
}

// Registry maps competitor ids to clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

func (r *Registry) Register(competitorID string, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[competitorID] = c
}

func (r *Registry) Get(competitorID string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[competitorID]
	return c, ok
}

// CleanJSON strips surrounding whitespace and markdown code fences.
func CleanJSON(content string) string {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		} else {
			s = strings.TrimPrefix(strings.TrimPrefix(s, "```json"), "```")
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
