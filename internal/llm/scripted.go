package llm

import (
	"context"
	"sync"
)

// Scripted replays canned responses in order. It is used by tests and by
// dry runs that must not reach a provider.
type Scripted struct {
	ProviderName string
	ModelName    string

	mu       sync.Mutex
	steps    []scriptStep
	requests []Request
}

type scriptStep struct {
	resp Response
	err  error
}

func NewScripted(provider, model string) *Scripted {
	return &Scripted{ProviderName: provider, ModelName: model}
}

// Reply queues a successful completion.
func (s *Scripted) Reply(content string) *Scripted {
	return s.Push(Response{Content: content, PromptTokens: 100, CompletionTokens: 50}, nil)
}

// Fail queues an error.
func (s *Scripted) Fail(err error) *Scripted {
	return s.Push(Response{}, err)
}

func (s *Scripted) Push(resp Response, err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, scriptStep{resp: resp, err: err})
	return s
}

func (s *Scripted) Provider() string { return s.ProviderName }
func (s *Scripted) Model() string    { return s.ModelName }

func (s *Scripted) Complete(ctx context.Context, req Request) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if err := ctx.Err(); err != nil {
		return Response{Model: s.ModelName}, err
	}
	if len(s.steps) == 0 {
		return Response{Model: s.ModelName}, ErrEmptyResponse
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	step.resp.Model = s.ModelName
	return step.resp, step.err
}

// Requests returns every request seen so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Remaining is the number of queued steps not yet consumed.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}
