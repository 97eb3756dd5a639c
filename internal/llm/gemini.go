package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"
)

const defaultGeminiURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini calls the Google Generative Language REST API.
type Gemini struct {
	model   string
	opts    Options
	http    *http.Client
	limiter *rate.Limiter
}

func NewGemini(model string, opts Options) (*Gemini, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: GOOGLE_API_KEY", ErrMissingAPIKey)
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultGeminiURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	opts.defaults()
	return &Gemini{model: model, opts: opts, http: &http.Client{}, limiter: opts.limiter()}, nil
}

func (c *Gemini) Provider() string { return ProviderGemini }
func (c *Gemini) Model() string    { return c.model }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		Temperature      float64 `json:"temperature"`
		MaxOutputTokens  int     `json:"maxOutputTokens"`
		ResponseMimeType string  `json:"responseMimeType,omitempty"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
	Error        *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (c *Gemini) Complete(ctx context.Context, req Request) (Response, error) {
	var body geminiRequest
	body.Contents = []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}}}
	if req.SystemPrompt != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}
	body.GenerationConfig.Temperature = req.Temperature
	body.GenerationConfig.MaxOutputTokens = req.MaxTokens
	if body.GenerationConfig.MaxOutputTokens <= 0 {
		body.GenerationConfig.MaxOutputTokens = defaultMaxTokens
	}
	if req.JSONMode {
		body.GenerationConfig.ResponseMimeType = "application/json"
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Response{Model: c.model}, err
	}

	return withRetry(ctx, ProviderGemini, c.opts, c.limiter, func(ctx context.Context) (Response, bool, error) {
		return c.attempt(ctx, payload)
	})
}

func (c *Gemini) attempt(ctx context.Context, payload []byte) (Response, bool, error) {
	out := Response{Model: c.model}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.opts.BaseURL, url.PathEscape(c.model))
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return out, false, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("x-goog-api-key", c.opts.APIKey)

	resp, err := c.http.Do(hreq)
	if err != nil {
		return out, true, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, true, fmt.Errorf("%w: read body: %v", ErrProvider, err)
	}

	var gr geminiResponse
	_ = json.Unmarshal(raw, &gr)
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(raw))
		if gr.Error != nil {
			msg = gr.Error.Status + ": " + gr.Error.Message
		}
		return out, transient(resp.StatusCode), classify(resp.StatusCode, msg)
	}

	out.PromptTokens = gr.UsageMetadata.PromptTokenCount
	out.CompletionTokens = gr.UsageMetadata.CandidatesTokenCount
	if gr.ModelVersion != "" {
		out.Model = gr.ModelVersion
	}
	if gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "" {
		return out, false, fmt.Errorf("%w: prompt blocked: %s", ErrSafetyBlocked, gr.PromptFeedback.BlockReason)
	}
	if len(gr.Candidates) == 0 {
		return out, false, ErrEmptyResponse
	}
	cand := gr.Candidates[0]
	if cand.FinishReason == "SAFETY" {
		return out, false, fmt.Errorf("%w: finish reason SAFETY", ErrSafetyBlocked)
	}
	var sb strings.Builder
	for _, p := range cand.Content.Parts {
		sb.WriteString(p.Text)
	}
	out.Content = sb.String()
	if strings.TrimSpace(out.Content) == "" {
		return out, false, ErrEmptyResponse
	}
	return out, false, nil
}
