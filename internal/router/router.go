// Package router implements the model client behind the orchestrator.
//
// Requests are sent to OpenAI-compatible chat completion endpoints (OpenAI,
// Azure OpenAI, Ollama or any compatible gateway). Providers are tried in
// order, falling back to the next one when a call fails, and per-provider
// latency is tracked for the stats endpoint.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/scrivia/agentcore/pkg/contracts"
	"github.com/scrivia/agentcore/pkg/models"
)

// ErrNoProviders is returned when the router has nothing to call.
var ErrNoProviders = errors.New("no model providers configured")

// Provider is one chat completion endpoint.
type Provider struct {
	Name     string
	Kind     string // openai, azure-openai, ollama
	Endpoint string
	APIKey   string
	Model    string
}

// ModelRouter sends completion requests to the configured providers.
type ModelRouter struct {
	providers []Provider
	client    *http.Client

	// Latency tracking: provider name → rolling avg ms
	latencyMu sync.RWMutex
	latencies map[string]int64
}

var _ contracts.ModelClient = (*ModelRouter)(nil)

// NewModelRouter creates a router over providers, tried in the given order.
func NewModelRouter(timeout time.Duration, providers ...Provider) *ModelRouter {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &ModelRouter{
		providers: providers,
		client:    &http.Client{Timeout: timeout},
		latencies: make(map[string]int64),
	}
}

// Complete sends the conversation to the first provider that answers.
func (mr *ModelRouter) Complete(ctx context.Context, req models.CompletionRequest) (*models.CompletionResponse, error) {
	if len(mr.providers) == 0 {
		return nil, ErrNoProviders
	}

	var lastErr error
	for i := range mr.providers {
		provider := &mr.providers[i]
		resp, err := mr.callProvider(ctx, provider, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn().
				Str("provider", provider.Name).
				Str("model", provider.Model).
				Err(err).
				Msg("Provider call failed, trying next")
			lastErr = err
			continue
		}
		return resp, nil
	}

	return nil, fmt.Errorf("all providers failed, last error: %w", lastErr)
}

// Latencies returns the rolling average latency per provider in ms.
func (mr *ModelRouter) Latencies() map[string]int64 {
	mr.latencyMu.RLock()
	defer mr.latencyMu.RUnlock()
	out := make(map[string]int64, len(mr.latencies))
	for k, v := range mr.latencies {
		out[k] = v
	}
	return out
}

func (mr *ModelRouter) callProvider(ctx context.Context, provider *Provider, req models.CompletionRequest) (*models.CompletionResponse, error) {
	start := time.Now()

	resp, err := mr.callOpenAI(ctx, provider, req)
	if err != nil {
		return nil, err
	}

	latencyMs := time.Since(start).Milliseconds()
	mr.latencyMu.Lock()
	prev := mr.latencies[provider.Name]
	if prev == 0 {
		mr.latencies[provider.Name] = latencyMs
	} else {
		// Exponential moving average
		mr.latencies[provider.Name] = (prev*7 + latencyMs*3) / 10
	}
	mr.latencyMu.Unlock()

	return resp, nil
}

// ── OpenAI-compatible wire format ───────────────────────────

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openAITool struct {
	Type     string          `json:"type"`
	Function models.ToolSpec `json:"function"`
}

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
	Tools    []openAITool    `json:"tools,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

func defaultEndpoint(kind string) string {
	switch kind {
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return "https://api.openai.com/v1"
	}
}

func (mr *ModelRouter) callOpenAI(ctx context.Context, provider *Provider, req models.CompletionRequest) (*models.CompletionResponse, error) {
	kind := provider.Kind
	if kind == "" {
		kind = "openai"
	}
	endpoint := strings.TrimRight(provider.Endpoint, "/")
	if endpoint == "" {
		endpoint = defaultEndpoint(kind)
	}
	if provider.APIKey == "" && kind != "ollama" {
		return nil, fmt.Errorf("%s: api key not configured for provider %s", kind, provider.Name)
	}

	body, err := json.Marshal(toWire(provider.Model, req))
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", kind, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", kind, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	// Azure OpenAI uses a different auth header
	switch {
	case kind == "azure-openai":
		httpReq.Header.Set("api-key", provider.APIKey)
	case provider.APIKey != "":
		httpReq.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}

	httpResp, err := mr.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", kind, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("%s: status %d: %s", kind, httpResp.StatusCode, string(respBody))
	}

	var oaiResp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", kind, err)
	}
	if len(oaiResp.Choices) == 0 {
		return nil, fmt.Errorf("%s: response has no choices", kind)
	}

	return fromWire(provider, &oaiResp), nil
}

func toWire(model string, req models.CompletionRequest) openAIRequest {
	out := openAIRequest{Model: model, Messages: make([]openAIMessage, 0, len(req.Messages))}
	for _, m := range req.Messages {
		msg := openAIMessage{Role: m.Role, ToolCallID: m.ToolCallID, Name: m.Name}
		// Assistant messages that only carry tool calls send a null content.
		if m.Content != "" || len(m.ToolCalls) == 0 {
			content := m.Content
			msg.Content = &content
		}
		for _, c := range m.ToolCalls {
			args := string(c.Arguments)
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, openAIToolCall{
				ID:       c.ID,
				Type:     "function",
				Function: openAIFunctionCall{Name: c.Name, Arguments: args},
			})
		}
		out.Messages = append(out.Messages, msg)
	}
	for _, spec := range req.Tools {
		out.Tools = append(out.Tools, openAITool{Type: "function", Function: spec})
	}
	return out
}

func fromWire(provider *Provider, resp *openAIResponse) *models.CompletionResponse {
	msg := resp.Choices[0].Message
	out := &models.CompletionResponse{
		Model: resp.Model,
		Usage: models.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	if out.Model == "" {
		out.Model = provider.Model
	}
	if msg.Content != nil {
		out.Content = *msg.Content
	}
	for _, c := range msg.ToolCalls {
		id := c.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		args := c.Function.Arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        id,
			Name:      c.Function.Name,
			Arguments: json.RawMessage(args),
		})
	}
	return out
}
