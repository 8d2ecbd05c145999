package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/renyus/prisma"
)

// chatTimeout bounds one completion call end to end. Long-form roleplay
// replies on slow models can take minutes.
const chatTimeout = 300 * time.Second

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithName overrides the provider name used in errors and logs.
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

// WithHTTPClient replaces the default client (tests, custom transports).
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// Provider implements prisma.Provider for any OpenAI-compatible API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	logger  *slog.Logger
}

var _ prisma.Provider = (*Provider)(nil)

// NewProvider creates a chat provider. baseURL is the API base (e.g.
// "https://api.deepseek.com/v1"); the /chat/completions path is appended.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: chatTimeout},
		name:    "openai",
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai").
func (p *Provider) Name() string { return p.name }

// Model returns the configured model identifier.
func (p *Provider) Model() string { return p.model }

// Chat sends one non-streaming completion request.
func (p *Provider) Chat(ctx context.Context, req prisma.ChatRequest) (prisma.ChatResponse, error) {
	body := BuildBody(req, p.model)
	start := time.Now()

	payload, err := json.Marshal(body)
	if err != nil {
		return prisma.ChatResponse{}, &prisma.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return prisma.ChatResponse{}, &prisma.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return prisma.ChatResponse{}, &prisma.ErrLLM{Provider: p.name, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return prisma.ChatResponse{}, &prisma.ErrHTTP{Status: resp.StatusCode, Body: string(raw)}
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return prisma.ChatResponse{}, &prisma.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	out, err := ParseResponse(chatResp, p.model)
	if err != nil {
		return prisma.ChatResponse{}, err
	}
	p.logger.Debug("chat completion",
		"provider", p.name, "model", p.model,
		"tokens", out.Usage.Total, "duration", time.Since(start))
	return out, nil
}
