// Package openai adapts OpenAI-compatible chat-completions endpoints
// (OpenAI, DeepSeek and similar) to provider.Provider.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vnmchuo/chatstream/internal/apierr"
	"github.com/vnmchuo/chatstream/internal/cost"
	"github.com/vnmchuo/chatstream/internal/provider"
	"github.com/vnmchuo/chatstream/internal/stream"
)

const (
	DefaultTimeout       = 60 * time.Second
	DefaultStreamTimeout = 5 * time.Minute

	maxErrorBody = 1 << 20
)

type Provider struct {
	def     provider.Definition
	models  map[string]provider.ModelConfig
	keyRe   *regexp.Regexp
	client  *http.Client
	tracker *provider.Tracker
	logger  *zap.Logger

	maxReconnects int
	backoffUnit   time.Duration
}

type Option func(*Provider)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// WithReconnect overrides the stream reconnection policy. A negative
// maxAttempts disables reconnection.
func WithReconnect(maxAttempts int, backoffUnit time.Duration) Option {
	return func(p *Provider) {
		p.maxReconnects = maxAttempts
		p.backoffUnit = backoffUnit
	}
}

func New(def provider.Definition, opts ...Option) (*Provider, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("provider definition has no name")
	}
	if def.Endpoint == "" {
		return nil, fmt.Errorf("provider %s: endpoint is required", def.Name)
	}
	if len(def.Models) == 0 {
		return nil, fmt.Errorf("provider %s: at least one model is required", def.Name)
	}
	keyRe, err := provider.CompileKeyPattern(def.KeyPattern)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", def.Name, err)
	}
	if def.Timeout <= 0 {
		def.Timeout = DefaultTimeout
	}
	if def.StreamTimeout <= 0 {
		def.StreamTimeout = DefaultStreamTimeout
	}

	models := make(map[string]provider.ModelConfig, len(def.Models))
	for _, m := range def.Models {
		if _, dup := models[m.ID]; dup {
			return nil, fmt.Errorf("provider %s: duplicate model %q", def.Name, m.ID)
		}
		models[m.ID] = m
	}

	p := &Provider{
		def:     def,
		models:  models,
		keyRe:   keyRe,
		client:  http.DefaultClient,
		tracker: provider.NewTracker(def.Name),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("provider").With(zap.String("provider", def.Name))
	return p, nil
}

type chatRequest struct {
	Model            string             `json:"model"`
	Messages         []provider.Message `json:"messages"`
	Temperature      float64            `json:"temperature"`
	MaxTokens        int                `json:"max_tokens"`
	TopP             float64            `json:"top_p"`
	FrequencyPenalty float64            `json:"frequency_penalty"`
	PresencePenalty  float64            `json:"presence_penalty"`
	Stop             []string           `json:"stop,omitempty"`
	Stream           bool               `json:"stream"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *provider.Usage `json:"usage"`
}

// buildBody applies per-request options over the model defaults.
func buildBody(model provider.ModelConfig, messages []provider.Message, opts provider.Options, streaming bool) chatRequest {
	body := chatRequest{
		Model:       model.ID,
		Messages:    messages,
		Temperature: model.Temperature,
		MaxTokens:   model.MaxTokens,
		TopP:        1,
		Stop:        opts.Stop,
		Stream:      streaming,
	}
	if opts.Temperature != nil {
		body.Temperature = *opts.Temperature
	}
	if opts.MaxTokens != nil {
		body.MaxTokens = *opts.MaxTokens
	}
	if opts.TopP != nil {
		body.TopP = *opts.TopP
	}
	if opts.FrequencyPenalty != nil {
		body.FrequencyPenalty = *opts.FrequencyPenalty
	}
	if opts.PresencePenalty != nil {
		body.PresencePenalty = *opts.PresencePenalty
	}
	return body
}

// prepare validates req locally and resolves its model. No I/O happens here.
func (p *Provider) prepare(req *provider.Request) (provider.ModelConfig, []provider.Message, error) {
	model, ok := p.models[req.Model]
	if !ok {
		return provider.ModelConfig{}, nil, apierr.Validation("unknown_model", "model %q is not supported by %s", req.Model, p.def.Name)
	}
	messages, err := provider.NormalizeMessages(req.Messages)
	if err != nil {
		return provider.ModelConfig{}, nil, err
	}
	return model, messages, nil
}

func (p *Provider) enrich(err error, model string) error {
	return apierr.Enrich(err, p.def.Name, model, p.def.Endpoint)
}

func requestID(req *provider.Request) string {
	if req.ID != "" {
		return req.ID
	}
	return uuid.NewString()
}

func (p *Provider) Chat(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	model, messages, err := p.prepare(req)
	if err != nil {
		return nil, p.enrich(err, req.Model)
	}

	id := requestID(req)
	ctx, cancel := context.WithTimeout(ctx, p.def.Timeout)
	defer cancel()
	release := p.tracker.Add(id, cancel)
	defer release()

	start := time.Now()
	resp, err := p.post(ctx, req.APIKey, buildBody(model, messages, req.Options, false))
	if err != nil {
		return nil, p.enrich(err, model.ID)
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return nil, p.enrich(apierr.FromTransport(ctx, err), model.ID)
		}
		return nil, p.enrich(invalidResponse("decode response: %v", err), model.ID)
	}
	if len(out.Choices) == 0 {
		return nil, p.enrich(invalidResponse("response has no choices"), model.ID)
	}
	if out.Choices[0].Message.Content == nil {
		return nil, p.enrich(invalidResponse("response has no message content"), model.ID)
	}

	r := &provider.Response{
		ID:           out.ID,
		RequestID:    id,
		Provider:     p.def.Name,
		Model:        model.ID,
		Content:      *out.Choices[0].Message.Content,
		FinishReason: out.Choices[0].FinishReason,
		Usage:        out.Usage,
		Latency:      time.Since(start),
	}
	if out.Usage != nil {
		r.Cost = cost.Calculate(out.Usage, model)
	}
	return r, nil
}

func (p *Provider) Stream(ctx context.Context, req *provider.Request) (*provider.Stream, error) {
	model, messages, err := p.prepare(req)
	if err != nil {
		return nil, p.enrich(err, req.Model)
	}

	id := requestID(req)
	ctx, cancel := context.WithTimeout(ctx, p.def.StreamTimeout)
	release := p.tracker.Add(id, cancel)

	open := func(ctx context.Context, msgs []provider.Message) (io.ReadCloser, error) {
		resp, err := p.post(ctx, req.APIKey, buildBody(model, msgs, req.Options, true))
		if err != nil {
			return nil, err
		}
		return resp.Body, nil
	}

	body, err := open(ctx, messages)
	if err != nil {
		release()
		cancel()
		return nil, p.enrich(err, model.ID)
	}

	return stream.Start(ctx, cancel, id, body, open, stream.Config{
		Model:         model,
		Messages:      messages,
		MaxReconnects: p.maxReconnects,
		BackoffUnit:   p.backoffUnit,
		Logger:        p.logger,
		OnClose:       release,
	}), nil
}

func (p *Provider) post(ctx context.Context, apiKey string, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.def.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, apierr.Config(http.StatusInternalServerError, "invalid_endpoint", "build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	if body.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, apierr.FromTransport(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		retryAfter := apierr.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		p.logger.Debug("upstream error", zap.Int("status", resp.StatusCode), zap.ByteString("body", raw))
		return nil, apierr.FromStatus(resp.StatusCode, errorMessage(raw), raw, retryAfter)
	}
	return resp, nil
}

func invalidResponse(format string, args ...any) *apierr.Error {
	return &apierr.Error{
		Kind:    apierr.KindAPI,
		Status:  http.StatusBadGateway,
		Code:    apierr.CodeInvalidResponse,
		Message: fmt.Sprintf(format, args...),
	}
}

func (p *Provider) Name() string     { return p.def.Name }
func (p *Provider) Endpoint() string { return p.def.Endpoint }

func (p *Provider) Capabilities() provider.Capabilities {
	ids := make([]string, len(p.def.Models))
	for i, m := range p.def.Models {
		ids[i] = m.ID
	}
	features := make(map[string]bool, len(p.def.Features))
	for k, v := range p.def.Features {
		features[k] = v
	}
	return provider.Capabilities{Streaming: p.def.Streaming, Models: ids, Features: features}
}

func (p *Provider) Models() []provider.ModelConfig {
	return append([]provider.ModelConfig(nil), p.def.Models...)
}

func (p *Provider) Model(id string) (provider.ModelConfig, bool) {
	m, ok := p.models[id]
	return m, ok
}

func (p *Provider) ValidateAPIKey(key string) bool {
	return p.keyRe.MatchString(key)
}

func (p *Provider) KeyPattern() *regexp.Regexp { return p.keyRe }

func (p *Provider) CancelAll() int {
	n := p.tracker.CancelAll()
	if n > 0 {
		p.logger.Info("cancelled active requests", zap.Int("count", n))
	}
	return n
}

func (p *Provider) Active() int { return p.tracker.Len() }

// HealthCheck issues the cheapest possible chat call against the first
// configured model.
func (p *Provider) HealthCheck(ctx context.Context, apiKey string) error {
	maxTokens := 1
	_, err := p.Chat(ctx, &provider.Request{
		Provider: p.def.Name,
		APIKey:   apiKey,
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "ping"}},
		Options:  provider.Options{Model: p.def.Models[0].ID, MaxTokens: &maxTokens},
	})
	return err
}
