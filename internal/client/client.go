// Package client is the entry point collaborators use: it resolves a provider
// from the Registry, validates the request locally, runs the interceptor
// pipeline and calls the provider behind its circuit breaker.
package client

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vnmchuo/chatstream/internal/apierr"
	"github.com/vnmchuo/chatstream/internal/cost"
	"github.com/vnmchuo/chatstream/internal/interceptor"
	"github.com/vnmchuo/chatstream/internal/provider"
)

// Params is one chat call.
type Params struct {
	Provider string             `json:"provider"`
	APIKey   string             `json:"-"`
	Messages []provider.Message `json:"messages"`
	provider.Options
}

type EstimateParams struct {
	Provider  string             `json:"provider"`
	Model     string             `json:"model"`
	Messages  []provider.Message `json:"messages"`
	MaxTokens int                `json:"max_tokens,omitempty"`
}

type ProviderInfo struct {
	Name         string                `json:"name"`
	Endpoint     string                `json:"endpoint"`
	Capabilities provider.Capabilities `json:"capabilities"`
	Active       int                   `json:"active"`
	Breaker      string                `json:"breaker"`
}

type Client struct {
	registry *Registry
	pipeline *interceptor.Pipeline
	logger   *zap.Logger
}

func New(registry *Registry, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		registry: registry,
		pipeline: interceptor.NewPipeline(),
		logger:   logger.Named("client"),
	}
}

func (c *Client) Registry() *Registry { return c.registry }

func (c *Client) AddRequestInterceptor(ri interceptor.RequestInterceptor) func() {
	return c.pipeline.AddRequest(ri)
}

// AddResponseInterceptor registers v for every hook it implements.
func (c *Client) AddResponseInterceptor(v any) (func(), error) {
	return c.pipeline.AddResponse(v)
}

// Use registers v as both a request and a response interceptor where it
// implements each side.
func (c *Client) Use(v any) (func(), error) {
	return c.pipeline.Use(v)
}

// resolve looks up the provider, fills the default model and checks the key
// format. Nothing here touches the network.
func (c *Client) resolve(params Params, streaming bool) (provider.Provider, *provider.Request, error) {
	req := &provider.Request{
		ID:       uuid.NewString(),
		Provider: params.Provider,
		APIKey:   params.APIKey,
		Messages: params.Messages,
		Options:  params.Options,
		Stream:   streaming,
	}

	p, err := c.registry.Get(params.Provider)
	if err != nil {
		return nil, req, err
	}
	if req.Model == "" {
		if models := p.Models(); len(models) > 0 {
			req.Model = models[0].ID
		}
	}
	if streaming && !p.Capabilities().Streaming {
		return p, req, apierr.Config(http.StatusNotImplemented, "streaming_unsupported",
			"provider %s does not support streaming", p.Name())
	}
	if !p.ValidateAPIKey(req.APIKey) {
		return p, req, apierr.Validation("invalid_api_key", "API key format is invalid for %s", p.Name())
	}
	return p, req, nil
}

// fallback offers err to the error hooks. Without a substitute the error is
// returned with the request context attached.
func (c *Client) fallback(ctx context.Context, p provider.Provider, req *provider.Request, err error) (*provider.Response, error) {
	if resp, ok := c.pipeline.Error(ctx, req, err); ok {
		return resp, nil
	}
	if p == nil {
		return nil, err
	}
	return nil, apierr.Enrich(err, p.Name(), req.Model, p.Endpoint())
}

func (c *Client) Chat(ctx context.Context, params Params) (*provider.Response, error) {
	p, req, err := c.resolve(params, false)
	if err != nil {
		return c.fallback(ctx, p, req, err)
	}

	req, err = c.pipeline.Request(ctx, req)
	if err != nil {
		return c.fallback(ctx, p, req, err)
	}

	resp, err := execute(c.registry, p.Name(), func() (*provider.Response, error) {
		return p.Chat(ctx, req)
	})
	if err != nil {
		return c.fallback(ctx, p, req, err)
	}
	return c.pipeline.Response(ctx, req, resp), nil
}

// Stream opens a streaming chat. A substitute supplied by an error hook is
// replayed as a single-response stream.
func (c *Client) Stream(ctx context.Context, params Params) (*provider.Stream, error) {
	p, req, err := c.resolve(params, true)
	if err != nil {
		return c.fallbackStream(ctx, p, req, err)
	}

	req, err = c.pipeline.Request(ctx, req)
	if err != nil {
		return c.fallbackStream(ctx, p, req, err)
	}

	name := p.Name()
	if c.registry.open(name) {
		return c.fallbackStream(ctx, p, req, circuitOpen(name))
	}

	s, err := p.Stream(ctx, req)
	c.registry.record(name, err)
	if err != nil {
		return c.fallbackStream(ctx, p, req, err)
	}
	s.OnFail(func(err error) {
		c.registry.record(name, err)
	})
	return c.pipeline.Stream(ctx, req, s), nil
}

func (c *Client) fallbackStream(ctx context.Context, p provider.Provider, req *provider.Request, err error) (*provider.Stream, error) {
	resp, err := c.fallback(ctx, p, req, err)
	if err != nil {
		return nil, err
	}
	return provider.NewSingleResponseStream(resp), nil
}

// CancelAllRequests cancels the live requests of one provider, or of every
// provider when name is empty, and reports how many were cancelled.
func (c *Client) CancelAllRequests(name string) (int, error) {
	if name != "" {
		p, err := c.registry.Get(name)
		if err != nil {
			return 0, err
		}
		return p.CancelAll(), nil
	}
	total := 0
	for _, p := range c.registry.Providers() {
		total += p.CancelAll()
	}
	if total > 0 {
		c.logger.Info("cancelled all requests", zap.Int("count", total))
	}
	return total, nil
}

// EstimateCost prices a request without contacting the backend.
func (c *Client) EstimateCost(params EstimateParams) (cost.Estimate, error) {
	p, err := c.registry.Get(params.Provider)
	if err != nil {
		return cost.Estimate{}, err
	}
	id := params.Model
	if id == "" {
		if models := p.Models(); len(models) > 0 {
			id = models[0].ID
		}
	}
	model, ok := p.Model(id)
	if !ok {
		return cost.Estimate{}, apierr.Validation("unknown_model", "model %q is not supported by %s", id, p.Name())
	}
	return cost.EstimateCost(params.Messages, model, params.MaxTokens), nil
}

func (c *Client) ValidateAPIKey(name, key string) (bool, error) {
	p, err := c.registry.Get(name)
	if err != nil {
		return false, err
	}
	return p.ValidateAPIKey(key), nil
}

// HealthCheck makes a minimal call to the named provider with apiKey.
func (c *Client) HealthCheck(ctx context.Context, name, apiKey string) error {
	p, err := c.registry.Get(name)
	if err != nil {
		return err
	}
	if !p.ValidateAPIKey(apiKey) {
		return apierr.Validation("invalid_api_key", "API key format is invalid for %s", p.Name())
	}
	if err := p.HealthCheck(ctx, apiKey); err != nil {
		return apierr.Enrich(err, p.Name(), "", p.Endpoint())
	}
	return nil
}

func (c *Client) ListProviders() []ProviderInfo {
	providers := c.registry.Providers()
	out := make([]ProviderInfo, 0, len(providers))
	for _, p := range providers {
		out = append(out, ProviderInfo{
			Name:         p.Name(),
			Endpoint:     p.Endpoint(),
			Capabilities: p.Capabilities(),
			Active:       p.Active(),
			Breaker:      c.registry.State(p.Name()).String(),
		})
	}
	return out
}

func (c *Client) ListModels(name string) ([]provider.ModelConfig, error) {
	p, err := c.registry.Get(name)
	if err != nil {
		return nil, err
	}
	return p.Models(), nil
}
