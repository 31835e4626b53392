package provider

import (
	"context"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Options carries per-request sampling overrides. A nil field means the model
// or provider default applies.
type Options struct {
	Model            string   `json:"model"`
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	Stop             []string `json:"stop,omitempty"`
}

type Request struct {
	ID       string
	Provider string
	APIKey   string
	Messages []Message
	Options
	Stream bool
}

// Clone returns a deep copy so interceptors can rewrite a request without
// touching the caller's value.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Messages = append([]Message(nil), r.Messages...)
	c.Stop = append([]string(nil), r.Stop...)
	c.Temperature = clonePtr(r.Temperature)
	c.MaxTokens = clonePtr(r.MaxTokens)
	c.TopP = clonePtr(r.TopP)
	c.FrequencyPenalty = clonePtr(r.FrequencyPenalty)
	c.PresencePenalty = clonePtr(r.PresencePenalty)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Incomplete       bool `json:"incomplete,omitempty"`
}

type Response struct {
	ID           string        `json:"id"`
	RequestID    string        `json:"request_id"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	Content      string        `json:"content"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        *Usage        `json:"usage,omitempty"`
	Cost         float64       `json:"cost"`
	Cached       bool          `json:"cached,omitempty"`
	Latency      time.Duration `json:"latency"`
}

// Pricing is expressed in USD per 1K tokens.
type Pricing struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
}

type ModelConfig struct {
	ID          string  `json:"id" yaml:"id"`
	Name        string  `json:"name" yaml:"name"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
	Pricing     Pricing `json:"pricing" yaml:"pricing"`
}

type Capabilities struct {
	Streaming bool            `json:"streaming"`
	Models    []string        `json:"models"`
	Features  map[string]bool `json:"features,omitempty"`
}

// Definition is the static description of one backend, loaded from
// configuration at startup.
type Definition struct {
	Name          string          `yaml:"name"`
	Endpoint      string          `yaml:"endpoint"`
	KeyPattern    string          `yaml:"key_pattern"`
	Streaming     bool            `yaml:"streaming"`
	Features      map[string]bool `yaml:"features"`
	Timeout       time.Duration   `yaml:"timeout"`
	StreamTimeout time.Duration   `yaml:"stream_timeout"`
	Models        []ModelConfig   `yaml:"models"`
}

type Provider interface {
	Name() string
	Endpoint() string
	Chat(ctx context.Context, req *Request) (*Response, error)
	Stream(ctx context.Context, req *Request) (*Stream, error)
	Capabilities() Capabilities
	Models() []ModelConfig
	Model(id string) (ModelConfig, bool)
	ValidateAPIKey(key string) bool
	// CancelAll aborts every live request of this provider and reports how
	// many were cancelled.
	CancelAll() int
	Active() int
	HealthCheck(ctx context.Context, apiKey string) error
}
