package billing

import (
	"context"
	"time"
)

type UsageLog struct {
	ID               string    `json:"id"`
	RequestID        string    `json:"request_id"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	LatencyMs        int64     `json:"latency_ms"`
	Stream           bool      `json:"stream"`
	Incomplete       bool      `json:"incomplete"`
	CreatedAt        time.Time `json:"created_at"`
}

// Store is the usage ledger. An empty provider matches every provider.
type Store interface {
	LogUsage(ctx context.Context, log *UsageLog) error
	ListUsage(ctx context.Context, provider string, from, to time.Time) ([]*UsageLog, error)
	TotalCost(ctx context.Context, provider string, from, to time.Time) (float64, error)
}
