package interceptor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/chatstream/internal/apierr"
	"github.com/vnmchuo/chatstream/internal/cost"
	"github.com/vnmchuo/chatstream/internal/provider"
)

// RateLimitRetryAfter is the delay suggested to callers that were refused.
const RateLimitRetryAfter = 60 * time.Second

// Allower is satisfied by *ratelimit.Limiter.
type Allower interface {
	Allow(ctx context.Context, scope string, tokens int) (bool, error)
}

// RateLimit reserves the estimated token cost of each request from a budget
// scoped to the provider and API key, before anything is sent.
type RateLimit struct {
	limiter Allower
	logger  *zap.Logger
}

func NewRateLimit(limiter Allower, logger *zap.Logger) *RateLimit {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimit{limiter: limiter, logger: logger.Named("interceptor.ratelimit")}
}

func rateLimitScope(req *provider.Request) string {
	sum := sha256.Sum256([]byte(req.APIKey))
	return req.Provider + ":" + hex.EncodeToString(sum[:8])
}

func reservedTokens(req *provider.Request) int {
	completion := cost.MinCompletionTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		completion = *req.MaxTokens
	}
	return cost.EstimateTokens(req.Messages) + completion
}

func (r *RateLimit) InterceptRequest(ctx context.Context, req *provider.Request) (*provider.Request, error) {
	tokens := reservedTokens(req)
	allowed, err := r.limiter.Allow(ctx, rateLimitScope(req), tokens)
	if err != nil {
		r.logger.Warn("rate limiter unavailable", zap.Error(err), zap.String("provider", req.Provider))
	}
	if err != nil || !allowed {
		e := apierr.FromStatus(http.StatusTooManyRequests, "token rate limit exceeded", nil, RateLimitRetryAfter)
		e.Provider = req.Provider
		e.Model = req.Model
		return req, e
	}
	return req, nil
}
