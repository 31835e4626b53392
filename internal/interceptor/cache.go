package interceptor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/chatstream/internal/apierr"
	"github.com/vnmchuo/chatstream/internal/cache"
	"github.com/vnmchuo/chatstream/internal/provider"
)

const cacheName = "cache"

// StaleWindow is how long an entry outlives its TTL. A stale entry never
// answers a request on its own; it is only served when the upstream fails.
const StaleWindow = time.Hour

// Cache answers repeated chat requests from a store. A fresh hit
// short-circuits the call before any network I/O; a recoverable upstream
// failure is answered from a fresh or stale entry. Streams bypass it.
type Cache struct {
	store  cache.Store
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

type cacheEntry struct {
	Response  provider.Response `json:"response"`
	FreshTill time.Time         `json:"fresh_till"`
}

func NewCache(store cache.Store, ttl time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{store: store, ttl: ttl, logger: logger.Named("interceptor.cache"), now: time.Now}
}

func (c *Cache) InterceptRequest(ctx context.Context, req *provider.Request) (*provider.Request, error) {
	if req.Stream {
		return req, nil
	}
	if resp, fresh, ok := c.lookup(ctx, req); ok && fresh {
		return req, &ShortCircuit{By: cacheName, Response: resp}
	}
	return req, nil
}

func (c *Cache) OnResponse(ctx context.Context, req *provider.Request, resp *provider.Response) *provider.Response {
	if req.Stream || resp.Cached {
		return resp
	}
	raw, err := json.Marshal(cacheEntry{Response: *resp, FreshTill: c.now().Add(c.ttl)})
	if err != nil {
		c.logger.Warn("encode response", zap.Error(err))
		return resp
	}
	if err := c.store.Set(ctx, cache.Key(req), raw, c.ttl+StaleWindow); err != nil {
		c.logger.Warn("store response", zap.Error(err), zap.String("request_id", req.ID))
	}
	return resp
}

func (c *Cache) OnError(ctx context.Context, req *provider.Request, err error) (*provider.Response, bool) {
	var sc *ShortCircuit
	if errors.As(err, &sc) && sc.By == cacheName {
		return sc.Response, true
	}
	if req.Stream || !apierr.IsRecoverable(err) {
		return nil, false
	}
	resp, fresh, ok := c.lookup(ctx, req)
	if ok {
		c.logger.Info("serving cached response after upstream failure",
			zap.String("request_id", req.ID),
			zap.String("kind", string(apierr.KindOf(err))),
			zap.Bool("stale", !fresh),
		)
	}
	return resp, ok
}

// lookup returns the stored response and whether it is still within its TTL.
func (c *Cache) lookup(ctx context.Context, req *provider.Request) (*provider.Response, bool, bool) {
	raw, err := c.store.Get(ctx, cache.Key(req))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			c.logger.Warn("cache lookup", zap.Error(err))
		}
		return nil, false, false
	}
	var e cacheEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.logger.Warn("decode cached response", zap.Error(err))
		return nil, false, false
	}
	resp := e.Response
	resp.Cached = true
	resp.RequestID = req.ID
	resp.Latency = 0
	return &resp, c.now().Before(e.FreshTill), true
}
