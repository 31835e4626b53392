// Package cache stores serialized chat responses by request fingerprint.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/vnmchuo/chatstream/internal/provider"
)

var ErrMiss = errors.New("cache miss")

type Store interface {
	// Get returns ErrMiss when key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// fingerprint is everything that can change the model's answer.
type fingerprint struct {
	Provider string             `json:"p"`
	Messages []provider.Message `json:"m"`
	provider.Options
}

// Key derives a stable cache key from the request. The API key is excluded.
func Key(req *provider.Request) string {
	raw, _ := json.Marshal(fingerprint{
		Provider: req.Provider,
		Messages: req.Messages,
		Options:  req.Options,
	})
	sum := sha256.Sum256(raw)
	return "chat:" + hex.EncodeToString(sum[:])
}
