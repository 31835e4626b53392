package ratelimit

import (
	"context"
	"errors"
	"testing"

	extratelimit "github.com/vnmchuo/ratelimiter"
)

type mockStore struct {
	allowed bool
	err     error

	lastKey string
	lastN   int
}

func (m *mockStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	m.lastKey, m.lastN = key, n
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return m.AllowN(ctx, key, 1)
}

func (m *mockStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	m.lastKey = key
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func TestAllow(t *testing.T) {
	store := &mockStore{allowed: true}
	l := NewWithStore(store)

	ok, err := l.Allow(context.Background(), "deepseek:abc", 250)
	if err != nil || !ok {
		t.Fatalf("expected allowed, got %v %v", ok, err)
	}
	if store.lastKey != "ratelimit:tokens:deepseek:abc" {
		t.Errorf("unexpected key %q", store.lastKey)
	}
	if store.lastN != 250 {
		t.Errorf("expected 250 tokens, got %d", store.lastN)
	}

	if _, err := l.Allow(context.Background(), "deepseek:abc", 0); err != nil {
		t.Fatal(err)
	}
	if store.lastN != 1 {
		t.Errorf("expected at least one token to be reserved, got %d", store.lastN)
	}
}

func TestAllow_Denied(t *testing.T) {
	l := NewWithStore(&mockStore{allowed: false})
	ok, err := l.Allow(context.Background(), "openai:x", 10)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected request to be denied")
	}
}

func TestAllow_StoreError(t *testing.T) {
	boom := errors.New("redis down")
	l := NewWithStore(&mockStore{err: boom})
	_, err := l.Allow(context.Background(), "openai:x", 10)
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped store error, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	store := &mockStore{allowed: true}
	res, err := NewWithStore(store).Status(context.Background(), "openai:x")
	if err != nil || !res.Allowed {
		t.Fatalf("unexpected status %+v %v", res, err)
	}
	if store.lastKey != "ratelimit:tokens:openai:x" {
		t.Errorf("unexpected key %q", store.lastKey)
	}
}
