package client

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/chatstream/internal/apierr"
	"github.com/vnmchuo/chatstream/internal/provider"
)

const (
	breakerMaxRequests = 3
	breakerInterval    = 5 * time.Second
	breakerTimeout     = 30 * time.Second
	breakerTrip        = 3
)

const codeCircuitOpen = "circuit_open"

// Registry holds the configured providers in registration order, each behind
// its own circuit breaker. It is built once at startup and passed to the
// Client; there is no package-level instance.
type Registry struct {
	mu        sync.RWMutex
	order     []string
	providers map[string]provider.Provider
	breakers  map[string]*gobreaker.CircuitBreaker
}

func NewRegistry(providers ...provider.Provider) (*Registry, error) {
	r := &Registry{
		providers: make(map[string]provider.Provider),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds p. Names are unique.
func (r *Registry) Register(p provider.Provider) error {
	name := p.Name()
	if name == "" {
		return fmt.Errorf("register provider: empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; ok {
		return fmt.Errorf("register provider %q: already registered", name)
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: breakerMaxRequests,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTrip
		},
		IsSuccessful: countsAsSuccess,
	}
	r.order = append(r.order, name)
	r.providers[name] = p
	r.breakers[name] = gobreaker.NewCircuitBreaker(settings)
	return nil
}

// countsAsSuccess keeps caller mistakes and cancellations from tripping the
// breaker. Only backend health failures count.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	e, ok := apierr.As(err)
	if !ok {
		return false
	}
	switch e.Kind {
	case apierr.KindNetwork, apierr.KindTimeout:
		return false
	case apierr.KindAPI:
		return e.Status < http.StatusInternalServerError
	}
	return true
}

// Get resolves a provider by name. An unknown name is a config error that
// lists the valid names.
func (r *Registry) Get(name string) (provider.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, apierr.Config(http.StatusNotFound, "unknown_provider",
			"unknown provider %q, available providers: %s", name, strings.Join(r.order, ", "))
	}
	return p, nil
}

func (r *Registry) breaker(name string) *gobreaker.CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// Names returns provider names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) Providers() []provider.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]provider.Provider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.providers[name])
	}
	return out
}

// State reports the breaker state of the named provider.
func (r *Registry) State(name string) gobreaker.State {
	if cb := r.breaker(name); cb != nil {
		return cb.State()
	}
	return gobreaker.StateClosed
}

// execute runs fn through the provider's breaker.
func execute[T any](r *Registry, name string, fn func() (T, error)) (T, error) {
	var zero T
	cb := r.breaker(name)
	if cb == nil {
		return fn()
	}
	result, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, circuitOpen(name)
		}
		return zero, err
	}
	return result.(T), nil
}

// record feeds the outcome of work done outside execute into the breaker.
func (r *Registry) record(name string, err error) {
	if cb := r.breaker(name); cb != nil {
		_, _ = cb.Execute(func() (interface{}, error) {
			return nil, err
		})
	}
}

func (r *Registry) open(name string) bool {
	return r.State(name) == gobreaker.StateOpen
}

func circuitOpen(name string) *apierr.Error {
	e := apierr.FromStatus(http.StatusServiceUnavailable,
		fmt.Sprintf("circuit breaker is open for provider %s", name), nil, breakerTimeout)
	e.Code = codeCircuitOpen
	e.Provider = name
	return e
}
