package provider

import (
	"context"
	"sync"
	"time"
)

// ActiveRequest is the cancellation handle of one in-flight request.
type ActiveRequest struct {
	ID        string
	Provider  string
	StartedAt time.Time

	cancel context.CancelFunc
}

// Tracker is the live-request map of a provider. Entries are added when a
// request is issued and removed when it completes, fails or is cancelled.
type Tracker struct {
	provider string

	mu     sync.Mutex
	active map[string]*ActiveRequest
}

func NewTracker(provider string) *Tracker {
	return &Tracker{provider: provider, active: make(map[string]*ActiveRequest)}
}

// Add registers a request and returns the func that removes it. The returned
// func is safe to call more than once.
func (t *Tracker) Add(id string, cancel context.CancelFunc) func() {
	t.mu.Lock()
	t.active[id] = &ActiveRequest{
		ID:        id,
		Provider:  t.provider,
		StartedAt: time.Now(),
		cancel:    cancel,
	}
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { t.Remove(id) })
	}
}

func (t *Tracker) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; !ok {
		return false
	}
	delete(t.active, id)
	return true
}

// Cancel cancels and removes a single request.
func (t *Tracker) Cancel(id string) bool {
	t.mu.Lock()
	req, ok := t.active[id]
	delete(t.active, id)
	t.mu.Unlock()

	if !ok {
		return false
	}
	req.cancel()
	return true
}

// CancelAll cancels and removes every tracked request and reports how many
// there were.
func (t *Tracker) CancelAll() int {
	t.mu.Lock()
	reqs := make([]*ActiveRequest, 0, len(t.active))
	for id, req := range t.active {
		reqs = append(reqs, req)
		delete(t.active, id)
	}
	t.mu.Unlock()

	for _, req := range reqs {
		req.cancel()
	}
	return len(reqs)
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// Snapshot returns copies of the tracked requests without their handles.
func (t *Tracker) Snapshot() []ActiveRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ActiveRequest, 0, len(t.active))
	for _, req := range t.active {
		out = append(out, ActiveRequest{ID: req.ID, Provider: req.Provider, StartedAt: req.StartedAt})
	}
	return out
}
