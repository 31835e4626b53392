// Package interceptor runs pluggable hooks around every provider call.
//
// Request interceptors rewrite the outgoing request. Response interceptors
// opt into hooks by implementing ResponseHook, StreamHook or ErrorHook; the
// set a value implements is resolved once, when it is registered.
package interceptor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vnmchuo/chatstream/internal/provider"
)

type RequestInterceptor interface {
	InterceptRequest(ctx context.Context, req *provider.Request) (*provider.Request, error)
}

type RequestFunc func(ctx context.Context, req *provider.Request) (*provider.Request, error)

func (f RequestFunc) InterceptRequest(ctx context.Context, req *provider.Request) (*provider.Request, error) {
	return f(ctx, req)
}

// ResponseHook observes or replaces a successful chat response.
type ResponseHook interface {
	OnResponse(ctx context.Context, req *provider.Request, resp *provider.Response) *provider.Response
}

// StreamHook observes or replaces each chunk of a stream.
type StreamHook interface {
	OnStream(ctx context.Context, req *provider.Request, c provider.Chunk) provider.Chunk
}

// ErrorHook may recover from a failed call by supplying a substitute
// response. Returning false leaves the error to the next hook.
type ErrorHook interface {
	OnError(ctx context.Context, req *provider.Request, err error) (*provider.Response, bool)
}

var ErrNoHooks = errors.New("interceptor implements none of ResponseHook, StreamHook, ErrorHook")

// ShortCircuit is returned by a request interceptor that already has the
// answer. The interceptor that raised it recovers it in its ErrorHook.
type ShortCircuit struct {
	By       string
	Response *provider.Response
}

func (s *ShortCircuit) Error() string {
	return fmt.Sprintf("request answered by %s interceptor", s.By)
}

func IsShortCircuit(err error) bool {
	var sc *ShortCircuit
	return errors.As(err, &sc)
}

type requestEntry struct {
	id int
	fn RequestInterceptor
}

type responseEntry struct {
	id       int
	response ResponseHook
	stream   StreamHook
	err      ErrorHook
}

// Pipeline is an ordered, mutable list of interceptors. It is safe for
// concurrent use; each run works on a snapshot taken when it starts.
type Pipeline struct {
	mu        sync.RWMutex
	nextID    int
	requests  []requestEntry
	responses []responseEntry
}

func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// AddRequest appends a request interceptor and returns the func that
// removes it.
func (p *Pipeline) AddRequest(ri RequestInterceptor) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.requests = append(p.requests, requestEntry{id: id, fn: ri})
	return func() { p.removeRequest(id) }
}

// AddResponse appends a response interceptor and returns the func that
// removes it.
func (p *Pipeline) AddResponse(v any) (func(), error) {
	e := responseEntry{}
	e.response, _ = v.(ResponseHook)
	e.stream, _ = v.(StreamHook)
	e.err, _ = v.(ErrorHook)
	if e.response == nil && e.stream == nil && e.err == nil {
		return nil, fmt.Errorf("add response interceptor %T: %w", v, ErrNoHooks)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	e.id = p.nextID
	p.responses = append(p.responses, e)
	id := e.id
	return func() { p.removeResponse(id) }, nil
}

// Use registers v on every side it implements: as a request interceptor if
// it is a RequestInterceptor, and as a response interceptor if it has any
// hook. The returned func removes all registrations.
func (p *Pipeline) Use(v any) (func(), error) {
	_, isHook := v.(ResponseHook)
	if _, ok := v.(StreamHook); ok {
		isHook = true
	}
	if _, ok := v.(ErrorHook); ok {
		isHook = true
	}
	ri, isRequest := v.(RequestInterceptor)
	if !isHook && !isRequest {
		return nil, fmt.Errorf("use interceptor %T: %w", v, ErrNoHooks)
	}

	var removers []func()
	if isRequest {
		removers = append(removers, p.AddRequest(ri))
	}
	if isHook {
		remove, err := p.AddResponse(v)
		if err != nil {
			return nil, err
		}
		removers = append(removers, remove)
	}
	return func() {
		for _, r := range removers {
			r()
		}
	}, nil
}

func (p *Pipeline) removeRequest(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.requests {
		if e.id == id {
			p.requests = append(p.requests[:i:i], p.requests[i+1:]...)
			return
		}
	}
}

func (p *Pipeline) removeResponse(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.responses {
		if e.id == id {
			p.responses = append(p.responses[:i:i], p.responses[i+1:]...)
			return
		}
	}
}

func (p *Pipeline) snapshot() ([]requestEntry, []responseEntry) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]requestEntry(nil), p.requests...), append([]responseEntry(nil), p.responses...)
}

// Len reports the number of request and response interceptors.
func (p *Pipeline) Len() (requests, responses int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.requests), len(p.responses)
}

// Request runs the request interceptors in order over a clone of req. The
// first error aborts the chain.
func (p *Pipeline) Request(ctx context.Context, req *provider.Request) (*provider.Request, error) {
	reqs, _ := p.snapshot()
	cur := req.Clone()
	for _, e := range reqs {
		next, err := e.fn.InterceptRequest(ctx, cur)
		if err != nil {
			return cur, err
		}
		if next != nil {
			cur = next
		}
	}
	return cur, nil
}

// Response runs every ResponseHook in order.
func (p *Pipeline) Response(ctx context.Context, req *provider.Request, resp *provider.Response) *provider.Response {
	_, resps := p.snapshot()
	for _, e := range resps {
		if e.response == nil {
			continue
		}
		if next := e.response.OnResponse(ctx, req, resp); next != nil {
			resp = next
		}
	}
	return resp
}

// Stream attaches every StreamHook registered now to s. ErrorHooks observe a
// stream that fails mid-way; they cannot substitute at that point.
func (p *Pipeline) Stream(ctx context.Context, req *provider.Request, s *provider.Stream) *provider.Stream {
	_, resps := p.snapshot()
	var (
		hooks    []StreamHook
		errHooks []ErrorHook
	)
	for _, e := range resps {
		if e.stream != nil {
			hooks = append(hooks, e.stream)
		}
		if e.err != nil {
			errHooks = append(errHooks, e.err)
		}
	}
	if len(errHooks) > 0 {
		s.OnFail(func(err error) {
			for _, h := range errHooks {
				h.OnError(ctx, req, err)
			}
		})
	}
	if len(hooks) > 0 {
		s.Map(func(c provider.Chunk) provider.Chunk {
			for _, h := range hooks {
				c = h.OnStream(ctx, req, c)
			}
			return c
		})
	}
	return s
}

// Error offers err to every ErrorHook in order and returns the first
// substitute response.
func (p *Pipeline) Error(ctx context.Context, req *provider.Request, err error) (*provider.Response, bool) {
	_, resps := p.snapshot()
	for _, e := range resps {
		if e.err == nil {
			continue
		}
		if resp, ok := e.err.OnError(ctx, req, err); ok && resp != nil {
			return resp, true
		}
	}
	return nil, false
}
