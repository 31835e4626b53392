package interceptor

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/chatstream/internal/apierr"
	"github.com/vnmchuo/chatstream/internal/provider"
)

// Tracing opens a span when a request enters the pipeline and ends it on the
// response, the terminal chunk or the error. Spans are keyed by request ID,
// so requests must carry one.
type Tracing struct {
	tracer trace.Tracer
	spans  sync.Map // request ID -> trace.Span
}

func NewTracing(tracer trace.Tracer) *Tracing {
	return &Tracing{tracer: tracer}
}

func (t *Tracing) InterceptRequest(ctx context.Context, req *provider.Request) (*provider.Request, error) {
	name := "llm.chat"
	if req.Stream {
		name = "llm.stream"
	}
	_, span := t.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("request_id", req.ID),
		attribute.String("provider", req.Provider),
		attribute.String("model", req.Model),
		attribute.Int("message_count", len(req.Messages)),
	)
	if prev, loaded := t.spans.Swap(req.ID, span); loaded {
		prev.(trace.Span).End()
	}
	return req, nil
}

func (t *Tracing) take(id string) (trace.Span, bool) {
	v, ok := t.spans.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	return v.(trace.Span), true
}

func usageAttributes(u *provider.Usage) []attribute.KeyValue {
	if u == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.Int("prompt_tokens", u.PromptTokens),
		attribute.Int("completion_tokens", u.CompletionTokens),
		attribute.Int("total_tokens", u.TotalTokens),
	}
}

func (t *Tracing) OnResponse(_ context.Context, req *provider.Request, resp *provider.Response) *provider.Response {
	span, ok := t.take(req.ID)
	if !ok {
		return resp
	}
	span.SetAttributes(usageAttributes(resp.Usage)...)
	span.SetAttributes(
		attribute.Float64("cost", resp.Cost),
		attribute.Bool("cached", resp.Cached),
		attribute.Int64("latency_ms", resp.Latency.Milliseconds()),
	)
	span.SetStatus(codes.Ok, "")
	span.End()
	return resp
}

func (t *Tracing) OnStream(_ context.Context, req *provider.Request, c provider.Chunk) provider.Chunk {
	if !c.Terminal() {
		if c.Type == provider.ChunkReconnecting {
			if v, ok := t.spans.Load(req.ID); ok {
				v.(trace.Span).AddEvent("reconnecting", trace.WithAttributes(attribute.Int("attempt", c.Attempt)))
			}
		}
		return c
	}

	span, ok := t.take(req.ID)
	if !ok {
		return c
	}
	if c.Type == provider.ChunkCancelled {
		span.SetAttributes(attribute.String("cancel_reason", c.Reason))
		span.SetStatus(codes.Error, "cancelled")
	} else {
		span.SetAttributes(usageAttributes(c.Usage)...)
		span.SetAttributes(
			attribute.Float64("cost", c.Cost),
			attribute.Bool("incomplete", c.Incomplete),
		)
		span.SetStatus(codes.Ok, "")
	}
	span.End()
	return c
}

func (t *Tracing) OnError(_ context.Context, req *provider.Request, err error) (*provider.Response, bool) {
	span, ok := t.take(req.ID)
	if !ok {
		return nil, false
	}
	if IsShortCircuit(err) {
		span.SetAttributes(attribute.Bool("short_circuit", true))
		span.End()
		return nil, false
	}
	if e, ok := apierr.As(err); ok {
		span.SetAttributes(
			attribute.String("error.kind", string(e.Kind)),
			attribute.Int("error.status", e.Status),
		)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.End()
	return nil, false
}
