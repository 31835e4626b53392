package interceptor

import (
	"context"

	"go.uber.org/zap"

	"github.com/vnmchuo/chatstream/internal/apierr"
	"github.com/vnmchuo/chatstream/internal/provider"
)

// Logging writes one structured entry per request, response, terminal chunk
// and error. It never alters what it sees.
type Logging struct {
	logger *zap.Logger
}

func NewLogging(logger *zap.Logger) *Logging {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logging{logger: logger.Named("interceptor.logging")}
}

func requestFields(req *provider.Request) []zap.Field {
	return []zap.Field{
		zap.String("request_id", req.ID),
		zap.String("provider", req.Provider),
		zap.String("model", req.Model),
	}
}

func (l *Logging) InterceptRequest(_ context.Context, req *provider.Request) (*provider.Request, error) {
	l.logger.Info("llm request",
		append(requestFields(req),
			zap.Int("message_count", len(req.Messages)),
			zap.Bool("stream", req.Stream),
		)...,
	)
	return req, nil
}

func (l *Logging) OnResponse(_ context.Context, req *provider.Request, resp *provider.Response) *provider.Response {
	fields := append(requestFields(req),
		zap.Duration("latency", resp.Latency),
		zap.Float64("cost", resp.Cost),
		zap.Bool("cached", resp.Cached),
		zap.String("finish_reason", resp.FinishReason),
	)
	if resp.Usage != nil {
		fields = append(fields,
			zap.Int("prompt_tokens", resp.Usage.PromptTokens),
			zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			zap.Int("total_tokens", resp.Usage.TotalTokens),
		)
	}
	l.logger.Info("llm response", fields...)
	return resp
}

func (l *Logging) OnStream(_ context.Context, req *provider.Request, c provider.Chunk) provider.Chunk {
	switch c.Type {
	case provider.ChunkDone:
		fields := append(requestFields(req),
			zap.Float64("cost", c.Cost),
			zap.Bool("incomplete", c.Incomplete),
			zap.Int("content_len", len(c.Content)),
		)
		if c.Usage != nil {
			fields = append(fields, zap.Int("total_tokens", c.Usage.TotalTokens))
		}
		l.logger.Info("llm stream completed", fields...)
	case provider.ChunkCancelled:
		l.logger.Info("llm stream cancelled", append(requestFields(req), zap.String("reason", c.Reason))...)
	case provider.ChunkError:
		l.logger.Warn("llm stream frame error",
			append(requestFields(req), zap.String("message", c.Message), zap.Bool("recoverable", c.Recoverable))...,
		)
	case provider.ChunkReconnecting:
		l.logger.Warn("llm stream reconnecting", append(requestFields(req), zap.Int("attempt", c.Attempt))...)
	}
	return c
}

func (l *Logging) OnError(_ context.Context, req *provider.Request, err error) (*provider.Response, bool) {
	if IsShortCircuit(err) {
		l.logger.Debug("llm request short-circuited", append(requestFields(req), zap.String("reason", err.Error()))...)
		return nil, false
	}

	fields := append(requestFields(req), zap.Error(err))
	if e, ok := apierr.As(err); ok {
		fields = append(fields,
			zap.String("kind", string(e.Kind)),
			zap.Int("status", e.Status),
			zap.Bool("recoverable", e.Recoverable),
		)
	}
	if apierr.KindOf(err) == apierr.KindValidation {
		l.logger.Warn("llm request rejected", fields...)
	} else {
		l.logger.Error("llm request failed", fields...)
	}
	return nil, false
}
