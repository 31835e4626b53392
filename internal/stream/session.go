// Package stream drives one streaming chat exchange: it decodes SSE frames,
// accumulates text and usage, reconnects when the connection drops before the
// backend signalled completion, and feeds typed chunks to a provider.Stream.
//
// Reconnection re-sends the partial answer as an assistant message followed
// by an instruction to continue. Backends have no native resume, so the
// continuation is approximate: it may repeat or rephrase text around the
// splice point.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/chatstream/internal/apierr"
	"github.com/vnmchuo/chatstream/internal/cost"
	"github.com/vnmchuo/chatstream/internal/provider"
	"github.com/vnmchuo/chatstream/internal/sse"
)

const (
	DefaultMaxReconnects = 3
	DefaultBackoffUnit   = time.Second

	DefaultContinuePrompt = "Continue exactly where you left off. Do not repeat text you already wrote."
)

const readBufferSize = 4096

// Opener issues a streaming request for messages and returns the response
// body. It is used for continuation requests after a dropped connection.
type Opener func(ctx context.Context, messages []provider.Message) (io.ReadCloser, error)

type Config struct {
	Model    provider.ModelConfig
	Messages []provider.Message

	// MaxReconnects bounds continuation attempts. Zero means the default;
	// a negative value disables reconnection.
	MaxReconnects int
	// BackoffUnit is multiplied by the attempt number before each attempt.
	BackoffUnit    time.Duration
	ContinuePrompt string

	Logger *zap.Logger
	// OnClose runs exactly once, before the terminal chunk or error is
	// delivered.
	OnClose func()
}

type session struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	open   Opener
	out    *provider.Stream
	log    *zap.Logger

	parser    *sse.Parser
	eventType string
	content   strings.Builder
	usage     *provider.Usage
	attempts  int
}

// Start consumes body in a new goroutine and returns the stream it feeds.
// ctx bounds the whole session including reconnects; cancel is invoked by
// Stream.Cancel and once the session ends.
func Start(ctx context.Context, cancel context.CancelFunc, id string, body io.ReadCloser, open Opener, cfg Config) *provider.Stream {
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = DefaultMaxReconnects
	}
	if cfg.MaxReconnects < 0 {
		cfg.MaxReconnects = 0
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = DefaultBackoffUnit
	}
	if cfg.ContinuePrompt == "" {
		cfg.ContinuePrompt = DefaultContinuePrompt
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &session{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		open:   open,
		out:    provider.NewStream(id, cancel),
		log:    logger.Named("stream").With(zap.String("request_id", id), zap.String("model", cfg.Model.ID)),
		parser: sse.NewParser(),
	}
	go s.run(body)
	return s.out
}

func (s *session) run(body io.ReadCloser) {
	terminal, err := s.drive(body)

	if s.cfg.OnClose != nil {
		s.cfg.OnClose()
	}
	s.cancel()

	if err != nil {
		s.log.Warn("stream failed", zap.Error(err), zap.Int("content_len", s.content.Len()))
		s.out.Fail(err)
		return
	}
	s.log.Debug("stream finished",
		zap.String("type", string(terminal.Type)),
		zap.Bool("incomplete", terminal.Incomplete),
		zap.Int("reconnects", s.attempts),
	)
	s.out.Finish(terminal)
}

func (s *session) drive(body io.ReadCloser) (provider.Chunk, error) {
	for {
		sawDone, readErr := s.consume(body)
		body.Close()

		switch {
		case sawDone:
			return s.done(), nil
		case s.ctx.Err() != nil:
			return s.cancelled(), nil
		case s.usage != nil:
			return s.done(), nil
		case s.content.Len() == 0 && readErr != nil:
			return provider.Chunk{}, apierr.Network(readErr)
		case s.content.Len() == 0:
			return s.done(), nil
		}

		if readErr != nil {
			s.log.Info("stream dropped", zap.Error(readErr))
		} else {
			s.log.Info("stream ended without completion signal")
		}

		body = s.reconnect()
		if body == nil {
			if s.ctx.Err() != nil {
				return s.cancelled(), nil
			}
			s.log.Warn("reconnect attempts exhausted", zap.Int("attempts", s.attempts))
			return s.done(), nil
		}
	}
}

// consume reads body until [DONE], EOF or a read error. Cancellation closes
// the body so a blocked Read returns.
func (s *session) consume(body io.ReadCloser) (bool, error) {
	stop := context.AfterFunc(s.ctx, func() { body.Close() })
	defer stop()

	buf := make([]byte, readBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, ev := range s.parser.Feed(buf[:n]) {
				if s.handle(ev) {
					return true, nil
				}
				if s.ctx.Err() != nil {
					return false, s.ctx.Err()
				}
			}
		}
		if err != nil {
			// A transport error leaves a truncated line behind; only a clean
			// EOF may end on an unterminated one.
			if !errors.Is(err, io.EOF) {
				return false, err
			}
			for _, ev := range s.parser.Flush() {
				if s.handle(ev) {
					return true, nil
				}
			}
			return false, nil
		}
	}
}

type frame struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *provider.Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// handle applies one SSE event and reports whether it was the completion
// sentinel.
func (s *session) handle(ev sse.Event) bool {
	switch ev.Kind {
	case sse.KindDone:
		return true
	case sse.KindEvent:
		s.eventType = ev.Data
	case sse.KindRetry:
		s.emit(provider.Chunk{Type: provider.ChunkRetry, Delay: ev.Retry})
	case sse.KindData:
		eventType := s.eventType
		s.eventType = ""
		s.handleData(eventType, ev.Data)
	default:
		s.log.Debug("ignoring sse line", zap.Stringer("kind", ev.Kind), zap.String("field", ev.Field))
	}
	return false
}

func (s *session) handleData(eventType, data string) {
	var f frame
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		if eventType == "error" {
			s.emit(provider.Chunk{Type: provider.ChunkError, Message: data})
			return
		}
		s.log.Warn("skipping malformed frame", zap.Error(err), zap.String("data", data))
		s.emit(provider.Chunk{Type: provider.ChunkError, Message: "malformed stream frame: " + err.Error(), Recoverable: true})
		return
	}

	if f.Error != nil || eventType == "error" {
		msg := data
		if f.Error != nil && f.Error.Message != "" {
			msg = f.Error.Message
		}
		s.emit(provider.Chunk{Type: provider.ChunkError, Message: msg})
		return
	}

	if len(f.Choices) > 0 {
		choice := f.Choices[0]
		if text := choice.Delta.Content; text != "" {
			s.content.WriteString(text)
			s.emit(provider.Chunk{Type: provider.ChunkContent, Text: text, AccumulatedText: s.content.String()})
		}
		if choice.FinishReason != "" {
			s.emit(provider.Chunk{Type: provider.ChunkFinish, FinishReason: choice.FinishReason})
		}
	}

	// The latest usage frame wins; after a reconnect that is the
	// continuation's own usage.
	if f.Usage != nil {
		u := *f.Usage
		s.usage = &u
	}
}

func (s *session) emit(c provider.Chunk) bool {
	return s.out.Send(s.ctx, c)
}

// reconnect waits and re-issues the request until a body opens, the attempts
// run out or the session is cancelled. It returns nil in the last two cases.
func (s *session) reconnect() io.ReadCloser {
	for s.attempts < s.cfg.MaxReconnects {
		s.attempts++
		attempt := s.attempts

		if !s.emit(provider.Chunk{Type: provider.ChunkReconnecting, Attempt: attempt}) {
			return nil
		}

		t := time.NewTimer(time.Duration(attempt) * s.cfg.BackoffUnit)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}

		body, err := s.open(s.ctx, s.continuation())
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			s.log.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		s.log.Info("reconnected", zap.Int("attempt", attempt))
		s.parser = sse.NewParser()
		s.eventType = ""
		return body
	}
	return nil
}

func (s *session) continuation() []provider.Message {
	msgs := make([]provider.Message, 0, len(s.cfg.Messages)+2)
	msgs = append(msgs, s.cfg.Messages...)
	return append(msgs,
		provider.Message{Role: provider.RoleAssistant, Content: s.content.String()},
		provider.Message{Role: provider.RoleUser, Content: s.cfg.ContinuePrompt},
	)
}

func (s *session) done() provider.Chunk {
	content := s.content.String()
	usage := s.usage
	incomplete := false
	if usage == nil {
		usage = cost.EstimateUsage(content)
		incomplete = true
	}
	return provider.Chunk{
		Type:       provider.ChunkDone,
		Usage:      usage,
		Cost:       cost.Calculate(usage, s.cfg.Model),
		Content:    content,
		Incomplete: incomplete,
	}
}

func (s *session) cancelled() provider.Chunk {
	reason := provider.ReasonCancelled
	if errors.Is(s.ctx.Err(), context.DeadlineExceeded) {
		reason = provider.ReasonTimeout
	}
	return provider.Chunk{
		Type:           provider.ChunkCancelled,
		PartialContent: s.content.String(),
		Reason:         reason,
	}
}
