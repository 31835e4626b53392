package provider

import (
	"context"
	"encoding/json"
	"iter"
	"strings"
	"sync"
	"time"
)

type ChunkType string

const (
	ChunkContent      ChunkType = "content"
	ChunkFinish       ChunkType = "finish"
	ChunkDone         ChunkType = "done"
	ChunkError        ChunkType = "error"
	ChunkReconnecting ChunkType = "reconnecting"
	ChunkCancelled    ChunkType = "cancelled"
	ChunkRetry        ChunkType = "retry"
)

const (
	ReasonCancelled = "cancelled"
	ReasonTimeout   = "timeout"
)

// Chunk is one unit yielded by a streaming call. Which fields are set depends
// on Type.
type Chunk struct {
	Type ChunkType `json:"type"`

	// content
	Text            string `json:"text,omitempty"`
	AccumulatedText string `json:"accumulated_text,omitempty"`

	// finish
	FinishReason string `json:"finish_reason,omitempty"`

	// done
	Usage      *Usage  `json:"usage,omitempty"`
	Cost       float64 `json:"cost,omitempty"`
	Content    string  `json:"content,omitempty"`
	Incomplete bool    `json:"incomplete,omitempty"`
	Cached     bool    `json:"cached,omitempty"`

	// error
	Message     string `json:"message,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`

	// reconnecting
	Attempt int `json:"attempt,omitempty"`

	// cancelled
	PartialContent string `json:"partial_content,omitempty"`
	Reason         string `json:"reason,omitempty"`

	// retry
	Delay time.Duration `json:"-"`
}

// MarshalJSON reports Delay in milliseconds.
func (c Chunk) MarshalJSON() ([]byte, error) {
	type plain Chunk
	return json.Marshal(struct {
		plain
		DelayMs int64 `json:"delay_ms,omitempty"`
	}{plain(c), c.Delay.Milliseconds()})
}

// Terminal reports whether c ends a stream.
func (c Chunk) Terminal() bool {
	return c.Type == ChunkDone || c.Type == ChunkCancelled
}

// Stream is the pull side of a streaming call. A producer goroutine feeds it
// with Send and ends it with exactly one Finish or Fail; the consumer reads
// with Next until it returns false and then checks Err.
//
// The terminal chunk is held on the Stream rather than sent on the channel,
// so it is always the last chunk Next returns and is never dropped when the
// producer's context has already been cancelled.
//
// A consumer that stops reading early must call Cancel and keep calling Next
// until it returns false, so every Map sees the cancelled chunk. Breaking out
// of Chunks does both.
type Stream struct {
	id     string
	ch     chan Chunk
	cancel context.CancelFunc

	closeOnce sync.Once

	mu        sync.Mutex
	terminal  *Chunk
	delivered bool
	err       error

	maps     []func(Chunk) Chunk
	failures []func(error)
	reported bool
}

func NewStream(id string, cancel context.CancelFunc) *Stream {
	if cancel == nil {
		cancel = func() {}
	}
	return &Stream{id: id, ch: make(chan Chunk), cancel: cancel}
}

// NewSingleResponseStream replays a complete response as one content chunk
// followed by done.
func NewSingleResponseStream(resp *Response) *Stream {
	s := &Stream{id: resp.RequestID, ch: make(chan Chunk, 1), cancel: func() {}}
	if resp.Content != "" {
		s.ch <- Chunk{Type: ChunkContent, Text: resp.Content, AccumulatedText: resp.Content}
	}
	s.Finish(Chunk{
		Type:       ChunkDone,
		Usage:      resp.Usage,
		Cost:       resp.Cost,
		Content:    resp.Content,
		Cached:     resp.Cached,
		Incomplete: resp.Usage != nil && resp.Usage.Incomplete,
	})
	return s
}

func (s *Stream) ID() string { return s.id }

// Send delivers a non-terminal chunk. It returns false without sending once
// ctx is done.
func (s *Stream) Send(ctx context.Context, c Chunk) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case s.ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// Finish records the terminal chunk and closes the stream. Only the first
// call to Finish or Fail has any effect.
func (s *Stream) Finish(terminal Chunk) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.terminal = &terminal
		s.mu.Unlock()
		close(s.ch)
	})
}

// Fail closes the stream without a terminal chunk; Err reports err.
func (s *Stream) Fail(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
	})
}

// Map registers fn to rewrite every chunk returned by Next, in registration
// order. It must be called before the stream is consumed.
func (s *Stream) Map(fn func(Chunk) Chunk) {
	s.maps = append(s.maps, fn)
}

// OnFail registers fn to run once, on the consumer's goroutine, when Next
// observes that the stream ended with an error.
func (s *Stream) OnFail(fn func(error)) {
	s.failures = append(s.failures, fn)
}

// Next blocks until the next chunk is available. It returns false once the
// stream has ended and the terminal chunk, if any, has been returned.
func (s *Stream) Next() (Chunk, bool) {
	c, ok := <-s.ch
	if !ok {
		s.mu.Lock()
		if s.terminal == nil || s.delivered {
			err, report := s.err, s.err != nil && !s.reported
			s.reported = s.reported || report
			s.mu.Unlock()
			if report {
				for _, fn := range s.failures {
					fn(err)
				}
			}
			return Chunk{}, false
		}
		s.delivered = true
		c = *s.terminal
		s.mu.Unlock()
	}
	for _, fn := range s.maps {
		c = fn(c)
	}
	return c, true
}

// Err returns the error that ended the stream, if it did not end with a
// terminal chunk.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel aborts the stream. The producer finishes with a cancelled chunk.
func (s *Stream) Cancel() {
	s.cancel()
}

// Chunks adapts the stream to a range-over-func iterator. Breaking out of the
// loop cancels the stream and drains it, so the terminal chunk still passes
// through every Map.
func (s *Stream) Chunks() iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		for {
			c, ok := s.Next()
			if !ok {
				return
			}
			if !yield(c) {
				s.Cancel()
				s.drain()
				return
			}
		}
	}
}

func (s *Stream) drain() {
	for {
		if _, ok := s.Next(); !ok {
			return
		}
	}
}

// Collect drains the stream and returns its terminal chunk.
func (s *Stream) Collect() (Chunk, error) {
	var (
		last Chunk
		text strings.Builder
	)
	for c := range s.Chunks() {
		if c.Type == ChunkContent {
			text.WriteString(c.Text)
		}
		last = c
	}
	if err := s.Err(); err != nil {
		return Chunk{}, err
	}
	if last.Type == ChunkDone && last.Content == "" {
		last.Content = text.String()
	}
	return last, nil
}
