// Package sse implements an incremental Server-Sent Events line parser.
//
// The parser works on raw bytes as they arrive from the network and only
// emits a line once its terminating newline has been seen, so the output is
// the same no matter where the input was split.
package sse

import (
	"bytes"
	"strconv"
	"strings"
	"time"
)

type Kind int

const (
	KindData Kind = iota
	// KindDone is the "data: [DONE]" sentinel.
	KindDone
	KindEvent
	KindID
	KindRetry
	KindComment
	// KindField is any other field name; Field holds the name.
	KindField
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindDone:
		return "done"
	case KindEvent:
		return "event"
	case KindID:
		return "id"
	case KindRetry:
		return "retry"
	case KindComment:
		return "comment"
	case KindField:
		return "field"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind  Kind
	Field string
	Data  string
	Retry time.Duration
}

const doneSentinel = "[DONE]"

type Parser struct {
	partial []byte
}

func NewParser() *Parser {
	return &Parser{}
}

// Feed consumes the next chunk of the stream and returns the events for
// every line it completed.
func (p *Parser) Feed(chunk []byte) []Event {
	if len(chunk) == 0 {
		return nil
	}
	p.partial = append(p.partial, chunk...)

	var events []Event
	for {
		// Lines end at \n (with an optional \r before it). A lone \r is not
		// treated as a line ending.
		i := bytes.IndexByte(p.partial, '\n')
		if i < 0 {
			break
		}
		if ev, ok := parseLine(p.partial[:i]); ok {
			events = append(events, ev)
		}
		p.partial = p.partial[i+1:]
	}

	// Compact so a long-lived stream does not pin every consumed byte.
	if len(p.partial) == 0 {
		p.partial = nil
	} else if cap(p.partial) > 4*len(p.partial)+4096 {
		p.partial = append([]byte(nil), p.partial...)
	}
	return events
}

// Flush emits the buffered trailing line, if any. Call it once the stream has
// ended without a final newline.
func (p *Parser) Flush() []Event {
	if len(p.partial) == 0 {
		return nil
	}
	line := p.partial
	p.partial = nil
	if ev, ok := parseLine(line); ok {
		return []Event{ev}
	}
	return nil
}

// Buffered reports how many bytes of an incomplete line are held.
func (p *Parser) Buffered() int {
	return len(p.partial)
}

func parseLine(raw []byte) (Event, bool) {
	line := string(bytes.TrimSuffix(raw, []byte{'\r'}))
	if line == "" {
		return Event{}, false
	}

	if line[0] == ':' {
		return Event{Kind: KindComment, Data: trimOneSpace(line[1:])}, true
	}

	field, value, _ := strings.Cut(line, ":")
	value = trimOneSpace(value)

	switch field {
	case "data":
		if strings.TrimSpace(value) == doneSentinel {
			return Event{Kind: KindDone, Field: field}, true
		}
		return Event{Kind: KindData, Field: field, Data: value}, true
	case "event":
		return Event{Kind: KindEvent, Field: field, Data: value}, true
	case "id":
		return Event{Kind: KindID, Field: field, Data: value}, true
	case "retry":
		ms, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || ms < 0 {
			return Event{}, false
		}
		return Event{Kind: KindRetry, Field: field, Data: value, Retry: time.Duration(ms) * time.Millisecond}, true
	default:
		return Event{Kind: KindField, Field: field, Data: value}, true
	}
}

func trimOneSpace(s string) string {
	return strings.TrimPrefix(s, " ")
}
