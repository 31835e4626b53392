// Package apierr defines the single error type returned by every layer of the
// client. Callers dispatch on Kind rather than on concrete types.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindConfig     Kind = "config"
	KindAPI        Kind = "api"
	KindNetwork    Kind = "network"
	KindTimeout    Kind = "timeout"
	KindCancelled  Kind = "cancelled"
)

const (
	CodeBadRequest      = "bad_request"
	CodeUnauthorized    = "unauthorized"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeRateLimited     = "rate_limited"
	CodeServerError     = "server_error"
	CodeHTTPError       = "http_error"
	CodeInvalidResponse = "invalid_response"
)

type Error struct {
	Kind        Kind
	Status      int
	Code        string
	Message     string
	Recoverable bool
	RetryAfter  time.Duration

	Provider string
	Model    string
	Endpoint string

	// Payload is the raw upstream response body, if any.
	Payload []byte
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	b.WriteString(" error")
	if e.Status != 0 {
		fmt.Fprintf(&b, " %d", e.Status)
	}

	msg := e.Message
	if msg == "" && e.Status != 0 {
		msg = http.StatusText(e.Status)
	}
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	if e.Model != "" {
		b.WriteString(" (model=")
		b.WriteString(e.Model)
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf reports the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

func IsRecoverable(err error) bool {
	if e, ok := As(err); ok {
		return e.Recoverable
	}
	return false
}

func Validation(code, format string, args ...any) *Error {
	return &Error{
		Kind:    KindValidation,
		Status:  http.StatusBadRequest,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

func Config(status int, code, format string, args ...any) *Error {
	return &Error{
		Kind:    KindConfig,
		Status:  status,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// FromStatus classifies a non-2xx HTTP response.
func FromStatus(status int, message string, payload []byte, retryAfter time.Duration) *Error {
	code, recoverable := classify(status)
	if message == "" {
		message = http.StatusText(status)
	}
	e := &Error{
		Kind:        KindAPI,
		Status:      status,
		Code:        code,
		Message:     message,
		Recoverable: recoverable,
		Payload:     append([]byte(nil), payload...),
	}
	if status == http.StatusTooManyRequests {
		e.RetryAfter = retryAfter
	}
	return e
}

func classify(status int) (string, bool) {
	switch status {
	case http.StatusBadRequest:
		return CodeBadRequest, false
	case http.StatusUnauthorized:
		return CodeUnauthorized, false
	case http.StatusForbidden:
		return CodeForbidden, false
	case http.StatusNotFound:
		return CodeNotFound, false
	case http.StatusTooManyRequests:
		return CodeRateLimited, true
	default:
		if status >= 500 {
			return CodeServerError, true
		}
		return CodeHTTPError, false
	}
}

func Network(cause error) *Error {
	return &Error{Kind: KindNetwork, Code: "network", Message: cause.Error(), Recoverable: true, Cause: cause}
}

func Timeout(cause error) *Error {
	return &Error{Kind: KindTimeout, Code: "timeout", Message: "request deadline exceeded", Recoverable: true, Cause: cause}
}

func Cancelled(cause error) *Error {
	return &Error{Kind: KindCancelled, Code: "cancelled", Message: "request cancelled", Cause: cause}
}

// FromTransport maps an error returned while sending or reading a request.
// Context errors take precedence so a timeout and an explicit cancel differ
// only in Kind.
func FromTransport(ctx context.Context, err error) *Error {
	if e, ok := As(err); ok {
		return e
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return Timeout(err)
	case errors.Is(err, context.Canceled), errors.Is(ctx.Err(), context.Canceled):
		return Cancelled(err)
	default:
		return Network(err)
	}
}

// Enrich fills in the request context on err. Non-*Error values are wrapped
// so their kind is unchanged for errors.Is/As callers.
func Enrich(err error, provider, model, endpoint string) error {
	if err == nil {
		return nil
	}
	e, ok := As(err)
	if !ok {
		return fmt.Errorf("provider %s model %s: %w", provider, model, err)
	}
	c := *e
	if c.Provider == "" {
		c.Provider = provider
	}
	if c.Model == "" {
		c.Model = model
	}
	if c.Endpoint == "" {
		c.Endpoint = endpoint
	}
	return &c
}

// ParseRetryAfter accepts both delay-seconds and HTTP-date forms.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
