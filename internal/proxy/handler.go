package proxy

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/chatstream/internal/apierr"
	"github.com/vnmchuo/chatstream/internal/billing"
	"github.com/vnmchuo/chatstream/internal/client"
)

// StatusClientClosedRequest is reported when the caller went away or the
// request was cancelled.
const StatusClientClosedRequest = 499

const usageWindow = 30 * 24 * time.Hour

type Handler struct {
	client  *client.Client
	billing billing.Store
	tracer  trace.Tracer
	logger  *zap.Logger
}

// NewHandler builds the relay handlers. A nil billing store disables the
// usage endpoint.
func NewHandler(c *client.Client, billing billing.Store, tracer trace.Tracer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		client:  c,
		billing: billing,
		tracer:  tracer,
		logger:  logger.Named("proxy"),
	}
}

func bearerToken(r *http.Request) string {
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return strings.TrimSpace(token)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Kind        apierr.Kind `json:"kind"`
	Code        string      `json:"code"`
	Message     string      `json:"message"`
	Recoverable bool        `json:"recoverable"`
}

func statusFor(e *apierr.Error) int {
	switch e.Kind {
	case apierr.KindValidation:
		return http.StatusBadRequest
	case apierr.KindConfig, apierr.KindAPI:
		if e.Status != 0 {
			return e.Status
		}
		if e.Kind == apierr.KindAPI {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	case apierr.KindNetwork:
		return http.StatusBadGateway
	case apierr.KindTimeout:
		return http.StatusGatewayTimeout
	case apierr.KindCancelled:
		return StatusClientClosedRequest
	}
	return http.StatusInternalServerError
}

func errorPayload(err error) (int, errorBody) {
	e, ok := apierr.As(err)
	if !ok {
		return http.StatusInternalServerError, errorBody{Code: "internal", Message: err.Error()}
	}
	return statusFor(e), errorBody{
		Kind:        e.Kind,
		Code:        e.Code,
		Message:     e.Error(),
		Recoverable: e.Recoverable,
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status, body := errorPayload(err)
	if e, ok := apierr.As(err); ok && e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(e.RetryAfter.Seconds()))))
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err), zap.Int("status", status))
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, apierr.Validation("invalid_body", "invalid request body: %v", err))
		return false
	}
	return true
}

func (h *Handler) startSpan(r *http.Request, name string, params client.Params) (*http.Request, trace.Span) {
	ctx, span := h.tracer.Start(r.Context(), name)
	span.SetAttributes(
		attribute.String("provider", params.Provider),
		attribute.String("model", params.Model),
	)
	return r.WithContext(ctx), span
}

func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	var params client.Params
	if !h.decode(w, r, &params) {
		return
	}
	params.APIKey = bearerToken(r)

	r, span := h.startSpan(r, "relay.chat", params)
	defer span.End()

	resp, err := h.client.Chat(r.Context(), params)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleStream re-emits every chunk as an SSE frame named after the chunk
// type. A stream that fails after the headers are sent ends with an error
// frame carrying the error body.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	var params client.Params
	if !h.decode(w, r, &params) {
		return
	}
	params.APIKey = bearerToken(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	r, span := h.startSpan(r, "relay.stream", params)
	defer span.End()

	s, err := h.client.Stream(r.Context(), params)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer s.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Request-Id", s.ID())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for c := range s.Chunks() {
		data, err := json.Marshal(c)
		if err != nil {
			h.logger.Error("failed to encode chunk", zap.Error(err))
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", c.Type, data)
		flusher.Flush()
	}

	if err := s.Err(); err != nil {
		_, body := errorPayload(err)
		data, _ := json.Marshal(map[string]errorBody{"error": body})
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
		flusher.Flush()
	}
}

func (h *Handler) HandleEstimate(w http.ResponseWriter, r *http.Request) {
	var params client.EstimateParams
	if !h.decode(w, r, &params) {
		return
	}
	est, err := h.client.EstimateCost(params)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (h *Handler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": h.client.ListProviders()})
}

func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	models, err := h.client.ListModels(name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider": name, "models": models})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	start := time.Now()
	if err := h.client.HealthCheck(r.Context(), name, bearerToken(r)); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider":   name,
		"status":     "ok",
		"latency_ms": time.Since(start).Milliseconds(),
	})
}

// HandleCancel cancels the live requests of the provider in the path, or of
// every provider on the unscoped route.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	n, err := h.client.CancelAllRequests(chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func parseTime(v string, fallback time.Time) (time.Time, error) {
	if v == "" {
		return fallback, nil
	}
	return time.Parse(time.RFC3339, v)
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	if h.billing == nil {
		h.writeError(w, apierr.Config(http.StatusNotImplemented, "billing_disabled", "usage ledger is not configured"))
		return
	}

	now := time.Now()
	q := r.URL.Query()
	from, err := parseTime(q.Get("from"), now.Add(-usageWindow))
	if err != nil {
		h.writeError(w, apierr.Validation("invalid_from", "invalid 'from' date format (use RFC3339)"))
		return
	}
	to, err := parseTime(q.Get("to"), now)
	if err != nil {
		h.writeError(w, apierr.Validation("invalid_to", "invalid 'to' date format (use RFC3339)"))
		return
	}
	name := q.Get("provider")

	logs, err := h.billing.ListUsage(r.Context(), name, from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}
	total, err := h.billing.TotalCost(r.Context(), name, from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"provider":       name,
		"total_requests": len(logs),
		"total_cost_usd": total,
		"logs":           logs,
		"from":           from,
		"to":             to,
	})
}
