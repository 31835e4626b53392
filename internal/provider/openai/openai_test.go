package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/vnmchuo/chatstream/internal/apierr"
	"github.com/vnmchuo/chatstream/internal/cost"
	"github.com/vnmchuo/chatstream/internal/provider"
)

const testKey = "sk-0123456789abcdef0123456789abcdef"

var deepseekChat = provider.ModelConfig{
	ID:          "deepseek-chat",
	Name:        "DeepSeek Chat",
	Temperature: 0.7,
	MaxTokens:   4096,
	Pricing:     provider.Pricing{Input: 0.00027, Output: 0.0011},
}

func newTestProvider(t *testing.T, endpoint string, mutate ...func(*provider.Definition)) *Provider {
	t.Helper()
	def := provider.Definition{
		Name:      "deepseek",
		Endpoint:  endpoint,
		Streaming: true,
		Features:  map[string]bool{"json_mode": true},
		Models:    []provider.ModelConfig{deepseekChat},
	}
	for _, m := range mutate {
		m(&def)
	}
	p, err := New(def, WithLogger(zaptest.NewLogger(t)), WithReconnect(-1, time.Millisecond))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

func helloRequest(model string) *provider.Request {
	return &provider.Request{
		APIKey:   testKey,
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "Hello"}},
		Options:  provider.Options{Model: model},
	}
}

func TestChat_Mock(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testKey {
			t.Errorf("unexpected Authorization header %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected Content-Type %q", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cmpl-1","choices":[{"message":{"content":"Hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`)
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL)
	resp, err := p.Chat(context.Background(), helloRequest("deepseek-chat"))
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if resp.Content != "Hi there" {
		t.Errorf("Expected 'Hi there', got %s", resp.Content)
	}
	want := 5.0/1000*deepseekChat.Pricing.Input + 3.0/1000*deepseekChat.Pricing.Output
	if diff := resp.Cost - want; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("Expected cost %f, got %f", want, resp.Cost)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 8 {
		t.Errorf("Expected usage with 8 total tokens, got %+v", resp.Usage)
	}
	if resp.RequestID == "" || resp.Provider != "deepseek" || resp.Model != "deepseek-chat" {
		t.Errorf("unexpected response metadata: %+v", resp)
	}

	if got.Model != "deepseek-chat" || got.Stream {
		t.Errorf("unexpected body model/stream: %+v", got)
	}
	if got.Temperature != 0.7 || got.MaxTokens != 4096 || got.TopP != 1 || got.FrequencyPenalty != 0 || got.PresencePenalty != 0 {
		t.Errorf("model defaults not applied: %+v", got)
	}
	if p.Active() != 0 {
		t.Errorf("Expected no active requests, got %d", p.Active())
	}
}

func TestChat_OptionsOverrideDefaults(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"choices":[{"message":{"content":""}}]}`)
	}))
	defer server.Close()

	temp, maxTokens, topP, freq := 0.0, 16, 0.5, 0.3
	req := helloRequest("deepseek-chat")
	req.Temperature = &temp
	req.MaxTokens = &maxTokens
	req.TopP = &topP
	req.FrequencyPenalty = &freq
	req.Stop = []string{"END"}

	resp, err := newTestProvider(t, server.URL).Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Cost != 0 || resp.Usage != nil {
		t.Errorf("Expected no cost without usage, got %f %+v", resp.Cost, resp.Usage)
	}

	if got.Temperature != 0 || got.MaxTokens != 16 || got.TopP != 0.5 || got.FrequencyPenalty != 0.3 || got.PresencePenalty != 0 {
		t.Errorf("overrides not applied: %+v", got)
	}
	if len(got.Stop) != 1 || got.Stop[0] != "END" {
		t.Errorf("Expected stop sequence, got %v", got.Stop)
	}
}

func TestChat_DropsEmptyMessages(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer server.Close()

	req := helloRequest("deepseek-chat")
	req.Messages = append([]provider.Message{{Role: provider.RoleSystem, Content: ""}}, req.Messages...)

	if _, err := newTestProvider(t, server.URL).Chat(context.Background(), req); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "Hello" {
		t.Errorf("Expected only the non-empty message, got %+v", got.Messages)
	}
}

func TestChat_Unauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Invalid API key"}}`)
	}))
	defer server.Close()

	_, err := newTestProvider(t, server.URL).Chat(context.Background(), helloRequest("deepseek-chat"))
	e, ok := apierr.As(err)
	if !ok {
		t.Fatalf("Expected *apierr.Error, got %v", err)
	}
	if e.Kind != apierr.KindAPI || e.Status != 401 || e.Message != "Invalid API key" || e.Recoverable {
		t.Errorf("unexpected error: %+v", e)
	}
	if e.Provider != "deepseek" || e.Model != "deepseek-chat" || e.Endpoint != server.URL {
		t.Errorf("error not enriched: %+v", e)
	}
}

func TestChat_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
	}))
	defer server.Close()

	_, err := newTestProvider(t, server.URL).Chat(context.Background(), helloRequest("deepseek-chat"))
	e, ok := apierr.As(err)
	if !ok {
		t.Fatalf("Expected *apierr.Error, got %v", err)
	}
	if !e.Recoverable || e.Code != apierr.CodeRateLimited || e.RetryAfter != 12*time.Second {
		t.Errorf("unexpected error: %+v", e)
	}
}

func TestChat_UnknownModelMakesNoCall(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	_, err := newTestProvider(t, server.URL).Chat(context.Background(), helloRequest("gpt-5"))
	if apierr.KindOf(err) != apierr.KindValidation {
		t.Errorf("Expected validation error, got %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("Expected no network calls, got %d", calls.Load())
	}
}

func TestChat_InvalidResponse(t *testing.T) {
	bodies := []string{
		`{"choices":[]}`,
		`{"choices":[{"message":{}}]}`,
		`not json`,
	}
	for _, body := range bodies {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, body)
		}))

		_, err := newTestProvider(t, server.URL).Chat(context.Background(), helloRequest("deepseek-chat"))
		e, ok := apierr.As(err)
		if !ok || e.Code != apierr.CodeInvalidResponse {
			t.Errorf("body %q: expected invalid_response, got %v", body, err)
		}
		server.Close()
	}
}

func TestChat_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL, func(d *provider.Definition) { d.Timeout = 50 * time.Millisecond })
	_, err := p.Chat(context.Background(), helloRequest("deepseek-chat"))
	if apierr.KindOf(err) != apierr.KindTimeout {
		t.Errorf("Expected timeout error, got %v", err)
	}
	if !apierr.IsRecoverable(err) {
		t.Error("timeouts should be recoverable")
	}
}

func TestStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("unexpected Accept header %q", r.Header.Get("Accept"))
		}
		var body chatRequest
		json.NewDecoder(r.Body).Decode(&body)
		if !body.Stream {
			t.Error("Expected stream:true in request body")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{"Hello", " from", " DeepSeek", "!"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", chunk)
		}
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":2,\"completion_tokens\":4,\"total_tokens\":6}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL)
	s, err := p.Stream(context.Background(), helloRequest("deepseek-chat"))
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var content string
	var last provider.Chunk
	for c := range s.Chunks() {
		if c.Type == provider.ChunkContent {
			content += c.Text
		}
		last = c
	}
	if err := s.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}

	if content != "Hello from DeepSeek!" {
		t.Errorf("Expected 'Hello from DeepSeek!', got %s", content)
	}
	if last.Type != provider.ChunkDone || last.Usage == nil || last.Usage.TotalTokens != 6 {
		t.Fatalf("unexpected terminal chunk: %+v", last)
	}
	if last.Cost != cost.Calculate(last.Usage, deepseekChat) {
		t.Errorf("Expected cost %f, got %f", cost.Calculate(last.Usage, deepseekChat), last.Cost)
	}
	if p.Active() != 0 {
		t.Errorf("Expected no active requests, got %d", p.Active())
	}
}

func TestStream_ErrorBeforeFirstByte(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"overloaded"}}`)
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL)
	s, err := p.Stream(context.Background(), helloRequest("deepseek-chat"))
	if s != nil {
		t.Fatal("Expected no stream")
	}
	e, ok := apierr.As(err)
	if !ok || e.Status != http.StatusServiceUnavailable || !e.Recoverable || e.Message != "overloaded" {
		t.Errorf("unexpected error: %v", err)
	}
	if p.Active() != 0 {
		t.Errorf("Expected no active requests, got %d", p.Active())
	}
}

func TestCancelAll(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL)
	s, err := p.Stream(context.Background(), helloRequest("deepseek-chat"))
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	first, ok := s.Next()
	if !ok || first.Type != provider.ChunkContent {
		t.Fatalf("Expected a content chunk, got %+v", first)
	}
	if p.Active() != 1 {
		t.Fatalf("Expected 1 active request, got %d", p.Active())
	}

	if n := p.CancelAll(); n != 1 {
		t.Errorf("Expected 1 cancelled request, got %d", n)
	}

	var last provider.Chunk
	for c := range s.Chunks() {
		last = c
	}
	if last.Type != provider.ChunkCancelled || last.PartialContent != "partial" || last.Reason != provider.ReasonCancelled {
		t.Errorf("unexpected terminal chunk: %+v", last)
	}
	if p.Active() != 0 {
		t.Errorf("Expected no active requests, got %d", p.Active())
	}
	if n := p.CancelAll(); n != 0 {
		t.Errorf("Expected CancelAll to be a no-op, got %d", n)
	}
}

func TestMetadata(t *testing.T) {
	p := newTestProvider(t, "https://api.deepseek.com/v1/chat/completions")

	if p.Name() != "deepseek" {
		t.Errorf("Expected 'deepseek', got %s", p.Name())
	}
	caps := p.Capabilities()
	if !caps.Streaming || len(caps.Models) != 1 || caps.Models[0] != "deepseek-chat" || !caps.Features["json_mode"] {
		t.Errorf("unexpected capabilities: %+v", caps)
	}
	if _, ok := p.Model("deepseek-chat"); !ok {
		t.Error("deepseek-chat should be a known model")
	}
	if _, ok := p.Model("gpt-4o"); ok {
		t.Error("gpt-4o should not be a known model")
	}
	if !p.ValidateAPIKey(testKey) || p.ValidateAPIKey("not-a-key") {
		t.Error("key validation does not follow the default pattern")
	}
}

func TestNew_RejectsBadDefinitions(t *testing.T) {
	defs := []provider.Definition{
		{Endpoint: "http://x", Models: []provider.ModelConfig{deepseekChat}},
		{Name: "x", Models: []provider.ModelConfig{deepseekChat}},
		{Name: "x", Endpoint: "http://x"},
		{Name: "x", Endpoint: "http://x", Models: []provider.ModelConfig{deepseekChat, deepseekChat}},
		{Name: "x", Endpoint: "http://x", KeyPattern: "([", Models: []provider.ModelConfig{deepseekChat}},
	}
	for i, def := range defs {
		if _, err := New(def); err == nil {
			t.Errorf("definition %d: expected an error", i)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"error":{"message":"Invalid API key"}}`, "Invalid API key"},
		{`{"error":"model overloaded"}`, "model overloaded"},
		{`{"message":"top-level"}`, "top-level"},
		{`{"error":{"message":"quota exceeded"}`, "quota exceeded"},
		{"  upstream connect error  ", "upstream connect error"},
	}
	for _, tt := range tests {
		if got := errorMessage([]byte(tt.body)); got != tt.want {
			t.Errorf("errorMessage(%q) = %q, want %q", tt.body, got, tt.want)
		}
	}
}
