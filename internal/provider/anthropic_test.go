package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/h1v3-io/relay/pkg/protocol"
)

// fakeAPI is a Messages endpoint that replays scripted replies and records
// every request body it receives.
type fakeAPI struct {
	t       *testing.T
	mu      sync.Mutex
	replies []func(w http.ResponseWriter)
	reqs    []anthropicRequest
	headers []http.Header
}

func newFakeAPI(t *testing.T, replies ...func(w http.ResponseWriter)) (*fakeAPI, string) {
	t.Helper()
	f := &fakeAPI{t: t, replies: replies}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv.URL
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/messages" || r.Method != http.MethodPost {
		f.t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
	}
	var req anthropicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		f.t.Errorf("decode request: %v", err)
	}

	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.headers = append(f.headers, r.Header.Clone())
	n := len(f.reqs)
	f.mu.Unlock()

	respond := f.replies[len(f.replies)-1]
	if n <= len(f.replies) {
		respond = f.replies[n-1]
	}
	respond(w)
}

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeAPI) last() anthropicRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

func reply(resp anthropicResponse) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func status(code int, body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(code)
		w.Write([]byte(body))
	}
}

func textReply(text string) func(w http.ResponseWriter) {
	return reply(anthropicResponse{
		Content:    []contentBlock{{Type: "text", Text: text}},
		Usage:      anthropicUsage{InputTokens: 12, OutputTokens: 4},
		StopReason: "end_turn",
	})
}

func userTurn(text string) protocol.ChatRequest {
	return protocol.ChatRequest{Messages: []protocol.ChatMessage{{Role: "user", Content: text}}}
}

func TestChat_Text(t *testing.T) {
	api, url := newFakeAPI(t, textReply("risk: low"))
	p := NewAnthropic("sk-test", WithAnthropicBaseURL(url))

	got, err := p.Chat(context.Background(), userTurn("assess ENG-42"))
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got.Content != "risk: low" || got.HasToolCalls() || got.Truncated() {
		t.Errorf("response = %+v", got)
	}
	if got.Usage.PromptTokens != 12 || got.Usage.CompletionTokens != 4 {
		t.Errorf("usage = %+v", got.Usage)
	}

	h := api.headers[0]
	if h.Get("x-api-key") != "sk-test" || h.Get("anthropic-version") != anthropicAPIVersion {
		t.Errorf("headers = %v", h)
	}
	req := api.last()
	if req.MaxTokens != defaultMaxTokens || req.Temperature != nil || req.System != "" {
		t.Errorf("defaults not applied: %+v", req)
	}
}

func TestChat_Model(t *testing.T) {
	tests := []struct {
		name string
		opts []AnthropicOption
		req  string
		want string
	}{
		{"default", nil, "", "claude-sonnet-4-20250514"},
		{"option", []AnthropicOption{WithAnthropicModel("claude-haiku-4-5")}, "", "claude-haiku-4-5"},
		{"request wins", []AnthropicOption{WithAnthropicModel("claude-haiku-4-5")}, "claude-opus-4-1", "claude-opus-4-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, url := newFakeAPI(t, textReply("ok"))
			p := NewAnthropic("k", append(tt.opts, WithAnthropicBaseURL(url))...)
			req := userTurn("hi")
			req.Model = tt.req
			if _, err := p.Chat(context.Background(), req); err != nil {
				t.Fatalf("Chat: %v", err)
			}
			if got := api.last().Model; got != tt.want {
				t.Errorf("model = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChat_ToolUse(t *testing.T) {
	api, url := newFakeAPI(t, reply(anthropicResponse{
		Content: []contentBlock{
			{Type: "text", Text: "Checking the diff."},
			{Type: "tool_use", ID: "toolu_1", Name: "read_file", Input: map[string]any{"path": "main.go"}},
		},
		StopReason: "tool_use",
	}))
	p := NewAnthropic("k", WithAnthropicBaseURL(url))

	req := userTurn("review")
	req.Tools = []protocol.ToolDefinition{
		protocol.NewToolDefinition("read_file", "Read a file", map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
		}),
		protocol.NewToolDefinition("list_dir", "List a directory", nil),
	}
	req.Temperature = 0.2

	got, err := p.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got.Content != "Checking the diff." || len(got.ToolCalls) != 1 {
		t.Fatalf("response = %+v", got)
	}
	if tc := got.ToolCalls[0]; tc.ID != "toolu_1" || tc.Name != "read_file" || tc.Arguments["path"] != "main.go" {
		t.Errorf("tool call = %+v", tc)
	}

	sent := api.last()
	if len(sent.Tools) != 2 || sent.Tools[0].Name != "read_file" || sent.Tools[0].InputSchema["type"] != "object" {
		t.Errorf("tools = %+v", sent.Tools)
	}
	if sent.Tools[1].InputSchema == nil {
		t.Error("nil schema should be sent as an empty object")
	}
	if sent.Temperature == nil || *sent.Temperature != 0.2 {
		t.Errorf("temperature = %v", sent.Temperature)
	}
}

func TestChat_StopReason(t *testing.T) {
	_, url := newFakeAPI(t, reply(anthropicResponse{
		Content:    []contentBlock{{Type: "text", Text: "partial"}},
		StopReason: "max_tokens",
	}))
	got, err := NewAnthropic("k", WithAnthropicBaseURL(url)).Chat(context.Background(), userTurn("hi"))
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !got.Truncated() {
		t.Errorf("stop_reason %q should report truncation", got.StopReason)
	}
}

func TestChat_Errors(t *testing.T) {
	tests := []struct {
		name      string
		replies   []func(http.ResponseWriter)
		retries   int
		wantErr   bool
		wantCalls int
		transient bool
	}{
		{"bad request is not retried", []func(http.ResponseWriter){status(400, `{"error":{"message":"bad"}}`)}, 2, true, 1, false},
		{"rate limit then success", []func(http.ResponseWriter){status(429, `{}`), textReply("ok")}, 1, false, 2, false},
		{"overloaded until exhausted", []func(http.ResponseWriter){status(529, `{}`)}, 2, true, 3, true},
		{"no retries configured", []func(http.ResponseWriter){status(500, `{}`)}, 0, true, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, url := newFakeAPI(t, tt.replies...)
			p := NewAnthropic("k", WithAnthropicBaseURL(url), WithAnthropicRetries(tt.retries, time.Millisecond))

			_, err := p.Chat(context.Background(), userTurn("hi"))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if api.calls() != tt.wantCalls {
				t.Errorf("calls = %d, want %d", api.calls(), tt.wantCalls)
			}
			if err == nil {
				return
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("err = %T, want *APIError", err)
			}
			if apiErr.Transient() != tt.transient {
				t.Errorf("Transient() = %v for status %d", apiErr.Transient(), apiErr.Status)
			}
		})
	}
}

func TestChat_CancelDuringBackoff(t *testing.T) {
	_, url := newFakeAPI(t, status(503, `{}`))
	p := NewAnthropic("k", WithAnthropicBaseURL(url), WithAnthropicRetries(3, time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Chat(ctx, userTurn("hi"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestToAnthropicMessages(t *testing.T) {
	system, msgs := toAnthropicMessages([]protocol.ChatMessage{
		{Role: "system", Content: "You are the review step."},
		{Role: "system", Content: "Repository: acme/api"},
		{Role: "user", Content: "go"},
		{Role: "assistant", Content: "Looking.", ToolCalls: []protocol.ToolCall{
			{ID: "a", Name: "read_file", Arguments: map[string]any{"path": "x"}},
			{ID: "b", Name: "list_dir"},
		}},
		{Role: "tool", ToolCallID: "a", Content: "one"},
		{Role: "tool", ToolCallID: "b", Content: "two"},
		{Role: "assistant", Content: "Done."},
	})

	if system != "You are the review step.\n\nRepository: acme/api" {
		t.Errorf("system = %q", system)
	}
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}

	call := msgs[1]
	if call.Role != "assistant" || len(call.Content) != 3 {
		t.Fatalf("assistant turn = %+v", call)
	}
	if call.Content[0].Type != "text" || call.Content[1].Type != "tool_use" || call.Content[2].ID != "b" {
		t.Errorf("assistant blocks = %+v", call.Content)
	}

	results := msgs[2]
	if results.Role != "user" || len(results.Content) != 2 {
		t.Fatalf("tool results = %+v", results)
	}
	for i, id := range []string{"a", "b"} {
		if b := results.Content[i]; b.Type != "tool_result" || b.ToolUseID != id {
			t.Errorf("result %d = %+v", i, b)
		}
	}
}

func TestContentBlockJSON(t *testing.T) {
	data, err := json.Marshal(contentBlock{Type: "tool_use", ID: "t", Name: "list_dir"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"tool_use","id":"t","name":"list_dir","input":{}}` {
		t.Errorf("tool_use = %s", data)
	}

	data, _ = json.Marshal(contentBlock{Type: "tool_result", ToolUseID: "t", Content: "boom", IsError: true})
	if string(data) != `{"type":"tool_result","tool_use_id":"t","content":"boom","is_error":true}` {
		t.Errorf("tool_result = %s", data)
	}
}

func TestAnthropicName(t *testing.T) {
	if n := NewAnthropic("k").Name(); n != "anthropic" {
		t.Errorf("Name() = %q", n)
	}
}
