package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient() *Client {
	return New(Config{BackoffBase: time.Millisecond, MaxRetries: 1})
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/tags" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_, _ = io.WriteString(w, `{"models":[{"name":"llama3:8b","size":4661224676,"details":{"parameter_size":"8B","quantization_level":"Q4_0"}},{"name":"qwen2.5:0.5b","size":397821319}]}`)
	}))
	defer srv.Close()

	models, err := newTestClient().ListModels(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}
	if models[0].Name != "llama3:8b" || models[0].Size != 4661224676 || models[0].ParameterSize != "8B" {
		t.Fatalf("unexpected first model %+v", models[0])
	}
}

func TestProbeReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, `{"error":"upstream down"}`)
	}))
	defer srv.Close()

	if err := newTestClient().Probe(context.Background(), srv.URL); err == nil {
		t.Fatalf("expected probe error")
	}
}

func TestProbeUnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	if err := newTestClient().Probe(context.Background(), addr); err == nil {
		t.Fatalf("expected probe error for closed server")
	}
}

func TestPullStreamsProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pull" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "llama3.2:1b" && body["name"] != "llama3.2:1b" {
			t.Errorf("model missing from pull body: %v", body)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, `{"status":"pulling 6a0746a1ec1a","digest":"sha256:6a07","completed":50,"total":100}`+"\n")
		_, _ = io.WriteString(w, `{"status":"success"}`+"\n")
	}))
	defer srv.Close()

	var events []Progress
	err := newTestClient().Pull(context.Background(), srv.URL, "llama3.2:1b", func(p Progress) {
		events = append(events, p)
	})
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 progress events, got %d", len(events))
	}
	if events[0].Percent() != 50 || events[0].Done() {
		t.Fatalf("unexpected first event %+v", events[0])
	}
	if !events[1].Done() || events[1].Percent() != 100 {
		t.Fatalf("expected completion event, got %+v", events[1])
	}
}

func TestPullSkipsUndecodableLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, `{"status":"pulling 6a0746a1ec1a","completed":50,"total":100}`+"\n")
		_, _ = io.WriteString(w, `{"status":"pulling","compl`+"\n")
		_, _ = io.WriteString(w, `{"status":"success"}`+"\n")
	}))
	defer srv.Close()

	var events []Progress
	err := newTestClient().Pull(context.Background(), srv.URL, "llama3.2:1b", func(p Progress) {
		events = append(events, p)
	})
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(events) != 2 || events[0].Percent() != 50 || !events[1].Done() {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestPullFailures(t *testing.T) {
	t.Run("error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"error":"pull model manifest: file does not exist"}`)
		}))
		defer srv.Close()
		if err := newTestClient().Pull(context.Background(), srv.URL, "nope", nil); err == nil {
			t.Fatalf("expected pull error")
		}
	})

	t.Run("error line in stream", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"status":"pulling manifest"}`+"\n")
			_, _ = io.WriteString(w, `{"error":"pull model manifest: file does not exist"}`+"\n")
		}))
		defer srv.Close()
		err := newTestClient().Pull(context.Background(), srv.URL, "nope", nil)
		if err == nil || !strings.Contains(err.Error(), "file does not exist") {
			t.Fatalf("expected stream error, got %v", err)
		}
	})

	t.Run("status code kept", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"model not found"}`)
		}))
		defer srv.Close()
		err := newTestClient().Pull(context.Background(), srv.URL, "nope", nil)
		var se *StatusError
		if !errors.As(err, &se) || se.Code != http.StatusNotFound || se.Message != "model not found" {
			t.Fatalf("expected 404 StatusError, got %v", err)
		}
	})

	t.Run("no success event", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"status":"pulling manifest"}`+"\n")
		}))
		defer srv.Close()
		err := newTestClient().Pull(context.Background(), srv.URL, "partial", nil)
		if !errors.Is(err, ErrPullIncomplete) {
			t.Fatalf("expected ErrPullIncomplete, got %v", err)
		}
	})
}

func TestChatSendsToolsAndDecodesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body struct {
			Model    string           `json:"model"`
			Stream   *bool            `json:"stream"`
			Messages []map[string]any `json:"messages"`
			Tools    []map[string]any `json:"tools"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Model != "llama3.1" || body.Stream == nil || *body.Stream {
			t.Errorf("unexpected model/stream: %q %v", body.Model, body.Stream)
		}
		if len(body.Messages) != 1 || body.Messages[0]["content"] != "2+2" {
			t.Errorf("unexpected messages %v", body.Messages)
		}
		if len(body.Tools) != 1 {
			t.Errorf("expected one tool, got %d", len(body.Tools))
		}
		_, _ = io.WriteString(w, `{"model":"llama3.1","message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"calculator","arguments":{"expression":"2+2"}}}]},"done":true}`)
	}))
	defer srv.Close()

	tools := json.RawMessage(`[{"type":"function","function":{"name":"calculator","description":"math","parameters":{"type":"object","properties":{"expression":{"type":"string","description":"expr"}},"required":["expression"]}}}]`)
	msg, err := newTestClient().Chat(context.Background(), srv.URL, "llama3.1", []Message{{Role: "user", Content: "2+2"}}, tools)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Name != "calculator" {
		t.Fatalf("unexpected tool calls %+v", msg.ToolCalls)
	}
	if expr, ok := msg.ToolCalls[0].StringArg("expression"); !ok || expr != "2+2" {
		t.Fatalf("unexpected expression argument %q", expr)
	}
}

func TestChatRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"error":"busy"}`)
			return
		}
		_, _ = io.WriteString(w, `{"message":{"role":"assistant","content":"hello"},"done":true}`)
	}))
	defer srv.Close()

	msg, err := newTestClient().Chat(context.Background(), srv.URL, "m", []Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if msg.Content != "hello" || calls.Load() != 2 {
		t.Fatalf("unexpected result %q after %d calls", msg.Content, calls.Load())
	}
}

func TestChatDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"model \"m\" not found"}`)
	}))
	defer srv.Close()

	_, err := newTestClient().Chat(context.Background(), srv.URL, "m", []Message{{Role: "user", Content: "hi"}}, nil)
	if !errors.Is(err, ErrStatus) {
		t.Fatalf("expected ErrStatus, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}

func TestLoadAndUnload(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		_, _ = io.WriteString(w, fmt.Sprintf(`{"model":%q,"response":"","done":true}`, body["model"]))
	}))
	defer srv.Close()

	c := newTestClient()
	if err := c.Load(context.Background(), srv.URL, "llama3"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := c.Unload(context.Background(), srv.URL, "llama3"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if len(bodies) != 2 {
		t.Fatalf("expected 2 generate calls, got %d", len(bodies))
	}
	if _, ok := bodies[0]["keep_alive"]; ok {
		t.Fatalf("load must not send keep_alive: %v", bodies[0])
	}
	if _, ok := bodies[1]["keep_alive"]; !ok {
		t.Fatalf("unload must send keep_alive: %v", bodies[1])
	}
}

func TestProgressPercent(t *testing.T) {
	cases := []struct {
		p    Progress
		want int
	}{
		{Progress{Completed: 50, Total: 100}, 50},
		{Progress{Completed: 0, Total: 0}, 0},
		{Progress{Completed: 150, Total: 100}, 100},
		{Progress{Status: "success"}, 100},
	}
	for _, tc := range cases {
		if got := tc.p.Percent(); got != tc.want {
			t.Fatalf("Percent(%+v) = %d, want %d", tc.p, got, tc.want)
		}
	}
}
