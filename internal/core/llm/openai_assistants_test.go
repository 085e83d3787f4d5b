package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openai/openai-go"

	"github.com/markdave123-py/Sitewise/internal/core"
)

func newTestOpenAI(t *testing.T, h http.HandlerFunc) *OpenAIAssistants {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewOpenAIAssistants(srv.URL, "sk-test")
	if err != nil {
		t.Fatal(err)
	}
	c.baseDelay = time.Millisecond
	return c
}

func writeAPIError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": msg, "type": "invalid_request_error"}})
}

func TestOpenAIRunLifecycle(t *testing.T) {
	var submitted []map[string]string
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("OpenAI-Beta"); got != "assistants=v2" {
			t.Errorf("OpenAI-Beta = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.Method + " " + r.URL.Path {
		case "POST /threads":
			_, _ = w.Write([]byte(`{"id":"thread_1","object":"thread"}`))
		case "POST /threads/thread_1/messages":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["role"] != "user" || body["content"] != "hello" {
				t.Errorf("append body = %v", body)
			}
			_, _ = w.Write([]byte(`{"id":"msg_1","role":"user","content":[]}`))
		case "POST /threads/thread_1/runs":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["assistant_id"] != "asst_1" || body["additional_instructions"] != "ctx" {
				t.Errorf("create run body = %v", body)
			}
			_, _ = w.Write([]byte(`{"id":"run_1","thread_id":"thread_1","status":"requires_action",
				"required_action":{"type":"submit_tool_outputs","submit_tool_outputs":{"tool_calls":[
				{"id":"call_1","type":"function","function":{"name":"respond","arguments":"{\"content\":\"hi\"}"}}]}}}`))
		case "POST /threads/thread_1/runs/run_1/submit_tool_outputs":
			var body struct {
				ToolOutputs []map[string]string `json:"tool_outputs"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			submitted = body.ToolOutputs
			_, _ = w.Write([]byte(`{"id":"run_1","thread_id":"thread_1","status":"queued"}`))
		case "GET /threads/thread_1/messages":
			if r.URL.Query().Get("order") != "desc" || r.URL.Query().Get("limit") != "5" {
				t.Errorf("messages query = %q", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"msg_2","role":"assistant","run_id":"run_1",
				"content":[{"type":"text","text":{"value":"{\"content\":\"hi\"}","annotations":[]}}]}]}`))
		default:
			writeAPIError(w, http.StatusNotFound, "unexpected "+r.Method+" "+r.URL.Path)
		}
	})

	ctx := context.Background()
	threadID, err := c.CreateThread(ctx)
	if err != nil || threadID != "thread_1" {
		t.Fatalf("CreateThread() = %q, %v", threadID, err)
	}
	if err := c.AppendMessage(ctx, threadID, "user", "hello"); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	run, err := c.CreateRun(ctx, threadID, "asst_1", "ctx")
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if run.Status != core.RunRequiresAction || len(run.ToolCalls) != 1 || run.ToolCalls[0].Arguments != `{"content":"hi"}` {
		t.Fatalf("run = %+v", run)
	}

	run, err = c.SubmitToolOutputs(ctx, threadID, run.ID, []core.ToolOutput{{ToolCallID: "call_1", Output: run.ToolCalls[0].Arguments}})
	if err != nil {
		t.Fatalf("SubmitToolOutputs() error = %v", err)
	}
	if run.Status != core.RunQueued {
		t.Errorf("status after submit = %q", run.Status)
	}
	if len(submitted) != 1 || submitted[0]["tool_call_id"] != "call_1" {
		t.Errorf("submitted = %v", submitted)
	}

	msgs, err := c.ListMessages(ctx, threadID, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Role != "assistant" || msgs[0].Content != `{"content":"hi"}` || msgs[0].RunID != "run_1" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestOpenAIRetriesRateLimit(t *testing.T) {
	var calls int32
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			writeAPIError(w, http.StatusTooManyRequests, "slow down")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"thread_9"}`))
	})

	id, err := c.CreateThread(context.Background())
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	if id != "thread_9" || atomic.LoadInt32(&calls) != 3 {
		t.Errorf("id = %q after %d calls", id, calls)
	}
}

func TestOpenAIWriteIsNotRetriedAfterServerError(t *testing.T) {
	var calls int32
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeAPIError(w, http.StatusInternalServerError, "upstream hiccup")
	})

	if err := c.AppendMessage(context.Background(), "thread_1", "user", "hi"); err == nil {
		t.Fatal("AppendMessage() error = nil")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestOpenAIWriteIsNotRetriedAfterDroppedConnection(t *testing.T) {
	var calls int32
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		_ = conn.Close()
	})

	if _, err := c.CreateRun(context.Background(), "thread_1", "asst_1", ""); err == nil {
		t.Fatal("CreateRun() error = nil")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestOpenAIReadRetriesDroppedConnection(t *testing.T) {
	var calls int32
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			conn, _, _ := w.(http.Hijacker).Hijack()
			_ = conn.Close()
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"run_1","thread_id":"thread_1","status":"completed"}`))
	})

	run, err := c.GetRun(context.Background(), "thread_1", "run_1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if run.Status != core.RunCompleted || atomic.LoadInt32(&calls) < 2 {
		t.Errorf("run = %+v after %d calls", run, calls)
	}
}

func TestOpenAIClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeAPIError(w, http.StatusBadRequest, "No assistant found")
	})

	_, err := c.CreateRun(context.Background(), "thread_1", "asst_missing", "")
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest || apiErr.Message != "No assistant found" {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestOpenAIMissingThreadIsNotFound(t *testing.T) {
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusNotFound, "No thread found with id 'thread_old'.")
	})

	err := c.AppendMessage(context.Background(), "thread_old", "user", "hi")
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("AppendMessage() error = %v, want core.ErrNotFound", err)
	}
	if _, err := c.ListMessages(context.Background(), "thread_old", 1); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("ListMessages() error = %v, want core.ErrNotFound", err)
	}
}

func TestOpenAIRunLastError(t *testing.T) {
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"run_1","status":"failed","last_error":{"code":"server_error","message":"boom"}}`))
	})
	run, err := c.GetRun(context.Background(), "thread_1", "run_1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != core.RunFailed || run.LastError != "server_error: boom" {
		t.Errorf("run = %+v", run)
	}
}
