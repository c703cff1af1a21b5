package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/askmesh/askmesh/internal/errs"
	"github.com/askmesh/askmesh/internal/format"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, APIKey: "test-key", Model: "test-model"}, zap.NewNop())
}

func decodeRequest(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
	return body
}

func writeSSE(w http.ResponseWriter, payload string) {
	fmt.Fprintf(w, "data: %s\n\n", payload)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// ── Non-streaming ────────────────────────────────────────────────────────────

func TestCompleteRoundTrip(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization = %q", got)
		}
		body := decodeRequest(t, r)
		if body["model"] != "test-model" {
			t.Errorf("model = %v, want default fill-in", body["model"])
		}
		if stream, ok := body["stream"].(bool); ok && stream {
			t.Error("non-streaming call sent stream=true")
		}
		resp := format.NewChatResponse("test-model", "the answer", &format.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6})
		json.NewEncoder(w).Encode(resp)
	})

	out, err := c.Complete(context.Background(), &format.ChatRequest{
		Messages: []format.ChatMessage{{Role: "user", Content: "question"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out.Text() != "the answer" {
		t.Errorf("text = %q", out.Text())
	}
	if out.Usage == nil || out.Usage.TotalTokens != 6 {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestCompleteRejectsEmptyChoices(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"chatcmpl-x","object":"chat.completion","choices":[]}`)
	})
	if _, err := c.Complete(context.Background(), &format.ChatRequest{}); !errs.IsKind(err, errs.Internal) {
		t.Errorf("err = %v, want INTERNAL", err)
	}
}

// ── Streaming ────────────────────────────────────────────────────────────────

func streamHandler(t *testing.T, deltas []string, usage *format.Usage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := decodeRequest(t, r)
		if stream, _ := body["stream"].(bool); !stream {
			t.Error("streaming call sent stream=false")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, `{"id":"chatcmpl-s","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant"}}]}`)
		for _, d := range deltas {
			chunk := format.NewChatChunk("chatcmpl-s", "test-model", d, false)
			raw, _ := json.Marshal(chunk)
			writeSSE(w, string(raw))
		}
		if usage != nil {
			final := &format.ChatResponse{ID: "chatcmpl-s", Object: "chat.completion.chunk", Usage: usage}
			raw, _ := json.Marshal(final)
			writeSSE(w, string(raw))
		}
		writeSSE(w, "[DONE]")
	}
}

func TestStreamDeltas(t *testing.T) {
	usage := &format.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}
	c := testClient(t, streamHandler(t, []string{"Hel", "lo"}, usage))

	st, err := c.Stream(context.Background(), &format.ChatRequest{
		Messages: []format.ChatMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer st.Close()

	var got []string
	for {
		delta, err := st.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		got = append(got, delta)
	}
	if strings.Join(got, "") != "Hello" {
		t.Errorf("deltas = %q", got)
	}
	if st.Usage() == nil || st.Usage().TotalTokens != 5 {
		t.Errorf("usage = %+v", st.Usage())
	}

	// EOF is sticky.
	if _, err := st.Recv(); err != io.EOF {
		t.Errorf("Recv after EOF = %v", err)
	}
}

func TestGenerateStreamsAndAssembles(t *testing.T) {
	usage := &format.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}
	c := testClient(t, streamHandler(t, []string{"sea", "horse"}, usage))

	var deltas []string
	resp, err := c.Generate(context.Background(), &format.ChatRequest{
		Messages: []format.ChatMessage{{Role: "user", Content: "name a fish"}},
	}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(deltas) != 2 {
		t.Fatalf("deltas = %q, want 2 callbacks", deltas)
	}
	if resp.Text() != "seahorse" {
		t.Errorf("assembled text = %q", resp.Text())
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 5 {
		t.Errorf("usage = %+v, want the server-reported counts", resp.Usage)
	}
}

func TestGenerateEstimatesUsageWhenUnreported(t *testing.T) {
	c := testClient(t, streamHandler(t, []string{"okay"}, nil))

	resp, err := c.Generate(context.Background(), &format.ChatRequest{
		Messages: []format.ChatMessage{{Role: "user", Content: strings.Repeat("q", 40)}},
	}, func(string) error { return nil })
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Usage == nil {
		t.Fatal("usage is nil, want an estimate")
	}
	if resp.Usage.PromptTokens != 10 {
		t.Errorf("prompt tokens = %d, want 10", resp.Usage.PromptTokens)
	}
	if resp.Usage.CompletionTokens != 1 {
		t.Errorf("completion tokens = %d, want 1", resp.Usage.CompletionTokens)
	}
}

func TestGenerateOnDeltaErrorAborts(t *testing.T) {
	c := testClient(t, streamHandler(t, []string{"a", "b", "c"}, nil))

	calls := 0
	_, err := c.Generate(context.Background(), &format.ChatRequest{
		Messages: []format.ChatMessage{{Role: "user", Content: "x"}},
	}, func(string) error {
		calls++
		return fmt.Errorf("sink full")
	})
	if err == nil || !strings.Contains(err.Error(), "sink full") {
		t.Fatalf("err = %v, want the callback error", err)
	}
	if calls != 1 {
		t.Errorf("callback ran %d times after failing, want 1", calls)
	}
}

func TestGenerateWithoutCallbackCompletes(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeRequest(t, r)
		if stream, _ := body["stream"].(bool); stream {
			t.Error("nil-callback Generate sent stream=true")
		}
		json.NewEncoder(w).Encode(format.NewChatResponse("test-model", "done", nil))
	})

	resp, err := c.Generate(context.Background(), &format.ChatRequest{
		Messages: []format.ChatMessage{{Role: "user", Content: "x"}},
	}, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text() != "done" {
		t.Errorf("text = %q", resp.Text())
	}
}

// ── Failure handling ─────────────────────────────────────────────────────────

func TestClientErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"error":{"message":"bad model"}}`, http.StatusBadRequest)
	})

	_, err := c.Complete(context.Background(), &format.ChatRequest{})
	if !errs.IsKind(err, errs.Internal) {
		t.Fatalf("err = %v, want INTERNAL", err)
	}
	if !strings.Contains(err.Error(), "400") {
		t.Errorf("err = %v, want the status in the message", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hit %d times, want 1", got)
	}
}

func TestServerErrorIsRetried(t *testing.T) {
	var hits atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(format.NewChatResponse("test-model", "second try", nil))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := c.Complete(ctx, &format.ChatRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text() != "second try" {
		t.Errorf("text = %q", resp.Text())
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("server hit %d times, want 2", got)
	}
}
