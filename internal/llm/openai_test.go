package llm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChatDecodesToolCalls(t *testing.T) {
	var gotAuth string
	var gotBody string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"model": "gpt-4o-mini",
			"created": 1756000000,
			"choices": [{
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_abc",
						"type": "function",
						"function": {"name": "check_availability", "arguments": "{\"days_ahead\": 7}"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 120, "completion_tokens": 18}
		}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "sk-test", "gpt-4o-mini", testLogger())
	resp, err := c.Chat(context.Background(), []Message{
		{Role: "system", Content: "be helpful"},
		{Role: "user", Content: "when are you free?"},
	}, []map[string]any{{"type": "function"}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if !strings.Contains(gotBody, `"stream":false`) {
		t.Errorf("request body missing stream=false: %s", gotBody)
	}

	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	call := resp.Message.ToolCalls[0]
	if call.ID != "call_abc" || call.Function.Name != "check_availability" {
		t.Errorf("call = %+v", call)
	}
	// Wire arguments are a JSON string; internally they are a map.
	if got, ok := call.Function.Arguments["days_ahead"].(float64); !ok || got != 7 {
		t.Errorf("arguments = %v", call.Function.Arguments)
	}
	if resp.InputTokens != 120 || resp.OutputTokens != 18 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestChatRoundTripsToolResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s := string(body)
		// Tool arguments must be re-encoded as a JSON string on the wire.
		if !strings.Contains(s, `"arguments":"{\"query\":\"hours\"}"`) {
			t.Errorf("wire arguments not string-encoded: %s", s)
		}
		if !strings.Contains(s, `"tool_call_id":"call_1"`) {
			t.Errorf("tool result missing call id: %s", s)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"m","choices":[{"message":{"role":"assistant","content":"We open at 9."},"finish_reason":"stop"}],"usage":{}}`)
	}))
	defer srv.Close()

	assistant := Message{Role: "assistant"}
	var call ToolCall
	call.ID = "call_1"
	call.Function.Name = "search_knowledge_base"
	call.Function.Arguments = map[string]any{"query": "hours"}
	assistant.ToolCalls = []ToolCall{call}

	c := NewOpenAIClient(srv.URL, "", "m", testLogger())
	resp, err := c.Chat(context.Background(), []Message{
		{Role: "user", Content: "hours?"},
		assistant,
		{Role: "tool", Content: "Open 9-5", ToolCallID: "call_1"},
	}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "We open at 9." {
		t.Errorf("content = %q", resp.Message.Content)
	}
}

func TestChatAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "", "m", testLogger())
	_, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("Chat succeeded, want error")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("error %q does not carry status code", err)
	}
}

func TestChatStreamAccumulatesDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"model":"m","choices":[{"delta":{"role":"assistant"}}]}`,
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":2}}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	var tokens []string
	c := NewOpenAIClient(srv.URL, "", "m", testLogger())
	resp, err := c.ChatStream(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, func(tok string) {
		tokens = append(tokens, tok)
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if got := strings.Join(tokens, ""); got != "Hello" {
		t.Errorf("streamed tokens = %q, want Hello", got)
	}
	if resp.Message.Content != "Hello" {
		t.Errorf("accumulated content = %q", resp.Message.Content)
	}
	if resp.InputTokens != 10 || resp.OutputTokens != 2 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestChatStreamReassemblesToolCallFragments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"model":"m","choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_9","function":{"name":"request_booking","arguments":""}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"name\":"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Ana\"}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "", "m", testLogger())
	resp, err := c.ChatStream(context.Background(), []Message{{Role: "user", Content: "book me"}}, nil, func(string) {})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	call := resp.Message.ToolCalls[0]
	if call.ID != "call_9" || call.Function.Name != "request_booking" {
		t.Errorf("call = %+v", call)
	}
	if got := call.Function.Arguments["name"]; got != "Ana" {
		t.Errorf("arguments = %v", call.Function.Arguments)
	}
}
