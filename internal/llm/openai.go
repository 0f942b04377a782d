package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/meridianworks/concierge/internal/config"
)

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint
// with function/tool calling semantics.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	logger     *slog.Logger
	httpClient *http.Client
}

// NewOpenAIClient creates a client for the given endpoint and model.
func NewOpenAIClient(baseURL, apiKey, model string, logger *slog.Logger) *OpenAIClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &OpenAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		logger:  logger,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // tool-heavy completions need time
		},
	}
}

// --- Wire types ---
//
// The wire format carries tool-call arguments as a JSON-encoded string;
// the internal Message type uses map[string]any. Conversion happens here
// and only here.

type wireToolCall struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatRequest struct {
	Model    string           `json:"model"`
	Messages []wireMessage    `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatCompletion struct {
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage wireUsage `json:"usage"`
}

type chatChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Role      string `json:"role,omitempty"`
			Content   string `json:"content,omitempty"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id,omitempty"`
				Function struct {
					Name      string `json:"name,omitempty"`
					Arguments string `json:"arguments,omitempty"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage,omitempty"`
}

func toWire(messages []Message) ([]wireMessage, error) {
	out := make([]wireMessage, len(messages))
	for i, m := range messages {
		w := wireMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, call := range m.ToolCalls {
			args, err := json.Marshal(call.Function.Arguments)
			if err != nil {
				return nil, fmt.Errorf("marshal tool arguments for %s: %w", call.Function.Name, err)
			}
			wc := wireToolCall{ID: call.ID, Type: "function"}
			wc.Function.Name = call.Function.Name
			wc.Function.Arguments = string(args)
			w.ToolCalls = append(w.ToolCalls, wc)
		}
		out[i] = w
	}
	return out, nil
}

func fromWire(m wireMessage) (Message, error) {
	out := Message{
		Role:       m.Role,
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	for _, wc := range m.ToolCalls {
		var call ToolCall
		call.ID = wc.ID
		call.Function.Name = wc.Function.Name
		if wc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(wc.Function.Arguments), &call.Function.Arguments); err != nil {
				return out, fmt.Errorf("decode tool arguments for %s: %w", wc.Function.Name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, call)
	}
	return out, nil
}

// Chat sends a blocking chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, messages, tools, nil)
}

// ChatStream sends a chat completion request. If callback is non-nil the
// request is streamed and content deltas are forwarded as they arrive.
func (c *OpenAIClient) ChatStream(ctx context.Context, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	wireMsgs, err := toWire(messages)
	if err != nil {
		return nil, err
	}

	req := chatRequest{
		Model:    c.model,
		Messages: wireMsgs,
		Stream:   stream,
		Tools:    tools,
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "provider request", "payload", string(payload))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	if !stream {
		return c.decodeCompletion(resp.Body)
	}
	return c.decodeStream(resp.Body, callback)
}

func (c *OpenAIClient) decodeCompletion(body io.Reader) (*ChatResponse, error) {
	var comp chatCompletion
	if err := json.NewDecoder(body).Decode(&comp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(comp.Choices) == 0 {
		return nil, fmt.Errorf("response contained no choices")
	}

	msg, err := fromWire(comp.Choices[0].Message)
	if err != nil {
		return nil, err
	}

	return &ChatResponse{
		Model:        comp.Model,
		CreatedAt:    time.Unix(comp.Created, 0),
		Message:      msg,
		Done:         true,
		InputTokens:  comp.Usage.PromptTokens,
		OutputTokens: comp.Usage.CompletionTokens,
	}, nil
}

// decodeStream reads server-sent events, forwarding content deltas to
// callback and accumulating the final message. Tool-call fragments
// arrive split across chunks and are reassembled by index.
func (c *OpenAIClient) decodeStream(body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	final := &ChatResponse{Done: true}
	var content strings.Builder

	type partialCall struct {
		id   string
		name string
		args strings.Builder
	}
	calls := make(map[int]*partialCall)
	maxIndex := -1

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}

		if chunk.Model != "" {
			final.Model = chunk.Model
		}
		if chunk.Usage != nil {
			final.InputTokens = chunk.Usage.PromptTokens
			final.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			callback(delta.Content)
		}
		for _, tc := range delta.ToolCalls {
			pc, ok := calls[tc.Index]
			if !ok {
				pc = &partialCall{}
				calls[tc.Index] = pc
				if tc.Index > maxIndex {
					maxIndex = tc.Index
				}
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
			if tc.Index > maxIndex {
				maxIndex = tc.Index
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	final.Message = Message{
		Role:    "assistant",
		Content: content.String(),
	}
	for i := 0; i <= maxIndex; i++ {
		pc, ok := calls[i]
		if !ok {
			continue
		}
		var call ToolCall
		call.ID = pc.id
		call.Function.Name = pc.name
		if raw := pc.args.String(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &call.Function.Arguments); err != nil {
				return nil, fmt.Errorf("decode streamed tool arguments for %s: %w", pc.name, err)
			}
		}
		final.Message.ToolCalls = append(final.Message.ToolCalls, call)
	}

	return final, nil
}
