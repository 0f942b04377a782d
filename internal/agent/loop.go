// Package agent implements the core exchange loop: model calls
// interleaved with tool execution until the model produces a final
// answer or the iteration cap lands.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridianworks/concierge/internal/events"
	"github.com/meridianworks/concierge/internal/llm"
	"github.com/meridianworks/concierge/internal/tools"
	"github.com/meridianworks/concierge/internal/transcript"
)

// StreamEvent is one incremental update surfaced to a streaming client.
type StreamEvent struct {
	Kind  StreamEventKind
	Token string // KindToken
	Tool  string // KindToolStart, KindToolDone
}

// StreamEventKind discriminates StreamEvent payloads.
type StreamEventKind int

const (
	// KindToken carries one content delta from the model.
	KindToken StreamEventKind = iota
	// KindToolStart announces a tool execution beginning.
	KindToolStart
	// KindToolDone announces a tool execution finishing.
	KindToolDone
)

// StreamCallback receives stream events during a streaming exchange.
type StreamCallback func(ev StreamEvent)

// Result is the final outcome of one exchange.
type Result struct {
	// Text is the assistant's final answer.
	Text string
	// Attachments are opaque tool payloads collected during the
	// exchange, forwarded to the client verbatim.
	Attachments []any
	// Iterations is the number of model calls spent.
	Iterations   int
	InputTokens  int
	OutputTokens int
	Model        string
}

// exhaustedNotice answers tool calls the loop declines to execute once
// the iteration cap is reached.
const exhaustedNotice = "not executed: iteration limit reached"

// Loop drives exchanges against the model and the tool registry.
type Loop struct {
	logger        *slog.Logger
	llm           llm.Client
	registry      *tools.Registry
	transcripts   *transcript.Store
	bus           *events.Bus
	systemPrompt  string
	maxIterations int
	maxTurns      int
}

// NewLoop creates the exchange loop. bus may be nil.
func NewLoop(logger *slog.Logger, client llm.Client, registry *tools.Registry, transcripts *transcript.Store, bus *events.Bus, systemPrompt string, maxIterations, maxTurns int) *Loop {
	if maxIterations <= 0 {
		maxIterations = 5
	}
	return &Loop{
		logger:        logger,
		llm:           client,
		registry:      registry,
		transcripts:   transcripts,
		bus:           bus,
		systemPrompt:  systemPrompt,
		maxIterations: maxIterations,
		maxTurns:      maxTurns,
	}
}

// Run executes one exchange for the given conversation. The user
// message is appended to the transcript, then the loop alternates model
// calls and tool executions until the model answers in plain content or
// the iteration cap is reached. cb, when non-nil, receives incremental
// events; tool resolution never emits content deltas, only the final
// answer does.
//
// On provider failure the error propagates and the transcript keeps the
// turns recorded so far; tool turns are only ever appended as complete
// answers to their call, so the history stays well-formed for the next
// exchange.
func (l *Loop) Run(ctx context.Context, conversationID, userMessage string, cb StreamCallback) (*Result, error) {
	started := time.Now()

	l.transcripts.Append(conversationID, transcript.Turn{
		Role:    transcript.RoleUser,
		Content: userMessage,
	})

	l.publish(events.KindRequestStart, map[string]any{
		"conversation_id": conversationID,
		"streaming":       cb != nil,
	})

	result := &Result{}
	schemas := l.registry.Schemas()

	for iter := 1; iter <= l.maxIterations; iter++ {
		messages := l.buildMessages(conversationID)

		l.logger.Info("calling model",
			"conversation", conversationID,
			"iteration", iter,
			"messages", len(messages),
		)
		l.publish(events.KindLLMCall, map[string]any{
			"conversation_id": conversationID,
			"iter":            iter,
		})

		resp, err := l.chat(ctx, messages, schemas, cb)
		if err != nil {
			l.logger.Error("model call failed",
				"conversation", conversationID,
				"iteration", iter,
				"error", err,
			)
			return nil, fmt.Errorf("model call (iteration %d): %w", iter, err)
		}

		result.Iterations = iter
		result.InputTokens += resp.InputTokens
		result.OutputTokens += resp.OutputTokens
		result.Model = resp.Model

		l.publish(events.KindLLMResponse, map[string]any{
			"conversation_id": conversationID,
			"iter":            iter,
			"tokens_in":       resp.InputTokens,
			"tokens_out":      resp.OutputTokens,
			"tool_calls":      len(resp.Message.ToolCalls),
		})

		if len(resp.Message.ToolCalls) == 0 {
			// Final answer.
			l.transcripts.Append(conversationID, transcript.Turn{
				Role:    transcript.RoleAssistant,
				Content: resp.Message.Content,
			})
			result.Text = resp.Message.Content
			break
		}

		calls := toTranscriptCalls(resp.Message.ToolCalls)
		l.transcripts.Append(conversationID, transcript.Turn{
			Role:      transcript.RoleAssistant,
			Content:   resp.Message.Content,
			ToolCalls: calls,
		})

		if iter == l.maxIterations {
			// Out of budget with tools still pending: answer each call
			// with a notice so the history never ends on an open call,
			// and surface whatever content the model produced.
			l.logger.Warn("iteration cap reached with pending tool calls",
				"conversation", conversationID,
				"pending", len(calls),
			)
			for _, call := range calls {
				l.transcripts.Append(conversationID, transcript.Turn{
					Role:       transcript.RoleTool,
					Content:    exhaustedNotice,
					ToolCallID: call.ID,
				})
			}
			result.Text = resp.Message.Content
			if result.Text == "" {
				result.Text = "I couldn't finish working on that. Could you rephrase or simplify the request?"
			}
			break
		}

		for _, call := range calls {
			l.runTool(ctx, conversationID, call, result, cb)
		}
	}

	l.transcripts.Trim(conversationID, l.maxTurns)

	l.publish(events.KindRequestComplete, map[string]any{
		"conversation_id":  conversationID,
		"iterations":       result.Iterations,
		"total_tokens_in":  result.InputTokens,
		"total_tokens_out": result.OutputTokens,
		"elapsed_ms":       time.Since(started).Milliseconds(),
	})
	l.logger.Info("exchange completed",
		"conversation", conversationID,
		"iterations", result.Iterations,
		"attachments", len(result.Attachments),
		"elapsed", time.Since(started).Truncate(time.Millisecond),
	)

	return result, nil
}

// chat performs one model call. When cb is set the call streams, but
// deltas are held back until it completes: a response that resolves
// into tool calls may carry preamble text that is not part of the
// final answer, so only the tokens of a call without tool calls reach
// the client.
func (l *Loop) chat(ctx context.Context, messages []llm.Message, schemas []map[string]any, cb StreamCallback) (*llm.ChatResponse, error) {
	if cb == nil {
		return l.llm.Chat(ctx, messages, schemas)
	}

	var held []string
	resp, err := l.llm.ChatStream(ctx, messages, schemas, func(token string) {
		held = append(held, token)
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Message.ToolCalls) == 0 {
		for _, token := range held {
			cb(StreamEvent{Kind: KindToken, Token: token})
		}
	}
	return resp, nil
}

// runTool dispatches one tool call and records its answer.
func (l *Loop) runTool(ctx context.Context, conversationID string, call transcript.ToolCall, result *Result, cb StreamCallback) {
	l.publish(events.KindToolCall, map[string]any{
		"conversation_id": conversationID,
		"tool":            call.Name,
	})
	if cb != nil {
		cb(StreamEvent{Kind: KindToolStart, Tool: call.Name})
	}

	started := time.Now()
	res := l.registry.Dispatch(ctx, call.Name, call.Arguments)
	elapsed := time.Since(started)

	l.transcripts.Append(conversationID, transcript.Turn{
		Role:       transcript.RoleTool,
		Content:    res.Text,
		ToolCallID: call.ID,
	})
	if res.Attachment != nil {
		result.Attachments = append(result.Attachments, res.Attachment)
	}

	if cb != nil {
		cb(StreamEvent{Kind: KindToolDone, Tool: call.Name})
	}
	l.publish(events.KindToolDone, map[string]any{
		"conversation_id": conversationID,
		"tool":            call.Name,
		"duration_ms":     elapsed.Milliseconds(),
	})
	l.logger.Debug("tool executed",
		"conversation", conversationID,
		"tool", call.Name,
		"duration", elapsed.Truncate(time.Millisecond),
	)
}

// buildMessages converts the transcript into the model's message list,
// prefixed with the system prompt.
func (l *Loop) buildMessages(conversationID string) []llm.Message {
	turns := l.transcripts.Turns(conversationID)

	messages := make([]llm.Message, 0, len(turns)+1)
	if l.systemPrompt != "" {
		messages = append(messages, llm.Message{
			Role:    "system",
			Content: l.systemPrompt,
		})
	}
	for _, t := range turns {
		messages = append(messages, llm.Message{
			Role:       t.Role,
			Content:    t.Content,
			ToolCalls:  toLLMCalls(t.ToolCalls),
			ToolCallID: t.ToolCallID,
		})
	}
	return messages
}

func toTranscriptCalls(in []llm.ToolCall) []transcript.ToolCall {
	out := make([]transcript.ToolCall, 0, len(in))
	for _, c := range in {
		out = append(out, transcript.ToolCall{
			ID:        c.ID,
			Name:      c.Function.Name,
			Arguments: c.Function.Arguments,
		})
	}
	return out
}

func toLLMCalls(in []transcript.ToolCall) []llm.ToolCall {
	if len(in) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, 0, len(in))
	for _, c := range in {
		tc := llm.ToolCall{ID: c.ID}
		tc.Function.Name = c.Name
		tc.Function.Arguments = c.Arguments
		out = append(out, tc)
	}
	return out
}

func (l *Loop) publish(kind string, data map[string]any) {
	l.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   kind,
		Data:   data,
	})
}
