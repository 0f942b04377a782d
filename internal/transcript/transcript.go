// Package transcript owns per-conversation turn history.
//
// A transcript is an ordered sequence of turns: user text, assistant text
// (optionally carrying tool calls), and tool results. Two invariants hold
// at rest:
//
//   - every tool turn answers a tool call issued by an earlier assistant
//     turn, and all answers to one assistant turn immediately and
//     contiguously follow it;
//   - the transcript never ends on an assistant turn with unanswered
//     tool calls.
//
// Fixed-window trimming can slice between an assistant's tool request and
// its answers, which model providers reject on the next call. Trim
// therefore repairs the cut edge after slicing; the repair is mandatory,
// not an optimization.
package transcript

import (
	"sync"
	"time"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a model-issued request to invoke a named tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Turn is one unit of conversation history.
type Turn struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID links a tool turn back to the call it answers.
	ToolCallID string    `json:"tool_call_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Store manages transcripts keyed by conversation id. Conversation ids
// are minted independently of session tokens; one session may address
// any number of conversations.
type Store struct {
	mu    sync.RWMutex
	convs map[string][]Turn
}

// NewStore creates an empty transcript store.
func NewStore() *Store {
	return &Store{convs: make(map[string][]Turn)}
}

// Append pushes a turn onto the transcript for conversationID, creating
// the transcript if this is its first turn.
func (s *Store) Append(conversationID string, turn Turn) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conversationID] = append(s.convs[conversationID], turn)
}

// Turns returns a copy of the transcript for conversationID. Returns an
// empty slice for unknown conversations.
func (s *Store) Turns(conversationID string) []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := s.convs[conversationID]
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// Len returns the number of turns retained for conversationID.
func (s *Store) Len(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs[conversationID])
}

// Clear drops the transcript for conversationID entirely.
func (s *Store) Clear(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, conversationID)
}

// ConversationCount returns the number of live transcripts.
func (s *Store) ConversationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs)
}

// Trim bounds the transcript for conversationID to the most recent
// maxTurns turns, then repairs the cut edge so no orphaned tool turn or
// unanswered assistant turn is left at the head. Trimming a transcript
// already within bounds (or one whose head is already valid) is a no-op.
func (s *Store) Trim(conversationID string, maxTurns int) {
	if maxTurns <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := s.convs[conversationID]
	if len(turns) <= maxTurns {
		return
	}
	s.convs[conversationID] = repairHead(turns[len(turns)-maxTurns:])
}

// repairHead drops turns from the front of the window until the head is
// either a user turn, an assistant turn whose tool calls are fully
// answered by the turns that follow, or the window is empty.
//
// The loop handles stacked damage: dropping a dangling assistant turn
// exposes its now-orphaned tool results, which the next pass removes,
// which may expose another dangling assistant turn, and so on.
func repairHead(turns []Turn) []Turn {
	for len(turns) > 0 {
		head := turns[0]

		// A tool turn at the head lost its assistant turn to the cut.
		if head.Role == RoleTool {
			turns = turns[1:]
			continue
		}

		// An assistant turn whose tool calls are no longer answered by
		// the immediately following turns cannot be replayed either.
		if head.Role == RoleAssistant && len(head.ToolCalls) > 0 && !answered(head, turns[1:]) {
			turns = turns[1:]
			continue
		}

		break
	}
	return turns
}

// answered reports whether every call in the assistant turn is matched by
// a contiguous run of tool turns at the front of rest.
func answered(assistant Turn, rest []Turn) bool {
	pending := make(map[string]bool, len(assistant.ToolCalls))
	for _, call := range assistant.ToolCalls {
		pending[call.ID] = true
	}

	for _, t := range rest {
		if t.Role != RoleTool {
			break
		}
		delete(pending, t.ToolCallID)
		if len(pending) == 0 {
			return true
		}
	}
	return len(pending) == 0
}

// Valid reports whether a turn sequence satisfies the tool-pairing
// invariant: every tool turn contiguously follows an assistant turn that
// issued a call with its id. Exposed for tests and debug assertions.
func Valid(turns []Turn) bool {
	open := make(map[string]bool)
	for _, t := range turns {
		switch t.Role {
		case RoleAssistant:
			if len(open) > 0 {
				return false
			}
			open = make(map[string]bool, len(t.ToolCalls))
			for _, call := range t.ToolCalls {
				open[call.ID] = true
			}
		case RoleTool:
			if !open[t.ToolCallID] {
				return false
			}
			delete(open, t.ToolCallID)
		default:
			if len(open) > 0 {
				return false
			}
		}
	}
	return len(open) == 0
}
