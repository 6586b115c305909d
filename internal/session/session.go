// Package session holds per-(channel, sender) conversation state: the
// ordered chat history, usage totals, and model-pinning preferences that
// the assistant loop reads and mutates on every turn.
package session

import (
	"sync"
	"time"

	"assistantgw/internal/llm"
)

// Key identifies a lane/session by (channel_id, sender_id).
type Key struct {
	ChannelID string
	SenderID  string
}

// Session is the mutable per-lane conversation state described in
// spec.md §3. Manager.GetOrCreate hands out a shared *Session; all mutation
// goes through its methods, each of which holds the session's own lock for
// its duration.
type Session struct {
	mu sync.Mutex

	ChannelID   string
	SenderID    string
	ThreadID    string
	History     []llm.Message
	UsageTotals llm.Usage

	ModelOverride string
	ModelPinning  llm.PinningMode

	LastUserMessageID      string
	LastAssistantMessageID string
	LastActive             time.Time
}

// New creates an empty session for the given lane key.
func New(key Key) *Session {
	return &Session{
		ChannelID:   key.ChannelID,
		SenderID:    key.SenderID,
		LastActive: time.Now(),
	}
}

// AppendUser pushes a user message onto history and stamps LastUserMessageID.
func (s *Session) AppendUser(messageID, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.History = append(s.History, llm.Message{Role: llm.RoleUser, Content: content})
	s.LastUserMessageID = messageID
	s.LastActive = time.Now()
}

// AppendAssistant pushes an assistant message (optionally carrying tool
// calls) onto history.
func (s *Session) AppendAssistant(messageID string, msg llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.Role = llm.RoleAssistant
	s.History = append(s.History, msg)
	s.LastAssistantMessageID = messageID
	s.LastActive = time.Now()
}

// AppendTool pushes a tool-result message onto history.
func (s *Session) AppendTool(toolCallID, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.History = append(s.History, llm.Message{Role: llm.RoleTool, Content: content, ToolCallID: toolCallID})
	s.LastActive = time.Now()
}

// ReplaceHistory atomically swaps the history slice, used by compaction
// (spec.md §4.3 step 1) to install [summary, retained_suffix] in one step.
func (s *Session) ReplaceHistory(messages []llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.History = messages
}

// Snapshot returns a copy of the current history for read-only use
// (building the context window, computing token estimates).
func (s *Session) Snapshot() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.History))
	copy(out, s.History)
	return out
}

// AddUsage accumulates usage totals after a completed LLM call.
func (s *Session) AddUsage(u llm.Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UsageTotals.PromptTokens += u.PromptTokens
	s.UsageTotals.CompletionTokens += u.CompletionTokens
}

// SetModelOverride records a session-scoped model preference and its
// pinning strictness.
func (s *Session) SetModelOverride(model string, pinning llm.PinningMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ModelOverride = model
	s.ModelPinning = pinning
}
