// Package assistant implements spec.md §4.3's tool-calling agent loop:
// compaction with memory flush, bounded breakers, context-window
// selection, LLM failover, and sequential tool dispatch gated by
// approval, grounded in the teacher's pkg/agent/engine.go
// (ProcessLLMStream, RetryCount-style breaker, maybeSummarize).
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"assistantgw/internal/approval"
	"assistantgw/internal/config"
	"assistantgw/internal/jsonutil"
	"assistantgw/internal/llm"
	"assistantgw/internal/memory"
	"assistantgw/internal/session"
	"assistantgw/internal/store"
	"assistantgw/internal/tool"
	"assistantgw/internal/transport"
)

// Request bundles one turn's inputs (spec.md §4.3 "Inputs").
type Request struct {
	OrgID, ProjectID string
	ChannelID        string
	SenderID         string
	ThreadID         string
	MessageID        string

	Session *session.Session

	// DeltaSink, if non-nil, receives streamed content tokens as they
	// arrive (spec.md §4.2 "Streaming deltas").
	DeltaSink chan<- string

	// PromptChannel/PromptRecipient is where a Human-review approval
	// prompt (and rate-limit backoff notices) are rendered.
	PromptChannel   transport.Channel
	PromptRecipient string

	// Interrupt, when closed, cooperatively cancels this run (spec.md
	// §4.2 Interrupt mode racing a newer lane event against the current
	// turn). nil means this lane isn't in Interrupt mode.
	Interrupt <-chan struct{}

	BackoffNotifier store.BackoffNotifier
}

// Result is what Run returns on a non-error path.
type Result struct {
	Content     string
	Interrupted bool
}

// ErrNoProfiles is the ConfigurationError raised when no LLM profiles are
// configured (spec.md §4.3 pre-flight).
var ErrNoProfiles = fmt.Errorf("assistant: no LLM profiles configured")

// ErrMemoryRequired is raised when compaction is enabled and triggers but
// no memory backend is configured (spec.md §4.3 step 1).
var ErrMemoryRequired = fmt.Errorf("assistant: compaction requires a configured memory backend")

// Loop is the assistant's runtime: registered tools, the memory backend,
// the approval gate, and the LLM failover chain.
type Loop struct {
	Tools     *tool.Registry
	Validator *tool.Validator
	Memory    memory.Memory
	Approval  *approval.Gate
	Failover  *llm.FailoverClient

	SystemPromptBase string
	Context          config.ContextConfig
	FailoverConfig   llm.FailoverConfig
}

const executionDirectivesAppendix = `
Execution directives:
- Call tools only when they materially help answer the request.
- If a tool call is denied or fails, explain that to the user instead of retrying blindly.
- If you are repeating the same tool call with the same arguments, stop and ask the user for guidance.`

// Run executes spec.md §4.3's main loop for one inbound user message.
func (l *Loop) Run(ctx context.Context, req Request, userContent string) (Result, error) {
	req.Session.AppendUser(req.MessageID, userContent)

	if l.Failover == nil || len(l.Failover.Profiles) == 0 {
		return Result{}, ErrNoProfiles
	}

	toolDefs := l.toolDefinitions()

	start := time.Now()
	iteration := 0
	consecutiveSame := 0
	prevSignature := ""

	for {
		iteration++

		if interrupted(req.Interrupt) {
			return Result{Interrupted: true}, nil
		}

		if cfg := l.Context; cfg.ToolMaxRuntimeSeconds > 0 && time.Since(start) > time.Duration(cfg.ToolMaxRuntimeSeconds)*time.Second {
			return Result{Content: breakerMessage("runtime budget")}, nil
		}
		if iteration > l.Context.ToolLoopsMax {
			return Result{Content: breakerMessage("tool loop count")}, nil
		}
		if l.Context.ToolNoProgressLimit > 0 && consecutiveSame >= l.Context.ToolNoProgressLimit {
			return Result{Content: breakerMessage("no-progress limit")}, nil
		}

		if err := l.maybeCompact(ctx, req); err != nil {
			return Result{}, err
		}

		systemPrompt := l.buildSystemPrompt(ctx, req, userContent)
		window := l.buildContextWindow(req.Session, systemPrompt)

		var notifier llm.Notifier
		if req.PromptChannel != nil {
			notifier = transport.Notifier{Channel: req.PromptChannel, RecipientID: req.PromptRecipient}
		}
		stream, err := l.Failover.Stream(ctx, window, toolDefs, req.Session.ModelOverride, req.Session.ModelPinning, notifier)
		if err != nil {
			return Result{}, fmt.Errorf("assistant: llm call failed: %w", err)
		}

		content, toolCalls, usage, interruptedMidStream, err := l.consumeStream(ctx, stream, req)
		if err != nil {
			return Result{}, err
		}
		req.Session.AddUsage(usage)
		if interruptedMidStream {
			return Result{Interrupted: true}, nil
		}

		if len(toolCalls) == 0 {
			req.Session.AppendAssistant(req.MessageID, llm.Message{Content: content})
			l.recordObservation(ctx, req, userContent, content)
			return Result{Content: content}, nil
		}

		signature := toolCallSignature(toolCalls)
		if signature == prevSignature {
			consecutiveSame++
		} else {
			consecutiveSame = 1
		}
		prevSignature = signature

		assistantMsg := llm.Message{Content: content, ToolCalls: toolCalls}
		req.Session.AppendAssistant(req.MessageID, assistantMsg)

		stopMsg, shouldStop, err := l.dispatchToolCalls(ctx, req, toolCalls)
		if err != nil {
			return Result{}, err
		}
		if shouldStop {
			if stopMsg == "" && interrupted(req.Interrupt) {
				return Result{Interrupted: true}, nil
			}
			return Result{Content: stopMsg}, nil
		}
	}
}

func interrupted(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func breakerMessage(which string) string {
	return fmt.Sprintf("I've hit my %s for this conversation and need to stop here. Send /nuke if you'd like to reset and start fresh.", which)
}

// toolDefinitions builds the tool list handed to the LLM: registered tools
// plus the two core-provided memory tools (spec.md §4.3 pre-flight).
func (l *Loop) toolDefinitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(l.Tools.All())+2)
	for _, t := range l.Tools.All() {
		defs = append(defs, llm.ToolDefinition{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()})
	}
	defs = append(defs, tool.MemoryToolDefinitions()...)
	return defs
}

// maybeCompact implements spec.md §4.3 step 1.
func (l *Loop) maybeCompact(ctx context.Context, req Request) error {
	cfg := l.Context
	if !cfg.CompactionEnabled {
		return nil
	}

	history := req.Session.Snapshot()
	if len(history) <= cfg.CompactionRetainMessages {
		return nil
	}
	if estimateTokens(history) <= cfg.CompactionTriggerTokens {
		return nil
	}
	if l.Memory == nil {
		return ErrMemoryRequired
	}

	retain := cfg.CompactionRetainMessages
	splitAt := len(history) - retain
	prefix := history[:splitAt]
	suffix := history[splitAt:]

	transcript := renderTranscript(prefix, cfg.CompactionFlushMaxChars)
	if err := l.Memory.AppendItem(ctx, req.OrgID, memory.Item{
		Kind:       "pre_compaction_flush",
		ChannelID:  req.ChannelID,
		SenderID:   req.SenderID,
		Content:    transcript,
		Importance: 0.9,
		Fields: map[string]any{
			"message_count":  len(prefix),
			"token_estimate": estimateTokens(prefix),
			"agent_scope":    memory.AgentScope(req.ChannelID, req.SenderID),
		},
	}); err != nil {
		return fmt.Errorf("assistant: compaction archive: %w", err)
	}

	summary, err := l.Memory.Summarize(ctx, req.OrgID, memory.AgentScope(req.ChannelID, req.SenderID), cfg.CompactionHorizon)
	if err != nil {
		return fmt.Errorf("assistant: compaction summarize: %w", err)
	}

	newHistory := make([]llm.Message, 0, len(suffix)+1)
	newHistory = append(newHistory, llm.Message{Role: llm.RoleAssistant, Content: summary})
	newHistory = append(newHistory, suffix...)
	req.Session.ReplaceHistory(newHistory)
	return nil
}

func renderTranscript(messages []llm.Message, maxChars int) string {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
	}
	s := b.String()
	if len(s) > maxChars {
		s = s[:maxChars]
	}
	return s
}

// buildSystemPrompt implements spec.md §4.3 step 2.
func (l *Loop) buildSystemPrompt(ctx context.Context, req Request, lastUserContent string) string {
	var b strings.Builder
	b.WriteString(l.SystemPromptBase)
	b.WriteString("\n")
	b.WriteString(executionDirectivesAppendix)

	if l.Memory != nil {
		scope := memory.AgentScope(req.ChannelID, req.SenderID)
		items, err := l.Memory.Retrieve(ctx, req.OrgID, scope, lastUserContent, 5)
		if err != nil {
			slog.Warn("assistant: memory retrieve failed", "error", err)
		} else if len(items) > 0 {
			b.WriteString("\n\nRelevant memory:\n")
			for _, it := range items {
				fmt.Fprintf(&b, "- [%s] %s\n", it.Kind, it.Content)
			}
		}
	}

	return b.String()
}

// buildContextWindow implements spec.md §4.3 step 3: select messages from
// the tail of history within the token budget, always including the last
// min_recent_messages, normalizing oversized tool-role messages first.
func (l *Loop) buildContextWindow(s *session.Session, systemPrompt string) []llm.Message {
	history := s.Snapshot()
	maxToolChars := l.Context.ClampMaxToolChars()
	for i := range history {
		if history[i].Role == llm.RoleTool && len(history[i].Content) > maxToolChars {
			dropped := len(history[i].Content) - maxToolChars
			history[i].Content = history[i].Content[:maxToolChars] + fmt.Sprintf("\n...[tool output truncated: dropped %d chars]", dropped)
		}
	}

	budget := l.Context.MaxPromptTokens - estimateTokensOf(systemPrompt)
	minRecent := l.Context.MinRecentMessages
	if minRecent > len(history) {
		minRecent = len(history)
	}

	selected := make([]llm.Message, 0, len(history))
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		cost := estimateTokensOf(history[i].Content)
		mustInclude := len(history)-i <= minRecent
		if !mustInclude && budget > 0 && used+cost > budget {
			break
		}
		selected = append(selected, history[i])
		used += cost
	}
	// reverse back to chronological order
	for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
		selected[i], selected[j] = selected[j], selected[i]
	}

	selected = sanitizeToolPairing(selected)

	out := make([]llm.Message, 0, len(selected)+1)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	out = append(out, selected...)
	return out
}

// sanitizeToolPairing drops any Tool-role message whose ToolCallID doesn't
// match a ToolCall.ID in the immediately preceding Assistant turn (spec.md
// §5 "orphan tool results are dropped (and logged) before transmission").
func sanitizeToolPairing(messages []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	var lastAssistantCallIDs map[string]bool

	for _, m := range messages {
		switch m.Role {
		case llm.RoleAssistant:
			lastAssistantCallIDs = make(map[string]bool, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				lastAssistantCallIDs[tc.ID] = true
			}
			out = append(out, m)
		case llm.RoleTool:
			if lastAssistantCallIDs == nil || !lastAssistantCallIDs[m.ToolCallID] {
				slog.Warn("assistant: dropping orphan tool result before transmission", "tool_call_id", m.ToolCallID)
				continue
			}
			out = append(out, m)
		default:
			lastAssistantCallIDs = nil
			out = append(out, m)
		}
	}
	return out
}

func estimateTokens(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += estimateTokensOf(m.Content)
		for _, tc := range m.ToolCalls {
			total += estimateTokensOf(tc.Arguments)
		}
	}
	return total
}

// estimateTokensOf is a cheap chars/4 heuristic; exact tokenization
// depends on the concrete provider (out of scope, §1).
func estimateTokensOf(s string) int {
	return len(s)/4 + 1
}

// consumeStream drains the LLM stream, forwarding content deltas to
// req.DeltaSink as they arrive, racing req.Interrupt (spec.md §4.3.1
// step 4, §4.2 Interrupt mode).
func (l *Loop) consumeStream(ctx context.Context, stream <-chan llm.StreamChunk, req Request) (content string, calls []llm.ToolCall, usage llm.Usage, interrupted bool, err error) {
	var sb strings.Builder
	byID := map[string]int{}

	for {
		select {
		case <-req.Interrupt:
			return "", nil, llm.Usage{}, true, nil
		case chunk, ok := <-stream:
			if !ok {
				return sb.String(), calls, usage, false, nil
			}
			switch chunk.Kind {
			case llm.ChunkDelta:
				sb.WriteString(chunk.Content)
				if req.DeltaSink != nil {
					select {
					case req.DeltaSink <- chunk.Content:
					case <-ctx.Done():
					}
				}
			case llm.ChunkToolCallStart:
				calls = append(calls, llm.ToolCall{ID: chunk.ToolCallID, Name: chunk.ToolCallName})
				byID[chunk.ToolCallID] = len(calls) - 1
			case llm.ChunkToolCallDelta:
				if idx, ok := byID[chunk.ToolCallID]; ok {
					calls[idx].Arguments += chunk.ArgumentsDelta
				}
			case llm.ChunkDone:
				usage = chunk.Usage
				if chunk.Err != nil {
					return "", nil, llm.Usage{}, false, fmt.Errorf("assistant: stream error: %w", chunk.Err)
				}
				return sb.String(), calls, usage, false, nil
			}
			if chunk.Err != nil {
				return "", nil, llm.Usage{}, false, fmt.Errorf("assistant: stream error: %w", chunk.Err)
			}
		}
	}
}

// toolCallSignature implements spec.md §4.3 step 6's stable join used to
// detect no-progress loops.
func toolCallSignature(calls []llm.ToolCall) string {
	parts := make([]string, len(calls))
	for i, c := range calls {
		canon, err := jsonutil.CanonicalString(c.Arguments)
		if err != nil {
			canon = c.Arguments
		}
		parts[i] = c.Name + ":" + canon
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

func (l *Loop) recordObservation(ctx context.Context, req Request, userContent, assistantContent string) {
	if l.Memory == nil {
		return
	}
	importance := 0.3
	if strings.Contains(strings.ToLower(assistantContent), "tool") {
		importance = 0.8
	}
	err := l.Memory.AppendItem(ctx, req.OrgID, memory.Item{
		Kind:       "observation",
		ChannelID:  req.ChannelID,
		SenderID:   req.SenderID,
		Content:    fmt.Sprintf("user: %s\nassistant: %s", userContent, assistantContent),
		Importance: importance,
		Fields: map[string]any{
			"user":        userContent,
			"assistant":   assistantContent,
			"agent_scope": memory.AgentScope(req.ChannelID, req.SenderID),
		},
	})
	if err != nil {
		slog.Warn("assistant: failed to record observation memory", "error", err)
	}
}
