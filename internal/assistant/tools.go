package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"assistantgw/internal/approval"
	"assistantgw/internal/llm"
	"assistantgw/internal/memory"
	"assistantgw/internal/tool"
)

// dispatchToolCalls implements spec.md §4.3 step 6: for each tool call
// emitted this turn, validate, gate through approval, execute, and append
// a tool-result message. It returns (stopContent, true) when the run must
// end here with a user-visible message (execution failure, approval
// timeout, or a proposal-persistence failure), ("", true) when the run was
// interrupted before the next call, or ("", false) to continue the loop.
func (l *Loop) dispatchToolCalls(ctx context.Context, req Request, calls []llm.ToolCall) (string, bool, error) {
	for _, call := range calls {
		if interrupted(req.Interrupt) {
			return "", true, nil
		}

		var argsMap map[string]any
		if err := json.Unmarshal([]byte(call.Arguments), &argsMap); err != nil {
			patchToolCallArguments(req.Session, call.ID, "{}")
			req.Session.AppendTool(call.ID, toolErrorJSON("invalid tool call arguments JSON"))
			continue
		}
		if argsMap == nil {
			argsMap = map[string]any{}
		}

		if tool.IsMemoryTool(call.Name) {
			result := l.dispatchMemoryTool(ctx, req, call.Name, argsMap)
			req.Session.AppendTool(call.ID, result)
			continue
		}

		t, err := l.Tools.Resolve(call.Name)
		if err != nil {
			req.Session.AppendTool(call.ID, toolErrorJSON(fmt.Sprintf("unknown tool %q", call.Name)))
			continue
		}

		if l.Validator != nil {
			if verr := l.Validator.Validate(t, call.Arguments); verr != nil {
				req.Session.AppendTool(call.ID, toolErrorJSON(verr.Error()))
				continue
			}
		}

		approvalArgs := make(map[string]any, len(argsMap)+1)
		for k, v := range argsMap {
			approvalArgs[k] = v
		}
		approvalArgs[approval.PayloadToolCallID] = call.ID

		effectiveRisk := approval.EffectiveRiskLevel(t.RiskLevel(), call.Name, argsMap)

		approved, proposal, err := l.Approval.Evaluate(ctx, approval.EvaluateRequest{
			OrgID:           req.OrgID,
			ProjectID:       req.ProjectID,
			Actor:           fmt.Sprintf("%s:%s", req.ChannelID, req.SenderID),
			ToolName:        call.Name,
			Risk:            effectiveRisk,
			Arguments:       approvalArgs,
			ChannelID:       req.ChannelID,
			SenderID:        req.SenderID,
			ThreadID:        req.ThreadID,
			PromptChannel:   req.PromptChannel,
			PromptRecipient: req.PromptRecipient,
			BackoffNotifier: req.BackoffNotifier,
		})
		if err != nil {
			if errors.Is(err, approval.ErrApprovalTimeout) {
				req.Session.AppendTool(call.ID, toolErrorJSON("approval timed out"))
				return "I didn't receive an approval decision in time, so I've stopped here. You can ask again when you're ready to decide.", true, nil
			}
			req.Session.AppendTool(call.ID, toolErrorJSON("approval could not be recorded"))
			slog.Error("assistant: approval evaluation failed", "tool", call.Name, "error", err)
			return "I couldn't record an approval decision right now (storage is unavailable). Please try again shortly.", true, nil
		}

		if !approved {
			req.Session.AppendTool(call.ID, toolErrorJSON("tool call denied"))
			continue
		}

		output, err := t.Execute(ctx, call.Arguments)
		if err != nil {
			req.Session.AppendTool(call.ID, toolErrorJSON(err.Error()))
			return fmt.Sprintf("The %s tool failed: %v", call.Name, err), true, nil
		}
		req.Session.AppendTool(call.ID, output)

		if proposal != nil {
			if merr := l.Approval.MarkExecuted(ctx, proposal.ID, req.BackoffNotifier); merr != nil {
				slog.Warn("assistant: failed to mark proposal executed", "proposal", proposal.ID, "error", merr)
			}
		}
	}

	return "", false, nil
}

// dispatchMemoryTool handles memory_search/memory_summarize directly
// against the memory backend rather than through Registry or approval
// (spec.md §4.3 step 6b).
func (l *Loop) dispatchMemoryTool(ctx context.Context, req Request, name string, args map[string]any) string {
	if l.Memory == nil {
		return toolErrorJSON("memory is not enabled for this conversation")
	}
	scope := memory.AgentScope(req.ChannelID, req.SenderID)

	switch name {
	case tool.MemorySearch:
		query, _ := args["query"].(string)
		limit := 5
		if lv, ok := args["limit"].(float64); ok && lv > 0 {
			limit = int(lv)
		}
		if limit > 50 {
			limit = 50
		}
		items, err := l.Memory.Retrieve(ctx, req.OrgID, scope, query, limit)
		if err != nil {
			return toolErrorJSON(err.Error())
		}
		out := make([]map[string]any, 0, len(items))
		for _, it := range items {
			out = append(out, map[string]any{"kind": it.Kind, "content": it.Content, "importance": it.Importance})
		}
		b, _ := json.Marshal(map[string]any{"items": out})
		return string(b)

	case tool.MemorySummarize:
		horizon, _ := args["horizon"].(string)
		summary, err := l.Memory.Summarize(ctx, req.OrgID, scope, horizon)
		if err != nil {
			return toolErrorJSON(err.Error())
		}
		b, _ := json.Marshal(map[string]any{"summary": summary})
		return string(b)

	default:
		return toolErrorJSON(fmt.Sprintf("unknown memory tool %q", name))
	}
}

func toolErrorJSON(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}

// patchToolCallArguments rewrites one pending tool call's raw Arguments in
// the most recent Assistant history entry, used when the model emitted
// unparsable JSON for that call (spec.md §7 "malformed tool arguments").
func patchToolCallArguments(s interface {
	Snapshot() []llm.Message
	ReplaceHistory([]llm.Message)
}, callID, replacement string) {
	history := s.Snapshot()
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != llm.RoleAssistant {
			continue
		}
		for j := range history[i].ToolCalls {
			if history[i].ToolCalls[j].ID == callID {
				history[i].ToolCalls[j].Arguments = replacement
				s.ReplaceHistory(history)
				return
			}
		}
		return
	}
}
