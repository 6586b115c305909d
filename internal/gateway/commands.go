package gateway

import (
	"context"
	"strings"

	"assistantgw/internal/transport"
)

// parseApprovalCommand recognizes the four out-of-band approval commands
// spec.md §6's CLI contract defines: /approve, /approve-action <uuid>,
// /deny [reason], /deny-action <uuid> [reason]. ok is false for anything
// else, including commands the lane itself handles (/nuke, /help,
// /status).
func parseApprovalCommand(content string) (approve bool, id string, reason string, ok bool) {
	fields := strings.Fields(strings.TrimSpace(content))
	if len(fields) == 0 {
		return false, "", "", false
	}

	switch fields[0] {
	case "/approve":
		return true, "", "", true

	case "/approve-action":
		if len(fields) < 2 {
			return false, "", "", false
		}
		return true, fields[1], "", true

	case "/deny":
		return false, "", strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(content), "/deny")), true

	case "/deny-action":
		if len(fields) < 2 {
			return false, "", "", false
		}
		return false, fields[1], strings.Join(fields[2:], " "), true

	default:
		return false, "", "", false
	}
}

// resolveApprovalCommand handles a /approve or /deny command intercepted
// ahead of the lane (spec.md §4.4 "Out-of-band resolution"): resolve a
// bare command (no explicit id) to the latest Proposed proposal in this
// lane's context first.
func (m *Multiplexer) resolveApprovalCommand(ctx context.Context, ev transport.InboundEvent, approve bool, id, reason string) {
	if id == "" {
		p, err := m.Approval.LatestProposalForLane(ctx, ev.ChannelID, ev.SenderID)
		if err != nil {
			m.reply(ctx, ev, "No pending approval found for this conversation.")
			return
		}
		id = p.ID
	}

	reply := m.Approval.ResolveOutOfBand(ctx, id, ev.ChannelID, ev.SenderID, ev.ThreadID, approve, reason)
	m.reply(ctx, ev, reply)
}

// handleReaction resolves an inline-keyboard tap delivered as a Reaction
// event (spec.md §4.4's "approve:{uuid}"/"deny:{uuid}" callback shape),
// bypassing the lane's debounce/merge entirely (reactions are never
// batched, §4.2).
func (m *Multiplexer) handleReaction(ctx context.Context, ev transport.InboundEvent) {
	callback := strings.TrimSpace(ev.Content)
	verb, id, ok := strings.Cut(callback, ":")
	if !ok || id == "" {
		return
	}

	switch verb {
	case "approve":
		m.reply(ctx, ev, m.Approval.ResolveOutOfBand(ctx, id, ev.ChannelID, ev.SenderID, ev.ThreadID, true, ""))
	case "deny":
		m.reply(ctx, ev, m.Approval.ResolveOutOfBand(ctx, id, ev.ChannelID, ev.SenderID, ev.ThreadID, false, ""))
	}
}
