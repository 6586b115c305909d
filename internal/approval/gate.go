package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"assistantgw/internal/store"
	"assistantgw/internal/tool"
	"assistantgw/internal/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrApprovalTimeout is raised by WaitForDecision when a proposal is not
// resolved within its timeout window (spec.md §7's ApprovalTimeout kind).
var ErrApprovalTimeout = fmt.Errorf("approval: timed out waiting for decision")

// ErrAlreadyResolved is returned (wrapped, with the current status) by
// ApproveProposal and DenyProposal against a proposal that is no longer
// Proposed.
var ErrAlreadyResolved = fmt.Errorf("approval: proposal already resolved")

// ErrContextMismatch names the case of an out-of-band /approve or /deny
// that targets a proposal whose context doesn't match the issuing lane.
// ResolveOutOfBand reports that case as reply text and does not return
// this value.
var ErrContextMismatch = fmt.Errorf("approval: proposal context does not match this channel/sender")

const defaultTTLSeconds = 3600
const defaultPollInterval = 250 * time.Millisecond

// LinearEnricher is the optional display hook (spec.md §4.4 "Linear
// argument enrichment"): given a project reference, resolve a
// human-readable project_name. Failures must not block rendering, so
// callers of Gate pass a best-effort implementation (or nil to skip it).
type LinearEnricher interface {
	ResolveProjectName(ctx context.Context, projectRef string) (string, error)
}

// Gate evaluates and persists approval decisions.
type Gate struct {
	Store        *store.Store
	Config       Config
	RetryBase    time.Duration
	PollInterval time.Duration
	Linear       LinearEnricher
}

func NewGate(st *store.Store, cfg Config) *Gate {
	return &Gate{
		Store:        st,
		Config:       cfg,
		RetryBase:    100 * time.Millisecond,
		PollInterval: defaultPollInterval,
	}
}

// EvaluateRequest bundles the inputs to Evaluate (spec.md §4.4 "Inputs").
type EvaluateRequest struct {
	OrgID, ProjectID string
	Actor            string
	ToolName         string
	Risk             tool.RiskLevel
	Arguments        map[string]any
	ChannelID        string
	SenderID         string
	ThreadID         string

	// PromptChannel, if non-nil, is the transport a Human-review prompt is
	// rendered on; PromptRecipient is who it's sent to.
	PromptChannel   transport.Channel
	PromptRecipient string

	// BackoffNotifier receives the SQLite-contention backoff notice during
	// the ReviewPolicy upsert and proposal insert writes.
	BackoffNotifier store.BackoffNotifier
}

// Evaluate runs spec.md §4.4 steps 1-8 and returns whether the call is
// approved, plus the proposal record if one was created.
func (g *Gate) Evaluate(ctx context.Context, req EvaluateRequest) (approved bool, proposal *ActionProposal, err error) {
	mode, actionType := ResolveMode(req.ToolName, req.Risk, req.Arguments, g.Config)

	if err := g.upsertReviewPolicy(ctx, ReviewPolicy{
		ActionType: actionType,
		RiskLevel:  req.Risk,
		ReviewMode: mode,
		TTLSeconds: defaultTTLSeconds,
	}, req.BackoffNotifier); err != nil {
		return false, nil, err
	}

	if mode == ModeAuto {
		return true, nil, nil
	}

	p := &ActionProposal{
		ID:         uuid.NewString(),
		OrgID:      req.OrgID,
		ProjectID:  req.ProjectID,
		Actor:      req.Actor,
		ActionType: actionType,
		Payload: map[string]any{
			PayloadToolCallID: req.Arguments[PayloadToolCallID],
			PayloadArguments:  req.Arguments,
		},
		RiskLevel:  req.Risk,
		Context: map[string]any{
			CtxTool:             req.ToolName,
			CtxArguments:        req.Arguments,
			CtxApprovalChannel:  req.ChannelID,
			CtxApprovalSender:   req.SenderID,
			CtxApprovalThread:   req.ThreadID,
			CtxApprovalRecipient: req.PromptRecipient,
			CtxProjectDBHandle:  req.ProjectID,
		},
		CreatedAt:  time.Now(),
		TTLSeconds: defaultTTLSeconds,
		Status:     StatusProposed,
	}

	if err := g.insertProposal(ctx, p, req.BackoffNotifier); err != nil {
		return false, nil, err
	}

	if mode == ModeHuman && req.PromptChannel != nil {
		if err := g.sendApprovalPrompt(ctx, p, req); err != nil {
			slog.Warn("approval: failed to send approval prompt", "proposal", p.ID, "error", err)
		}
	}

	status, err := g.WaitForDecision(ctx, p.ID, g.Config.HumanApprovalTimeoutSeconds)
	if err != nil {
		if err == ErrApprovalTimeout && mode == ModeHuman && req.PromptChannel != nil {
			g.sendTimeoutFollowup(ctx, p, req)
		}
		return false, p, err
	}
	p.Status = status

	return status == StatusApproved || status == StatusExecuted, p, nil
}

func (g *Gate) sendApprovalPrompt(ctx context.Context, p *ActionProposal, req EvaluateRequest) error {
	args, _ := p.Context[CtxArguments].(map[string]any)
	if g.Linear != nil && req.ToolName == "linear.update_project" {
		if ref, ok := args["project_ref"].(string); ok && ref != "" {
			if _, hasName := args["project_name"]; !hasName {
				if name, err := g.Linear.ResolveProjectName(ctx, ref); err == nil && name != "" {
					args["project_name"] = name
				}
			}
		}
	}

	text := fmt.Sprintf(
		"Approval requested for %s (risk=%s).\nArguments: %v\nReply /approve-action %s to approve, or /deny-action %s <reason> to deny.",
		p.ActionType, p.RiskLevel, args, p.ID, p.ID,
	)

	metadata := map[string]any{
		transport.MetaInlineKeyboard: []transport.InlineButton{
			{Label: "Approve", Callback: "approve:" + p.ID},
			{Label: "Deny", Callback: "deny:" + p.ID},
		},
	}

	return req.PromptChannel.Send(ctx, req.PromptRecipient, transport.OutboundMessage{
		Content:  text,
		Metadata: metadata,
	})
}

func (g *Gate) sendTimeoutFollowup(ctx context.Context, p *ActionProposal, req EvaluateRequest) {
	text := fmt.Sprintf(
		"Approval timed out for %s.\nReply /approve-action %s or /deny-action %s <reason> to resolve it now.",
		p.ActionType, p.ID, p.ID,
	)
	metadata := map[string]any{
		transport.MetaInlineKeyboard: []transport.InlineButton{
			{Label: "Approve", Callback: "approve:" + p.ID},
			{Label: "Deny", Callback: "deny:" + p.ID},
		},
	}
	if err := req.PromptChannel.Send(ctx, req.PromptRecipient, transport.OutboundMessage{Content: text, Metadata: metadata}); err != nil {
		slog.Warn("approval: failed to send timeout followup", "proposal", p.ID, "error", err)
	}
}

// WaitForDecision polls a proposal's status at PollInterval until it
// leaves StatusProposed or the timeout (seconds; 0 = forever) expires.
func (g *Gate) WaitForDecision(ctx context.Context, proposalID string, timeoutSeconds int) (Status, error) {
	interval := g.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	var deadline <-chan time.Time
	if timeoutSeconds > 0 {
		timer := time.NewTimer(time.Duration(timeoutSeconds) * time.Second)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p, err := g.GetProposal(ctx, proposalID)
		if err != nil {
			return "", err
		}
		if p.Status != StatusProposed {
			return p.Status, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline:
			return "", ErrApprovalTimeout
		case <-ticker.C:
		}
	}
}

// ResolveOutOfBand handles /approve, /approve-action, /deny, /deny-action
// commands (spec.md §4.4 "Out-of-band resolution"). When proposalID is
// empty, the caller is expected to have already resolved "latest" to a
// concrete id (the gateway does this before calling in).
func (g *Gate) ResolveOutOfBand(ctx context.Context, proposalID string, channelID, senderID, threadID string, approve bool, reason string) string {
	p, err := g.GetProposal(ctx, proposalID)
	if err != nil {
		return fmt.Sprintf("Failed to apply decision: %v", err)
	}

	ctxChannel, _ := p.Context[CtxApprovalChannel].(string)
	ctxSender, _ := p.Context[CtxApprovalSender].(string)
	ctxThread, _ := p.Context[CtxApprovalThread].(string)
	if ctxChannel != channelID || ctxSender != senderID || (threadID != "" && ctxThread != "" && ctxThread != threadID) {
		return "This approval does not belong to this conversation."
	}

	if p.Status != StatusProposed {
		return "Already resolved. This approval is closed."
	}

	approverID := fmt.Sprintf("%s:%s", channelID, senderID)
	var applyErr error
	if approve {
		applyErr = g.ApproveProposal(ctx, p.ID, approverID, reason, nil)
	} else {
		applyErr = g.DenyProposal(ctx, p.ID, approverID, reason, nil)
	}
	if applyErr != nil {
		return fmt.Sprintf("Failed to apply decision: %v", applyErr)
	}

	if approve {
		return "Approved. Continuing request.\nThis approval is closed."
	}
	return "Denied.\nThis approval is closed."
}
