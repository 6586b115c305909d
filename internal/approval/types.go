// Package approval implements the risk→approval-mode mapping, the durable
// ActionProposal state machine, and out-of-band decision commands
// described in spec.md §4.4.
package approval

import (
	"time"

	"assistantgw/internal/tool"
)

// Mode is the resolved review policy for a concrete tool call.
type Mode string

const (
	ModeAuto  Mode = "auto"
	ModeAi    Mode = "ai"
	ModeHuman Mode = "human"
)

// Status is an ActionProposal's place in its state machine:
// Proposed -> {Approved, Denied, Expired}; Approved -> Executed (optional).
type Status string

const (
	StatusProposed Status = "proposed"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExecuted Status = "executed"
	StatusExpired  Status = "expired"
)

// ActionProposal is a durable record of one tool call awaiting a decision
// (spec.md §3).
type ActionProposal struct {
	ID             string
	OrgID          string
	ProjectID      string
	Actor          string
	ActionType     string
	Payload        map[string]any
	RiskLevel      tool.RiskLevel
	IdempotencyKey string
	Context        map[string]any
	CreatedAt      time.Time
	TTLSeconds     int
	Status         Status
	Approver       string
	Reason         string
	ResolvedAt     *time.Time
}

// ReviewPolicy is the upserted policy keyed by action_type (spec.md §3).
type ReviewPolicy struct {
	ActionType string
	RiskLevel  tool.RiskLevel
	ReviewMode Mode
	TTLSeconds int
}

// Context keys stored on every ActionProposal.Context, used to verify an
// out-of-band /approve or /deny targets the right lane (spec.md §4.4).
const (
	CtxTool              = "tool"
	CtxArguments          = "arguments"
	CtxApprovalChannel    = "approval_channel"
	CtxApprovalSender     = "approval_sender"
	CtxApprovalThread     = "approval_thread"
	CtxApprovalRecipient  = "approval_recipient"
	CtxProjectDBHandle    = "_project_db_handle"
)

// Payload keys (spec.md §4.4 step 5).
const (
	PayloadToolCallID = "tool_call_id"
	PayloadArguments  = "arguments"
)
