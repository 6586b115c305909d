// Package pairing implements per-channel access control: open/allowlist
// senders pass straight through, everyone else works through a
// pending-request state machine resolved by an operator-typed code
// (spec.md §4.5). It is the one process-wide "global" runtime spec.md §9
// calls out — callers inject a single shared *Runtime rather than one per
// channel.
package pairing

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"assistantgw/internal/idgen"
)

// AccessMode is a channel's configured admission policy.
type AccessMode string

const (
	ModeOpen      AccessMode = "open"
	ModeAllowlist AccessMode = "allowlist"
	ModePairing   AccessMode = "pairing"
)

// RequestStatus is a PairingRequest's place in its lifecycle.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusRejected RequestStatus = "rejected"
	StatusExpired  RequestStatus = "expired"
)

// PairingRequest is one sender's pending (or resolved) admission request
// for one channel (spec.md §3).
type PairingRequest struct {
	ChannelID      string
	SenderID       string
	Code           string
	RequestedAt    time.Time
	ExpiresAt      time.Time
	Status         RequestStatus
	ResolvedAt     *time.Time
	ResolutionNote string
}

// DecisionReason is why evaluate_sender returned Denied, letting callers
// compose the right reply (spec.md §4.5 step 2-7).
type DecisionReason string

const (
	ReasonInvalidIdentity      DecisionReason = "invalid_identity"
	ReasonPendingRequired      DecisionReason = "pending_approval_required"
	ReasonPendingCapReached    DecisionReason = "pending_cap_reached"
	ReasonPendingCreated       DecisionReason = "pending_approval_created"
)

// Decision is evaluate_sender's result: either Allowed, or Denied with a
// reason and (where relevant) the PairingRequest involved.
type Decision struct {
	Allowed bool
	Reason  DecisionReason
	Request *PairingRequest
}

// ChannelPolicy configures one channel's admission rules.
type ChannelPolicy struct {
	Mode         AccessMode
	Allowlist    map[string]bool
	PendingCap   int
	RequestTTL   time.Duration
}

// channelState is the per-channel mutable admission state.
type channelState struct {
	mu              sync.Mutex
	approvedSenders map[string]bool
	requests        []*PairingRequest
}

// Runtime is the process-wide pairing enforcement service (spec.md §4.5,
// §9's "global" note). Channel id "webchat" is always allowed, per spec.md
// §4.5 ("always allowed — the dev/local surface").
type Runtime struct {
	mu        sync.RWMutex
	policies  map[string]ChannelPolicy
	channels  map[string]*channelState
}

// AlwaysAllowedChannel is the dev/local channel id admitted regardless of
// configured policy (spec.md §4.5).
const AlwaysAllowedChannel = "webchat"

const (
	defaultPendingCap = 3
	defaultRequestTTL = 60 * time.Minute
)

func NewRuntime() *Runtime {
	return &Runtime{
		policies: make(map[string]ChannelPolicy),
		channels: make(map[string]*channelState),
	}
}

// Configure sets (or replaces) the admission policy for channelID.
func (r *Runtime) Configure(channelID string, policy ChannelPolicy) {
	if policy.PendingCap <= 0 {
		policy.PendingCap = defaultPendingCap
	}
	if policy.RequestTTL <= 0 {
		policy.RequestTTL = defaultRequestTTL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[channelID] = policy
}

func (r *Runtime) policyFor(channelID string) ChannelPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.policies[channelID]; ok {
		return p
	}
	return ChannelPolicy{Mode: ModePairing, PendingCap: defaultPendingCap, RequestTTL: defaultRequestTTL}
}

func (r *Runtime) state(channelID string) *channelState {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.channels[channelID]
	if !ok {
		s = &channelState{approvedSenders: make(map[string]bool)}
		r.channels[channelID] = s
	}
	return s
}

// normalizeIdentity applies spec.md §4.5 step 1: trim, bound length, reject
// control characters. Channel ids are additionally lowercased.
func normalizeIdentity(s string, lowercase bool) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 256 {
		return "", false
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return "", false
		}
	}
	if lowercase {
		s = strings.ToLower(s)
	}
	return s, true
}

// EvaluateSender runs spec.md §4.5's evaluate_sender(channel_id,
// sender_id) state machine.
func (r *Runtime) EvaluateSender(channelID, senderID string) Decision {
	return r.evaluateAt(channelID, senderID, time.Now())
}

func (r *Runtime) evaluateAt(channelID, senderID string, now time.Time) Decision {
	channelID, ok1 := normalizeIdentity(channelID, true)
	senderID, ok2 := normalizeIdentity(senderID, false)
	if !ok1 || !ok2 {
		return Decision{Allowed: false, Reason: ReasonInvalidIdentity}
	}

	if channelID == AlwaysAllowedChannel {
		return Decision{Allowed: true}
	}

	policy := r.policyFor(channelID)
	if policy.Mode == ModeOpen {
		return Decision{Allowed: true}
	}
	if policy.Mode == ModeAllowlist && policy.Allowlist[senderID] {
		return Decision{Allowed: true}
	}

	st := r.state(channelID)
	st.mu.Lock()
	defer st.mu.Unlock()

	expireLocked(st, now)

	if st.approvedSenders[senderID] {
		return Decision{Allowed: true}
	}

	if req := findPendingLocked(st, senderID); req != nil {
		return Decision{Allowed: false, Reason: ReasonPendingRequired, Request: req}
	}

	if countPendingLocked(st) >= policy.PendingCap {
		return Decision{Allowed: false, Reason: ReasonPendingCapReached}
	}

	code, err := idgen.PairingCode(func(c string) bool {
		for _, req := range st.requests {
			if req.Code == c {
				return true
			}
		}
		return false
	})
	if err != nil {
		// Exhausted the code space; surface as a cap reached rather than
		// failing evaluate_sender outright.
		return Decision{Allowed: false, Reason: ReasonPendingCapReached}
	}

	req := &PairingRequest{
		ChannelID:   channelID,
		SenderID:    senderID,
		Code:        code,
		RequestedAt: now,
		ExpiresAt:   now.Add(policy.RequestTTL),
		Status:      StatusPending,
	}
	st.requests = append(st.requests, req)
	return Decision{Allowed: false, Reason: ReasonPendingCreated, Request: req}
}

func expireLocked(st *channelState, now time.Time) {
	for _, req := range st.requests {
		if req.Status == StatusPending && !req.ExpiresAt.After(now) {
			req.Status = StatusExpired
			t := now
			req.ResolvedAt = &t
		}
	}
}

func findPendingLocked(st *channelState, senderID string) *PairingRequest {
	for _, req := range st.requests {
		if req.SenderID == senderID && req.Status == StatusPending {
			return req
		}
	}
	return nil
}

func countPendingLocked(st *channelState) int {
	n := 0
	for _, req := range st.requests {
		if req.Status == StatusPending {
			n++
		}
	}
	return n
}

// ErrRequestNotFound, ErrRequestExpired, and the already-resolved case are
// the three rejection shapes spec.md §4.5's approve_request/reject_request
// describe.
var ErrRequestNotFound = fmt.Errorf("pairing: request not found")
var ErrRequestExpired = fmt.Errorf("pairing: request expired")

// ErrAlreadyResolved wraps the request's current status so callers can
// report it (spec.md: "RequestAlreadyResolved(status)").
type ErrAlreadyResolved struct {
	Status RequestStatus
}

func (e ErrAlreadyResolved) Error() string {
	return fmt.Sprintf("pairing: request already resolved (%s)", e.Status)
}

// ApproveRequest transitions a Pending request matching code to Approved
// and admits its sender (spec.md §4.5 approve_request).
func (r *Runtime) ApproveRequest(channelID, code string) (*PairingRequest, error) {
	return r.resolve(channelID, code, StatusApproved, "")
}

// RejectRequest transitions a Pending request matching code to Rejected
// (spec.md §4.5 reject_request). note is trimmed and bounded.
func (r *Runtime) RejectRequest(channelID, code, note string) (*PairingRequest, error) {
	note, _ = normalizeIdentity(note, false)
	return r.resolve(channelID, code, StatusRejected, note)
}

func (r *Runtime) resolve(channelID, code string, newStatus RequestStatus, note string) (*PairingRequest, error) {
	channelID, ok := normalizeIdentity(channelID, true)
	if !ok {
		return nil, ErrRequestNotFound
	}

	st := r.state(channelID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	expireLocked(st, now)

	var req *PairingRequest
	for _, candidate := range st.requests {
		if candidate.Code == code {
			req = candidate
			break
		}
	}
	if req == nil {
		return nil, ErrRequestNotFound
	}
	if req.Status == StatusExpired {
		return req, ErrRequestExpired
	}
	if req.Status != StatusPending {
		return req, ErrAlreadyResolved{Status: req.Status}
	}

	req.Status = newStatus
	req.ResolvedAt = &now
	req.ResolutionNote = note
	if newStatus == StatusApproved {
		st.approvedSenders[req.SenderID] = true
	}
	return req, nil
}

// IsAllowed reports whether senderID is currently admitted on channelID,
// without creating a new pending request (used by tests / diagnostics).
func (r *Runtime) IsAllowed(channelID, senderID string) bool {
	channelID, ok1 := normalizeIdentity(channelID, true)
	senderID, ok2 := normalizeIdentity(senderID, false)
	if !ok1 || !ok2 {
		return false
	}
	if channelID == AlwaysAllowedChannel {
		return true
	}
	policy := r.policyFor(channelID)
	if policy.Mode == ModeOpen {
		return true
	}
	if policy.Mode == ModeAllowlist && policy.Allowlist[senderID] {
		return true
	}
	st := r.state(channelID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.approvedSenders[senderID]
}
