// Package skills implements the policy-scanned, operator-gated artifact
// registry of spec.md §4.7: compute a stable digest and id for an
// installed skill, run it through a hard/soft policy scan, and track
// operator approval across rescans.
package skills

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"assistantgw/internal/jsonutil"
	"assistantgw/internal/store"
)

// Decision is a skill's policy-scan outcome.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionWarn    Decision = "warn"
	DecisionBlock   Decision = "block"
)

// Skill is spec.md §3's Skill record.
type Skill struct {
	SkillID            string
	Name               string
	Description        string
	Source             string
	Content            string
	Signature          string
	DigestSHA256       string
	Decision           Decision
	PolicyReasons      []string
	Active             bool
	ApprovedByOperator bool
	ScanCount          int
	LastScanAt         time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ScanRecord is one append-only row in a skill's audit trail
// (opencraw_skill_scans).
type ScanRecord struct {
	SkillID       string
	Decision      Decision
	PolicyReasons []string
	Note          string
	ScannedAt     time.Time
}

// Policy holds the hard/soft requirements spec.md §4.7 scans against.
type Policy struct {
	RequireHTTPSSource     bool
	RequireTrustedSource   bool
	TrustedSourcePrefixes  []string
	RequireSHA256Signature bool
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// blockedSubstrings are the hard-blocked content patterns spec.md §4.7
// names verbatim. A piped pattern ("a | b") also matches when arguments
// stand between its two commands, as in "curl -sSL https://x | sh".
var blockedSubstrings = []string{
	"rm -rf /",
	"curl | sh",
	"powershell -enc",
	"drop table",
}

// Input is install()'s argument bundle.
type Input struct {
	Name        string
	Description string
	Source      string
	Content     string
	Signature   string
}

// Registry is the store-backed skills runtime.
type Registry struct {
	Store  *store.Store
	Policy Policy
}

func NewRegistry(st *store.Store, policy Policy) *Registry {
	return &Registry{Store: st, Policy: policy}
}

// ErrInvalidSkill reports an install() validation failure.
var ErrInvalidSkill = fmt.Errorf("skills: invalid skill")

// ErrBlockedCannotApprove is returned by Approve against a Block decision
// (spec.md scenario S6).
var ErrBlockedCannotApprove = fmt.Errorf("blocked skill cannot be approved")

// Install implements spec.md §4.7's install(input): validate, digest,
// scan, and upsert (preserving approved_by_operator across a reinstall of
// the same skill_id unless the new decision is Block).
func (r *Registry) Install(ctx context.Context, in Input) (*Skill, error) {
	if strings.TrimSpace(in.Name) == "" || !nameRe.MatchString(in.Name) {
		return nil, fmt.Errorf("%w: name must be non-empty and match [A-Za-z0-9._-]+", ErrInvalidSkill)
	}
	if strings.TrimSpace(in.Description) == "" {
		return nil, fmt.Errorf("%w: description must not be empty", ErrInvalidSkill)
	}

	digest, err := jsonutil.Digest(map[string]any{
		"name":        in.Name,
		"description": in.Description,
		"source":      in.Source,
		"content":     in.Content,
		"signature":   in.Signature,
	})
	if err != nil {
		return nil, fmt.Errorf("skills: compute digest: %w", err)
	}
	skillID := "skill-" + digest[:16]

	decision, reasons := evaluate(in, digest, r.Policy)

	now := time.Now()
	existing, _ := r.get(ctx, skillID)

	approvedByOperator := false
	if existing != nil {
		approvedByOperator = existing.ApprovedByOperator
	}
	if decision == DecisionBlock {
		approvedByOperator = false
	}

	skill := &Skill{
		SkillID:            skillID,
		Name:                in.Name,
		Description:         in.Description,
		Source:              in.Source,
		Content:             in.Content,
		Signature:           in.Signature,
		DigestSHA256:        digest,
		Decision:            decision,
		PolicyReasons:       reasons,
		ApprovedByOperator:  approvedByOperator,
		CreatedAt:           now,
		UpdatedAt:           now,
		LastScanAt:          now,
	}
	if existing != nil {
		skill.CreatedAt = existing.CreatedAt
		skill.ScanCount = existing.ScanCount
	}
	skill.ScanCount++
	skill.Active = isActive(decision, approvedByOperator)

	if err := r.upsert(ctx, skill); err != nil {
		return nil, err
	}
	if err := r.appendScan(ctx, ScanRecord{SkillID: skillID, Decision: decision, PolicyReasons: reasons, ScannedAt: now}); err != nil {
		return nil, err
	}

	return skill, nil
}

// isActive implements spec.md §3's invariant:
// active = (decision=Approve) OR (decision=Warn AND approved_by_operator).
func isActive(decision Decision, approvedByOperator bool) bool {
	return decision == DecisionApprove || (decision == DecisionWarn && approvedByOperator)
}

// evaluate runs spec.md §4.7's policy scan.
func evaluate(in Input, digest string, policy Policy) (Decision, []string) {
	var hardReasons, softReasons []string

	hasSource := strings.TrimSpace(in.Source) != ""
	isHTTPS := strings.HasPrefix(strings.ToLower(in.Source), "https://")

	if !hasSource || !isHTTPS {
		if policy.RequireHTTPSSource || policy.RequireTrustedSource {
			hardReasons = append(hardReasons, "missing or non-HTTPS source")
		} else {
			softReasons = append(softReasons, "missing provenance or non-HTTPS source")
		}
	}

	if hasSource && isHTTPS && policy.RequireTrustedSource {
		trusted := false
		for _, prefix := range policy.TrustedSourcePrefixes {
			if strings.HasPrefix(in.Source, prefix) {
				trusted = true
				break
			}
		}
		if !trusted {
			hardReasons = append(hardReasons, "source not in trusted prefixes")
		}
	} else if hasSource && isHTTPS && len(policy.TrustedSourcePrefixes) > 0 {
		trusted := false
		for _, prefix := range policy.TrustedSourcePrefixes {
			if strings.HasPrefix(in.Source, prefix) {
				trusted = true
				break
			}
		}
		if !trusted {
			softReasons = append(softReasons, "source outside configured trusted prefixes")
		}
	}

	sigOK, sigReason := checkSignature(in.Signature, digest)
	if sigReason != "" {
		if policy.RequireSHA256Signature {
			hardReasons = append(hardReasons, sigReason)
		} else {
			softReasons = append(softReasons, sigReason)
		}
	}
	_ = sigOK

	lowerContent := strings.ToLower(in.Content)
	for _, bad := range blockedSubstrings {
		matched := strings.Contains(lowerContent, bad)
		if head, tail, ok := strings.Cut(bad, " | "); ok && !matched {
			if i := strings.Index(lowerContent, head); i >= 0 {
				matched = strings.Contains(lowerContent[i+len(head):], "| "+tail)
			}
		}
		if matched {
			hardReasons = append(hardReasons, fmt.Sprintf("content contains blocked pattern %q", bad))
		}
	}

	if len(hardReasons) > 0 {
		return DecisionBlock, hardReasons
	}
	if len(softReasons) > 0 {
		return DecisionWarn, softReasons
	}
	return DecisionApprove, nil
}

// checkSignature validates the "sha256:<hex>" shape and digest match
// spec.md §4.7 requires; an empty signature is reported as missing.
func checkSignature(signature, digest string) (bool, string) {
	if strings.TrimSpace(signature) == "" {
		return false, "missing signature"
	}
	const prefix = "sha256:"
	if !strings.HasPrefix(signature, prefix) {
		return false, "signature is not of the form sha256:<hex>"
	}
	hexPart := strings.TrimPrefix(signature, prefix)
	if _, err := hex.DecodeString(hexPart); err != nil || len(hexPart) != sha256.Size*2 {
		return false, "signature is not of the form sha256:<hex>"
	}
	if !strings.EqualFold(hexPart, digest) {
		return false, "signature does not match content digest"
	}
	return true, ""
}

// Approve implements spec.md §4.7's approve(skill_id, note?).
func (r *Registry) Approve(ctx context.Context, skillID, note string) (*Skill, error) {
	skill, err := r.get(ctx, skillID)
	if err != nil {
		return nil, err
	}
	if skill.Decision == DecisionBlock {
		return nil, ErrBlockedCannotApprove
	}
	skill.ApprovedByOperator = true
	skill.Active = true
	skill.UpdatedAt = time.Now()
	if err := r.upsert(ctx, skill); err != nil {
		return nil, err
	}
	if err := r.appendScan(ctx, ScanRecord{SkillID: skillID, Decision: skill.Decision, PolicyReasons: skill.PolicyReasons, Note: note, ScannedAt: skill.UpdatedAt}); err != nil {
		return nil, err
	}
	return skill, nil
}

// Revoke implements spec.md §4.7's revoke(skill_id, note?).
func (r *Registry) Revoke(ctx context.Context, skillID, note string) (*Skill, error) {
	skill, err := r.get(ctx, skillID)
	if err != nil {
		return nil, err
	}
	skill.Active = false
	skill.ApprovedByOperator = false
	skill.UpdatedAt = time.Now()
	if err := r.upsert(ctx, skill); err != nil {
		return nil, err
	}
	if err := r.appendScan(ctx, ScanRecord{SkillID: skillID, Decision: skill.Decision, PolicyReasons: skill.PolicyReasons, Note: note, ScannedAt: skill.UpdatedAt}); err != nil {
		return nil, err
	}
	return skill, nil
}

// Rescan implements spec.md §4.7's rescan(skill_id): re-evaluate with the
// skill's current fields, clearing operator approval if the new decision
// is Block.
func (r *Registry) Rescan(ctx context.Context, skillID string) (*Skill, error) {
	skill, err := r.get(ctx, skillID)
	if err != nil {
		return nil, err
	}

	decision, reasons := evaluate(Input{
		Name:        skill.Name,
		Description: skill.Description,
		Source:      skill.Source,
		Content:     skill.Content,
		Signature:   skill.Signature,
	}, skill.DigestSHA256, r.Policy)

	skill.Decision = decision
	skill.PolicyReasons = reasons
	if decision == DecisionBlock {
		skill.ApprovedByOperator = false
	}
	skill.Active = isActive(decision, skill.ApprovedByOperator)
	skill.ScanCount++
	now := time.Now()
	skill.LastScanAt = now
	skill.UpdatedAt = now

	if err := r.upsert(ctx, skill); err != nil {
		return nil, err
	}
	if err := r.appendScan(ctx, ScanRecord{SkillID: skillID, Decision: decision, PolicyReasons: reasons, ScannedAt: now}); err != nil {
		return nil, err
	}
	return skill, nil
}

func (r *Registry) get(ctx context.Context, skillID string) (*Skill, error) {
	row := r.Store.QueryRow(ctx, `
		SELECT skill_id, name, description, source, content, signature, digest_sha256, decision, policy_reasons, active, approved_by_operator, scan_count, last_scan_at, created_at, updated_at
		FROM opencraw_skills WHERE skill_id = ?
	`, skillID)

	var (
		s                          Skill
		source, content, signature *string
		decision                   string
		policyReasons              string
		active, approvedByOperator int
		lastScanAt                 int64
		createdAt, updatedAt       int64
	)
	if err := row.Scan(&s.SkillID, &s.Name, &s.Description, &source, &content, &signature, &s.DigestSHA256,
		&decision, &policyReasons, &active, &approvedByOperator, &s.ScanCount, &lastScanAt, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("skills: get %s: %w", skillID, err)
	}

	if source != nil {
		s.Source = *source
	}
	if content != nil {
		s.Content = *content
	}
	if signature != nil {
		s.Signature = *signature
	}
	s.Decision = Decision(decision)
	s.PolicyReasons = splitReasons(policyReasons)
	s.Active = active != 0
	s.ApprovedByOperator = approvedByOperator != 0
	s.LastScanAt = time.Unix(lastScanAt, 0)
	s.CreatedAt = time.Unix(createdAt, 0)
	s.UpdatedAt = time.Unix(updatedAt, 0)
	return &s, nil
}

func (r *Registry) upsert(ctx context.Context, s *Skill) error {
	return store.RetryWrite(ctx, 100*millisecond, "upsert_skill", func(ctx context.Context) error {
		_, err := r.Store.Execute(ctx, `
			INSERT INTO opencraw_skills
				(skill_id, name, description, source, content, signature, digest_sha256, decision, policy_reasons, active, approved_by_operator, scan_count, last_scan_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(skill_id) DO UPDATE SET
				name=excluded.name, description=excluded.description, source=excluded.source, content=excluded.content,
				signature=excluded.signature, digest_sha256=excluded.digest_sha256, decision=excluded.decision,
				policy_reasons=excluded.policy_reasons, active=excluded.active, approved_by_operator=excluded.approved_by_operator,
				scan_count=excluded.scan_count, last_scan_at=excluded.last_scan_at, updated_at=excluded.updated_at
		`, s.SkillID, s.Name, s.Description, nullable(s.Source), nullable(s.Content), nullable(s.Signature),
			s.DigestSHA256, string(s.Decision), joinReasons(s.PolicyReasons), boolToInt(s.Active), boolToInt(s.ApprovedByOperator),
			s.ScanCount, s.LastScanAt.Unix(), s.CreatedAt.Unix(), s.UpdatedAt.Unix())
		if err != nil {
			return fmt.Errorf("sqlite execute: %w", err)
		}
		return nil
	})
}

func (r *Registry) appendScan(ctx context.Context, rec ScanRecord) error {
	return store.RetryWrite(ctx, 100*millisecond, "append_skill_scan", func(ctx context.Context) error {
		_, err := r.Store.Execute(ctx, `
			INSERT INTO opencraw_skill_scans (skill_id, decision, policy_reasons, note, scanned_at)
			VALUES (?, ?, ?, ?, ?)
		`, rec.SkillID, string(rec.Decision), joinReasons(rec.PolicyReasons), nullable(rec.Note), rec.ScannedAt.Unix())
		if err != nil {
			return fmt.Errorf("sqlite execute: %w", err)
		}
		return nil
	})
}

const millisecond = time.Millisecond

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func joinReasons(reasons []string) string {
	return strings.Join(reasons, "\x1f")
}

func splitReasons(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\x1f")
}
