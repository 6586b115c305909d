package approval

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"assistantgw/internal/store"
	"assistantgw/internal/tool"
)

func (g *Gate) upsertReviewPolicy(ctx context.Context, p ReviewPolicy, notifier store.BackoffNotifier) error {
	return store.RetryWriteWithBackoffNotice(ctx, g.RetryBase, "upsert_review_policy", notifier, func(ctx context.Context) error {
		_, err := g.Store.Execute(ctx, `
			INSERT INTO opencraw_review_policies (action_type, risk_level, review_mode, ttl_seconds)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(action_type) DO UPDATE SET risk_level=excluded.risk_level, review_mode=excluded.review_mode, ttl_seconds=excluded.ttl_seconds
		`, p.ActionType, string(p.RiskLevel), string(p.ReviewMode), p.TTLSeconds)
		if err != nil {
			return fmt.Errorf("sqlite execute: %w", err)
		}
		return nil
	})
}

func (g *Gate) insertProposal(ctx context.Context, p *ActionProposal, notifier store.BackoffNotifier) error {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("approval: marshal payload: %w", err)
	}
	proposalCtx, err := json.Marshal(p.Context)
	if err != nil {
		return fmt.Errorf("approval: marshal context: %w", err)
	}

	return store.RetryWriteWithBackoffNotice(ctx, g.RetryBase, "insert_proposal", notifier, func(ctx context.Context) error {
		_, err := g.Store.Execute(ctx, `
			INSERT INTO horizons_action_proposals
				(id, org_id, project_id, actor, action_type, payload, risk_level, idempotency_key, context, created_at, ttl_seconds, status, approver, reason, resolved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, p.ID, p.OrgID, p.ProjectID, p.Actor, p.ActionType, string(payload), string(p.RiskLevel),
			nullableString(p.IdempotencyKey), string(proposalCtx), p.CreatedAt.Unix(), p.TTLSeconds, string(p.Status),
			nullableString(p.Approver), nullableString(p.Reason), nil)
		if err != nil {
			return fmt.Errorf("sqlite execute: %w", err)
		}
		return nil
	})
}

// GetProposal reads one proposal by id. sql.ErrNoRows is wrapped into a
// descriptive error.
func (g *Gate) GetProposal(ctx context.Context, id string) (ActionProposal, error) {
	row := g.Store.QueryRow(ctx, `
		SELECT id, org_id, project_id, actor, action_type, payload, risk_level, idempotency_key, context, created_at, ttl_seconds, status, approver, reason, resolved_at
		FROM horizons_action_proposals WHERE id = ?
	`, id)

	var (
		p                                     ActionProposal
		payload, proposalCtx                  string
		idempotencyKey, approver, reason      sql.NullString
		resolvedAt                            sql.NullInt64
		createdAt                             int64
		riskLevel, status                     string
	)
	if err := row.Scan(&p.ID, &p.OrgID, &p.ProjectID, &p.Actor, &p.ActionType, &payload, &riskLevel,
		&idempotencyKey, &proposalCtx, &createdAt, &p.TTLSeconds, &status, &approver, &reason, &resolvedAt); err != nil {
		return ActionProposal{}, fmt.Errorf("approval: get proposal %s: %w", id, err)
	}

	p.RiskLevel = tool.RiskLevel(riskLevel)
	p.Status = Status(status)
	p.IdempotencyKey = idempotencyKey.String
	p.Approver = approver.String
	p.Reason = reason.String
	p.CreatedAt = time.Unix(createdAt, 0)
	if resolvedAt.Valid {
		t := time.Unix(resolvedAt.Int64, 0)
		p.ResolvedAt = &t
	}
	_ = json.Unmarshal([]byte(payload), &p.Payload)
	_ = json.Unmarshal([]byte(proposalCtx), &p.Context)

	return p, nil
}

// transition moves a Proposed proposal to newStatus, refusing if it's no
// longer Proposed (an illegal transition is reported with the current
// status per spec.md §9).
func (g *Gate) transition(ctx context.Context, id string, newStatus Status, approver, reason string, notifier store.BackoffNotifier) error {
	return store.RetryWriteWithBackoffNotice(ctx, g.RetryBase, "resolve_proposal", notifier, func(ctx context.Context) error {
		res, err := g.Store.Execute(ctx, `
			UPDATE horizons_action_proposals
			SET status = ?, approver = ?, reason = ?, resolved_at = ?
			WHERE id = ? AND status = ?
		`, string(newStatus), nullableString(approver), nullableString(reason), time.Now().Unix(), id, string(StatusProposed))
		if err != nil {
			return fmt.Errorf("sqlite execute: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("sqlite execute: %w", err)
		}
		if n == 0 {
			current, gerr := g.GetProposal(ctx, id)
			if gerr != nil {
				return ErrAlreadyResolved
			}
			return fmt.Errorf("%w (current status: %s)", ErrAlreadyResolved, current.Status)
		}
		return nil
	})
}

func (g *Gate) ApproveProposal(ctx context.Context, id, approver, reason string, notifier store.BackoffNotifier) error {
	return g.transition(ctx, id, StatusApproved, approver, reason, notifier)
}

func (g *Gate) DenyProposal(ctx context.Context, id, approver, reason string, notifier store.BackoffNotifier) error {
	return g.transition(ctx, id, StatusDenied, approver, reason, notifier)
}

func (g *Gate) MarkExecuted(ctx context.Context, id string, notifier store.BackoffNotifier) error {
	return store.RetryWriteWithBackoffNotice(ctx, g.RetryBase, "mark_executed", notifier, func(ctx context.Context) error {
		_, err := g.Store.Execute(ctx, `UPDATE horizons_action_proposals SET status = ? WHERE id = ? AND status = ?`,
			string(StatusExecuted), id, string(StatusApproved))
		if err != nil {
			return fmt.Errorf("sqlite execute: %w", err)
		}
		return nil
	})
}

// DenyAllForLane denies every Proposed proposal whose context matches
// (channelID, senderID), used by /nuke (spec.md §4.2 nuke semantics).
// Returns the number of proposals denied.
func (g *Gate) DenyAllForLane(ctx context.Context, channelID, senderID, reason string) (int, error) {
	rows, err := g.Store.Query(ctx, `
		SELECT id, context FROM horizons_action_proposals WHERE status = ?
	`, string(StatusProposed))
	if err != nil {
		return 0, fmt.Errorf("approval: query proposed proposals: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id, ctxJSON string
		if err := rows.Scan(&id, &ctxJSON); err != nil {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(ctxJSON), &m); err != nil {
			continue
		}
		ch, _ := m[CtxApprovalChannel].(string)
		sd, _ := m[CtxApprovalSender].(string)
		if ch == channelID && sd == senderID {
			ids = append(ids, id)
		}
	}

	denied := 0
	for _, id := range ids {
		if err := g.DenyProposal(ctx, id, "system:nuke", reason, nil); err == nil {
			denied++
		}
	}
	return denied, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
