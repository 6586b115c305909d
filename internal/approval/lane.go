package approval

import (
	"context"
	"fmt"
)

// LatestProposalForLane finds the most recently created Proposed proposal
// whose context matches (channelID, senderID), used to resolve a bare
// "/approve" or "/deny" (no explicit proposal id) to a concrete proposal
// (spec.md §6 "resolve latest ... action proposal in this lane's context").
func (g *Gate) LatestProposalForLane(ctx context.Context, channelID, senderID string) (*ActionProposal, error) {
	rows, err := g.Store.Query(ctx, `
		SELECT id, context, created_at FROM horizons_action_proposals
		WHERE status = ?
		ORDER BY created_at DESC
	`, string(StatusProposed))
	if err != nil {
		return nil, fmt.Errorf("approval: query proposed proposals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, ctxJSON string
		var createdAt int64
		if err := rows.Scan(&id, &ctxJSON, &createdAt); err != nil {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(ctxJSON), &m); err != nil {
			continue
		}
		ch, _ := m[CtxApprovalChannel].(string)
		sd, _ := m[CtxApprovalSender].(string)
		if ch == channelID && sd == senderID {
			p, err := g.GetProposal(ctx, id)
			if err != nil {
				return nil, err
			}
			return &p, nil
		}
	}
	return nil, fmt.Errorf("approval: no pending proposal found for this conversation")
}
