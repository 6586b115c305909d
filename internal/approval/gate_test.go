package approval_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"assistantgw/internal/approval"
	"assistantgw/internal/store"
	"assistantgw/internal/tool"
	"assistantgw/internal/transport"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(context.Background(), "org1", "proj1", path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

type fakeChannel struct {
	sent []transport.OutboundMessage
}

func (f *fakeChannel) ID() string { return "fake" }
func (f *fakeChannel) Start(ctx context.Context, inbound chan<- transport.InboundEvent) error {
	return nil
}
func (f *fakeChannel) Send(_ context.Context, _ string, msg transport.OutboundMessage) error {
	f.sent = append(f.sent, msg)
	return nil
}
func (f *fakeChannel) SendDelta(_ context.Context, _ string, _ string) error   { return nil }
func (f *fakeChannel) SendTyping(_ context.Context, _ string, _ bool) error    { return nil }
func (f *fakeChannel) SupportsStreamingDeltas() bool                          { return false }
func (f *fakeChannel) SupportsTypingEvents() bool                             { return false }
func (f *fakeChannel) SupportsReactions() bool                                { return false }

func TestGate_AutoModeApprovesWithoutProposal(t *testing.T) {
	st := openTestStore(t)
	gate := approval.NewGate(st, approval.Config{})

	approved, proposal, err := gate.Evaluate(context.Background(), approval.EvaluateRequest{
		ToolName: "shell.inspect",
		Risk:     tool.RiskHigh,
	})
	require.NoError(t, err)
	require.True(t, approved)
	require.Nil(t, proposal)
}

func TestGate_HumanModeCreatesProposalAndWaitsForApproval(t *testing.T) {
	st := openTestStore(t)
	gate := approval.NewGate(st, approval.Config{})
	gate.PollInterval = 10 * time.Millisecond
	ch := &fakeChannel{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var proposalID string
	done := make(chan struct{})
	go func() {
		defer close(done)
		approved, proposal, err := gate.Evaluate(ctx, approval.EvaluateRequest{
			ToolName:        "shell.background_start",
			Risk:            tool.RiskMedium,
			ChannelID:       "telegram",
			SenderID:        "42",
			PromptChannel:   ch,
			PromptRecipient: "42",
		})
		require.NoError(t, err)
		require.True(t, approved)
		proposalID = proposal.ID
	}()

	// Give Evaluate time to insert the proposal and start polling.
	time.Sleep(50 * time.Millisecond)
	rows, err := st.Query(context.Background(), `SELECT id FROM horizons_action_proposals WHERE status = 'proposed'`)
	require.NoError(t, err)
	var id string
	require.True(t, rows.Next())
	require.NoError(t, rows.Scan(&id))
	rows.Close()

	require.NoError(t, gate.ApproveProposal(context.Background(), id, "telegram:42", "looks fine", nil))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Evaluate did not return after approval")
	}
	require.Equal(t, id, proposalID)
	require.Len(t, ch.sent, 1)
}

func TestGate_ResolveOutOfBand_RejectsWrongLane(t *testing.T) {
	st := openTestStore(t)
	gate := approval.NewGate(st, approval.Config{HumanApprovalTimeoutSeconds: 1})
	gate.PollInterval = 10 * time.Millisecond

	// Nobody resolves the proposal in-band, so Evaluate times out and leaves
	// it Proposed for out-of-band resolution.
	_, proposal, err := gate.Evaluate(context.Background(), approval.EvaluateRequest{
		ToolName:  "shell.background_start",
		Risk:      tool.RiskMedium,
		ChannelID: "telegram",
		SenderID:  "42",
	})
	require.ErrorIs(t, err, approval.ErrApprovalTimeout)
	require.NotNil(t, proposal)

	reply := gate.ResolveOutOfBand(context.Background(), proposal.ID, "telegram", "99", "", true, "")
	require.Equal(t, "This approval does not belong to this conversation.", reply)
}
