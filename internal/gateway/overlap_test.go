package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"

	"assistantgw/internal/config"
	"assistantgw/internal/transport"
)

func ev(content string) transport.InboundEvent {
	return transport.InboundEvent{Content: content, Kind: transport.KindMessage}
}

func TestApplyOverlapPolicyFollowupQueuesRest(t *testing.T) {
	var pushback []transport.InboundEvent
	batch := []transport.InboundEvent{ev("a"), ev("b"), ev("c")}

	resolved, tag := applyOverlapPolicy(config.QueueFollowup, batch, &pushback)

	require.Equal(t, "a", resolved.Content)
	require.Equal(t, "", tag)
	require.Equal(t, []transport.InboundEvent{ev("b"), ev("c")}, pushback)
}

func TestApplyOverlapPolicyCollectMergesAllContent(t *testing.T) {
	var pushback []transport.InboundEvent
	batch := []transport.InboundEvent{ev("  a  "), ev("b\n"), ev("\tc")}

	resolved, tag := applyOverlapPolicy(config.QueueCollect, batch, &pushback)

	require.Equal(t, "a\nb\nc", resolved.Content)
	require.Equal(t, "queue_collected_messages", tag)
	require.Equal(t, 3, resolved.Metadata["queue_collected_messages"])
	require.Empty(t, pushback)
}

func TestApplyOverlapPolicySteerKeepsOnlyLast(t *testing.T) {
	var pushback []transport.InboundEvent
	batch := []transport.InboundEvent{ev("a"), ev("b"), ev("c")}

	resolved, tag := applyOverlapPolicy(config.QueueSteer, batch, &pushback)

	require.Equal(t, "c", resolved.Content)
	require.Equal(t, "queue_dropped_messages", tag)
	require.Equal(t, 2, resolved.Metadata["queue_dropped_messages"])
	require.Empty(t, pushback)
}

func TestApplyOverlapPolicySingleEventIsUntagged(t *testing.T) {
	var pushback []transport.InboundEvent
	batch := []transport.InboundEvent{ev("solo")}

	resolved, tag := applyOverlapPolicy(config.QueueCollect, batch, &pushback)

	require.Equal(t, "solo", resolved.Content)
	require.Equal(t, "", tag)
}

func TestParseApprovalCommand(t *testing.T) {
	cases := []struct {
		content string
		approve bool
		id      string
		reason  string
		ok      bool
	}{
		{"/approve", true, "", "", true},
		{"/approve-action abc-123", true, "abc-123", "", true},
		{"/deny", false, "", "", true},
		{"/deny too risky", false, "", "too risky", true},
		{"/deny-action abc-123 too risky", false, "abc-123", "too risky", true},
		{"/deny-action", false, "", "", false},
		{"hello there", false, "", "", false},
	}
	for _, c := range cases {
		approve, id, reason, ok := parseApprovalCommand(c.content)
		require.Equal(t, c.ok, ok, c.content)
		if !ok {
			continue
		}
		require.Equal(t, c.approve, approve, c.content)
		require.Equal(t, c.id, id, c.content)
		require.Equal(t, c.reason, reason, c.content)
	}
}
