package pairing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateSenderCreatesPendingRequestThenApprove(t *testing.T) {
	r := NewRuntime()
	r.Configure("telegram", ChannelPolicy{Mode: ModePairing})

	d := r.EvaluateSender("telegram", "123")
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonPendingCreated, d.Reason)
	require.NotNil(t, d.Request)
	assert.Len(t, d.Request.Code, 8)
	for _, r := range d.Request.Code {
		assert.Contains(t, pairingAlphabetForTest, r)
	}

	// a second evaluation for the same sender finds the existing pending
	// request rather than minting a new one.
	d2 := r.EvaluateSender("telegram", "123")
	assert.Equal(t, ReasonPendingRequired, d2.Reason)
	assert.Equal(t, d.Request.Code, d2.Request.Code)

	_, err := r.ApproveRequest("telegram", d.Request.Code)
	require.NoError(t, err)
	assert.True(t, r.IsAllowed("telegram", "123"))

	d3 := r.EvaluateSender("telegram", "123")
	assert.True(t, d3.Allowed)
}

func TestWebchatAlwaysAllowed(t *testing.T) {
	r := NewRuntime()
	d := r.EvaluateSender("webchat", "anyone")
	assert.True(t, d.Allowed)
}

func TestOpenModeAllowsAnySender(t *testing.T) {
	r := NewRuntime()
	r.Configure("web", ChannelPolicy{Mode: ModeOpen})
	assert.True(t, r.EvaluateSender("web", "stranger").Allowed)
}

func TestAllowlistMode(t *testing.T) {
	r := NewRuntime()
	r.Configure("email", ChannelPolicy{Mode: ModeAllowlist, Allowlist: map[string]bool{"friend@x.com": true}})
	assert.True(t, r.EvaluateSender("email", "friend@x.com").Allowed)
	assert.False(t, r.EvaluateSender("email", "stranger@x.com").Allowed)
}

func TestPendingCapReached(t *testing.T) {
	r := NewRuntime()
	r.Configure("telegram", ChannelPolicy{Mode: ModePairing, PendingCap: 1})
	d1 := r.EvaluateSender("telegram", "a")
	require.Equal(t, ReasonPendingCreated, d1.Reason)
	d2 := r.EvaluateSender("telegram", "b")
	assert.Equal(t, ReasonPendingCapReached, d2.Reason)
}

func TestRejectRequest(t *testing.T) {
	r := NewRuntime()
	r.Configure("telegram", ChannelPolicy{Mode: ModePairing})
	d := r.EvaluateSender("telegram", "a")
	req, err := r.RejectRequest("telegram", d.Request.Code, "no thanks")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, req.Status)
	assert.False(t, r.IsAllowed("telegram", "a"))
}

func TestResolveUnknownCodeReturnsNotFound(t *testing.T) {
	r := NewRuntime()
	_, err := r.ApproveRequest("telegram", "ZZZZZZZZ")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestInvalidIdentityDenied(t *testing.T) {
	r := NewRuntime()
	d := r.EvaluateSender("telegram", "")
	assert.Equal(t, ReasonInvalidIdentity, d.Reason)
}

const pairingAlphabetForTest = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"
