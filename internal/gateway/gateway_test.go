package gateway_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"assistantgw/internal/approval"
	"assistantgw/internal/assistant"
	"assistantgw/internal/config"
	"assistantgw/internal/gateway"
	"assistantgw/internal/pairing"
	"assistantgw/internal/session"
	"assistantgw/internal/store"
	"assistantgw/internal/transport"
)

type fakeChannel struct {
	mu       sync.Mutex
	sent     []transport.OutboundMessage
	deltas   []string
	typingOn int
}

func (f *fakeChannel) ID() string { return "fake" }
func (f *fakeChannel) Start(ctx context.Context, inbound chan<- transport.InboundEvent) error {
	return nil
}
func (f *fakeChannel) Send(ctx context.Context, recipientID string, msg transport.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}
func (f *fakeChannel) SendDelta(ctx context.Context, recipientID string, delta string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas = append(f.deltas, delta)
	return nil
}
func (f *fakeChannel) SendTyping(ctx context.Context, recipientID string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if on {
		f.typingOn++
	}
	return nil
}
func (f *fakeChannel) SupportsStreamingDeltas() bool { return false }
func (f *fakeChannel) SupportsTypingEvents() bool    { return false }
func (f *fakeChannel) SupportsReactions() bool       { return false }

func (f *fakeChannel) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1].Content
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type stubRunner struct {
	mu      sync.Mutex
	calls   int
	content string
	err     error
}

func (s *stubRunner) Run(ctx context.Context, req assistant.Request, userContent string) (assistant.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return assistant.Result{}, s.err
	}
	return assistant.Result{Content: s.content}, nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), "org", "proj", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestMux(t *testing.T, mode config.QueueMode, runner *stubRunner, channel *fakeChannel) (*gateway.Multiplexer, context.CancelFunc) {
	t.Helper()
	st := openTestStore(t)
	gate := approval.NewGate(st, approval.Config{HumanApprovalTimeoutSeconds: 1})
	pairingRT := pairing.NewRuntime()
	pairingRT.Configure("fake", pairing.ChannelPolicy{Mode: pairing.ModeOpen})

	mux := gateway.NewMultiplexer(
		config.QueueConfig{Mode: mode, MaxConcurrency: 4, LaneBuffer: 16, DebounceMs: 0},
		map[string]transport.Channel{"fake": channel},
		session.NewManager(""),
		gate,
		pairingRT,
		runner,
		"org", "proj",
	)

	ctx, cancel := context.WithCancel(context.Background())
	mux.Start(ctx)
	return mux, cancel
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.FailNow(t, "condition not met before timeout")
}

func TestDispatchRunsAssistantAndRepliesToSender(t *testing.T) {
	channel := &fakeChannel{}
	runner := &stubRunner{content: "hello there"}
	mux, cancel := newTestMux(t, config.QueueFollowup, runner, channel)
	defer cancel()

	mux.Dispatch(context.Background(), transport.InboundEvent{
		ChannelID: "fake", SenderID: "alice", Kind: transport.KindMessage, Content: "hi",
	})

	waitFor(t, time.Second, func() bool { return channel.count() == 1 })
	require.Equal(t, "hello there", channel.lastText())
}

func TestNukeRepliesWithCounts(t *testing.T) {
	channel := &fakeChannel{}
	runner := &stubRunner{content: "unused"}
	mux, cancel := newTestMux(t, config.QueueFollowup, runner, channel)
	defer cancel()

	mux.Dispatch(context.Background(), transport.InboundEvent{
		ChannelID: "fake", SenderID: "bob", Kind: transport.KindMessage, Content: "/nuke",
	})

	waitFor(t, time.Second, func() bool { return channel.count() == 1 })
	require.Contains(t, channel.lastText(), "session_removed=true")
	require.Equal(t, 0, runner.calls)
}

func TestHelpAndStatusDoNotInvokeAssistant(t *testing.T) {
	channel := &fakeChannel{}
	runner := &stubRunner{content: "unused"}
	mux, cancel := newTestMux(t, config.QueueFollowup, runner, channel)
	defer cancel()

	mux.Dispatch(context.Background(), transport.InboundEvent{
		ChannelID: "fake", SenderID: "carol", Kind: transport.KindMessage, Content: "/help",
	})
	waitFor(t, time.Second, func() bool { return channel.count() == 1 })
	require.Contains(t, channel.lastText(), "Commands:")

	mux.Dispatch(context.Background(), transport.InboundEvent{
		ChannelID: "fake", SenderID: "carol", Kind: transport.KindMessage, Content: "/status",
	})
	waitFor(t, time.Second, func() bool { return channel.count() == 2 })
	require.Contains(t, channel.lastText(), "queue_mode=followup")
	require.Equal(t, 0, runner.calls)
}

func TestApproveCommandWithNoPendingProposalRepliesNotFound(t *testing.T) {
	channel := &fakeChannel{}
	runner := &stubRunner{content: "unused"}
	mux, cancel := newTestMux(t, config.QueueFollowup, runner, channel)
	defer cancel()

	mux.Dispatch(context.Background(), transport.InboundEvent{
		ChannelID: "fake", SenderID: "dave", Kind: transport.KindMessage, Content: "/approve",
	})

	waitFor(t, time.Second, func() bool { return channel.count() == 1 })
	require.Contains(t, channel.lastText(), "No pending approval")
	require.Equal(t, 0, runner.calls)
}
