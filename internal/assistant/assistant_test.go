package assistant_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"assistantgw/internal/approval"
	"assistantgw/internal/assistant"
	"assistantgw/internal/config"
	"assistantgw/internal/llm"
	"assistantgw/internal/llm/llmtest"
	"assistantgw/internal/memory"
	"assistantgw/internal/session"
	"assistantgw/internal/store"
	"assistantgw/internal/tool"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), "org", "proj", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newLoop(t *testing.T, script []llmtest.Turn) (*assistant.Loop, *llmtest.Fake) {
	t.Helper()
	fake := &llmtest.Fake{Script: script}
	failover := &llm.FailoverClient{
		Profiles: []*llm.Profile{{Name: "primary", Provider: "fake", Model: "fake-1", Client: fake}},
		Config:   llm.FailoverConfig{CooldownBase: 0, CooldownMax: 0},
	}
	st := openTestStore(t)
	gate := approval.NewGate(st, approval.Config{HumanApprovalTimeoutSeconds: 1})

	return &assistant.Loop{
		Tools:            tool.NewRegistry(),
		Validator:        tool.NewValidator(),
		Memory:           memory.NewInMemory(),
		Approval:         gate,
		Failover:         failover,
		SystemPromptBase: "You are a helpful assistant.",
		Context: config.ContextConfig{
			CompactionEnabled:        true,
			CompactionTriggerTokens:  10_000,
			CompactionRetainMessages: 10,
			CompactionHorizon:        "24h",
			CompactionFlushMaxChars:  20_000,
			MaxPromptTokens:          8_000,
			MinRecentMessages:        4,
			MaxToolChars:             4_000,
			ToolLoopsMax:             5,
			ToolMaxRuntimeSeconds:    60,
			ToolNoProgressLimit:      3,
		},
	}, fake
}

func TestRunReturnsPlainAssistantContent(t *testing.T) {
	loop, _ := newLoop(t, []llmtest.Turn{{Content: "hi there"}})
	sess := session.New(session.Key{ChannelID: "webchat", SenderID: "u1"})

	result, err := loop.Run(context.Background(), assistant.Request{
		OrgID: "org", ProjectID: "proj", ChannelID: "webchat", SenderID: "u1", MessageID: "m1",
		Session: sess,
	}, "hello")

	require.NoError(t, err)
	require.Equal(t, "hi there", result.Content)
	require.False(t, result.Interrupted)
}

func TestRunTripsToolLoopBreaker(t *testing.T) {
	loop, _ := newLoop(t, []llmtest.Turn{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "memory_search", Arguments: `{"query":"x"}`}}},
	})
	loop.Context.ToolLoopsMax = 2
	sess := session.New(session.Key{ChannelID: "webchat", SenderID: "u2"})

	result, err := loop.Run(context.Background(), assistant.Request{
		OrgID: "org", ProjectID: "proj", ChannelID: "webchat", SenderID: "u2", MessageID: "m1",
		Session: sess,
	}, "keep searching forever")

	require.NoError(t, err)
	require.Contains(t, result.Content, "tool loop count")
}

func TestRunNoProfilesReturnsConfigurationError(t *testing.T) {
	loop, _ := newLoop(t, nil)
	loop.Failover = &llm.FailoverClient{}
	sess := session.New(session.Key{ChannelID: "webchat", SenderID: "u3"})

	_, err := loop.Run(context.Background(), assistant.Request{
		OrgID: "org", ProjectID: "proj", ChannelID: "webchat", SenderID: "u3", MessageID: "m1",
		Session: sess,
	}, "hello")

	require.ErrorIs(t, err, assistant.ErrNoProfiles)
}

func TestRunDispatchesMemorySearchTool(t *testing.T) {
	loop, _ := newLoop(t, []llmtest.Turn{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "memory_search", Arguments: `{"query":"prior"}`}}},
		{Content: "found it"},
	})
	sess := session.New(session.Key{ChannelID: "webchat", SenderID: "u4"})
	require.NoError(t, loop.Memory.AppendItem(context.Background(), "org", memory.Item{
		Kind: "observation", ChannelID: "webchat", SenderID: "u4", Content: "prior conversation about billing", Importance: 0.5,
	}))

	result, err := loop.Run(context.Background(), assistant.Request{
		OrgID: "org", ProjectID: "proj", ChannelID: "webchat", SenderID: "u4", MessageID: "m1",
		Session: sess,
	}, "what did we discuss?")

	require.NoError(t, err)
	require.Equal(t, "found it", result.Content)
	history := sess.Snapshot()
	found := false
	for _, m := range history {
		if m.Role == llm.RoleTool && m.ToolCallID == "c1" {
			found = true
			require.Contains(t, m.Content, "billing")
		}
	}
	require.True(t, found)
}
