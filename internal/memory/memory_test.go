package memory_test

import (
	"context"
	"testing"

	"assistantgw/internal/memory"
	"github.com/stretchr/testify/require"
)

func TestInMemory_AppendRetrieveSummarize(t *testing.T) {
	m := memory.NewInMemory()
	ctx := context.Background()
	scope := memory.AgentScope("telegram", "123")

	require.NoError(t, m.AppendItem(ctx, "org1", memory.Item{
		Kind:      "observation",
		ChannelID: "telegram",
		SenderID:  "123",
		Content:   "user asked about the weather",
		Importance: 0.3,
	}))
	require.NoError(t, m.AppendItem(ctx, "org1", memory.Item{
		Kind:      "pre_compaction_flush",
		ChannelID: "telegram",
		SenderID:  "123",
		Content:   "long archived transcript",
		Importance: 0.9,
	}))

	items, err := m.Retrieve(ctx, "org1", scope, "weather", 5)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "observation", items[0].Kind)

	all, err := m.Retrieve(ctx, "org1", scope, "", 1)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "pre_compaction_flush", all[0].Kind) // higher importance ranks first

	summary, err := m.Summarize(ctx, "org1", scope, "all-time")
	require.NoError(t, err)
	require.Contains(t, summary, "2 items")
}
