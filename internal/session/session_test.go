package session_test

import (
	"testing"

	"assistantgw/internal/llm"
	"assistantgw/internal/session"
	"github.com/stretchr/testify/require"
)

func TestManager_GetOrCreateAndPersist(t *testing.T) {
	dir := t.TempDir()
	mgr := session.NewManager(dir)
	key := session.Key{ChannelID: "telegram", SenderID: "123"}

	s := mgr.GetOrCreate(key)
	s.AppendUser("m1", "hello")
	s.AppendAssistant("m2", llm.Message{Content: "hi there"})
	require.NoError(t, mgr.Persist(s))

	mgr2 := session.NewManager(dir)
	reloaded := mgr2.GetOrCreate(key)
	history := reloaded.Snapshot()
	require.Len(t, history, 2)
	require.Equal(t, llm.RoleUser, history[0].Role)
	require.Equal(t, "hello", history[0].Content)
	require.Equal(t, llm.RoleAssistant, history[1].Role)
	require.Equal(t, "hi there", history[1].Content)
}

func TestManager_Delete(t *testing.T) {
	dir := t.TempDir()
	mgr := session.NewManager(dir)
	key := session.Key{ChannelID: "web", SenderID: "abc"}

	s := mgr.GetOrCreate(key)
	s.AppendUser("m1", "hi")
	require.NoError(t, mgr.Persist(s))
	require.NoError(t, mgr.Delete(key))

	fresh := mgr.GetOrCreate(key)
	require.Empty(t, fresh.Snapshot())
}
