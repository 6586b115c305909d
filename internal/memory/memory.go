// Package memory defines the external memory/evaluation collaborator
// contract (spec.md §6) and an in-memory reference implementation used for
// tests and standalone operation — real backends (the teacher calls these
// "Horizons memory/evaluation backends") are excluded per §1's Non-goals.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Item is one stored memory entry. Fields carries the kind-specific extras
// spec.md calls out (message_count, token_estimate for a
// pre_compaction_flush item; user/assistant for an observation item)
// without forcing every caller through a rigid schema.
type Item struct {
	Kind       string
	ChannelID  string
	SenderID   string
	Content    string
	Importance float64
	Fields     map[string]any
	CreatedAt  time.Time
}

// Memory is the external collaborator contract: retrieve relevant items,
// append new ones, and summarize a horizon into text.
type Memory interface {
	Retrieve(ctx context.Context, org, agentScope, query string, limit int) ([]Item, error)
	AppendItem(ctx context.Context, org string, item Item) error
	Summarize(ctx context.Context, org, agentScope, horizon string) (string, error)
}

// InMemory is a process-local Memory implementation: good enough to
// exercise compaction and the memory_search/memory_summarize tools in
// tests and single-node operation.
type InMemory struct {
	mu    sync.RWMutex
	items map[string][]Item // keyed by org+"\x00"+agentScope
}

func NewInMemory() *InMemory {
	return &InMemory{items: make(map[string][]Item)}
}

func scopeKey(org, agentScope string) string {
	return org + "\x00" + agentScope
}

// AgentScope derives the memory scope string the assistant loop uses,
// "os.assistant.{channel_id}.{sender_id}" (spec.md §4.3 step 2).
func AgentScope(channelID, senderID string) string {
	return fmt.Sprintf("os.assistant.%s.%s", channelID, senderID)
}

func (m *InMemory) AppendItem(_ context.Context, org string, item Item) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	agentScope, _ := item.Fields["agent_scope"].(string)
	if agentScope == "" {
		agentScope = AgentScope(item.ChannelID, item.SenderID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := scopeKey(org, agentScope)
	m.items[key] = append(m.items[key], item)
	return nil
}

func (m *InMemory) Retrieve(_ context.Context, org, agentScope, query string, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 5
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.items[scopeKey(org, agentScope)]
	query = strings.ToLower(strings.TrimSpace(query))

	matches := make([]Item, 0, len(all))
	for _, it := range all {
		if query == "" || strings.Contains(strings.ToLower(it.Content), query) {
			matches = append(matches, it)
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Importance != matches[j].Importance {
			return matches[i].Importance > matches[j].Importance
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (m *InMemory) Summarize(_ context.Context, org, agentScope, horizon string) (string, error) {
	m.mu.RLock()
	items := append([]Item(nil), m.items[scopeKey(org, agentScope)]...)
	m.mu.RUnlock()

	if len(items) == 0 {
		return fmt.Sprintf("No memory recorded yet for horizon %q.", horizon), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Summary over horizon %q (%d items):\n", horizon, len(items))
	for _, it := range items {
		fmt.Fprintf(&b, "- [%s] %s\n", it.Kind, truncate(it.Content, 200))
	}
	return b.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
