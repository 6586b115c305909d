package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"assistantgw/internal/llm"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// wireSession is the on-disk shape of a Session — a copyable, mutex-free
// mirror of its exported fields.
type wireSession struct {
	ChannelID   string
	SenderID    string
	ThreadID    string
	History     []llm.Message
	UsageTotals llm.Usage

	ModelOverride string
	ModelPinning  llm.PinningMode

	LastUserMessageID      string
	LastAssistantMessageID string
	LastActive             time.Time
}

// Manager owns the in-memory session map and persists each session to its
// own JSON file under dataDir, grounded in the teacher's
// llm.SessionManager (data/sessions/<key>.json per conversation).
type Manager struct {
	mu       sync.RWMutex
	sessions map[Key]*Session
	dataDir  string
}

func NewManager(dataDir string) *Manager {
	return &Manager{
		sessions: make(map[Key]*Session),
		dataDir:  dataDir,
	}
}

// GetOrCreate returns the session for key, creating and loading it from
// disk if this is the first time it's seen in this process.
func (m *Manager) GetOrCreate(key Key) *Session {
	m.mu.RLock()
	s, ok := m.sessions[key]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		return s
	}
	s = m.loadOrNew(key)
	m.sessions[key] = s
	return s
}

// Persist serializes a session's current state to disk. Callers invoke it
// after every mutation, per spec.md §3 ("persisted on every mutation").
func (m *Manager) Persist(s *Session) error {
	if m.dataDir == "" {
		return nil
	}
	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return fmt.Errorf("session: create data dir: %w", err)
	}

	s.mu.Lock()
	snapshot := wireSession{
		ChannelID:              s.ChannelID,
		SenderID:               s.SenderID,
		ThreadID:               s.ThreadID,
		History:                append([]llm.Message(nil), s.History...),
		UsageTotals:            s.UsageTotals,
		ModelOverride:          s.ModelOverride,
		ModelPinning:           s.ModelPinning,
		LastUserMessageID:      s.LastUserMessageID,
		LastAssistantMessageID: s.LastAssistantMessageID,
		LastActive:             s.LastActive,
	}
	s.mu.Unlock()

	b, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}
	path := m.path(Key{ChannelID: s.ChannelID, SenderID: s.SenderID})
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("session: write %s: %w", path, err)
	}
	return nil
}

// Delete removes a session from memory and disk, used by /nuke.
func (m *Manager) Delete(key Key) error {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()

	if m.dataDir == "" {
		return nil
	}
	path := m.path(key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("session: delete %s: %w", path, err)
	}
	return nil
}

func (m *Manager) loadOrNew(key Key) *Session {
	if m.dataDir != "" {
		if b, err := os.ReadFile(m.path(key)); err == nil {
			var w wireSession
			if err := json.Unmarshal(b, &w); err == nil {
				return &Session{
					ChannelID:              w.ChannelID,
					SenderID:               w.SenderID,
					ThreadID:               w.ThreadID,
					History:                w.History,
					UsageTotals:            w.UsageTotals,
					ModelOverride:          w.ModelOverride,
					ModelPinning:           w.ModelPinning,
					LastUserMessageID:      w.LastUserMessageID,
					LastAssistantMessageID: w.LastAssistantMessageID,
					LastActive:             w.LastActive,
				}
			}
		}
	}
	return New(key)
}

func (m *Manager) path(key Key) string {
	name := fmt.Sprintf("%s__%s.json", sanitize(key.ChannelID), sanitize(key.SenderID))
	return filepath.Join(m.dataDir, name)
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
