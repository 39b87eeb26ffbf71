package store

import (
	"context"
	"sort"
	"sync"

	"github.com/agentdesk/conductor/pkg/approval"
)

// Memory is the default store. Everything lives in process memory and is
// lost on restart.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]SessionRecord
	rules    []approval.Rule
	settings map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]SessionRecord),
		settings: make(map[string]string),
	}
}

func (m *Memory) SaveSession(_ context.Context, rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[rec.ID] = rec
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[id]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return rec, nil
}

// ListSessions returns summaries newest first.
func (m *Memory) ListSessions(_ context.Context) ([]SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionSummary, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, summarize(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *Memory) LoadRules(_ context.Context) ([]approval.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]approval.Rule(nil), m.rules...), nil
}

// SaveRule upserts by pattern: a new decision for the same pattern replaces
// the old one.
func (m *Memory) SaveRule(_ context.Context, rule approval.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.rules {
		if r.Pattern == rule.Pattern && r.SessionID == rule.SessionID {
			m.rules[i] = rule
			return nil
		}
	}
	m.rules = append(m.rules, rule)
	return nil
}

func (m *Memory) GetSetting(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.settings[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) SetSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

func (m *Memory) Close() error { return nil }
