package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/conductor/pkg/agent"
	"github.com/agentdesk/conductor/pkg/approval"
	"github.com/agentdesk/conductor/pkg/phase"
	"github.com/agentdesk/conductor/pkg/session"
)

func sampleRecord(id string, created time.Time) SessionRecord {
	return SessionRecord{
		ID:        id,
		Driver:    session.DriverTeam,
		Prompt:    "add retries to the fetcher",
		Phase:     phase.Running,
		CreatedAt: created,
		Transcript: []agent.Message{
			{ID: "m1", SessionID: id, AuthorRole: agent.AuthorUser, Content: "go"},
		},
	}
}

func TestMemorySessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	rec := sampleRecord("s1", time.Now())
	require.NoError(t, m.SaveSession(ctx, rec))

	got, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, rec.Prompt, got.Prompt)
	require.Len(t, got.Transcript, 1)

	_, err = m.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryListNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Now()

	require.NoError(t, m.SaveSession(ctx, sampleRecord("old", base.Add(-time.Hour))))
	require.NoError(t, m.SaveSession(ctx, sampleRecord("new", base)))

	list, err := m.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, 1, list[0].MessageCount)
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.SaveSession(ctx, sampleRecord("s1", time.Now())))
	require.NoError(t, m.DeleteSession(ctx, "s1"))
	assert.ErrorIs(t, m.DeleteSession(ctx, "s1"), ErrNotFound)
}

func TestMemoryRuleUpsert(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.SaveRule(ctx, approval.Rule{
		Pattern: "fs(*)", Approved: true, Scope: approval.ScopeGlobal, CreatedAt: time.Now(),
	}))
	require.NoError(t, m.SaveRule(ctx, approval.Rule{
		Pattern: "fs(*)", Approved: false, Scope: approval.ScopeGlobal, CreatedAt: time.Now(),
	}))

	rules, err := m.LoadRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1, "same pattern replaces the earlier decision")
	assert.False(t, rules[0].Approved)
}

func TestMemorySettings(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.GetSetting(ctx, "office.objective")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.SetSetting(ctx, "office.objective", "keep CI green"))
	v, err := m.GetSetting(ctx, "office.objective")
	require.NoError(t, err)
	assert.Equal(t, "keep CI green", v)
}

func TestSnapshot(t *testing.T) {
	s := session.New(session.DriverPanel, "debate the cache design", session.GuardRails{})
	s.Append(agent.Message{AuthorRole: agent.AuthorUser, Content: "begin"})
	s.SetPhase(phase.Completed)

	rec := Snapshot(s)
	assert.Equal(t, s.ID, rec.ID)
	assert.Equal(t, session.DriverPanel, rec.Driver)
	assert.Equal(t, phase.Completed, rec.Phase)
	assert.Len(t, rec.Transcript, 1)
	assert.False(t, rec.CompletedAt.IsZero())
}
