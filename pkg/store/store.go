// Package store is the persistence collaborator: session records, approval
// rules and small key/value settings survive process restarts through it.
// Two implementations exist, a Postgres store for deployments and an
// in-memory store used as the default and in tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agentdesk/conductor/pkg/agent"
	"github.com/agentdesk/conductor/pkg/approval"
	"github.com/agentdesk/conductor/pkg/phase"
	"github.com/agentdesk/conductor/pkg/session"
)

// ErrNotFound is returned for lookups of unknown records.
var ErrNotFound = errors.New("record not found")

// SessionRecord is the persisted snapshot of one driver session.
type SessionRecord struct {
	ID          string             `json:"id"`
	Driver      session.DriverKind `json:"driver"`
	Prompt      string             `json:"prompt"`
	Phase       phase.State        `json:"phase"`
	Transcript  []agent.Message    `json:"transcript"`
	Cost        agent.CostEstimate `json:"cost"`
	CreatedAt   time.Time          `json:"created_at"`
	CompletedAt time.Time          `json:"completed_at,omitzero"`
}

// SessionSummary is the listing view of a record, without the transcript.
type SessionSummary struct {
	ID           string             `json:"id"`
	Driver       session.DriverKind `json:"driver"`
	Prompt       string             `json:"prompt"`
	Phase        phase.State        `json:"phase"`
	MessageCount int                `json:"message_count"`
	CreatedAt    time.Time          `json:"created_at"`
	CompletedAt  time.Time          `json:"completed_at,omitzero"`
}

// Store persists sessions, approval rules and settings. Implementations are
// safe for concurrent use. The approval.RuleStore methods serve the gate's
// global rules.
type Store interface {
	approval.RuleStore

	SaveSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context, id string) (SessionRecord, error)
	ListSessions(ctx context.Context) ([]SessionSummary, error)
	DeleteSession(ctx context.Context, id string) error

	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	Close() error
}

// Snapshot captures a live session as a persistable record.
func Snapshot(s *session.Session) SessionRecord {
	return SessionRecord{
		ID:          s.ID,
		Driver:      s.Driver,
		Prompt:      s.Prompt,
		Phase:       s.Phase(),
		Transcript:  s.Messages(),
		Cost:        s.Cost(),
		CreatedAt:   s.CreatedAt,
		CompletedAt: s.Completed(),
	}
}

func summarize(rec SessionRecord) SessionSummary {
	return SessionSummary{
		ID:           rec.ID,
		Driver:       rec.Driver,
		Prompt:       rec.Prompt,
		Phase:        rec.Phase,
		MessageCount: len(rec.Transcript),
		CreatedAt:    rec.CreatedAt,
		CompletedAt:  rec.CompletedAt,
	}
}
