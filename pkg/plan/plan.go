// Package plan models the Team orchestration plan: work chunks with
// dependencies, the JSON contract the orchestrator emits, and the layering
// that turns a dependency graph into executable stages.
package plan

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentdesk/conductor/pkg/agent"
)

// Complexity grades a chunk's expected effort.
type Complexity string

const (
	Low    Complexity = "Low"
	Medium Complexity = "Medium"
	High   Complexity = "High"
)

// ChunkStatus is the runtime state of one chunk.
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkRunning   ChunkStatus = "running"
	ChunkCompleted ChunkStatus = "completed"
	ChunkFailed    ChunkStatus = "failed"
	ChunkCancelled ChunkStatus = "cancelled"
	ChunkSkipped   ChunkStatus = "skipped"
)

// Chunk is one self-contained unit of work. The definition fields round-trip
// through the orchestrator's JSON contract; the runtime fields are set by the
// scheduler and never serialised back to the model.
type Chunk struct {
	ID             string     `json:"id"`
	SequenceIndex  int        `json:"sequenceIndex"`
	Title          string     `json:"title"`
	Prompt         string     `json:"prompt"`
	DependsOn      []string   `json:"dependsOn"`
	WorkingScope   string     `json:"workingScope,omitempty"`
	RequiredSkills []string   `json:"requiredSkills"`
	Complexity     Complexity `json:"complexity"`
	AssignedRole   agent.Role `json:"assignedRole"`

	Status     ChunkStatus `json:"-"`
	Retries    int         `json:"-"`
	Workspace  string      `json:"-"`
	ResultRef  string      `json:"-"`
	StartedAt  time.Time   `json:"-"`
	FinishedAt time.Time   `json:"-"`
}

// Status of a whole plan.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusApproved  Status = "approved"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Plan is the orchestrator's decomposition of one task.
type Plan struct {
	ID     string   `json:"id"`
	Chunks []*Chunk `json:"chunks"`
	Status Status   `json:"-"`
}

// CyclicDependencyError reports the chunks left unplaceable after layering.
type CyclicDependencyError struct {
	RemainingIDs []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency among chunks: %s", strings.Join(e.RemainingIDs, ", "))
}

// Parse decodes the orchestrator's plan JSON and validates it.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.Status = StatusDraft
	for _, c := range p.Chunks {
		c.Status = ChunkPending
	}
	return &p, nil
}

// Marshal encodes the plan per the JSON contract. Parse(Marshal(p)) is
// identity over the definition fields.
func (p *Plan) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// Validate checks chunk ids are unique and dependencies resolve in-plan.
func (p *Plan) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("plan has no id")
	}
	ids := make(map[string]bool, len(p.Chunks))
	for _, c := range p.Chunks {
		if c.ID == "" {
			return fmt.Errorf("plan %s: chunk with empty id", p.ID)
		}
		if ids[c.ID] {
			return fmt.Errorf("plan %s: duplicate chunk id %q", p.ID, c.ID)
		}
		ids[c.ID] = true
	}
	for _, c := range p.Chunks {
		for _, dep := range c.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("plan %s: chunk %q depends on unknown chunk %q", p.ID, c.ID, dep)
			}
			if dep == c.ID {
				return fmt.Errorf("plan %s: chunk %q depends on itself", p.ID, c.ID)
			}
		}
	}
	return nil
}

// Chunk returns the chunk with the given id, or nil.
func (p *Plan) Chunk(id string) *Chunk {
	for _, c := range p.Chunks {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// Stage is one set of chunks with no intra-stage dependencies.
type Stage struct {
	Index  int
	Chunks []*Chunk
}

// Layer partitions the plan into stages: each pass extracts the chunks whose
// dependencies are all already placed. An empty pass with chunks remaining is
// a cycle.
func (p *Plan) Layer() ([]Stage, error) {
	placed := make(map[string]bool, len(p.Chunks))
	remaining := make([]*Chunk, len(p.Chunks))
	copy(remaining, p.Chunks)

	var stages []Stage
	for len(remaining) > 0 {
		var ready, blocked []*Chunk
		for _, c := range remaining {
			ok := true
			for _, dep := range c.DependsOn {
				if !placed[dep] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, c)
			} else {
				blocked = append(blocked, c)
			}
		}
		if len(ready) == 0 {
			ids := make([]string, 0, len(blocked))
			for _, c := range blocked {
				ids = append(ids, c.ID)
			}
			sort.Strings(ids)
			return nil, &CyclicDependencyError{RemainingIDs: ids}
		}
		sort.Slice(ready, func(i, j int) bool { return ready[i].SequenceIndex < ready[j].SequenceIndex })
		for _, c := range ready {
			placed[c.ID] = true
		}
		stages = append(stages, Stage{Index: len(stages), Chunks: ready})
		remaining = blocked
	}
	return stages, nil
}

// Counts tallies chunk outcomes.
func (p *Plan) Counts() (succeeded, failed int) {
	for _, c := range p.Chunks {
		switch c.Status {
		case ChunkCompleted:
			succeeded++
		case ChunkFailed:
			failed++
		}
	}
	return succeeded, failed
}
