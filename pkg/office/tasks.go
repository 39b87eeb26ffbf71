package office

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agentdesk/conductor/pkg/bus"
)

// Task is one unit of work the manager hands to an assistant. Higher
// priority runs first; negative priority defers the task to a later
// iteration.
type Task struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Prompt   string `json:"prompt"`
	Priority int    `json:"priority"`
}

// taskResult is one assistant outcome, fed to the aggregate call.
type taskResult struct {
	TaskID  string `json:"task_id"`
	Title   string `json:"title"`
	Output  string `json:"output,omitempty"`
	Err     string `json:"error,omitempty"`
	Retries int    `json:"retries"`
}

// schedule merges the fetched tasks with the carried queue and decides each
// task's fate for this iteration. Every decision is published.
//
// Carried tasks keep their queue position ahead of new arrivals at equal
// priority. Duplicates (same title, case-insensitive) are merged into the
// earlier task. Negative-priority tasks are deferred and carried as-is. Up
// to maxAssistants tasks dispatch; the rest queue until maxQueueDepth, and
// overflow beyond that is skipped outright.
func (m *Manager) schedule(fetched []Task) []Task {
	m.mu.Lock()
	carried := m.queue
	m.queue = nil
	m.mu.Unlock()

	candidates := make([]Task, 0, len(carried)+len(fetched))
	seen := make(map[string]string, len(carried)+len(fetched))
	var deferred []Task

	for _, t := range append(carried, fetched...) {
		key := strings.ToLower(strings.TrimSpace(t.Title))
		if first, dup := seen[key]; dup && key != "" {
			m.publishDecision(t, "merged", "duplicate of "+first)
			continue
		}
		seen[key] = t.ID
		if t.Priority < 0 {
			m.publishDecision(t, "deferred", "negative priority")
			deferred = append(deferred, t)
			continue
		}
		candidates = append(candidates, t)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})

	// Zero slots queues every candidate; the iteration still runs its
	// aggregate and rest phases.
	slots := m.cfg.MaxAssistants
	if slots < 0 {
		slots = 0
	}
	var dispatch, queued []Task
	for _, t := range candidates {
		switch {
		case len(dispatch) < slots:
			m.publishDecision(t, "dispatched", "")
			dispatch = append(dispatch, t)
		case len(queued) < m.cfg.MaxQueueDepth:
			m.publishDecision(t, "queued", fmt.Sprintf("position %d", len(queued)+1))
			queued = append(queued, t)
		default:
			m.publishDecision(t, "skipped", "queue full")
		}
	}

	m.mu.Lock()
	m.queue = append(queued, deferred...)
	m.mu.Unlock()
	return dispatch
}

func (m *Manager) publishDecision(t Task, decision, reason string) {
	m.bus.Publish(&bus.SchedulingDecisionPayload{
		BasePayload: bus.BaseCorrelated(bus.EventTypeSchedulingDecision, m.sess.ID, t.ID),
		TaskID:      t.ID,
		Decision:    decision,
		Reason:      reason,
	})
}
