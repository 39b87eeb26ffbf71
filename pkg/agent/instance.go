package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an agent instance. Transitions are
// monotone forward except Paused↔Active; Disposed is terminal.
type Status string

const (
	StatusCreated     Status = "created"
	StatusActive      Status = "active"
	StatusThinking    Status = "thinking"
	StatusContributed Status = "contributed"
	StatusPaused      Status = "paused"
	StatusDisposed    Status = "disposed"
)

// statusRank orders the monotone statuses. Paused sits beside Active and is
// the only state an agent may move backwards from.
var statusRank = map[Status]int{
	StatusCreated:     0,
	StatusActive:      1,
	StatusThinking:    2,
	StatusContributed: 3,
	StatusDisposed:    4,
}

// Instance tracks one live agent's identity and lifecycle within a session.
type Instance struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	Model     ModelID   `json:"model"`
	CreatedAt time.Time `json:"created_at"`

	mu     sync.Mutex
	status Status
	turns  int
}

// NewInstance creates an instance in the Created status.
func NewInstance(name string, role Role, model ModelID) *Instance {
	return &Instance{
		ID:        uuid.New().String(),
		Name:      name,
		Role:      role,
		Model:     model,
		CreatedAt: time.Now(),
		status:    StatusCreated,
	}
}

// Status returns the current lifecycle status.
func (i *Instance) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// Turns returns the completed-turn counter.
func (i *Instance) Turns() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.turns
}

// CompleteTurn increments the turn counter.
func (i *Instance) CompleteTurn() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.turns++
}

// Transition moves the instance to the target status. Backwards moves are
// rejected except the pause cycle and the per-turn Contributed/Thinking
// cycle; nothing leaves Disposed.
func (i *Instance) Transition(to Status) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	from := i.status
	if from == to {
		return nil
	}
	if from == StatusDisposed {
		return fmt.Errorf("agent %s is disposed: cannot transition to %s", i.ID, to)
	}
	// Pause is allowed from any live state; resume returns to Active.
	if to == StatusPaused || (from == StatusPaused && to == StatusActive) {
		i.status = to
		return nil
	}
	if from == StatusPaused {
		return fmt.Errorf("agent %s is paused: resume before transitioning to %s", i.ID, to)
	}
	// A new turn re-enters Thinking from Contributed.
	if from == StatusContributed && to == StatusThinking {
		i.status = to
		return nil
	}
	if statusRank[to] < statusRank[from] {
		return fmt.Errorf("agent %s: backwards transition from %s to %s", i.ID, from, to)
	}
	i.status = to
	return nil
}

// Disposed reports whether the instance reached its terminal state.
func (i *Instance) Disposed() bool { return i.Status() == StatusDisposed }
