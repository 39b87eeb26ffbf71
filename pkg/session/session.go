// Package session holds the per-run state shared by every driver: the
// transcript, spawned agent instances, guard rails and the running cost.
// A session has a single writer (its driver); readers get snapshots.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentdesk/conductor/pkg/agent"
	"github.com/agentdesk/conductor/pkg/phase"
)

// DriverKind names the driver that owns a session.
type DriverKind string

const (
	DriverTeam   DriverKind = "team"
	DriverOffice DriverKind = "office"
	DriverPanel  DriverKind = "panel"
)

// GuardRails caps a session's resource consumption. Zero values mean
// unlimited for that dimension.
type GuardRails struct {
	MaxTurns              int           `json:"max_turns" yaml:"maxTurns"`
	MaxTotalTokens        int           `json:"max_total_tokens" yaml:"maxTotalTokens"`
	MaxTokensPerTurn      int           `json:"max_tokens_per_turn" yaml:"maxTokensPerTurn"`
	MaxDuration           time.Duration `json:"max_duration" yaml:"maxDuration"`
	MaxToolCalls          int           `json:"max_tool_calls" yaml:"maxToolCalls"`
	MaxToolCallsPerTurn   int           `json:"max_tool_calls_per_turn" yaml:"maxToolCallsPerTurn"`
	MaxSingleTurnDuration time.Duration `json:"max_single_turn_duration" yaml:"maxSingleTurnDuration"`
	AllowedFilePaths      []string      `json:"allowed_file_paths,omitempty" yaml:"allowedFilePaths,omitempty"`
	AllowedDomains        []string      `json:"allowed_domains,omitempty" yaml:"allowedDomains,omitempty"`
	AllowFilesystem       bool          `json:"allow_filesystem" yaml:"allowFilesystem"`
	AbortOnBreachOnly     bool          `json:"abort_on_breach_only" yaml:"abortOnBreachOnly"`
}

// Breach describes which guard rail tripped.
type Breach struct {
	Rail   string `json:"rail"`
	Limit  int    `json:"limit"`
	Actual int    `json:"actual"`
}

// Session is one driver invocation's state. Mutations go through the
// methods; all are safe for concurrent readers.
type Session struct {
	ID          string     `json:"id"`
	Driver      DriverKind `json:"driver"`
	Prompt      string     `json:"prompt"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt time.Time  `json:"completed_at,omitzero"`
	Rails       GuardRails `json:"guard_rails"`

	mu                sync.RWMutex
	phase             phase.State
	messages          []agent.Message
	agents            map[string]*agent.Instance
	cost              agent.CostEstimate
	toolCalls         int
	lastTurnToolCalls int
	lastTurnDuration  time.Duration
}

// New creates a session in the Idle phase.
func New(driver DriverKind, prompt string, rails GuardRails) *Session {
	return &Session{
		ID:        uuid.New().String(),
		Driver:    driver,
		Prompt:    prompt,
		CreatedAt: time.Now(),
		Rails:     rails,
		phase:     phase.Idle,
		agents:    make(map[string]*agent.Instance),
	}
}

// Phase returns the current phase.
func (s *Session) Phase() phase.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// SetPhase records the driver's phase transition. Terminal phases stamp the
// completion time.
func (s *Session) SetPhase(p phase.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
	if phase.IsTerminal(p) && s.CompletedAt.IsZero() {
		s.CompletedAt = time.Now()
	}
}

// Completed returns the completion timestamp, zero while the session is
// still running.
func (s *Session) Completed() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.CompletedAt
}

// Append adds a message to the transcript, assigning id, session id and
// timestamp. The stored message is immutable from then on.
func (s *Session) Append(msg agent.Message) agent.Message {
	msg.ID = uuid.New().String()
	msg.SessionID = s.ID
	msg.CreatedAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	s.toolCalls += len(msg.ToolCalls)
	return msg
}

// Messages returns a snapshot of the transcript.
func (s *Session) Messages() []agent.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]agent.Message(nil), s.messages...)
}

// RegisterAgent records a spawned agent instance.
func (s *Session) RegisterAgent(inst *agent.Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[inst.ID] = inst
}

// Agents returns a snapshot of the registered instances.
func (s *Session) Agents() []*agent.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*agent.Instance, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	return out
}

// AddTurnCost folds one turn's usage into the cumulative estimate.
func (s *Session) AddTurnCost(usage agent.TokenUsage, pricing agent.ModelPricing) agent.CostEstimate {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cost = s.cost.AddTurn(usage, pricing)
	return s.cost
}

// Cost returns the cumulative estimate.
func (s *Session) Cost() agent.CostEstimate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cost
}

// NoteTurn records one agent turn's observables for the per-turn rails.
func (s *Session) NoteTurn(toolCalls int, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTurnToolCalls = toolCalls
	s.lastTurnDuration = duration
}

// CheckRails reports the first breached guard rail, if any.
func (s *Session) CheckRails() (Breach, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.Rails.MaxTurns > 0 && s.cost.Turns >= s.Rails.MaxTurns {
		return Breach{Rail: "max_turns", Limit: s.Rails.MaxTurns, Actual: s.cost.Turns}, true
	}
	if s.Rails.MaxTotalTokens > 0 && s.cost.Usage.TotalTokens >= s.Rails.MaxTotalTokens {
		return Breach{Rail: "max_total_tokens", Limit: s.Rails.MaxTotalTokens, Actual: s.cost.Usage.TotalTokens}, true
	}
	if s.Rails.MaxToolCalls > 0 && s.toolCalls >= s.Rails.MaxToolCalls {
		return Breach{Rail: "max_tool_calls", Limit: s.Rails.MaxToolCalls, Actual: s.toolCalls}, true
	}
	if s.Rails.MaxToolCallsPerTurn > 0 && s.lastTurnToolCalls > s.Rails.MaxToolCallsPerTurn {
		return Breach{Rail: "max_tool_calls_per_turn", Limit: s.Rails.MaxToolCallsPerTurn, Actual: s.lastTurnToolCalls}, true
	}
	if s.Rails.MaxSingleTurnDuration > 0 && s.lastTurnDuration >= s.Rails.MaxSingleTurnDuration {
		return Breach{
			Rail:   "max_single_turn_duration",
			Limit:  int(s.Rails.MaxSingleTurnDuration.Seconds()),
			Actual: int(s.lastTurnDuration.Seconds()),
		}, true
	}
	if s.Rails.MaxDuration > 0 {
		elapsed := time.Since(s.CreatedAt)
		if elapsed >= s.Rails.MaxDuration {
			return Breach{Rail: "max_duration", Limit: int(s.Rails.MaxDuration.Seconds()), Actual: int(elapsed.Seconds())}, true
		}
	}
	return Breach{}, false
}

// ErrNotFound is returned by Manager lookups for unknown session ids.
var ErrNotFound = errors.New("session not found")

// Manager tracks live sessions in memory.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Create builds and registers a new session.
func (m *Manager) Create(driver DriverKind, prompt string, rails GuardRails) *Session {
	s := New(driver, prompt, rails)
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Get retrieves a session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns every registered session.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Delete removes a session.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}
