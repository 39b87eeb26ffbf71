// Package office implements the continuous manager loop: fetch a prioritised
// task list from the manager agent, schedule tasks onto a bounded pool of
// ephemeral assistants, aggregate the results into an iteration report and
// rest until the next check interval.
package office

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentdesk/conductor/pkg/agent"
	"github.com/agentdesk/conductor/pkg/bus"
	"github.com/agentdesk/conductor/pkg/config"
	"github.com/agentdesk/conductor/pkg/phase"
	"github.com/agentdesk/conductor/pkg/session"
	"github.com/agentdesk/conductor/pkg/store"
	"github.com/agentdesk/conductor/pkg/tools"
)

// managerInstructions is the system prompt for every manager call. The
// manager answers fetch prompts with a task list document and aggregate
// prompts with markdown.
const managerInstructions = `You are the office manager overseeing a standing objective.
When asked for work, respond with ONLY:
{"tasks": [{"id": "...", "title": "...", "prompt": "...", "priority": 1}]}
Higher priority runs first; a negative priority defers the task to a later iteration.
An empty tasks list means there is nothing to do right now.
If you need information from the user first, respond with ONLY {"questions": ["..."]}.
When asked to aggregate results, respond with a concise markdown report.`

// ErrNotRunning is returned by controls that need an active loop.
var ErrNotRunning = errors.New("office loop is not running")

// IterationReport is one loop iteration's aggregate.
type IterationReport struct {
	Iteration int           `json:"iteration"`
	Summary   string        `json:"summary"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// Options wires the manager's collaborators. Client and Bus are required.
type Options struct {
	Settings config.OfficeSettings
	Client   agent.LLMClient
	Tools    *tools.Executor
	Bus      *bus.Bus
	Store    store.Store
	Logger   *slog.Logger
	// Tick is the rest countdown resolution. Defaults to one second; tests
	// shorten it.
	Tick time.Duration
	// MaxAssistantTurns bounds an assistant's tool loop. Defaults to 8.
	MaxAssistantTurns int
}

// Manager runs the office loop. All exported methods are safe for concurrent
// use; the loop itself runs on a single goroutine.
type Manager struct {
	cfg     config.OfficeSettings
	client  agent.LLMClient
	tools   *tools.Executor
	bus     *bus.Bus
	store   store.Store
	logger  *slog.Logger
	machine *phase.Machine

	tick              time.Duration
	maxAssistantTurns int

	mu             sync.Mutex
	sess           *session.Session
	manager        *agent.LLMAgent
	managerHistory []agent.ConversationMessage
	queue          []Task
	reports        []IterationReport
	iteration      int
	injections     []string
	clarifications []string
	paused         bool
	resumeCh       chan struct{}
	restCancel     chan struct{}
	restOverride   chan int

	userMsgCh  chan string
	approvalCh chan bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates an idle manager.
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tick := opts.Tick
	if tick <= 0 {
		tick = time.Second
	}
	turns := opts.MaxAssistantTurns
	if turns <= 0 {
		turns = 8
	}
	m := &Manager{
		cfg:               opts.Settings,
		client:            opts.Client,
		tools:             opts.Tools,
		bus:               opts.Bus,
		store:             opts.Store,
		logger:            logger.With("component", "office"),
		machine:           phase.NewOfficeMachine(),
		tick:              tick,
		maxAssistantTurns: turns,
	}
	m.machine.SetObserver(m.onTransition)
	return m
}

// Phase returns the current lifecycle phase.
func (m *Manager) Phase() phase.State { return m.machine.Current() }

// Session returns the active session, or nil before the first Start.
func (m *Manager) Session() *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// Reports returns the iteration reports accumulated so far.
func (m *Manager) Reports() []IterationReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]IterationReport(nil), m.reports...)
}

// Start begins the loop for an objective; an empty objective falls back to
// the configured one.
func (m *Manager) Start(ctx context.Context, objective string) (string, error) {
	if objective == "" {
		objective = m.cfg.Objective
	}
	if objective == "" {
		return "", errors.New("an objective is required")
	}

	m.mu.Lock()
	if !m.machine.CanFire(phase.UserSubmitted) {
		m.mu.Unlock()
		return "", errors.New("office loop already running")
	}
	sess := session.New(session.DriverOffice, objective, session.GuardRails{})
	m.sess = sess
	m.queue = nil
	m.iteration = 0
	m.userMsgCh = make(chan string, 4)
	m.approvalCh = make(chan bool, 1)
	m.done = make(chan struct{})
	m.manager = agent.NewLLMAgent("manager", agent.RoleManager,
		agent.ParseModelID(m.cfg.ManagerModel), m.client, agent.LLMAgentOpts{
			SessionID: sess.ID,
			Sink:      m.managerSink(),
			Logger:    m.logger,
		})
	sess.RegisterAgent(m.manager.Instance())
	m.managerHistory = []agent.ConversationMessage{{
		Role: agent.RoleUser, Content: "Standing objective: " + objective,
	}}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	sess.Append(agent.Message{AuthorRole: agent.AuthorUser, Type: agent.TypeUserMessage, Content: objective})
	m.machine.Fire(phase.UserSubmitted, "objective submitted")
	go m.run(runCtx)
	return sess.ID, nil
}

// SendUserMessage queues a clarification answer for the manager's next LLM
// call. Never blocks; the context is accepted for surface uniformity with
// the other drivers.
func (m *Manager) SendUserMessage(_ context.Context, text string) error {
	m.mu.Lock()
	sess := m.sess
	if sess == nil {
		m.mu.Unlock()
		return ErrNotRunning
	}
	m.clarifications = append(m.clarifications, text)
	ch := m.userMsgCh
	m.mu.Unlock()

	// Unblock the initial clarify wait if it is pending.
	select {
	case ch <- text:
	default:
	}
	m.bus.Publish(&bus.ClarificationReceivedPayload{
		BasePayload: bus.Base(bus.EventTypeClarificationReceived, sess.ID),
		Answer:      text,
	})
	return nil
}

// ApprovePlan approves the manager's initial approach.
func (m *Manager) ApprovePlan() error {
	if !m.machine.Is(phase.AwaitingApproval) {
		return errors.New("no approach awaiting approval")
	}
	select {
	case m.approvalCh <- true:
	default:
	}
	return nil
}

// RejectPlan sends the approach back to clarification.
func (m *Manager) RejectPlan(reason string) error {
	if !m.machine.Is(phase.AwaitingApproval) {
		return errors.New("no approach awaiting approval")
	}
	m.mu.Lock()
	m.managerHistory = append(m.managerHistory, agent.ConversationMessage{
		Role: agent.RoleUser, Content: "The approach was rejected: " + reason,
	})
	m.mu.Unlock()
	select {
	case m.approvalCh <- false:
	default:
	}
	return nil
}

// Pause freezes the loop: no new LLM calls start and the rest countdown
// stops ticking. In-flight calls complete.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		return
	}
	m.paused = true
	m.resumeCh = make(chan struct{})
}

// Resume continues a paused loop.
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.paused {
		return
	}
	m.paused = false
	close(m.resumeCh)
}

// Stop cancels the loop and disposes the assistants.
func (m *Manager) Stop() {
	m.machine.Fire(phase.UserStopped, "user stop")
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Reset returns a stopped manager to Idle. Iteration reports are retained.
func (m *Manager) Reset() error {
	if !m.machine.Fire(phase.Reset, "user reset") {
		return fmt.Errorf("cannot reset from phase %s", m.machine.Current())
	}
	m.mu.Lock()
	m.manager = nil
	m.managerHistory = nil
	m.queue = nil
	m.mu.Unlock()
	return nil
}

// InjectInstruction delivers an instruction to the manager at its next LLM
// call.
func (m *Manager) InjectInstruction(text string) {
	m.mu.Lock()
	m.injections = append(m.injections, text)
	sess := m.sess
	m.mu.Unlock()
	if sess != nil {
		m.bus.Publish(&bus.InjectionReceivedPayload{
			BasePayload: bus.Base(bus.EventTypeInjectionReceived, sess.ID),
			Instruction: text,
		})
	}
}

// Wait blocks until the loop exits.
func (m *Manager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (m *Manager) onTransition(t phase.Transition) {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		return
	}
	sess.SetPhase(t.To)
	m.bus.Publish(&bus.PhaseChangedPayload{
		BasePayload: bus.Base(bus.EventTypePhaseChanged, sess.ID),
		From:        string(t.From),
		To:          string(t.To),
		Reason:      t.Reason,
	})
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	err := m.loop(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		// Stop already moved the machine; a cancelled parent context counts
		// as a stop too.
		m.machine.Fire(phase.UserStopped, "stopped")
	default:
		m.logger.Error("office loop failed", "error", err)
		m.machine.Fire(phase.ErrorOccurred, err.Error())
		m.publishAborted(err)
	}
	m.persist()
}

func (m *Manager) loop(ctx context.Context) error {
	if err := m.clarifyAndApprove(ctx); err != nil {
		return err
	}

	for {
		if err := m.waitIfPaused(ctx); err != nil {
			return err
		}
		started := time.Now()
		m.mu.Lock()
		m.iteration++
		iteration := m.iteration
		m.mu.Unlock()

		tasks, err := m.fetchTasks(ctx)
		if err != nil {
			return err
		}
		m.machine.Fire(phase.TasksFetched, fmt.Sprintf("%d tasks", len(tasks)))

		dispatch := m.schedule(tasks)
		m.machine.Fire(phase.TasksScheduled, fmt.Sprintf("%d dispatched", len(dispatch)))

		if err := m.waitIfPaused(ctx); err != nil {
			return err
		}
		results := m.execute(ctx, dispatch)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.machine.Fire(phase.ExecutionComplete, "assistants done")

		if err := m.aggregate(ctx, iteration, results, started); err != nil {
			return err
		}
		m.machine.Fire(phase.ResultsAggregated, "report ready")
		m.persist()

		if err := m.rest(ctx); err != nil {
			return err
		}
		m.machine.Fire(phase.RestComplete, "rest over")
	}
}

// clarifyAndApprove runs the initial manager call and, when configured,
// waits for the user to approve the approach.
func (m *Manager) clarifyAndApprove(ctx context.Context) error {
	for {
		out, err := m.managerTurn(ctx,
			"Describe briefly how you will pursue the objective. Ask questions only if something essential is missing.")
		if err != nil {
			return err
		}
		questions := parseQuestions(out.Message)
		if len(questions) == 0 {
			break
		}
		m.bus.Publish(&bus.ClarificationRequestedPayload{
			BasePayload: bus.Base(bus.EventTypeClarificationRequested, m.sess.ID),
			Questions:   questions,
		})
		select {
		case answer := <-m.userMsgCh:
			m.mu.Lock()
			m.managerHistory = append(m.managerHistory, agent.ConversationMessage{
				Role: agent.RoleUser, Content: answer,
			})
			// The answer was consumed here, not at a later iteration.
			if n := len(m.clarifications); n > 0 && m.clarifications[n-1] == answer {
				m.clarifications = m.clarifications[:n-1]
			}
			m.mu.Unlock()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.machine.Fire(phase.ClarificationsComplete, "approach ready")

	if !config.BoolOr(m.cfg.RequirePlanApproval, true) {
		m.machine.Fire(phase.UserApproved, "approval not required")
		return nil
	}
	for {
		select {
		case approved := <-m.approvalCh:
			if approved {
				m.machine.Fire(phase.UserApproved, "approach approved")
				return nil
			}
			m.machine.Fire(phase.UserRejected, "approach rejected")
			return m.clarifyAndApprove(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// fetchTasks asks the manager for the iteration's work. Inline questions
// from the manager surface as clarification requests and yield no tasks;
// answers queue for the next call.
func (m *Manager) fetchTasks(ctx context.Context) ([]Task, error) {
	out, err := m.managerTurn(ctx, m.fetchPrompt())
	if err != nil {
		return nil, err
	}
	if questions := parseQuestions(out.Message); len(questions) > 0 {
		m.bus.Publish(&bus.ClarificationRequestedPayload{
			BasePayload: bus.Base(bus.EventTypeClarificationRequested, m.sess.ID),
			Questions:   questions,
		})
		return nil, nil
	}
	return parseTasks(out.Message), nil
}

func (m *Manager) fetchPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	prompt := "List the work to do right now, as a tasks document."
	if len(m.queue) > 0 {
		prompt += fmt.Sprintf("\nThere are %d tasks still queued from earlier iterations; they run first.", len(m.queue))
	}
	for _, c := range m.clarifications {
		prompt += "\nUser answer: " + c
	}
	m.clarifications = nil
	for _, inj := range m.injections {
		prompt += "\nAdditional instruction from the user: " + inj
	}
	m.injections = nil
	return prompt
}

// managerTurn runs one manager LLM call under its timeout and surfaces the
// response as commentary per the configured streaming mode.
func (m *Manager) managerTurn(ctx context.Context, prompt string) (*agent.ProcessOutput, error) {
	m.mu.Lock()
	m.managerHistory = append(m.managerHistory, agent.ConversationMessage{
		Role: agent.RoleUser, Content: prompt,
	})
	history := append([]agent.ConversationMessage(nil), m.managerHistory...)
	mgr := m.manager
	m.mu.Unlock()

	callCtx := ctx
	if m.cfg.ManagerLLMTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx,
			time.Duration(m.cfg.ManagerLLMTimeoutSeconds)*time.Second)
		defer cancel()
	}

	out, err := mgr.Process(callCtx, &agent.ProcessInput{
		History:      history,
		SystemPrompt: managerInstructions,
		Turn:         mgr.Instance().Turns() + 1,
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("manager call timed out: %w", err)
		}
		return nil, err
	}

	m.sess.AddTurnCost(out.Usage, agent.PricingFor(mgr.Instance().Model))
	m.mu.Lock()
	m.managerHistory = append(m.managerHistory, agent.AssistantMessage(out))
	m.mu.Unlock()

	if m.cfg.CommentaryStreamingMode != config.CommentaryStreamingTokens {
		// CompleteThought: one entry once the response is whole.
		m.bus.Publish(&bus.CommentaryPayload{
			BasePayload: bus.Base(bus.EventTypeOrchestratorCommentary, m.sess.ID),
			AgentID:     mgr.Instance().ID,
			AgentName:   "manager",
			Content:     out.Message,
		})
	}
	return out, nil
}

// managerSink streams manager tokens only in StreamingTokens mode.
func (m *Manager) managerSink() agent.ChunkSink {
	return func(c agent.Chunk) {
		if m.cfg.CommentaryStreamingMode != config.CommentaryStreamingTokens {
			return
		}
		m.mu.Lock()
		sess := m.sess
		m.mu.Unlock()
		if sess == nil {
			return
		}
		if v, ok := c.(agent.TextChunk); ok {
			m.bus.Publish(&bus.StreamChunkPayload{
				BasePayload: bus.Base(bus.EventTypeStreamChunk, sess.ID),
				AgentID:     "manager",
				Delta:       v.Content,
			})
		}
	}
}

// aggregate builds the iteration report. Iterations without work skip the
// LLM call and complete with a fixed summary.
func (m *Manager) aggregate(ctx context.Context, iteration int, results []taskResult, started time.Time) error {
	completed, failed := 0, 0
	for _, r := range results {
		if r.Err == "" {
			completed++
		} else {
			failed++
		}
	}

	summary := "No work this iteration."
	if len(results) > 0 {
		out, err := m.managerTurn(ctx, aggregatePrompt(results))
		if err != nil {
			return err
		}
		summary = out.Message
	}

	report := IterationReport{
		Iteration: iteration,
		Summary:   summary,
		Completed: completed,
		Failed:    failed,
		Duration:  time.Since(started),
	}
	m.mu.Lock()
	m.reports = append(m.reports, report)
	m.mu.Unlock()

	m.sess.Append(agent.Message{
		AuthorRole: agent.AuthorCoordinator, Type: agent.TypeSynthesis, Content: summary,
	})
	m.bus.Publish(&bus.IterationReportPayload{
		BasePayload: bus.Base(bus.EventTypeIterationReport, m.sess.ID),
		Iteration:   iteration,
		Summary:     summary,
		Completed:   completed,
		Failed:      failed,
		DurationMs:  report.Duration.Milliseconds(),
	})
	return nil
}

func aggregatePrompt(results []taskResult) string {
	doc, _ := json.Marshal(results)
	return "Aggregate these assistant results into a short markdown iteration report:\n" + string(doc)
}

func (m *Manager) waitIfPaused(ctx context.Context) error {
	for {
		m.mu.Lock()
		paused := m.paused
		resume := m.resumeCh
		m.mu.Unlock()
		if !paused {
			return nil
		}
		select {
		case <-resume:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) publishAborted(err error) {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		return
	}
	m.bus.Publish(&bus.TaskAbortedPayload{
		BasePayload: bus.Base(bus.EventTypeTaskAborted, sess.ID),
		Source:      "office",
		Code:        "fatal",
		Error:       err.Error(),
	})
}

func (m *Manager) persist() {
	m.mu.Lock()
	st := m.store
	sess := m.sess
	m.mu.Unlock()
	if st == nil || sess == nil {
		return
	}
	if err := st.SaveSession(context.Background(), store.Snapshot(sess)); err != nil {
		m.logger.Warn("session persist failed", "error", err)
	}
}

// parseQuestions extracts an inline questions document; anything else means
// no questions.
func parseQuestions(message string) []string {
	raw := agent.ExtractJSON(message)
	if raw == "" {
		return nil
	}
	var doc struct {
		Questions []string `json:"questions"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil
	}
	return doc.Questions
}

// parseTasks extracts the task list; unparseable output yields no tasks.
func parseTasks(message string) []Task {
	raw := agent.ExtractJSON(message)
	if raw == "" {
		return nil
	}
	var doc struct {
		Tasks []Task `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil
	}
	return doc.Tasks
}
