// Package team implements the orchestrated pipeline: clarify the task with
// the user, propose a chunked plan, await approval, execute the plan's
// dependency graph with role-configured workers and synthesise a final
// report.
package team

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/agentdesk/conductor/pkg/agent"
	"github.com/agentdesk/conductor/pkg/bus"
	"github.com/agentdesk/conductor/pkg/config"
	"github.com/agentdesk/conductor/pkg/phase"
	"github.com/agentdesk/conductor/pkg/plan"
	"github.com/agentdesk/conductor/pkg/sched"
	"github.com/agentdesk/conductor/pkg/session"
	"github.com/agentdesk/conductor/pkg/store"
	"github.com/agentdesk/conductor/pkg/tools"
)

// orchestratorInstructions is the system prompt for the clarify/plan loop.
// The orchestrator answers with exactly one of two JSON documents: a
// questions list when the task is underspecified, or the plan contract.
const orchestratorInstructions = `You are the orchestrator of a team of software agents.
Evaluate the user's task. If it is too ambiguous to plan, respond with ONLY:
{"questions": ["..."]}
Once the task is clear, respond with ONLY a plan document:
{"id": "...", "chunks": [{"id": "...", "sequenceIndex": 0, "title": "...", "prompt": "...", "dependsOn": [], "requiredSkills": [], "complexity": "Low"|"Medium"|"High", "assignedRole": "..."}]}
Chunks with no dependency between them run in parallel. Keep prompts self-contained.`

// ErrNotAwaitingApproval is returned when approve/reject arrives outside the
// approval phase and the plan has not already been approved.
var ErrNotAwaitingApproval = errors.New("no plan awaiting approval")

// ErrBusy is returned when Start is called while a run is active.
var ErrBusy = errors.New("a task is already running")

// Report is the consolidated outcome of one pipeline run.
type Report struct {
	Summary   string             `json:"summary"`
	NextSteps []string           `json:"next_steps,omitempty"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Results   []sched.ChunkResult `json:"results,omitempty"`
}

// Options wires a driver's collaborators. Client and Bus are required; Tools
// and Store may be nil.
type Options struct {
	Settings config.TeamSettings
	Client   agent.LLMClient
	Tools    *tools.Executor
	Bus      *bus.Bus
	Store    store.Store
	Logger   *slog.Logger
	// MaxWorkerTurns bounds a worker's tool loop. Defaults to 8.
	MaxWorkerTurns int
}

type approvalSignal struct {
	approved bool
	reason   string
}

// Driver runs one Team session at a time. All exported methods are safe for
// concurrent use; the pipeline itself runs on a single goroutine.
type Driver struct {
	cfg     config.TeamSettings
	client  agent.LLMClient
	tools   *tools.Executor
	bus     *bus.Bus
	store   store.Store
	logger  *slog.Logger
	machine *phase.Machine

	maxWorkerTurns int

	mu           sync.Mutex
	sess         *session.Session
	orchestrator *agent.LLMAgent
	orchHistory  []agent.ConversationMessage
	plan         *plan.Plan
	executor     *sched.Executor
	report       *Report
	approved     bool
	paused       bool
	resumeCh     chan struct{}
	injections   []string

	userMsgCh  chan string
	approvalCh chan approvalSignal
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates an idle driver.
func New(opts Options) *Driver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	turns := opts.MaxWorkerTurns
	if turns <= 0 {
		turns = 8
	}
	d := &Driver{
		cfg:            opts.Settings,
		client:         opts.Client,
		tools:          opts.Tools,
		bus:            opts.Bus,
		store:          opts.Store,
		logger:         logger.With("component", "team"),
		machine:        phase.NewTeamMachine(),
		maxWorkerTurns: turns,
	}
	d.machine.SetObserver(d.onTransition)
	return d
}

// Phase returns the current lifecycle phase.
func (d *Driver) Phase() phase.State { return d.machine.Current() }

// Session returns the active session, or nil before the first Start.
func (d *Driver) Session() *session.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sess
}

// Report returns the last completed run's report, or nil.
func (d *Driver) Report() *Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.report
}

// Start begins the pipeline for a task and returns the session id. The
// pipeline runs in the background until a terminal phase.
func (d *Driver) Start(ctx context.Context, prompt string) (string, error) {
	d.mu.Lock()
	if !d.machine.CanFire(phase.UserSubmitted) {
		d.mu.Unlock()
		return "", ErrBusy
	}

	sess := session.New(session.DriverTeam, prompt, session.GuardRails{})
	d.sess = sess
	d.report = nil
	d.approved = false
	d.plan = nil
	d.executor = nil
	d.userMsgCh = make(chan string)
	d.approvalCh = make(chan approvalSignal, 1)
	d.done = make(chan struct{})

	d.orchestrator = agent.NewLLMAgent("orchestrator", agent.RolePlanning,
		agent.ParseModelID(d.cfg.OrchestratorModelID), d.client, agent.LLMAgentOpts{
			SessionID: sess.ID,
			Sink:      d.streamSink("orchestrator"),
			Logger:    d.logger,
		})
	sess.RegisterAgent(d.orchestrator.Instance())
	d.orchHistory = []agent.ConversationMessage{{Role: agent.RoleUser, Content: prompt}}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	sess.Append(agent.Message{AuthorRole: agent.AuthorUser, Type: agent.TypeUserMessage, Content: prompt})
	d.machine.Fire(phase.UserSubmitted, "task submitted")
	go d.run(runCtx)
	return sess.ID, nil
}

// SendUserMessage delivers a user message. During clarification it answers
// the pending questions; after completion, with follow-up context enabled,
// the orchestrator answers from the retained conversation without re-running
// workers.
func (d *Driver) SendUserMessage(ctx context.Context, text string) error {
	d.mu.Lock()
	userMsgCh := d.userMsgCh
	d.mu.Unlock()

	switch d.machine.Current() {
	case phase.Clarifying:
		select {
		case userMsgCh <- text:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case phase.Completed:
		if !config.BoolOr(d.cfg.MaintainFollowUpContext, true) {
			return errors.New("follow-up context is disabled")
		}
		return d.followUp(ctx, text)
	default:
		return fmt.Errorf("no message expected in phase %s", d.machine.Current())
	}
}

// ApprovePlan approves the proposed plan. Approving an already approved plan
// is a no-op.
func (d *Driver) ApprovePlan() error {
	d.mu.Lock()
	already := d.approved
	d.mu.Unlock()
	if already {
		return nil
	}
	if !d.machine.Is(phase.AwaitingApproval) {
		return ErrNotAwaitingApproval
	}
	select {
	case d.approvalCh <- approvalSignal{approved: true}:
	default:
	}
	return nil
}

// RejectPlan sends the plan back to clarification with the rejection reason.
func (d *Driver) RejectPlan(reason string) error {
	if !d.machine.Is(phase.AwaitingApproval) {
		return ErrNotAwaitingApproval
	}
	select {
	case d.approvalCh <- approvalSignal{approved: false, reason: reason}:
	default:
	}
	return nil
}

// Pause freezes the pipeline at the next phase boundary. In-flight agent
// calls complete; no new ones start until Resume.
func (d *Driver) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.paused {
		return
	}
	d.paused = true
	d.resumeCh = make(chan struct{})
}

// Resume clears the pause flag.
func (d *Driver) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.paused {
		return
	}
	d.paused = false
	close(d.resumeCh)
}

// Stop cancels the run. The pipeline reports TaskAborted and lands in
// Cancelled.
func (d *Driver) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Reset returns a terminal driver to Idle, dropping the retained
// conversation.
func (d *Driver) Reset() error {
	if !d.machine.Fire(phase.Reset, "user reset") {
		return fmt.Errorf("cannot reset from phase %s", d.machine.Current())
	}
	d.mu.Lock()
	d.orchHistory = nil
	d.orchestrator = nil
	d.plan = nil
	d.report = nil
	d.approved = false
	d.mu.Unlock()
	return nil
}

// InjectInstruction folds an instruction into the prompts of chunks that
// have not started yet. Before execution it is queued.
func (d *Driver) InjectInstruction(text string) {
	d.mu.Lock()
	if d.executor != nil {
		d.executor.Inject(text)
	} else {
		d.injections = append(d.injections, text)
	}
	sess := d.sess
	d.mu.Unlock()

	if sess != nil {
		d.bus.Publish(&bus.InjectionReceivedPayload{
			BasePayload: bus.Base(bus.EventTypeInjectionReceived, sess.ID),
			Instruction: text,
		})
	}
}

// Wait blocks until the current run reaches a terminal phase. Used by tests
// and graceful shutdown.
func (d *Driver) Wait() {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (d *Driver) onTransition(t phase.Transition) {
	d.mu.Lock()
	sess := d.sess
	d.mu.Unlock()
	if sess == nil {
		return
	}
	sess.SetPhase(t.To)
	d.bus.Publish(&bus.PhaseChangedPayload{
		BasePayload: bus.Base(bus.EventTypePhaseChanged, sess.ID),
		From:        string(t.From),
		To:          string(t.To),
		Reason:      t.Reason,
	})
}

func (d *Driver) run(ctx context.Context) {
	defer close(d.done)
	err := d.pipeline(ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		d.machine.Fire(phase.UserCancelled, "cancelled")
		d.publishAborted("user", "cancelled", err)
	default:
		d.logger.Error("pipeline failed", "error", err)
		d.machine.Fire(phase.ErrorOccurred, err.Error())
		d.publishAborted("team", "fatal", err)
	}
	d.persist()
}

func (d *Driver) pipeline(ctx context.Context) error {
	for {
		p, err := d.clarify(ctx)
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.plan = p
		d.mu.Unlock()

		stages, err := p.Layer()
		if err != nil {
			return fmt.Errorf("plan is not executable: %w", err)
		}
		d.publishPlanCreated(p, len(stages))
		d.machine.Fire(phase.PlanProposed, "plan ready")

		sig, err := d.awaitApproval(ctx)
		if err != nil {
			return err
		}
		if sig.approved {
			d.mu.Lock()
			d.approved = true
			d.mu.Unlock()
			d.machine.Fire(phase.UserApproved, "plan approved")
			break
		}
		d.machine.Fire(phase.UserRejected, sig.reason)
		d.mu.Lock()
		d.orchHistory = append(d.orchHistory, agent.ConversationMessage{
			Role:    agent.RoleUser,
			Content: "The plan was rejected: " + sig.reason + "\nRevise it, asking questions first if anything is unclear.",
		})
		d.mu.Unlock()
	}

	// Planning: the approved plan is layered again to drive execution; the
	// machine separates approval from layering so the UI can show both.
	d.mu.Lock()
	p := d.plan
	d.mu.Unlock()
	if _, err := p.Layer(); err != nil {
		return fmt.Errorf("plan is not executable: %w", err)
	}
	d.machine.Fire(phase.PlanLayered, "plan layered")

	res, err := d.execute(ctx, p)
	if err != nil {
		return err
	}
	if res.Aborted {
		d.machine.Fire(phase.ErrorOccurred, "failure threshold reached")
		d.publishAborted("sched", "abort_threshold",
			fmt.Errorf("%d chunks failed", res.Failed))
		d.persist()
		return nil
	}
	d.machine.Fire(phase.ExecutionComplete, "all stages done")

	if err := d.synthesise(ctx, res); err != nil {
		return err
	}
	d.machine.Fire(phase.SynthesisComplete, "report ready")
	return nil
}

// clarify loops orchestrator turns until a plan parses. Anything that is not
// a plan is treated as clarifying questions and surfaced to the user.
func (d *Driver) clarify(ctx context.Context) (*plan.Plan, error) {
	for {
		if err := d.waitIfPaused(ctx); err != nil {
			return nil, err
		}
		out, err := d.orchestratorTurn(ctx)
		if err != nil {
			return nil, err
		}

		if p, ok := parsePlan(out.Message); ok {
			d.sess.Append(agent.Message{
				AuthorRole: agent.AuthorCoordinator, Type: agent.TypePlan, Content: out.Message,
			})
			return p, nil
		}

		questions := parseQuestions(out.Message)
		d.sess.Append(agent.Message{
			AuthorRole: agent.AuthorCoordinator, Type: agent.TypeClarification,
			Content: strings.Join(questions, "\n"),
		})
		d.bus.Publish(&bus.ClarificationRequestedPayload{
			BasePayload: bus.Base(bus.EventTypeClarificationRequested, d.sess.ID),
			Questions:   questions,
		})

		answer, err := d.awaitUserMessage(ctx)
		if err != nil {
			return nil, err
		}
		d.bus.Publish(&bus.ClarificationReceivedPayload{
			BasePayload: bus.Base(bus.EventTypeClarificationReceived, d.sess.ID),
			Answer:      answer,
		})
		d.sess.Append(agent.Message{
			AuthorRole: agent.AuthorUser, Type: agent.TypeClarification, Content: answer,
		})
		d.mu.Lock()
		d.orchHistory = append(d.orchHistory, agent.ConversationMessage{
			Role: agent.RoleUser, Content: answer,
		})
		d.mu.Unlock()
	}
}

// orchestratorTurn runs one orchestrator LLM call under its timeout and
// folds the response into the retained history.
func (d *Driver) orchestratorTurn(ctx context.Context) (*agent.ProcessOutput, error) {
	d.mu.Lock()
	history := append([]agent.ConversationMessage(nil), d.orchHistory...)
	orch := d.orchestrator
	d.mu.Unlock()

	callCtx := ctx
	if d.cfg.OrchestratorLLMTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.cfg.OrchestratorLLMTimeout)
		defer cancel()
	}

	out, err := orch.Process(callCtx, &agent.ProcessInput{
		History:      history,
		SystemPrompt: orchestratorInstructions,
		Turn:         orch.Instance().Turns() + 1,
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("orchestrator call timed out: %w", err)
		}
		return nil, err
	}

	d.sess.AddTurnCost(out.Usage, agent.PricingFor(orch.Instance().Model))
	d.mu.Lock()
	d.orchHistory = append(d.orchHistory, agent.AssistantMessage(out))
	d.mu.Unlock()

	d.bus.Publish(&bus.CommentaryPayload{
		BasePayload: bus.Base(bus.EventTypeOrchestratorCommentary, d.sess.ID),
		AgentID:     orch.Instance().ID,
		AgentName:   "orchestrator",
		Content:     out.Message,
	})
	return out, nil
}

func (d *Driver) awaitUserMessage(ctx context.Context) (string, error) {
	select {
	case msg := <-d.userMsgCh:
		return msg, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (d *Driver) awaitApproval(ctx context.Context) (approvalSignal, error) {
	select {
	case sig := <-d.approvalCh:
		return sig, nil
	case <-ctx.Done():
		return approvalSignal{}, ctx.Err()
	}
}

func (d *Driver) execute(ctx context.Context, p *plan.Plan) (*sched.RunResult, error) {
	if err := d.waitIfPaused(ctx); err != nil {
		return nil, err
	}

	workspaces, err := sched.NewWorkspaceManager(d.cfg.WorkspaceStrategy, d.cfg.WorkingDirectory)
	if err != nil {
		return nil, fmt.Errorf("workspace strategy: %w", err)
	}

	exec := sched.NewExecutor(sched.Config{
		MaxParallel:           d.cfg.MaxParallelSessions,
		MaxRetriesPerChunk:    d.cfg.MaxRetriesPerChunk,
		RetryDelay:            d.cfg.RetryDelay,
		WorkerTimeout:         d.cfg.WorkerTimeout,
		AbortFailureThreshold: d.cfg.AbortFailureThreshold,
	}, d.runChunk, workspaces, d.bus, d.sess.ID)

	d.mu.Lock()
	d.executor = exec
	for _, inj := range d.injections {
		exec.Inject(inj)
	}
	d.injections = nil
	d.mu.Unlock()

	return exec.Run(ctx, p)
}

func (d *Driver) waitIfPaused(ctx context.Context) error {
	for {
		d.mu.Lock()
		paused := d.paused
		resume := d.resumeCh
		d.mu.Unlock()
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

func (d *Driver) publishPlanCreated(p *plan.Plan, stageCount int) {
	data, err := p.Marshal()
	if err != nil {
		d.logger.Warn("plan marshal failed", "error", err)
	}
	d.bus.Publish(&bus.PlanCreatedPayload{
		BasePayload: bus.Base(bus.EventTypePlanCreated, d.sess.ID),
		PlanID:      p.ID,
		PlanJSON:    string(data),
		ChunkCount:  len(p.Chunks),
		StageCount:  stageCount,
	})
}

func (d *Driver) publishAborted(source, code string, err error) {
	d.mu.Lock()
	sess := d.sess
	d.mu.Unlock()
	if sess == nil {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	d.bus.Publish(&bus.TaskAbortedPayload{
		BasePayload: bus.Base(bus.EventTypeTaskAborted, sess.ID),
		Source:      source,
		Code:        code,
		Error:       msg,
	})
}

// followUp answers a question from the retained orchestrator conversation.
func (d *Driver) followUp(ctx context.Context, text string) error {
	d.mu.Lock()
	if d.orchestrator == nil {
		d.mu.Unlock()
		return errors.New("no retained conversation")
	}
	d.orchHistory = append(d.orchHistory, agent.ConversationMessage{
		Role: agent.RoleUser, Content: text,
	})
	d.mu.Unlock()

	d.sess.Append(agent.Message{AuthorRole: agent.AuthorUser, Type: agent.TypeUserMessage, Content: text})
	out, err := d.orchestratorTurn(ctx)
	if err != nil {
		return err
	}
	d.sess.Append(agent.Message{
		AuthorRole: agent.AuthorCoordinator, Type: agent.TypeCommentary, Content: out.Message,
	})
	return nil
}

func (d *Driver) persist() {
	d.mu.Lock()
	st := d.store
	sess := d.sess
	d.mu.Unlock()
	if st == nil || sess == nil {
		return
	}
	if err := st.SaveSession(context.Background(), store.Snapshot(sess)); err != nil {
		d.logger.Warn("session persist failed", "error", err)
	}
}

// streamSink bridges an agent's streamed chunks onto the bus.
func (d *Driver) streamSink(agentID string) agent.ChunkSink {
	return func(c agent.Chunk) {
		d.mu.Lock()
		sess := d.sess
		d.mu.Unlock()
		if sess == nil {
			return
		}
		switch v := c.(type) {
		case agent.TextChunk:
			d.bus.Publish(&bus.StreamChunkPayload{
				BasePayload: bus.Base(bus.EventTypeStreamChunk, sess.ID),
				AgentID:     agentID,
				Delta:       v.Content,
			})
		case agent.ThinkingChunk:
			d.bus.Publish(&bus.CommentaryPayload{
				BasePayload: bus.Base(bus.EventTypeReasoning, sess.ID),
				AgentID:     agentID,
				Content:     v.Content,
			})
		}
	}
}

// parsePlan extracts and validates a plan document from model output.
func parsePlan(message string) (*plan.Plan, bool) {
	raw := agent.ExtractJSON(message)
	if raw == "" {
		return nil, false
	}
	p, err := plan.Parse([]byte(raw))
	if err != nil {
		return nil, false
	}
	return p, true
}

// parseQuestions extracts clarification questions; output that is neither a
// plan nor a questions document is surfaced verbatim as one question.
func parseQuestions(message string) []string {
	raw := agent.ExtractJSON(message)
	if raw != "" {
		var doc struct {
			Questions []string `json:"questions"`
		}
		if err := json.Unmarshal([]byte(raw), &doc); err == nil && len(doc.Questions) > 0 {
			return doc.Questions
		}
	}
	return []string{strings.TrimSpace(message)}
}
