package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
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

// headClarifyInstructions governs the Head's opening call: either ask the
// user questions or frame the discussion, optionally inferring the depth.
const headClarifyInstructions = `You lead a panel discussion on the user's question.
If something essential is missing, respond with ONLY {"questions": ["..."]}.
Otherwise respond with ONLY {"framing": "<one paragraph framing the debate>", "depth": "Quick"|"Standard"|"Deep"}.
Pick Quick for narrow questions, Deep for questions with broad consequences.`

// ErrBusy is returned by Start while a discussion is active.
var ErrBusy = errors.New("panel discussion already running")

// Synthesis is the Head's consolidated outcome of a discussion.
type Synthesis struct {
	ConsolidatedAnswer     string              `json:"consolidatedAnswer"`
	ConsensusPoints        []string            `json:"consensusPoints"`
	DissentingPoints       []string            `json:"dissentingPoints,omitempty"`
	ArgumentsByPerspective map[string][]string `json:"argumentsByPerspective"`
	Recommendations        []string            `json:"recommendations,omitempty"`
	Confidence             int                 `json:"confidence"`
	FollowUpAreas          []string            `json:"followUpAreas,omitempty"`
}

// Options wires the engine's collaborators. Client and Bus are required.
type Options struct {
	Settings config.PanelSettings
	Client   agent.LLMClient
	Tools    *tools.Executor
	Bus      *bus.Bus
	Store    store.Store
	Logger   *slog.Logger
	// RequireApproval makes the engine wait for ApprovePlan after framing.
	// Off by default: the framing is informational.
	RequireApproval bool
	// ConvergenceCheckEvery is the turn cadence of convergence evaluation.
	// Defaults to every turn.
	ConvergenceCheckEvery int
}

type panelist struct {
	persona Persona
	agent   *agent.LLMAgent
}

// Engine runs one panel discussion at a time.
type Engine struct {
	cfg        config.PanelSettings
	client     agent.LLMClient
	tools      *tools.Executor
	bus        *bus.Bus
	store      store.Store
	logger     *slog.Logger
	machine    *phase.Machine
	approval   bool
	checkEvery int

	mu          sync.Mutex
	sess        *session.Session
	head        *agent.LLMAgent
	moderator   *agent.LLMAgent
	panelists   []*panelist
	depth       depthParams
	synthesis   *Synthesis
	brief       string
	convergence []ConvergenceResult
	rejection   string
	nextRobin   int
	resumeCh    chan struct{}

	userMsgCh  chan string
	approvalCh chan bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates an idle engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	every := opts.ConvergenceCheckEvery
	if every <= 0 {
		every = 1
	}
	e := &Engine{
		cfg:        opts.Settings,
		client:     opts.Client,
		tools:      opts.Tools,
		bus:        opts.Bus,
		store:      opts.Store,
		logger:     logger.With("component", "panel"),
		machine:    phase.NewPanelMachine(),
		approval:   opts.RequireApproval,
		checkEvery: every,
	}
	e.machine.SetObserver(e.onTransition)
	return e
}

// Phase returns the current lifecycle phase.
func (e *Engine) Phase() phase.State { return e.machine.Current() }

// Session returns the active session, or nil before the first Start.
func (e *Engine) Session() *session.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess
}

// Synthesis returns the discussion outcome once Completed, else nil.
func (e *Engine) Synthesis() *Synthesis {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.synthesis
}

// KnowledgeBrief returns the post-discussion brief, empty until Completed.
func (e *Engine) KnowledgeBrief() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.brief
}

// ConvergenceHistory returns every convergence evaluation so far.
func (e *Engine) ConvergenceHistory() []ConvergenceResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ConvergenceResult(nil), e.convergence...)
}

func railsFrom(cfg config.PanelSettings) session.GuardRails {
	return session.GuardRails{
		MaxTotalTokens:        cfg.MaxTotalTokens,
		MaxTokensPerTurn:      cfg.MaxTokensPerTurn,
		MaxDuration:           time.Duration(cfg.MaxDurationMinutes) * time.Minute,
		MaxToolCalls:          cfg.MaxToolCalls,
		MaxToolCallsPerTurn:   cfg.MaxToolCallsPerTurn,
		MaxSingleTurnDuration: time.Duration(cfg.MaxSingleTurnMinutes) * time.Minute,
		AllowFilesystem:       cfg.AllowFileSystemAccess,
	}
}

// Start opens a discussion on the question.
func (e *Engine) Start(ctx context.Context, question string) (string, error) {
	e.mu.Lock()
	if !e.machine.CanFire(phase.UserSubmitted) {
		e.mu.Unlock()
		return "", ErrBusy
	}
	sess := session.New(session.DriverPanel, question, railsFrom(e.cfg))
	e.sess = sess
	e.synthesis = nil
	e.brief = ""
	e.convergence = nil
	e.nextRobin = 0
	e.depth = resolveDepth(e.cfg.Depth, e.cfg)
	e.userMsgCh = make(chan string, 4)
	e.approvalCh = make(chan bool, 1)
	e.done = make(chan struct{})
	e.head = agent.NewLLMAgent("head", agent.RoleHead,
		agent.ParseModelID(e.cfg.HeadModel), e.client, agent.LLMAgentOpts{
			SessionID: sess.ID,
			Sink:      e.streamSink("head"),
			Logger:    e.logger,
		})
	sess.RegisterAgent(e.head.Instance())
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	sess.Append(agent.Message{AuthorRole: agent.AuthorUser, Type: agent.TypeUserMessage, Content: question})
	e.machine.Fire(phase.UserSubmitted, "question submitted")
	go e.run(runCtx)
	return sess.ID, nil
}

// SendUserMessage answers a clarification while Clarifying, or asks a
// follow-up once Completed. Follow-ups are answered from the knowledge
// brief; the transcript is not replayed.
func (e *Engine) SendUserMessage(ctx context.Context, text string) error {
	e.mu.Lock()
	sess := e.sess
	ch := e.userMsgCh
	e.mu.Unlock()
	if sess == nil {
		return errors.New("no active discussion")
	}

	switch {
	case e.machine.Is(phase.Clarifying):
		select {
		case ch <- text:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case e.machine.Is(phase.Completed):
		return e.followUp(ctx, text)
	default:
		return fmt.Errorf("no message expected in phase %s", e.machine.Current())
	}
}

// ApprovePlan approves the Head's framing when approval is required.
func (e *Engine) ApprovePlan() error {
	if !e.machine.Is(phase.AwaitingApproval) {
		return errors.New("no framing awaiting approval")
	}
	select {
	case e.approvalCh <- true:
	default:
	}
	return nil
}

// RejectPlan sends the framing back to clarification.
func (e *Engine) RejectPlan(reason string) error {
	if !e.machine.Is(phase.AwaitingApproval) {
		return errors.New("no framing awaiting approval")
	}
	e.mu.Lock()
	e.rejection = reason
	e.mu.Unlock()
	select {
	case e.approvalCh <- false:
	default:
	}
	return nil
}

// Pause halts the turn cycle after the current turn.
func (e *Engine) Pause() {
	if !e.machine.Fire(phase.UserPaused, "user pause") {
		return
	}
	e.mu.Lock()
	if e.resumeCh == nil {
		e.resumeCh = make(chan struct{})
	}
	e.mu.Unlock()
}

// Resume continues a paused discussion.
func (e *Engine) Resume() {
	if !e.machine.Fire(phase.UserResumed, "user resume") {
		return
	}
	e.mu.Lock()
	if e.resumeCh != nil {
		close(e.resumeCh)
		e.resumeCh = nil
	}
	e.mu.Unlock()
}

// Stop cancels the discussion.
func (e *Engine) Stop() {
	e.machine.Fire(phase.UserStopped, "user stop")
	e.mu.Lock()
	cancel := e.cancel
	resume := e.resumeCh
	e.resumeCh = nil
	e.mu.Unlock()
	if resume != nil {
		close(resume)
	}
	if cancel != nil {
		cancel()
	}
}

// Reset returns a terminal engine to Idle. The synthesis and brief are
// retained until the next Start.
func (e *Engine) Reset() error {
	if !e.machine.Fire(phase.Reset, "user reset") {
		return fmt.Errorf("cannot reset from phase %s", e.machine.Current())
	}
	e.mu.Lock()
	e.head = nil
	e.moderator = nil
	e.panelists = nil
	e.mu.Unlock()
	return nil
}

// InjectInstruction surfaces an instruction to the moderator at its next
// turn, as a system entry in the transcript.
func (e *Engine) InjectInstruction(text string) {
	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()
	if sess == nil {
		return
	}
	sess.Append(agent.Message{
		AuthorRole: agent.AuthorSystem, Type: agent.TypeCommentary,
		Content: "Instruction from the user: " + text,
	})
	e.bus.Publish(&bus.InjectionReceivedPayload{
		BasePayload: bus.Base(bus.EventTypeInjectionReceived, sess.ID),
		Instruction: text,
	})
}

// Wait blocks until the discussion goroutine exits.
func (e *Engine) Wait() {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (e *Engine) onTransition(t phase.Transition) {
	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()
	if sess == nil {
		return
	}
	sess.SetPhase(t.To)
	e.bus.Publish(&bus.PhaseChangedPayload{
		BasePayload: bus.Base(bus.EventTypePhaseChanged, sess.ID),
		From:        string(t.From),
		To:          string(t.To),
		Reason:      t.Reason,
	})
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	err := e.pipeline(ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		e.machine.Fire(phase.UserStopped, "stopped")
		e.bus.Publish(&bus.TaskAbortedPayload{
			BasePayload: bus.Base(bus.EventTypeTaskAborted, e.sess.ID),
			Source:      "user",
			Code:        "stopped",
		})
	default:
		e.logger.Error("panel discussion failed", "error", err)
		e.machine.Fire(phase.ErrorOccurred, err.Error())
		e.bus.Publish(&bus.TaskAbortedPayload{
			BasePayload: bus.Base(bus.EventTypeTaskAborted, e.sess.ID),
			Source:      "panel",
			Code:        "fatal",
			Error:       err.Error(),
		})
	}
	e.persist()
}

func (e *Engine) pipeline(ctx context.Context) error {
	if err := e.clarify(ctx); err != nil {
		return err
	}
	e.machine.Fire(phase.ClarificationsComplete, "framing ready")
	if err := e.awaitApproval(ctx); err != nil {
		return err
	}

	e.prepare()
	e.machine.Fire(phase.PanelistsReady, fmt.Sprintf("%d panelists", len(e.panelists)))

	if err := e.debate(ctx); err != nil {
		return err
	}

	e.machine.Fire(phase.StartSynthesis, "debate settled")
	if err := e.synthesise(ctx); err != nil {
		return err
	}
	e.machine.Fire(phase.SynthesisComplete, "synthesis ready")
	return nil
}

// clarify runs the Head's framing call, looping on user answers until the
// Head stops asking questions. The Head's depth inference applies only when
// the configuration says Auto.
func (e *Engine) clarify(ctx context.Context) error {
	history := []agent.ConversationMessage{{Role: agent.RoleUser, Content: e.sess.Prompt}}
	e.mu.Lock()
	if e.rejection != "" {
		history = append(history, agent.ConversationMessage{
			Role: agent.RoleUser, Content: "The framing was rejected: " + e.rejection,
		})
		e.rejection = ""
	}
	e.mu.Unlock()

	for {
		out, err := e.head.Process(ctx, &agent.ProcessInput{
			History:      history,
			SystemPrompt: headClarifyInstructions,
			Turn:         e.head.Instance().Turns() + 1,
		})
		if err != nil {
			return fmt.Errorf("head framing: %w", err)
		}
		e.sess.AddTurnCost(out.Usage, agent.PricingFor(e.head.Instance().Model))
		history = append(history, agent.AssistantMessage(out))

		framing, depth, questions := parseFraming(out.Message)
		if len(questions) > 0 {
			e.sess.Append(agent.Message{
				AuthorRole: agent.AuthorCoordinator, AgentID: "head",
				Type: agent.TypeClarification, Content: out.Message,
			})
			e.bus.Publish(&bus.ClarificationRequestedPayload{
				BasePayload: bus.Base(bus.EventTypeClarificationRequested, e.sess.ID),
				Questions:   questions,
			})
			select {
			case answer := <-e.userMsgCh:
				e.bus.Publish(&bus.ClarificationReceivedPayload{
					BasePayload: bus.Base(bus.EventTypeClarificationReceived, e.sess.ID),
					Answer:      answer,
				})
				e.sess.Append(agent.Message{AuthorRole: agent.AuthorUser, Type: agent.TypeUserMessage, Content: answer})
				history = append(history, agent.ConversationMessage{Role: agent.RoleUser, Content: answer})
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if e.cfg.Depth == config.DepthAuto && depth != "" {
			e.mu.Lock()
			e.depth = resolveDepth(config.Depth(depth), e.cfg)
			e.mu.Unlock()
		}
		e.sess.Append(agent.Message{
			AuthorRole: agent.AuthorCoordinator, AgentID: "head",
			Type: agent.TypeCommentary, Content: framing,
		})
		e.bus.Publish(&bus.CommentaryPayload{
			BasePayload: bus.Base(bus.EventTypeOrchestratorCommentary, e.sess.ID),
			AgentID:     e.head.Instance().ID,
			AgentName:   "head",
			Content:     framing,
		})
		return nil
	}
}

func (e *Engine) awaitApproval(ctx context.Context) error {
	if !e.approval {
		e.machine.Fire(phase.UserApproved, "approval not required")
		return nil
	}
	for {
		select {
		case approved := <-e.approvalCh:
			if approved {
				e.machine.Fire(phase.UserApproved, "framing approved")
				return nil
			}
			e.machine.Fire(phase.UserRejected, "framing rejected")
			if err := e.clarify(ctx); err != nil {
				return err
			}
			e.machine.Fire(phase.ClarificationsComplete, "framing revised")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// prepare spawns the moderator and the preset's panelists.
func (e *Engine) prepare() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.moderator = agent.NewLLMAgent("moderator", agent.RoleModerator,
		agent.ParseModelID(e.cfg.ModeratorModel), e.client, agent.LLMAgentOpts{
			SessionID: e.sess.ID,
			Logger:    e.logger,
		})
	e.sess.RegisterAgent(e.moderator.Instance())

	for _, persona := range PanelistsFor(e.cfg.PanelistPreset, e.cfg.Panelists) {
		name := "panelist-" + strings.ToLower(strings.ReplaceAll(persona.Name, " ", "-"))
		a := agent.NewLLMAgent(name, agent.RolePanelist,
			agent.ParseModelID(e.cfg.PanelistModel), e.client, agent.LLMAgentOpts{
				SessionID: e.sess.ID,
				Executor:  e.toolExecutor(),
				Sink:      e.streamSink(persona.Name),
				MaxTokens: e.cfg.MaxTokensPerTurn,
				Logger:    e.logger,
			})
		e.sess.RegisterAgent(a.Instance())
		e.bus.Publish(&bus.WorkerStartedPayload{
			BasePayload: bus.Base(bus.EventTypeWorkerStarted, e.sess.ID),
			WorkerID:    name,
			Role:        string(agent.RolePanelist),
			Title:       persona.Name,
		})
		e.panelists = append(e.panelists, &panelist{persona: persona, agent: a})
	}
}

// debate runs the moderator-driven turn cycle until convergence, a guard
// rail breach or the turn budget ends it.
func (e *Engine) debate(ctx context.Context) error {
	e.mu.Lock()
	maxTurns := e.depth.MaxTurns
	threshold := e.depth.ConvergenceThreshold
	e.mu.Unlock()

	for turn := 1; turn <= maxTurns; turn++ {
		if err := e.waitIfPaused(ctx); err != nil {
			return err
		}

		decision, parseErr := e.moderatorTurn(ctx, turn)
		if parseErr != nil {
			// Fail-open: a bad decision document never stops the debate.
			e.logger.Warn("moderator decision unusable, falling back to round-robin", "error", parseErr)
		}

		var result ConvergenceResult
		if turn%e.checkEvery == 0 {
			result = evaluateConvergence(decision, parseErr, turn, threshold)
		} else {
			result = ConvergenceResult{Status: ConvergenceSkipped, Explanation: "off-cadence turn"}
		}
		e.mu.Lock()
		e.convergence = append(e.convergence, result)
		e.mu.Unlock()

		if result.Status == ConvergenceCompleted && (result.IsConverged || decision.StopDiscussion) {
			e.machine.Fire(phase.ConvergenceDetected,
				fmt.Sprintf("score %d >= %d", result.Score, threshold))
			return nil
		}

		if decision.RedirectMessage != "" {
			e.sess.Append(agent.Message{
				AuthorRole: agent.AuthorSystem, Type: agent.TypeCommentary,
				Content: "Moderator: " + decision.RedirectMessage,
			})
		}

		if err := e.speak(ctx, decision); err != nil {
			return err
		}

		if breach, breached := e.sess.CheckRails(); breached {
			reason := fmt.Sprintf("guard rail %s (%d >= %d)", breach.Rail, breach.Actual, breach.Limit)
			if breach.Rail == "max_duration" {
				e.machine.Fire(phase.Timeout, reason)
			} else {
				e.machine.Fire(phase.ConvergenceDetected, reason)
			}
			return nil
		}
	}

	e.machine.Fire(phase.ConvergenceDetected, "turn budget exhausted")
	return nil
}

// speak invokes the decided speaker, or a 2-3 panelist parallel group whose
// responses are appended in list order.
func (e *Engine) speak(ctx context.Context, decision ModeratorDecision) error {
	if decision.AllowParallelThinking {
		group := e.resolvePanelists(decision.ParallelGroup)
		if len(group) >= 2 && len(group) <= 3 {
			return e.speakParallel(ctx, group)
		}
	}
	speaker := e.resolveSpeaker(decision.NextSpeaker)
	out, err := e.panelistTurn(ctx, speaker)
	if err != nil {
		return err
	}
	e.appendArgument(speaker, out)
	return nil
}

func (e *Engine) speakParallel(ctx context.Context, group []*panelist) error {
	outs := make([]*agent.ProcessOutput, len(group))
	errs := make([]error, len(group))
	var wg sync.WaitGroup
	for i, p := range group {
		wg.Add(1)
		go func(i int, p *panelist) {
			defer wg.Done()
			outs[i], errs[i] = e.panelistTurn(ctx, p)
		}(i, p)
	}
	wg.Wait()
	for i, p := range group {
		if errs[i] != nil {
			return errs[i]
		}
		e.appendArgument(p, outs[i])
	}
	return nil
}

// resolveSpeaker maps the moderator's pick to a panelist, round-robin when
// absent or unknown.
func (e *Engine) resolveSpeaker(name string) *panelist {
	e.mu.Lock()
	defer e.mu.Unlock()
	if name != "" {
		for _, p := range e.panelists {
			if strings.EqualFold(p.persona.Name, name) {
				return p
			}
		}
	}
	p := e.panelists[e.nextRobin%len(e.panelists)]
	e.nextRobin++
	return p
}

func (e *Engine) resolvePanelists(names []string) []*panelist {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*panelist
	for _, name := range names {
		for _, p := range e.panelists {
			if strings.EqualFold(p.persona.Name, name) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

func (e *Engine) moderatorTurn(ctx context.Context, turn int) (ModeratorDecision, error) {
	names := e.panelistNames()
	prompt := fmt.Sprintf(
		"Turn %d of at most %d. Panelists: %s.\n\nDiscussion so far:\n%s\nReturn your decision document.",
		turn, e.depth.MaxTurns, strings.Join(names, ", "), renderTranscript(e.sess.Messages(), 30))

	out, err := e.moderator.Process(ctx, &agent.ProcessInput{
		History: []agent.ConversationMessage{{Role: agent.RoleUser, Content: prompt}},
		Turn:    e.moderator.Instance().Turns() + 1,
	})
	if err != nil {
		return ModeratorDecision{}, err
	}
	e.sess.AddTurnCost(out.Usage, agent.PricingFor(e.moderator.Instance().Model))

	decision, parseErr := parseModeratorDecision(out.Message)
	if decision.Reasoning != "" {
		e.bus.Publish(&bus.CommentaryPayload{
			BasePayload: bus.Base(bus.EventTypeReasoning, e.sess.ID),
			AgentID:     e.moderator.Instance().ID,
			AgentName:   "moderator",
			Content:     decision.Reasoning,
		})
	}
	return decision, parseErr
}

func (e *Engine) panelistTurn(ctx context.Context, p *panelist) (*agent.ProcessOutput, error) {
	system := fmt.Sprintf("You are the %s panelist. %s", p.persona.Name, p.persona.Instructions)
	var defs []agent.ToolDefinition
	if e.tools != nil && e.cfg.AllowFileSystemAccess {
		var err error
		if defs, err = e.tools.Definitions(ctx); err != nil {
			e.logger.Warn("listing tools failed, panelist argues without tools",
				"panelist", p.persona.Name, "error", err)
		}
	}
	start := time.Now()
	out, err := p.agent.Process(ctx, &agent.ProcessInput{
		History: []agent.ConversationMessage{{
			Role:    agent.RoleUser,
			Content: "Discussion so far:\n" + renderTranscript(e.sess.Messages(), 30) + "\nMake your next argument.",
		}},
		SystemPrompt: system,
		Turn:         p.agent.Instance().Turns() + 1,
		Tools:        defs,
	})
	if err != nil {
		return nil, fmt.Errorf("panelist %s: %w", p.persona.Name, err)
	}
	e.sess.AddTurnCost(out.Usage, agent.PricingFor(p.agent.Instance().Model))
	e.sess.NoteTurn(len(out.ToolCalls), time.Since(start))
	return out, nil
}

func (e *Engine) appendArgument(p *panelist, out *agent.ProcessOutput) {
	e.sess.Append(agent.Message{
		AuthorRole: agent.AuthorContributor,
		AgentID:    p.persona.Name,
		Type:       agent.TypeArgument,
		Content:    out.Message,
		ToolCalls:  out.ToolCalls,
	})
	e.bus.Publish(&bus.CommentaryPayload{
		BasePayload: bus.Base(bus.EventTypeWorkerCommentary, e.sess.ID),
		AgentID:     p.agent.Instance().ID,
		AgentName:   p.persona.Name,
		Content:     out.Message,
	})
}

func (e *Engine) panelistNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, len(e.panelists))
	for i, p := range e.panelists {
		names[i] = p.persona.Name
	}
	return names
}

func (e *Engine) waitIfPaused(ctx context.Context) error {
	for {
		e.mu.Lock()
		resume := e.resumeCh
		e.mu.Unlock()
		if resume == nil {
			return nil
		}
		select {
		case <-resume:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) streamSink(name string) agent.ChunkSink {
	return func(c agent.Chunk) {
		e.mu.Lock()
		sess := e.sess
		e.mu.Unlock()
		if sess == nil {
			return
		}
		switch v := c.(type) {
		case agent.TextChunk:
			e.bus.Publish(&bus.StreamChunkPayload{
				BasePayload: bus.Base(bus.EventTypeStreamChunk, sess.ID),
				AgentID:     name,
				Delta:       v.Content,
			})
		case agent.ThinkingChunk:
			e.bus.Publish(&bus.CommentaryPayload{
				BasePayload: bus.Base(bus.EventTypeReasoning, sess.ID),
				AgentID:     name,
				AgentName:   name,
				Content:     v.Content,
			})
		}
	}
}

// toolExecutor avoids handing agents a typed-nil interface.
func (e *Engine) toolExecutor() agent.ToolExecutor {
	if e.tools == nil {
		return nil
	}
	return e.tools
}

func (e *Engine) persist() {
	e.mu.Lock()
	st := e.store
	sess := e.sess
	e.mu.Unlock()
	if st == nil || sess == nil {
		return
	}
	if err := st.SaveSession(context.Background(), store.Snapshot(sess)); err != nil {
		e.logger.Warn("session persist failed", "error", err)
	}
}

// parseFraming splits the Head's opening response into framing, inferred
// depth and questions. Unstructured output is treated as the framing itself.
func parseFraming(message string) (framing, depth string, questions []string) {
	raw := agent.ExtractJSON(message)
	if raw == "" {
		return strings.TrimSpace(message), "", nil
	}
	var doc struct {
		Questions []string `json:"questions"`
		Framing   string   `json:"framing"`
		Depth     string   `json:"depth"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return strings.TrimSpace(message), "", nil
	}
	if len(doc.Questions) > 0 {
		return "", "", doc.Questions
	}
	if doc.Framing == "" {
		return strings.TrimSpace(message), doc.Depth, nil
	}
	return doc.Framing, doc.Depth, nil
}

// renderTranscript flattens the last n transcript entries for a prompt.
func renderTranscript(messages []agent.Message, n int) string {
	if len(messages) > n {
		messages = messages[len(messages)-n:]
	}
	var sb strings.Builder
	for _, msg := range messages {
		author := msg.AgentID
		if author == "" {
			author = string(msg.AuthorRole)
		}
		fmt.Fprintf(&sb, "[%s] %s\n", author, msg.Content)
	}
	return sb.String()
}
