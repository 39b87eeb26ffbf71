// Package sched executes an orchestration plan stage by stage: chunks within
// a stage run concurrently under a semaphore, failures retry with the error
// context folded into the next prompt, and a failure budget aborts the run.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentdesk/conductor/pkg/bus"
	"github.com/agentdesk/conductor/pkg/plan"
)

// Executor defaults.
const (
	DefaultMaxParallel           = 5
	DefaultMaxRetriesPerChunk    = 2
	DefaultRetryDelay            = 5 * time.Second
	DefaultWorkerTimeout         = 10 * time.Minute
	DefaultAbortFailureThreshold = 3
)

// Config tunes one plan execution.
type Config struct {
	MaxParallel           int
	MaxRetriesPerChunk    int
	RetryDelay            time.Duration
	WorkerTimeout         time.Duration
	AbortFailureThreshold int
}

// DefaultConfig returns the standard execution limits.
func DefaultConfig() Config {
	return Config{
		MaxParallel:           DefaultMaxParallel,
		MaxRetriesPerChunk:    DefaultMaxRetriesPerChunk,
		RetryDelay:            DefaultRetryDelay,
		WorkerTimeout:         DefaultWorkerTimeout,
		AbortFailureThreshold: DefaultAbortFailureThreshold,
	}
}

func (c Config) normalized() Config {
	if c.MaxParallel <= 0 {
		c.MaxParallel = DefaultMaxParallel
	}
	if c.MaxRetriesPerChunk < 0 {
		c.MaxRetriesPerChunk = DefaultMaxRetriesPerChunk
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = DefaultWorkerTimeout
	}
	if c.AbortFailureThreshold <= 0 {
		c.AbortFailureThreshold = DefaultAbortFailureThreshold
	}
	return c
}

// ChunkRunner executes one chunk attempt and returns the worker's result
// text. The Team driver supplies a runner that spawns a role-configured
// agent; tests supply stubs.
type ChunkRunner func(ctx context.Context, chunk *plan.Chunk, prompt string, ws *Workspace) (string, error)

// ChunkResult is one chunk's final outcome. Cancelled marks a chunk that was
// interrupted by run cancellation rather than failing on its own.
type ChunkResult struct {
	ChunkID   string
	Title     string
	Role      string
	Output    string
	Err       string
	Retries   int
	Cancelled bool
}

// RunResult aggregates a plan execution.
type RunResult struct {
	Succeeded int
	Failed    int
	Cancelled int
	Aborted   bool
	Results   []ChunkResult
}

// Executor runs plans. One executor serves one session.
type Executor struct {
	cfg        Config
	bus        *bus.Bus
	sessionID  string
	workspaces WorkspaceManager
	runner     ChunkRunner
	logger     *slog.Logger

	mu         sync.Mutex
	injections []string
}

// NewExecutor creates an executor. The bus may be nil in tests.
func NewExecutor(cfg Config, runner ChunkRunner, workspaces WorkspaceManager, b *bus.Bus, sessionID string) *Executor {
	if workspaces == nil {
		workspaces = inMemoryManager{}
	}
	return &Executor{
		cfg:        cfg.normalized(),
		bus:        b,
		sessionID:  sessionID,
		workspaces: workspaces,
		runner:     runner,
		logger:     slog.Default().With("component", "sched", "session", sessionID),
	}
}

// Inject queues a mid-run instruction. It is folded into the prompts of every
// chunk that starts after the next stage boundary.
func (e *Executor) Inject(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.injections = append(e.injections, text)
}

// drainInjections consumes queued instructions into one prompt prefix.
func (e *Executor) drainInjections() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.injections) == 0 {
		return ""
	}
	var sb []byte
	for _, inj := range e.injections {
		sb = append(sb, "Additional instruction from the user: "...)
		sb = append(sb, inj...)
		sb = append(sb, '\n')
	}
	e.injections = nil
	return string(sb) + "\n"
}

// Run layers the plan and executes it. The returned error is non-nil only
// for fatal conditions (cyclic plan, cancellation); chunk failures are
// reported through the result.
func (e *Executor) Run(ctx context.Context, p *plan.Plan) (*RunResult, error) {
	stages, err := p.Layer()
	if err != nil {
		return nil, err
	}

	p.Status = plan.StatusExecuting
	res := &RunResult{}
	injectionPrefix := ""

	for _, stage := range stages {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if prefix := e.drainInjections(); prefix != "" {
			injectionPrefix += prefix
		}

		e.publishStageStarted(stage, len(stages))
		stageResults := e.runStage(ctx, stage, injectionPrefix)

		var stageOK, stageFailed, stageCancelled int
		for _, cr := range stageResults {
			res.Results = append(res.Results, cr)
			switch {
			case cr.Err == "":
				stageOK++
			case cr.Cancelled:
				stageCancelled++
			default:
				stageFailed++
			}
		}
		res.Succeeded += stageOK
		res.Failed += stageFailed
		res.Cancelled += stageCancelled
		e.publishStageCompleted(stage, stageOK, stageFailed)

		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if res.Failed >= e.cfg.AbortFailureThreshold {
			e.logger.Error("failure threshold reached, aborting remaining stages",
				"failed", res.Failed, "threshold", e.cfg.AbortFailureThreshold)
			res.Aborted = true
			e.skipRemaining(stages, stage.Index)
			p.Status = plan.StatusFailed
			return res, nil
		}
	}

	// Failures below the abort budget still complete the run.
	p.Status = plan.StatusCompleted
	return res, nil
}

// runStage executes one stage's chunks under the concurrency cap.
func (e *Executor) runStage(ctx context.Context, stage plan.Stage, injectionPrefix string) []ChunkResult {
	sem := make(chan struct{}, e.cfg.MaxParallel)
	results := make([]ChunkResult, len(stage.Chunks))
	var wg sync.WaitGroup

	for i, chunk := range stage.Chunks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				// Never started; not counted against the failure budget.
				chunk.Status = plan.ChunkSkipped
				results[i] = ChunkResult{ChunkID: chunk.ID, Title: chunk.Title,
					Err: "cancelled", Cancelled: true}
				return
			}
			results[i] = e.runChunk(ctx, chunk, injectionPrefix)
		}()
	}
	wg.Wait()
	return results
}

// runChunk runs one chunk to completion or retry exhaustion.
func (e *Executor) runChunk(ctx context.Context, chunk *plan.Chunk, injectionPrefix string) ChunkResult {
	workerID := "worker-" + chunk.ID
	chunk.Status = plan.ChunkRunning
	chunk.StartedAt = time.Now()
	e.publishWorkerStarted(workerID, chunk)

	ws, err := e.workspaces.Acquire(ctx, chunk.ID)
	if err != nil {
		return e.failChunk(workerID, chunk, fmt.Errorf("acquiring workspace: %w", err))
	}
	defer ws.Release()
	chunk.Workspace = ws.Path

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetriesPerChunk; attempt++ {
		if attempt > 0 {
			chunk.Retries = attempt
			e.publishWorkerRetrying(workerID, chunk, attempt, lastErr)
			select {
			case <-time.After(e.cfg.RetryDelay):
			case <-ctx.Done():
				return e.cancelChunk(workerID, chunk)
			}
		}

		prompt := injectionPrefix + chunk.Prompt
		if lastErr != nil {
			prompt += fmt.Sprintf(
				"\n\nThe previous attempt failed with: %v\nAddress the failure and complete the task.", lastErr)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.WorkerTimeout)
		output, runErr := e.runner(attemptCtx, chunk, prompt, ws)
		cancel()

		if runErr == nil {
			chunk.Status = plan.ChunkCompleted
			chunk.FinishedAt = time.Now()
			chunk.ResultRef = output
			e.publishWorkerCompleted(workerID, chunk, output)
			return ChunkResult{
				ChunkID: chunk.ID, Title: chunk.Title, Role: string(chunk.AssignedRole),
				Output: output, Retries: chunk.Retries,
			}
		}
		lastErr = runErr
		if ctx.Err() != nil {
			return e.cancelChunk(workerID, chunk)
		}
	}
	return e.failChunk(workerID, chunk, lastErr)
}

func (e *Executor) failChunk(workerID string, chunk *plan.Chunk, err error) ChunkResult {
	chunk.Status = plan.ChunkFailed
	chunk.FinishedAt = time.Now()
	e.publishWorkerFailed(workerID, chunk, err)
	return ChunkResult{
		ChunkID: chunk.ID, Title: chunk.Title, Role: string(chunk.AssignedRole),
		Err: err.Error(), Retries: chunk.Retries,
	}
}

// cancelChunk records a run-cancellation interrupt. Cancelled chunks never
// count against the abort failure budget.
func (e *Executor) cancelChunk(workerID string, chunk *plan.Chunk) ChunkResult {
	chunk.Status = plan.ChunkCancelled
	chunk.FinishedAt = time.Now()
	if e.bus != nil {
		e.bus.Publish(&bus.WorkerFailedPayload{
			BasePayload: bus.BaseCorrelated(bus.EventTypeWorkerFailed, e.sessionID, chunk.ID),
			WorkerID:    workerID,
			ChunkID:     chunk.ID,
			Code:        "cancelled",
			Error:       context.Canceled.Error(),
		})
	}
	return ChunkResult{
		ChunkID: chunk.ID, Title: chunk.Title, Role: string(chunk.AssignedRole),
		Err: "cancelled", Retries: chunk.Retries, Cancelled: true,
	}
}

// skipRemaining marks chunks in stages after the aborted one as skipped.
func (e *Executor) skipRemaining(stages []plan.Stage, abortedIndex int) {
	for _, stage := range stages[abortedIndex+1:] {
		for _, c := range stage.Chunks {
			if c.Status == plan.ChunkPending {
				c.Status = plan.ChunkSkipped
			}
		}
	}
}

func (e *Executor) publishStageStarted(stage plan.Stage, total int) {
	if e.bus == nil {
		return
	}
	ids := make([]string, 0, len(stage.Chunks))
	for _, c := range stage.Chunks {
		ids = append(ids, c.ID)
	}
	e.bus.Publish(&bus.StageStartedPayload{
		BasePayload: bus.Base(bus.EventTypeStageStarted, e.sessionID),
		StageIndex:  stage.Index + 1,
		StageCount:  total,
		ChunkIDs:    ids,
	})
}

func (e *Executor) publishStageCompleted(stage plan.Stage, ok, failed int) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(&bus.StageCompletedPayload{
		BasePayload: bus.Base(bus.EventTypeStageCompleted, e.sessionID),
		StageIndex:  stage.Index + 1,
		Succeeded:   ok,
		Failed:      failed,
	})
}

func (e *Executor) publishWorkerStarted(workerID string, chunk *plan.Chunk) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(&bus.WorkerStartedPayload{
		BasePayload: bus.BaseCorrelated(bus.EventTypeWorkerStarted, e.sessionID, chunk.ID),
		WorkerID:    workerID,
		ChunkID:     chunk.ID,
		Role:        string(chunk.AssignedRole),
		Title:       chunk.Title,
	})
}

func (e *Executor) publishWorkerCompleted(workerID string, chunk *plan.Chunk, summary string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(&bus.WorkerCompletedPayload{
		BasePayload: bus.BaseCorrelated(bus.EventTypeWorkerCompleted, e.sessionID, chunk.ID),
		WorkerID:    workerID,
		ChunkID:     chunk.ID,
		Summary:     summary,
	})
}

func (e *Executor) publishWorkerFailed(workerID string, chunk *plan.Chunk, err error) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(&bus.WorkerFailedPayload{
		BasePayload: bus.BaseCorrelated(bus.EventTypeWorkerFailed, e.sessionID, chunk.ID),
		WorkerID:    workerID,
		ChunkID:     chunk.ID,
		Error:       err.Error(),
	})
}

func (e *Executor) publishWorkerRetrying(workerID string, chunk *plan.Chunk, attempt int, err error) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(&bus.WorkerRetryingPayload{
		BasePayload: bus.BaseCorrelated(bus.EventTypeWorkerRetrying, e.sessionID, chunk.ID),
		WorkerID:    workerID,
		ChunkID:     chunk.ID,
		Attempt:     attempt,
		Error:       err.Error(),
	})
}
