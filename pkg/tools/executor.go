// Package tools implements the sandboxed tool executor: every agent tool
// call passes through approval, a per-tool circuit breaker, a timeout, retry
// with backoff and output truncation. The executor never returns an error to
// the agent; every outcome is a ToolCallRecord.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentdesk/conductor/pkg/agent"
	"github.com/agentdesk/conductor/pkg/breaker"
	"github.com/agentdesk/conductor/pkg/bus"
	"github.com/agentdesk/conductor/pkg/retry"
)

// Executor defaults.
const (
	DefaultCallTimeout  = 3 * time.Minute
	DefaultMaxOutput    = 50 * 1024
	TruncationSentinel  = "\n[output truncated]"
	deniedOutputPrefix  = "tool call denied: "
	unavailableToolText = "Tool unavailable"
)

// errCallTimeout marks a per-call timeout. Distinct from the context errors
// so the retry policy treats it as transient rather than as caller
// cancellation.
var errCallTimeout = errors.New("tool call timed out")

// Source provides the tools an executor can run. Implementations include the
// MCP client and in-process builtins.
type Source interface {
	// Definitions lists the tools currently available.
	Definitions(ctx context.Context) ([]agent.ToolDefinition, error)
	// Call runs one tool and returns its raw output.
	Call(ctx context.Context, name, input string) (string, error)
}

// Approver decides whether a tool call may run. Implemented by the approval
// gate; a nil Approver allows everything.
type Approver interface {
	// Approve returns whether the call may proceed and, when denied, why.
	Approve(ctx context.Context, sessionID, toolName, input string) (bool, string, error)
}

// Options configures an Executor beyond its required collaborators.
type Options struct {
	SessionID   string
	Approver    Approver
	Bus         *bus.Bus
	CallTimeout time.Duration
	MaxOutput   int
	Retry       retry.Policy
	Breakers    *breaker.Registry
	Logger      *slog.Logger
}

// Executor runs tool calls through the sandbox pipeline. It satisfies
// agent.ToolExecutor.
type Executor struct {
	source      Source
	approver    Approver
	bus         *bus.Bus
	sessionID   string
	callTimeout time.Duration
	maxOutput   int
	policy      retry.Policy
	breakers    *breaker.Registry
	logger      *slog.Logger
	now         func() time.Time
}

// NewExecutor creates an executor over the given tool source.
func NewExecutor(source Source, opts Options) *Executor {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = DefaultMaxOutput
	}
	if opts.Retry.MaxRetries == 0 && opts.Retry.BaseDelay == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.Breakers == nil {
		opts.Breakers = breaker.NewRegistry(breaker.DefaultConfig())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{
		source:      source,
		approver:    opts.Approver,
		bus:         opts.Bus,
		sessionID:   opts.SessionID,
		callTimeout: opts.CallTimeout,
		maxOutput:   opts.MaxOutput,
		policy:      opts.Retry,
		breakers:    opts.Breakers,
		logger:      opts.Logger.With("component", "tool_executor"),
		now:         time.Now,
	}
}

// Definitions proxies the source's tool list.
func (e *Executor) Definitions(ctx context.Context) ([]agent.ToolDefinition, error) {
	return e.source.Definitions(ctx)
}

// Breakers exposes the breaker registry for health snapshots.
func (e *Executor) Breakers() *breaker.Registry { return e.breakers }

// ExecuteCall runs one tool call. The returned record always describes the
// outcome: denial, breaker rejection, timeout, failure or success.
func (e *Executor) ExecuteCall(ctx context.Context, agentID string, call agent.ToolCall) agent.ToolCallRecord {
	start := e.now()
	e.publishInvocation(agentID, call)

	rec := agent.ToolCallRecord{CallID: call.ID, Name: call.Name, Input: call.Arguments}

	if e.approver != nil {
		allowed, reason, err := e.approver.Approve(ctx, e.sessionID, call.Name, call.Arguments)
		if err != nil {
			allowed, reason = false, err.Error()
		}
		if !allowed {
			rec.Output = deniedOutputPrefix + reason
			rec.Duration = e.now().Sub(start)
			e.publishResult(agentID, rec)
			return rec
		}
	}

	b := e.breakers.Get(call.Name)
	output, err := retry.ExecuteWithResult(ctx, e.policy, func(ctx context.Context) (string, error) {
		if allowErr := b.Allow(); allowErr != nil {
			return "", allowErr
		}
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		defer cancel()

		out, callErr := e.source.Call(callCtx, call.Name, call.Arguments)
		if callErr != nil {
			// Caller cancellation is not a tool failure.
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			b.RecordFailure()
			if errors.Is(callErr, context.DeadlineExceeded) {
				return "", errCallTimeout
			}
			return "", callErr
		}
		b.RecordSuccess()
		return out, nil
	}, func(err error) bool {
		// Breaker rejections fail fast; retrying burns budget for nothing.
		return !errors.Is(err, breaker.ErrOpen)
	})

	rec.Duration = e.now().Sub(start)
	switch {
	case err == nil:
		rec.Succeeded = true
		rec.Output = e.truncate(output)
	case errors.Is(err, breaker.ErrOpen):
		var openErr *breaker.OpenError
		errors.As(err, &openErr)
		rec.Output = fmt.Sprintf("%s: circuit open for %q", unavailableToolText, call.Name)
		if openErr != nil {
			rec.RetryAfter = openErr.RetryAfter
		}
	case errors.Is(err, errCallTimeout):
		rec.Output = fmt.Sprintf("tool %q timed out after %s", call.Name, e.callTimeout)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		rec.Output = "cancelled"
	default:
		rec.Output = e.truncate(err.Error())
	}

	if !rec.Succeeded {
		e.logger.Warn("tool call failed", "tool", call.Name, "output", rec.Output)
	}
	e.publishResult(agentID, rec)
	return rec
}

// truncate caps output at MaxOutput bytes, appending the sentinel.
func (e *Executor) truncate(s string) string {
	if len(s) <= e.maxOutput {
		return s
	}
	return s[:e.maxOutput] + TruncationSentinel
}

func (e *Executor) publishInvocation(agentID string, call agent.ToolCall) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(&bus.ToolInvocationPayload{
		BasePayload: bus.BaseCorrelated(bus.EventTypeToolInvocation, e.sessionID, call.ID),
		AgentID:     agentID,
		CallID:      call.ID,
		ToolName:    call.Name,
		Input:       call.Arguments,
	})
}

func (e *Executor) publishResult(agentID string, rec agent.ToolCallRecord) {
	if e.bus == nil {
		return
	}
	p := &bus.ToolResultPayload{
		BasePayload: bus.BaseCorrelated(bus.EventTypeToolResult, e.sessionID, rec.CallID),
		AgentID:     agentID,
		CallID:      rec.CallID,
		ToolName:    rec.Name,
		Output:      rec.Output,
		Succeeded:   rec.Succeeded,
		DurationMs:  rec.Duration.Milliseconds(),
	}
	if !rec.RetryAfter.IsZero() {
		p.RetryAfter = rec.RetryAfter.UTC().Format(time.RFC3339)
	}
	e.bus.Publish(p)
}
