// Package bus provides in-process typed event delivery between a driver and
// its consumers (WebSocket fan-out, tests, diagnostics).
//
// Each driver owns one Bus instance. Publish never blocks on a slow
// subscriber: every subscription has a bounded buffer and events past the
// buffer are dropped for that subscriber only (a drop counter is kept so the
// consumer can detect the gap and do a full state reload).
//
// Events within a session are published in source order and delivered to
// each subscriber in that order. No ordering is guaranteed across sessions.
package bus

// Phase lifecycle event types.
const (
	EventTypePhaseChanged = "phase.changed"
)

// Plan lifecycle event types.
const (
	EventTypePlanCreated    = "plan.created"
	EventTypeStageStarted   = "stage.started"
	EventTypeStageCompleted = "stage.completed"
)

// Worker/assistant lifecycle event types.
const (
	EventTypeWorkerStarted   = "worker.started"
	EventTypeWorkerProgress  = "worker.progress"
	EventTypeWorkerCompleted = "worker.completed"
	EventTypeWorkerFailed    = "worker.failed"
	EventTypeWorkerRetrying  = "worker.retrying"
)

// Commentary event types — emitted as the LLM streams.
const (
	EventTypeOrchestratorCommentary = "commentary.orchestrator"
	EventTypeWorkerCommentary       = "commentary.worker"
	EventTypeReasoning              = "commentary.reasoning"
	EventTypeToolInvocation         = "tool.invocation"
	EventTypeToolResult             = "tool.result"
	EventTypeStreamChunk            = "stream.chunk"
)

// Interaction event types.
const (
	EventTypeClarificationRequested = "clarification.requested"
	EventTypeClarificationReceived  = "clarification.received"
	EventTypeInjectionReceived      = "injection.received"
	EventTypeApprovalRequested      = "approval.requested"
	EventTypeApprovalResolved       = "approval.resolved"
)

// Completion event types.
const (
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskAborted   = "task.aborted"
	EventTypeRestCountdown = "rest.countdown"
)

// Scheduling event types (Office loop).
const (
	EventTypeSchedulingDecision = "scheduling.decision"
	EventTypeIterationReport    = "iteration.report"
)
