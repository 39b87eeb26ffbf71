package bus

// BasePayload carries the routing fields shared by every event payload.
// CorrelationID links an event to the user command that triggered it so the
// UI can tell user-driven transitions from internal ones (timeouts, errors).
type BasePayload struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Timestamp     string `json:"timestamp"` // RFC3339Nano, UTC
}

// EventType returns the event type discriminator.
func (p BasePayload) EventType() string { return p.Type }

// EventSession returns the owning session id.
func (p BasePayload) EventSession() string { return p.SessionID }

// Event is implemented by every payload struct via an embedded BasePayload.
type Event interface {
	EventType() string
	EventSession() string
}

// PhaseChangedPayload is published on every state machine transition.
type PhaseChangedPayload struct {
	BasePayload
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// PlanCreatedPayload carries the serialised plan for UI display and approval.
type PlanCreatedPayload struct {
	BasePayload
	PlanID     string `json:"plan_id"`
	PlanJSON   string `json:"plan_json"`
	ChunkCount int    `json:"chunk_count"`
	StageCount int    `json:"stage_count"`
}

// StageStartedPayload marks the start of a scheduler stage.
type StageStartedPayload struct {
	BasePayload
	StageIndex int      `json:"stage_index"` // 1-based
	StageCount int      `json:"stage_count"`
	ChunkIDs   []string `json:"chunk_ids"`
}

// StageCompletedPayload marks the end of a scheduler stage.
type StageCompletedPayload struct {
	BasePayload
	StageIndex int `json:"stage_index"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
}

// WorkerStartedPayload is published when a worker/assistant begins a chunk or task.
type WorkerStartedPayload struct {
	BasePayload
	WorkerID string `json:"worker_id"`
	ChunkID  string `json:"chunk_id,omitempty"`
	TaskID   string `json:"task_id,omitempty"`
	Role     string `json:"role,omitempty"`
	Title    string `json:"title,omitempty"`
}

// WorkerProgressPayload reports incremental worker activity.
type WorkerProgressPayload struct {
	BasePayload
	WorkerID    string `json:"worker_id"`
	Activity    string `json:"activity"`
	ProgressPct int    `json:"progress_pct"`
}

// WorkerCompletedPayload is published when a worker finishes successfully.
type WorkerCompletedPayload struct {
	BasePayload
	WorkerID string `json:"worker_id"`
	ChunkID  string `json:"chunk_id,omitempty"`
	TaskID   string `json:"task_id,omitempty"`
	Summary  string `json:"summary,omitempty"`
}

// WorkerFailedPayload is published when a worker exhausts its retries.
type WorkerFailedPayload struct {
	BasePayload
	WorkerID string `json:"worker_id"`
	ChunkID  string `json:"chunk_id,omitempty"`
	TaskID   string `json:"task_id,omitempty"`
	Code     string `json:"code,omitempty"`
	Error    string `json:"error"`
}

// WorkerRetryingPayload is published before each retry attempt.
type WorkerRetryingPayload struct {
	BasePayload
	WorkerID string `json:"worker_id"`
	ChunkID  string `json:"chunk_id,omitempty"`
	TaskID   string `json:"task_id,omitempty"`
	Attempt  int    `json:"attempt"`
	Error    string `json:"error"`
}

// CommentaryPayload carries live narration of an agent's reasoning or output.
// Used for orchestrator commentary, worker commentary and reasoning events;
// the Type field discriminates.
type CommentaryPayload struct {
	BasePayload
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name,omitempty"`
	Content   string `json:"content"`
}

// StreamChunkPayload is a single streamed token delta. High-frequency and
// transient — consumers concatenate deltas for a live typing effect.
type StreamChunkPayload struct {
	BasePayload
	AgentID string `json:"agent_id"`
	Delta   string `json:"delta"`
}

// ToolInvocationPayload is published when a tool call starts.
type ToolInvocationPayload struct {
	BasePayload
	AgentID  string `json:"agent_id"`
	CallID   string `json:"call_id"`
	ToolName string `json:"tool_name"`
	Input    string `json:"input"`
}

// ToolResultPayload is published when a tool call finishes (either outcome).
type ToolResultPayload struct {
	BasePayload
	AgentID    string `json:"agent_id"`
	CallID     string `json:"call_id"`
	ToolName   string `json:"tool_name"`
	Output     string `json:"output"`
	Succeeded  bool   `json:"succeeded"`
	DurationMs int64  `json:"duration_ms"`
	RetryAfter string `json:"retry_after,omitempty"` // set on breaker-open rejections
}

// ClarificationRequestedPayload surfaces agent questions to the user.
type ClarificationRequestedPayload struct {
	BasePayload
	Questions []string `json:"questions"`
}

// ClarificationReceivedPayload acknowledges a user answer.
type ClarificationReceivedPayload struct {
	BasePayload
	Answer string `json:"answer"`
}

// InjectionReceivedPayload acknowledges a mid-run instruction.
type InjectionReceivedPayload struct {
	BasePayload
	Instruction string `json:"instruction"`
}

// ApprovalRequestedPayload asks the user to allow or deny a tool invocation.
// The gate blocks on the paired response channel until resolved.
type ApprovalRequestedPayload struct {
	BasePayload
	RequestID string `json:"request_id"`
	ToolName  string `json:"tool_name"`
	Input     string `json:"input"`
}

// ApprovalResolvedPayload records the outcome of an approval request.
type ApprovalResolvedPayload struct {
	BasePayload
	RequestID string `json:"request_id"`
	ToolName  string `json:"tool_name"`
	Approved  bool   `json:"approved"`
	Scope     string `json:"scope,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// TaskCompletedPayload carries the consolidated report of a finished run.
type TaskCompletedPayload struct {
	BasePayload
	Summary   string   `json:"summary"`
	NextSteps []string `json:"next_steps,omitempty"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
}

// TaskAbortedPayload is published on cancellation or fatal failure.
type TaskAbortedPayload struct {
	BasePayload
	Source string `json:"source,omitempty"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RestCountdownPayload ticks once per second during the Office rest phase.
type RestCountdownPayload struct {
	BasePayload
	SecondsRemaining int `json:"seconds_remaining"`
	TotalSeconds     int `json:"total_seconds"`
}

// SchedulingDecisionPayload records one Office scheduling decision.
type SchedulingDecisionPayload struct {
	BasePayload
	TaskID   string `json:"task_id"`
	Decision string `json:"decision"` // dispatched, queued, deferred, merged, skipped
	Reason   string `json:"reason,omitempty"`
}

// IterationReportPayload carries the Office per-iteration aggregate.
type IterationReportPayload struct {
	BasePayload
	Iteration  int    `json:"iteration"`
	Summary    string `json:"summary"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	DurationMs int64  `json:"duration_ms"`
}
