package phase

// Shared lifecycle states. Not every machine uses every state.
const (
	Idle             State = "idle"
	Clarifying       State = "clarifying"
	AwaitingApproval State = "awaiting_approval"
	Planning         State = "planning"
	Preparing        State = "preparing"
	Running          State = "running"
	Executing        State = "executing"
	Synthesising     State = "synthesising"
	Converging       State = "converging"
	FetchingEvents   State = "fetching_events"
	Scheduling       State = "scheduling"
	Aggregating      State = "aggregating"
	Resting          State = "resting"
	Paused           State = "paused"
	Completed        State = "completed"
	Stopped          State = "stopped"
	Cancelled        State = "cancelled"
	Failed           State = "failed"
	ErrorState       State = "error"
)

// Shared triggers.
const (
	UserSubmitted          Trigger = "user_submitted"
	UserApproved           Trigger = "user_approved"
	UserRejected           Trigger = "user_rejected"
	UserPaused             Trigger = "user_paused"
	UserResumed            Trigger = "user_resumed"
	UserStopped            Trigger = "user_stopped"
	UserCancelled          Trigger = "user_cancelled"
	ClarificationsComplete Trigger = "clarifications_complete"
	PlanProposed           Trigger = "plan_proposed"
	PlanLayered            Trigger = "plan_layered"
	ExecutionComplete      Trigger = "execution_complete"
	SynthesisComplete      Trigger = "synthesis_complete"
	StartSynthesis         Trigger = "start_synthesis"
	PanelistsReady         Trigger = "panelists_ready"
	ConvergenceDetected    Trigger = "convergence_detected"
	ResumeDebate           Trigger = "resume_debate"
	TasksFetched           Trigger = "tasks_fetched"
	TasksScheduled         Trigger = "tasks_scheduled"
	ResultsAggregated      Trigger = "results_aggregated"
	RestComplete           Trigger = "rest_complete"
	Timeout                Trigger = "timeout"
	ErrorOccurred          Trigger = "error"
	Reset                  Trigger = "reset"
)

// abortEdges returns the Cancelled/Failed edges every active phase carries.
func abortEdges() map[Trigger]State {
	return map[Trigger]State{
		UserCancelled: Cancelled,
		ErrorOccurred: Failed,
		Timeout:       Failed,
	}
}

func withAbort(extra map[Trigger]State) map[Trigger]State {
	edges := abortEdges()
	for t, s := range extra {
		edges[t] = s
	}
	return edges
}

// NewTeamMachine builds the Team orchestrator lifecycle:
// Idle → Clarifying → AwaitingApproval → Planning → Executing →
// Synthesising → Completed, with Cancelled/Failed reachable from any active
// phase and Reset back to Idle from terminal states.
func NewTeamMachine() *Machine {
	return NewMachine("team", Idle, map[State]map[Trigger]State{
		Idle: {
			UserSubmitted: Clarifying,
		},
		Clarifying: withAbort(map[Trigger]State{
			PlanProposed: AwaitingApproval,
		}),
		AwaitingApproval: withAbort(map[Trigger]State{
			UserApproved: Planning,
			UserRejected: Clarifying,
		}),
		Planning: withAbort(map[Trigger]State{
			PlanLayered: Executing,
		}),
		Executing: withAbort(map[Trigger]State{
			ExecutionComplete: Synthesising,
		}),
		Synthesising: withAbort(map[Trigger]State{
			SynthesisComplete: Completed,
		}),
		Completed: {Reset: Idle, UserSubmitted: Clarifying},
		Cancelled: {Reset: Idle},
		Failed:    {Reset: Idle},
	})
}

// NewOfficeMachine builds the Office manager loop:
// Idle → Clarifying → AwaitingApproval → FetchingEvents → Scheduling →
// Executing → Aggregating → Resting → FetchingEvents (loop). Paused and
// Stopped are reachable; the error state is recoverable via Reset.
//
// Pause is modelled as a driver flag checked at phase boundaries (spec'd
// freeze semantics), so the machine itself has no Paused edges — see
// office.Driver.
func NewOfficeMachine() *Machine {
	return NewMachine("office", Idle, map[State]map[Trigger]State{
		Idle: {
			UserSubmitted: Clarifying,
		},
		Clarifying: officeActive(map[Trigger]State{
			ClarificationsComplete: AwaitingApproval,
		}),
		AwaitingApproval: officeActive(map[Trigger]State{
			UserApproved: FetchingEvents,
			UserRejected: Clarifying,
		}),
		FetchingEvents: officeActive(map[Trigger]State{
			TasksFetched: Scheduling,
		}),
		Scheduling: officeActive(map[Trigger]State{
			TasksScheduled: Executing,
		}),
		Executing: officeActive(map[Trigger]State{
			ExecutionComplete: Aggregating,
		}),
		Aggregating: officeActive(map[Trigger]State{
			ResultsAggregated: Resting,
		}),
		Resting: officeActive(map[Trigger]State{
			RestComplete: FetchingEvents,
		}),
		Stopped:    {Reset: Idle},
		ErrorState: {Reset: Idle},
	})
}

// officeActive adds the Stop/Error edges shared by every active Office phase.
func officeActive(extra map[Trigger]State) map[Trigger]State {
	edges := map[Trigger]State{
		UserStopped:   Stopped,
		ErrorOccurred: ErrorState,
	}
	for t, s := range extra {
		edges[t] = s
	}
	return edges
}

// NewPanelMachine builds the Panel discussion lifecycle:
// Idle → Clarifying → AwaitingApproval → Preparing → Running → (Paused) →
// Converging → Synthesising → Completed; Stopped and Failed are terminal and
// reset to Idle.
func NewPanelMachine() *Machine {
	return NewMachine("panel", Idle, map[State]map[Trigger]State{
		Idle: {
			UserSubmitted: Clarifying,
		},
		Clarifying: panelActive(map[Trigger]State{
			ClarificationsComplete: AwaitingApproval,
		}),
		AwaitingApproval: panelActive(map[Trigger]State{
			UserApproved: Preparing,
			UserRejected: Clarifying,
		}),
		Preparing: panelActive(map[Trigger]State{
			PanelistsReady: Running,
		}),
		Running: panelActive(map[Trigger]State{
			UserPaused:          Paused,
			ConvergenceDetected: Converging,
		}),
		Paused: panelActive(map[Trigger]State{
			UserResumed: Running,
		}),
		Converging: panelActive(map[Trigger]State{
			StartSynthesis: Synthesising,
			ResumeDebate:   Running,
		}),
		Synthesising: panelActive(map[Trigger]State{
			SynthesisComplete: Completed,
		}),
		Completed: {Reset: Idle, UserSubmitted: Clarifying},
		Stopped:   {Reset: Idle},
		Failed:    {Reset: Idle},
	})
}

// panelActive adds the Stop/Cancel/Error/Timeout edges shared by every
// active Panel phase.
func panelActive(extra map[Trigger]State) map[Trigger]State {
	edges := map[Trigger]State{
		UserStopped:   Stopped,
		UserCancelled: Stopped,
		ErrorOccurred: Failed,
		Timeout:       Converging,
	}
	for t, s := range extra {
		edges[t] = s
	}
	return edges
}

// IsTerminal reports whether the state is a resting/terminal state from
// which only Reset (or a new submission) leads out.
func IsTerminal(s State) bool {
	switch s {
	case Completed, Stopped, Cancelled, Failed, ErrorState:
		return true
	}
	return false
}
