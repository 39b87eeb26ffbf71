package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFireValidTransition(t *testing.T) {
	m := NewTeamMachine()
	var got []Transition
	m.SetObserver(func(tr Transition) { got = append(got, tr) })

	require.True(t, m.Fire(UserSubmitted, "user typed a task"))
	assert.Equal(t, Clarifying, m.Current())
	require.Len(t, got, 1)
	assert.Equal(t, Idle, got[0].From)
	assert.Equal(t, Clarifying, got[0].To)
	assert.Equal(t, "user typed a task", got[0].Reason)
}

func TestFireInvalidTriggerIsSwallowed(t *testing.T) {
	m := NewTeamMachine()
	var fired int
	m.SetObserver(func(Transition) { fired++ })

	// UserApproved has no edge from Idle.
	assert.False(t, m.Fire(UserApproved, ""))
	assert.Equal(t, Idle, m.Current())
	assert.Zero(t, fired, "invalid trigger must not notify the observer")
}

func TestCanFireAndPermittedTriggers(t *testing.T) {
	m := NewTeamMachine()
	m.Fire(UserSubmitted, "")
	m.Fire(PlanProposed, "")

	assert.True(t, m.CanFire(UserApproved))
	assert.True(t, m.CanFire(UserRejected))
	assert.False(t, m.CanFire(PlanProposed))

	perms := m.PermittedTriggers()
	assert.Contains(t, perms, UserApproved)
	assert.Contains(t, perms, UserRejected)
	assert.Contains(t, perms, UserCancelled)
}

func TestTeamFullPipeline(t *testing.T) {
	m := NewTeamMachine()
	steps := []struct {
		trigger Trigger
		want    State
	}{
		{UserSubmitted, Clarifying},
		{PlanProposed, AwaitingApproval},
		{UserApproved, Planning},
		{PlanLayered, Executing},
		{ExecutionComplete, Synthesising},
		{SynthesisComplete, Completed},
	}
	for _, s := range steps {
		require.True(t, m.Fire(s.trigger, ""), "trigger %s from %s", s.trigger, m.Current())
		assert.Equal(t, s.want, m.Current())
	}
	assert.True(t, IsTerminal(m.Current()))

	require.True(t, m.Fire(Reset, ""))
	assert.Equal(t, Idle, m.Current())
}

func TestTeamRejectionReturnsToClarifying(t *testing.T) {
	m := NewTeamMachine()
	m.Fire(UserSubmitted, "")
	m.Fire(PlanProposed, "")
	require.True(t, m.Fire(UserRejected, "plan too broad"))
	assert.Equal(t, Clarifying, m.Current())
}

func TestCancelledReachableFromAnyActivePhase(t *testing.T) {
	active := [][]Trigger{
		{UserSubmitted},
		{UserSubmitted, PlanProposed},
		{UserSubmitted, PlanProposed, UserApproved},
		{UserSubmitted, PlanProposed, UserApproved, PlanLayered},
		{UserSubmitted, PlanProposed, UserApproved, PlanLayered, ExecutionComplete},
	}
	for _, path := range active {
		m := NewTeamMachine()
		for _, tr := range path {
			require.True(t, m.Fire(tr, ""))
		}
		require.True(t, m.Fire(UserCancelled, ""), "cancel from %s", m.Current())
		assert.Equal(t, Cancelled, m.Current())
		require.True(t, m.Fire(Reset, ""))
		assert.Equal(t, Idle, m.Current())
	}
}

func TestOfficeIterationLoop(t *testing.T) {
	m := NewOfficeMachine()
	m.Fire(UserSubmitted, "")
	m.Fire(ClarificationsComplete, "")
	m.Fire(UserApproved, "")
	assert.Equal(t, FetchingEvents, m.Current())

	// Two full iterations around the loop.
	for i := 0; i < 2; i++ {
		require.True(t, m.Fire(TasksFetched, ""))
		require.True(t, m.Fire(TasksScheduled, ""))
		require.True(t, m.Fire(ExecutionComplete, ""))
		require.True(t, m.Fire(ResultsAggregated, ""))
		assert.Equal(t, Resting, m.Current())
		require.True(t, m.Fire(RestComplete, ""))
		assert.Equal(t, FetchingEvents, m.Current())
	}
}

func TestOfficeErrorIsRecoverable(t *testing.T) {
	m := NewOfficeMachine()
	m.Fire(UserSubmitted, "")
	require.True(t, m.Fire(ErrorOccurred, "manager call failed"))
	assert.Equal(t, ErrorState, m.Current())
	require.True(t, m.Fire(Reset, ""))
	assert.Equal(t, Idle, m.Current())
}

func TestPanelPauseResume(t *testing.T) {
	m := NewPanelMachine()
	m.Fire(UserSubmitted, "")
	m.Fire(ClarificationsComplete, "")
	m.Fire(UserApproved, "")
	m.Fire(PanelistsReady, "")
	assert.Equal(t, Running, m.Current())

	require.True(t, m.Fire(UserPaused, ""))
	assert.Equal(t, Paused, m.Current())
	require.True(t, m.Fire(UserResumed, ""))
	assert.Equal(t, Running, m.Current())
}

func TestPanelConvergencePath(t *testing.T) {
	m := NewPanelMachine()
	m.Fire(UserSubmitted, "")
	m.Fire(ClarificationsComplete, "")
	m.Fire(UserApproved, "")
	m.Fire(PanelistsReady, "")

	require.True(t, m.Fire(ConvergenceDetected, "score 85"))
	assert.Equal(t, Converging, m.Current())
	require.True(t, m.Fire(StartSynthesis, ""))
	assert.Equal(t, Synthesising, m.Current())
	require.True(t, m.Fire(SynthesisComplete, ""))
	assert.Equal(t, Completed, m.Current())
}

func TestPanelGuardRailTimeoutForcesConverging(t *testing.T) {
	m := NewPanelMachine()
	m.Fire(UserSubmitted, "")
	m.Fire(ClarificationsComplete, "")
	m.Fire(UserApproved, "")
	m.Fire(PanelistsReady, "")

	require.True(t, m.Fire(Timeout, "turn budget exhausted"))
	assert.Equal(t, Converging, m.Current())
	require.True(t, m.Fire(ResumeDebate, ""))
	assert.Equal(t, Running, m.Current())
}
