package panel

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/conductor/pkg/agent"
	"github.com/agentdesk/conductor/pkg/bus"
	"github.com/agentdesk/conductor/pkg/config"
	"github.com/agentdesk/conductor/pkg/phase"
)

const (
	standardFraming = `{"framing":"The panel weighs approach A against approach B.","depth":"Standard"}`
	synthesisDoc    = `{"consolidatedAnswer":"Use approach B.","consensusPoints":["B scales better"],` +
		`"dissentingPoints":["A is simpler to operate"],"argumentsByPerspective":{"Security":["B isolates tenants"]},` +
		`"recommendations":["prototype B first"],"confidence":82,"followUpAreas":["cost model"]}`
	briefText = "Brief: the panel debated A versus B and settled on B."
)

func modDecision(speaker string, score int, stop bool) string {
	return fmt.Sprintf(
		`{"nextSpeaker":%q,"convergenceScore":%d,"stopDiscussion":%t,"reasoning":"turn ruling"}`,
		speaker, score, stop)
}

func newTestEngine(cfg config.PanelSettings, client *agent.StubLLMClient, b *bus.Bus) *Engine {
	return New(Options{Settings: cfg, Client: client, Bus: b})
}

func waitForEvent(t *testing.T, sub *bus.Subscription, eventType string) bus.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt, ok := <-sub.C:
			require.True(t, ok, "bus closed while waiting for %s", eventType)
			if evt.EventType() == eventType {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", eventType)
		}
	}
}

func TestConvergenceEndsDiscussion(t *testing.T) {
	cfg := config.Default().Panel // threshold 80
	cfg.PanelistPreset = config.PresetBalanced

	client := agent.NewStubLLMClient().ScriptText(standardFraming)
	for turn := 1; turn <= 7; turn++ {
		client.ScriptText(modDecision("Security", 10*turn, false))
		client.ScriptText(fmt.Sprintf("argument for turn %d", turn))
	}
	client.ScriptText(modDecision("", 85, true)) // turn 8: settled
	client.ScriptText(synthesisDoc)
	client.ScriptText(briefText)

	b := bus.New()
	defer b.Close()
	sub := b.SubscribeBuffer(512)
	e := newTestEngine(cfg, client, b)

	sessionID, err := e.Start(context.Background(), "A or B?")
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)
	e.Wait()

	require.Equal(t, phase.Completed, e.Phase())

	history := e.ConvergenceHistory()
	require.Len(t, history, 8)
	last := history[len(history)-1]
	assert.Equal(t, 85, last.Score)
	assert.True(t, last.IsConverged)
	assert.Equal(t, ConvergenceCompleted, last.Status)

	syn := e.Synthesis()
	require.NotNil(t, syn)
	assert.Equal(t, "Use approach B.", syn.ConsolidatedAnswer)
	assert.NotEmpty(t, syn.ConsensusPoints)
	assert.Equal(t, 82, syn.Confidence)
	// Every panelist has a perspective entry, recovered from the transcript
	// where the document omitted one.
	for _, name := range []string{"Security", "Performance", "Architect", "QA", "DevOps"} {
		assert.Contains(t, syn.ArgumentsByPerspective, name)
	}
	assert.NotEmpty(t, syn.ArgumentsByPerspective["Security"])

	done := waitForEvent(t, sub, bus.EventTypeTaskCompleted).(*bus.TaskCompletedPayload)
	assert.Equal(t, "Use approach B.", done.Summary)
	assert.Equal(t, []string{"prototype B first"}, done.NextSteps)

	assert.Equal(t, briefText, e.KnowledgeBrief())
}

func TestModeratorParseFailureFailsOpen(t *testing.T) {
	cfg := config.Default().Panel

	client := agent.NewStubLLMClient().
		ScriptText(standardFraming).
		ScriptText("I think Security should go next."). // unparseable ruling
		ScriptText("first argument").
		ScriptText(modDecision("", 20, false)).
		ScriptText("second argument").
		ScriptText(modDecision("", 90, true)).
		ScriptText(synthesisDoc).
		ScriptText(briefText)

	b := bus.New()
	defer b.Close()
	e := newTestEngine(cfg, client, b)

	_, err := e.Start(context.Background(), "A or B?")
	require.NoError(t, err)
	e.Wait()

	require.Equal(t, phase.Completed, e.Phase())

	history := e.ConvergenceHistory()
	require.Len(t, history, 3)
	assert.Equal(t, ConvergenceParseError, history[0].Status)

	// The fallback speaker came from the round-robin order, as did the next
	// turn's (the second decision names nobody).
	var speakers []string
	for _, msg := range e.Session().Messages() {
		if msg.Type == agent.TypeArgument {
			speakers = append(speakers, msg.AgentID)
		}
	}
	assert.Equal(t, []string{"Security", "Performance"}, speakers)
}

func TestParallelThinkingAppendsInListOrder(t *testing.T) {
	cfg := config.Default().Panel
	cfg.PanelistPreset = config.PresetBalanced // QA argues the third turn

	client := agent.NewStubLLMClient().
		ScriptText(standardFraming).
		ScriptText(`{"allowParallelThinking":true,"parallelGroup":["Performance","Security"],"convergenceScore":10}`).
		ScriptText("parallel argument one").
		ScriptText("parallel argument two").
		ScriptText(modDecision("QA", 30, false)).
		ScriptText("qa argument").
		ScriptText(modDecision("", 95, true)).
		ScriptText(synthesisDoc).
		ScriptText(briefText)

	b := bus.New()
	defer b.Close()
	e := newTestEngine(cfg, client, b)

	_, err := e.Start(context.Background(), "A or B?")
	require.NoError(t, err)
	e.Wait()
	require.Equal(t, phase.Completed, e.Phase())

	// Parallel responses land in group list order regardless of completion
	// order.
	var speakers []string
	for _, msg := range e.Session().Messages() {
		if msg.Type == agent.TypeArgument {
			speakers = append(speakers, msg.AgentID)
		}
	}
	assert.Equal(t, []string{"Performance", "Security", "QA"}, speakers)
}

func TestGuardRailBreachForcesConvergence(t *testing.T) {
	cfg := config.Default().Panel
	cfg.MaxTotalTokens = 50 // each stubbed turn costs 15

	client := agent.NewStubLLMClient().
		ScriptText(standardFraming).
		ScriptText(modDecision("Security", 10, false)).
		ScriptText("first argument").
		ScriptText(modDecision("Performance", 20, false)).
		ScriptText("second argument").
		ScriptText(synthesisDoc).
		ScriptText(briefText)

	b := bus.New()
	defer b.Close()
	e := newTestEngine(cfg, client, b)

	_, err := e.Start(context.Background(), "A or B?")
	require.NoError(t, err)
	e.Wait()

	// The breach routed the discussion into synthesis, not failure.
	require.Equal(t, phase.Completed, e.Phase())
	assert.Len(t, client.Calls(), 7)
	for _, res := range e.ConvergenceHistory() {
		assert.False(t, res.IsConverged)
	}
	require.NotNil(t, e.Synthesis())
}

func TestTurnBudgetExhaustion(t *testing.T) {
	cfg := config.Default().Panel
	cfg.MaxTurns = 2

	client := agent.NewStubLLMClient().
		ScriptText(standardFraming).
		ScriptText(modDecision("Security", 10, false)).
		ScriptText("first argument").
		ScriptText(modDecision("Performance", 20, false)).
		ScriptText("second argument").
		ScriptText(synthesisDoc).
		ScriptText(briefText)

	b := bus.New()
	defer b.Close()
	e := newTestEngine(cfg, client, b)

	_, err := e.Start(context.Background(), "A or B?")
	require.NoError(t, err)
	e.Wait()

	require.Equal(t, phase.Completed, e.Phase())
	require.Len(t, e.ConvergenceHistory(), 2)
}

func TestDepthAutoFollowsHeadInference(t *testing.T) {
	cfg := config.Default().Panel // Depth Auto by default

	client := agent.NewStubLLMClient().
		ScriptText(`{"framing":"Narrow question.","depth":"Quick"}`).
		ScriptText(modDecision("Security", 10, false)).
		ScriptText("first argument").
		ScriptText(modDecision("Performance", 20, false)).
		ScriptText("second argument").
		// 65 clears the Quick threshold of 60, not the Standard 80.
		ScriptText(modDecision("", 65, false)).
		ScriptText(synthesisDoc).
		ScriptText(briefText)

	b := bus.New()
	defer b.Close()
	e := newTestEngine(cfg, client, b)

	_, err := e.Start(context.Background(), "narrow question")
	require.NoError(t, err)
	e.Wait()

	require.Equal(t, phase.Completed, e.Phase())
	history := e.ConvergenceHistory()
	last := history[len(history)-1]
	assert.Equal(t, 65, last.Score)
	assert.True(t, last.IsConverged)
}

func TestClarificationRoundTrip(t *testing.T) {
	cfg := config.Default().Panel

	client := agent.NewStubLLMClient().
		ScriptText(`{"questions":["Which workload profile?"]}`).
		ScriptText(standardFraming).
		ScriptText(modDecision("Security", 10, false)).
		ScriptText("first argument").
		ScriptText(modDecision("Performance", 20, false)).
		ScriptText("second argument").
		ScriptText(modDecision("", 90, true)).
		ScriptText(synthesisDoc).
		ScriptText(briefText)

	b := bus.New()
	defer b.Close()
	sub := b.Subscribe()
	e := newTestEngine(cfg, client, b)

	_, err := e.Start(context.Background(), "A or B?")
	require.NoError(t, err)

	clar := waitForEvent(t, sub, bus.EventTypeClarificationRequested).(*bus.ClarificationRequestedPayload)
	assert.Equal(t, []string{"Which workload profile?"}, clar.Questions)

	require.NoError(t, e.SendUserMessage(context.Background(), "bursty writes"))
	e.Wait()
	require.Equal(t, phase.Completed, e.Phase())

	// The framing call saw the answer.
	calls := client.Calls()
	last := calls[1].Messages[len(calls[1].Messages)-1]
	assert.Equal(t, agent.RoleUser, last.Role)
	assert.Equal(t, "bursty writes", last.Content)
}

func TestFollowUpUsesBriefNotTranscript(t *testing.T) {
	cfg := config.Default().Panel

	client := agent.NewStubLLMClient().
		ScriptText(standardFraming).
		ScriptText(modDecision("Security", 10, false)).
		ScriptText("a very specific transcript argument").
		ScriptText(modDecision("Performance", 20, false)).
		ScriptText("second argument").
		ScriptText(modDecision("", 90, true)).
		ScriptText(synthesisDoc).
		ScriptText(briefText).
		ScriptText("It chose B for scalability.")

	b := bus.New()
	defer b.Close()
	e := newTestEngine(cfg, client, b)

	_, err := e.Start(context.Background(), "A or B?")
	require.NoError(t, err)
	e.Wait()
	require.Equal(t, phase.Completed, e.Phase())

	require.NoError(t, e.SendUserMessage(context.Background(), "why B?"))

	calls := client.Calls()
	followUpInput := calls[len(calls)-1]
	var prompt strings.Builder
	for _, msg := range followUpInput.Messages {
		prompt.WriteString(msg.Content)
		prompt.WriteString("\n")
	}
	assert.Contains(t, prompt.String(), briefText)
	assert.NotContains(t, prompt.String(), "a very specific transcript argument")

	// The phase stays Completed; no re-run happened.
	assert.Equal(t, phase.Completed, e.Phase())
}

func TestStopDuringClarificationWait(t *testing.T) {
	client := agent.NewStubLLMClient().
		ScriptText(`{"questions":["Which workload profile?"]}`)

	b := bus.New()
	defer b.Close()
	sub := b.Subscribe()
	e := newTestEngine(config.Default().Panel, client, b)

	_, err := e.Start(context.Background(), "A or B?")
	require.NoError(t, err)
	waitForEvent(t, sub, bus.EventTypeClarificationRequested)

	e.Stop()
	e.Wait()

	assert.Equal(t, phase.Stopped, e.Phase())
	aborted := waitForEvent(t, sub, bus.EventTypeTaskAborted).(*bus.TaskAbortedPayload)
	assert.Equal(t, "user", aborted.Source)
}

func TestStartWhileRunning(t *testing.T) {
	client := agent.NewStubLLMClient().
		ScriptText(`{"questions":["Which workload profile?"]}`)

	b := bus.New()
	defer b.Close()
	sub := b.Subscribe()
	e := newTestEngine(config.Default().Panel, client, b)

	_, err := e.Start(context.Background(), "A or B?")
	require.NoError(t, err)
	waitForEvent(t, sub, bus.EventTypeClarificationRequested)

	_, err = e.Start(context.Background(), "another question")
	assert.ErrorIs(t, err, ErrBusy)

	e.Stop()
	e.Wait()
}

func TestResetAfterStop(t *testing.T) {
	client := agent.NewStubLLMClient().
		ScriptText(`{"questions":["Which workload profile?"]}`)

	b := bus.New()
	defer b.Close()
	sub := b.Subscribe()
	e := newTestEngine(config.Default().Panel, client, b)

	_, err := e.Start(context.Background(), "A or B?")
	require.NoError(t, err)
	waitForEvent(t, sub, bus.EventTypeClarificationRequested)
	e.Stop()
	e.Wait()

	require.NoError(t, e.Reset())
	assert.Equal(t, phase.Idle, e.Phase())
	assert.Error(t, e.Reset(), "reset from idle has no edge")
}
