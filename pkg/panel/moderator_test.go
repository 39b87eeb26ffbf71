package panel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/conductor/pkg/agent"
	"github.com/agentdesk/conductor/pkg/config"
)

func TestParseModeratorDecision(t *testing.T) {
	d, err := parseModeratorDecision(
		`{"nextSpeaker":"Security","convergenceScore":45,"stopDiscussion":false,"reasoning":"still diverging"}`)
	require.NoError(t, err)
	assert.Equal(t, "Security", d.NextSpeaker)
	assert.Equal(t, 45, d.ConvergenceScore)
	assert.False(t, d.StopDiscussion)
}

func TestParseModeratorDecisionToleratesFences(t *testing.T) {
	d, err := parseModeratorDecision("Here:\n```json\n{\"convergenceScore\":70}\n```")
	require.NoError(t, err)
	assert.Equal(t, 70, d.ConvergenceScore)
}

func TestParseModeratorDecisionClampsScore(t *testing.T) {
	d, err := parseModeratorDecision(`{"convergenceScore":140}`)
	require.NoError(t, err)
	assert.Equal(t, 100, d.ConvergenceScore)

	d, err = parseModeratorDecision(`{"convergenceScore":-3}`)
	require.NoError(t, err)
	assert.Equal(t, 0, d.ConvergenceScore)
}

func TestParseModeratorDecisionRejectsProse(t *testing.T) {
	_, err := parseModeratorDecision("let Security speak next")
	assert.Error(t, err)
}

func TestModeratorInstructionsNameEveryDecisionKey(t *testing.T) {
	instructions := agent.ConfigForRole(agent.RoleModerator).Instructions
	for _, key := range []string{
		"nextSpeaker", "convergenceScore", "stopDiscussion",
		"allowParallelThinking", "parallelGroup", "redirectMessage", "reasoning",
	} {
		assert.Contains(t, instructions, key)
	}
}

func TestEvaluateConvergence(t *testing.T) {
	res := evaluateConvergence(ModeratorDecision{}, errors.New("bad json"), 5, 80)
	assert.Equal(t, ConvergenceParseError, res.Status)
	assert.False(t, res.IsConverged)

	res = evaluateConvergence(ModeratorDecision{ConvergenceScore: 95}, nil, 2, 80)
	assert.Equal(t, ConvergenceTooEarly, res.Status)
	assert.False(t, res.IsConverged)

	res = evaluateConvergence(ModeratorDecision{ConvergenceScore: 85, Reasoning: "settled"}, nil, 8, 80)
	assert.Equal(t, ConvergenceCompleted, res.Status)
	assert.True(t, res.IsConverged)
	assert.Equal(t, "settled", res.Explanation)

	res = evaluateConvergence(ModeratorDecision{ConvergenceScore: 40}, nil, 8, 80)
	assert.Equal(t, ConvergenceCompleted, res.Status)
	assert.False(t, res.IsConverged)
}

func TestPanelistsForPresets(t *testing.T) {
	assert.Len(t, PanelistsFor(config.PresetQuick, nil), 3)
	assert.Len(t, PanelistsFor(config.PresetBalanced, nil), 5)
	assert.Len(t, PanelistsFor(config.PresetAll, nil), 8)

	custom := PanelistsFor(config.PresetCustom, []string{"ux", "Devil's Advocate", "NoSuchPersona"})
	require.Len(t, custom, 2)
	assert.Equal(t, "UX", custom[0].Name)
	assert.Equal(t, "Devil's Advocate", custom[1].Name)

	// An empty custom list falls back to the Balanced line-up.
	assert.Len(t, PanelistsFor(config.PresetCustom, nil), 5)
}

func TestResolveDepth(t *testing.T) {
	cfg := config.Default().Panel

	quick := resolveDepth(config.DepthQuick, cfg)
	assert.Equal(t, 10, quick.MaxTurns)
	assert.Equal(t, 60, quick.ConvergenceThreshold)

	deep := resolveDepth(config.DepthDeep, cfg)
	assert.Equal(t, 50, deep.MaxTurns)
	assert.Equal(t, 90, deep.ConvergenceThreshold)

	std := resolveDepth(config.DepthStandard, cfg)
	assert.Equal(t, cfg.MaxTurns, std.MaxTurns)
	assert.Equal(t, cfg.ConvergenceThreshold, std.ConvergenceThreshold)
}

func TestParseFraming(t *testing.T) {
	framing, depth, questions := parseFraming(`{"framing":"Scope the debate.","depth":"Deep"}`)
	assert.Equal(t, "Scope the debate.", framing)
	assert.Equal(t, "Deep", depth)
	assert.Empty(t, questions)

	_, _, questions = parseFraming(`{"questions":["what stack?"]}`)
	assert.Equal(t, []string{"what stack?"}, questions)

	framing, depth, questions = parseFraming("Plain prose framing.")
	assert.Equal(t, "Plain prose framing.", framing)
	assert.Empty(t, depth)
	assert.Empty(t, questions)
}

func TestParseSynthesisFallsBackToProse(t *testing.T) {
	syn := parseSynthesis("The panel agreed on B.")
	assert.Equal(t, "The panel agreed on B.", syn.ConsolidatedAnswer)
	assert.Empty(t, syn.ConsensusPoints)

	syn = parseSynthesis(synthesisDoc)
	assert.Equal(t, "Use approach B.", syn.ConsolidatedAnswer)
	assert.Equal(t, []string{"B scales better"}, syn.ConsensusPoints)
}
