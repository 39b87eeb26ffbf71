package panel

import (
	"encoding/json"
	"fmt"

	"github.com/agentdesk/conductor/pkg/agent"
)

// ModeratorDecision is the moderator's per-turn ruling.
type ModeratorDecision struct {
	NextSpeaker           string   `json:"nextSpeaker"`
	ConvergenceScore      int      `json:"convergenceScore"`
	StopDiscussion        bool     `json:"stopDiscussion"`
	AllowParallelThinking bool     `json:"allowParallelThinking"`
	ParallelGroup         []string `json:"parallelGroup"`
	RedirectMessage       string   `json:"redirectMessage"`
	Reasoning             string   `json:"reasoning"`
}

// ConvergenceStatus classifies one convergence evaluation.
type ConvergenceStatus string

const (
	ConvergenceCompleted  ConvergenceStatus = "Completed"
	ConvergenceTooEarly   ConvergenceStatus = "TooEarly"
	ConvergenceSkipped    ConvergenceStatus = "Skipped"
	ConvergenceParseError ConvergenceStatus = "ParseError"
	ConvergenceError      ConvergenceStatus = "Error"
)

// ConvergenceResult is one evaluation of whether the panel has settled.
// Every status except Completed lets the discussion continue.
type ConvergenceResult struct {
	Score       int               `json:"score"`
	IsConverged bool              `json:"is_converged"`
	Explanation string            `json:"explanation"`
	Status      ConvergenceStatus `json:"status"`
}

// minTurnsBeforeConvergence keeps very short discussions from converging on
// a single opening statement.
const minTurnsBeforeConvergence = 3

// parseModeratorDecision extracts the decision document from moderator
// output. Callers fall back to round-robin on error (fail-open).
func parseModeratorDecision(message string) (ModeratorDecision, error) {
	raw := agent.ExtractJSON(message)
	if raw == "" {
		return ModeratorDecision{}, fmt.Errorf("no decision document in moderator output")
	}
	var d ModeratorDecision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return ModeratorDecision{}, fmt.Errorf("parsing moderator decision: %w", err)
	}
	if d.ConvergenceScore < 0 {
		d.ConvergenceScore = 0
	}
	if d.ConvergenceScore > 100 {
		d.ConvergenceScore = 100
	}
	return d, nil
}

// evaluateConvergence turns a decision into a convergence result for the
// given turn and threshold.
func evaluateConvergence(d ModeratorDecision, parseErr error, turn, threshold int) ConvergenceResult {
	if parseErr != nil {
		return ConvergenceResult{
			Status:      ConvergenceParseError,
			Explanation: parseErr.Error(),
		}
	}
	if turn < minTurnsBeforeConvergence {
		return ConvergenceResult{
			Score:       d.ConvergenceScore,
			Status:      ConvergenceTooEarly,
			Explanation: fmt.Sprintf("turn %d of minimum %d", turn, minTurnsBeforeConvergence),
		}
	}
	return ConvergenceResult{
		Score:       d.ConvergenceScore,
		IsConverged: d.ConvergenceScore >= threshold,
		Explanation: d.Reasoning,
		Status:      ConvergenceCompleted,
	}
}
