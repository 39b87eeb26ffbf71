package team

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/agentdesk/conductor/pkg/agent"
	"github.com/agentdesk/conductor/pkg/bus"
	"github.com/agentdesk/conductor/pkg/sched"
)

// synthesise feeds the chunk results to a synthesis agent and publishes the
// consolidated report.
func (d *Driver) synthesise(ctx context.Context, res *sched.RunResult) error {
	synth := agent.NewLLMAgent("synthesis", agent.RoleSynthesis,
		agent.ParseModelID(d.cfg.OrchestratorModelID), d.client, agent.LLMAgentOpts{
			SessionID: d.sess.ID,
			Sink:      d.streamSink("synthesis"),
			Logger:    d.logger,
		})
	d.sess.RegisterAgent(synth.Instance())
	defer synth.Dispose()

	out, err := synth.Process(ctx, &agent.ProcessInput{
		History: []agent.ConversationMessage{{
			Role:    agent.RoleUser,
			Content: synthesisPrompt(d.sess.Prompt, res),
		}},
		Turn: 1,
	})
	if err != nil {
		return fmt.Errorf("synthesis: %w", err)
	}
	d.sess.AddTurnCost(out.Usage, agent.PricingFor(synth.Instance().Model))

	summary, nextSteps := ExtractActions(out.Message)
	report := &Report{
		Summary:   summary,
		NextSteps: nextSteps,
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Results:   res.Results,
	}
	d.mu.Lock()
	d.report = report
	d.mu.Unlock()

	d.sess.Append(agent.Message{
		AuthorRole: agent.AuthorCoordinator, Type: agent.TypeSynthesis, Content: summary,
	})
	d.bus.Publish(&bus.TaskCompletedPayload{
		BasePayload: bus.Base(bus.EventTypeTaskCompleted, d.sess.ID),
		Summary:     summary,
		NextSteps:   nextSteps,
		Succeeded:   res.Succeeded,
		Failed:      res.Failed,
	})
	return nil
}

// synthesisPrompt renders the worker results for the synthesis agent.
func synthesisPrompt(task string, res *sched.RunResult) string {
	var sb strings.Builder
	sb.WriteString("The team has finished working on this task:\n")
	sb.WriteString(task)
	sb.WriteString("\n\nChunk results:\n")
	for _, cr := range res.Results {
		fmt.Fprintf(&sb, "\n## %s (%s)\n", cr.Title, cr.ChunkID)
		if cr.Err != "" {
			fmt.Fprintf(&sb, "FAILED after %d retries: %s\n", cr.Retries, cr.Err)
			continue
		}
		sb.WriteString(cr.Output)
		sb.WriteString("\n")
	}
	sb.WriteString("\nWrite a conversational summary for the user. Mark concrete follow-ups as [ACTION:<text>] markers inline.")
	return sb.String()
}

// ExtractActions pulls [ACTION:...] markers out of a summary. The prefix is
// matched case-insensitively and each marker runs to the next closing
// bracket; markers are removed from the returned summary.
func ExtractActions(summary string) (string, []string) {
	const prefix = "[action:"
	var actions []string
	var sb strings.Builder

	rest := summary
	for {
		idx := strings.Index(strings.ToLower(rest), prefix)
		if idx < 0 {
			sb.WriteString(rest)
			break
		}
		sb.WriteString(rest[:idx])
		tail := rest[idx+len(prefix):]
		end := strings.Index(tail, "]")
		if end < 0 {
			// Unterminated marker stays in the text.
			sb.WriteString(rest[idx:])
			break
		}
		if action := strings.TrimSpace(tail[:end]); action != "" {
			actions = append(actions, action)
		}
		rest = tail[end+1:]
	}

	clean := spaceRuns.ReplaceAllString(sb.String(), " ")
	clean = lineTrailingSpace.ReplaceAllString(clean, "\n")
	return strings.TrimSpace(clean), actions
}

// Removed markers leave doubled spaces and dangling line-end spaces behind;
// collapse those without touching line breaks.
var (
	spaceRuns         = regexp.MustCompile(`[ \t]{2,}`)
	lineTrailingSpace = regexp.MustCompile(`[ \t]+\n`)
)
