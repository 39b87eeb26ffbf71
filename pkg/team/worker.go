package team

import (
	"context"
	"fmt"

	"github.com/agentdesk/conductor/pkg/agent"
	"github.com/agentdesk/conductor/pkg/plan"
	"github.com/agentdesk/conductor/pkg/sched"
)

// runChunk is the ChunkRunner handed to the scheduler: it spawns a worker
// agent configured for the chunk's role and loops its tool turns until the
// worker stops requesting more.
func (d *Driver) runChunk(ctx context.Context, chunk *plan.Chunk, prompt string, ws *sched.Workspace) (string, error) {
	name := "worker-" + chunk.ID
	worker := agent.NewLLMAgent(name, chunk.AssignedRole,
		agent.ParseModelID(d.cfg.WorkerModelID), d.client, agent.LLMAgentOpts{
			SessionID: d.sess.ID,
			Executor:  d.toolExecutor(),
			Sink:      d.streamSink(name),
			Logger:    d.logger,
		})
	d.sess.RegisterAgent(worker.Instance())
	defer worker.Dispose()

	var defs []agent.ToolDefinition
	if d.tools != nil {
		var err error
		if defs, err = d.tools.Definitions(ctx); err != nil {
			d.logger.Warn("listing tools failed, worker runs without tools",
				"worker", name, "error", err)
		}
	}

	if ws != nil && ws.Path != "" {
		prompt += "\n\nWork inside the directory: " + ws.Path
	}
	history := []agent.ConversationMessage{{Role: agent.RoleUser, Content: prompt}}
	pricing := agent.PricingFor(worker.Instance().Model)

	var last string
	for turn := 1; turn <= d.maxWorkerTurns; turn++ {
		out, err := worker.Process(ctx, &agent.ProcessInput{
			History: history,
			Turn:    turn,
			Tools:   defs,
		})
		if err != nil {
			return "", fmt.Errorf("worker %s turn %d: %w", name, turn, err)
		}
		d.sess.AddTurnCost(out.Usage, pricing)
		last = out.Message

		if !out.RequestsMoreTurns {
			return last, nil
		}
		history = append(history, agent.AssistantMessage(out))
		history = append(history, agent.ToolResultMessages(out.ToolCalls)...)
	}
	// Turn budget exhausted; the last message stands as the result.
	d.logger.Warn("worker hit turn budget", "worker", name, "turns", d.maxWorkerTurns)
	return last, nil
}

// toolExecutor returns the wired executor or nil when tools are disabled.
func (d *Driver) toolExecutor() agent.ToolExecutor {
	if d.tools == nil {
		return nil
	}
	return d.tools
}
