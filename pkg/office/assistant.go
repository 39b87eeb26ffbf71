package office

import (
	"context"
	"sync"
	"time"

	"github.com/agentdesk/conductor/pkg/agent"
	"github.com/agentdesk/conductor/pkg/bus"
	"github.com/agentdesk/conductor/pkg/config"
)

// execute runs the dispatched tasks on ephemeral assistants. The dispatch
// list is already capped at maxAssistants, so every task gets its own
// goroutine.
func (m *Manager) execute(ctx context.Context, dispatch []Task) []taskResult {
	if len(dispatch) == 0 {
		return nil
	}
	results := make([]taskResult, len(dispatch))
	var wg sync.WaitGroup
	for i, task := range dispatch {
		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			results[i] = m.runTask(ctx, task)
		}(i, task)
	}
	wg.Wait()
	return results
}

// runTask runs one assistant over a task, retrying up to the configured
// limit. The assistant is created fresh per attempt and disposed after it.
func (m *Manager) runTask(ctx context.Context, task Task) taskResult {
	name := "assistant-" + task.ID
	m.bus.Publish(&bus.WorkerStartedPayload{
		BasePayload: bus.BaseCorrelated(bus.EventTypeWorkerStarted, m.sess.ID, task.ID),
		WorkerID:    name,
		TaskID:      task.ID,
		Role:        string(agent.RoleOfficeAssistant),
		Title:       task.Title,
	})

	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			m.bus.Publish(&bus.WorkerRetryingPayload{
				BasePayload: bus.BaseCorrelated(bus.EventTypeWorkerRetrying, m.sess.ID, task.ID),
				WorkerID:    name,
				TaskID:      task.ID,
				Attempt:     attempt,
				Error:       lastErr.Error(),
			})
		}
		output, err := m.assistantAttempt(ctx, name, task)
		if err == nil {
			m.bus.Publish(&bus.WorkerCompletedPayload{
				BasePayload: bus.BaseCorrelated(bus.EventTypeWorkerCompleted, m.sess.ID, task.ID),
				WorkerID:    name,
				TaskID:      task.ID,
				Summary:     output,
			})
			return taskResult{TaskID: task.ID, Title: task.Title, Output: output, Retries: attempt}
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	m.bus.Publish(&bus.WorkerFailedPayload{
		BasePayload: bus.BaseCorrelated(bus.EventTypeWorkerFailed, m.sess.ID, task.ID),
		WorkerID:    name,
		TaskID:      task.ID,
		Error:       lastErr.Error(),
	})
	return taskResult{TaskID: task.ID, Title: task.Title, Err: lastErr.Error(), Retries: m.cfg.MaxRetries}
}

// assistantAttempt is one full assistant run: a fresh agent, a bounded tool
// loop and the per-task timeout.
func (m *Manager) assistantAttempt(ctx context.Context, name string, task Task) (string, error) {
	if m.cfg.AssistantTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx,
			time.Duration(m.cfg.AssistantTimeoutSeconds)*time.Second)
		defer cancel()
	}

	assistant := agent.NewLLMAgent(name, agent.RoleOfficeAssistant,
		agent.ParseModelID(m.cfg.AssistantModel), m.client, agent.LLMAgentOpts{
			SessionID: m.sess.ID,
			Executor:  m.toolExecutor(),
			Sink:      m.assistantSink(name),
			Logger:    m.logger,
		})
	m.sess.RegisterAgent(assistant.Instance())
	defer assistant.Dispose()

	var defs []agent.ToolDefinition
	if m.tools != nil {
		var err error
		if defs, err = m.tools.Definitions(ctx); err != nil {
			m.logger.Warn("listing tools failed, assistant runs without tools",
				"task", task.ID, "error", err)
		}
	}
	prompt := task.Prompt
	if m.cfg.WorkspacePath != "" {
		prompt += "\n\nWork inside the directory: " + m.cfg.WorkspacePath
	}
	history := []agent.ConversationMessage{{Role: agent.RoleUser, Content: prompt}}

	var out *agent.ProcessOutput
	for turn := 1; turn <= m.maxAssistantTurns; turn++ {
		var err error
		out, err = assistant.Process(ctx, &agent.ProcessInput{
			History: history,
			Turn:    turn,
			Tools:   defs,
		})
		if err != nil {
			return "", err
		}
		m.sess.AddTurnCost(out.Usage, agent.PricingFor(assistant.Instance().Model))
		if !out.RequestsMoreTurns {
			m.publishAssistantCommentary(name, out.Message)
			return out.Message, nil
		}
		history = append(history, agent.AssistantMessage(out))
		history = append(history, agent.ToolResultMessages(out.ToolCalls)...)
	}
	m.logger.Warn("assistant exhausted its turn budget", "task", task.ID)
	m.publishAssistantCommentary(name, out.Message)
	return out.Message, nil
}

// publishAssistantCommentary emits the whole response as one entry in
// CompleteThought mode; StreamingTokens mode already streamed it.
func (m *Manager) publishAssistantCommentary(name, content string) {
	if m.cfg.CommentaryStreamingMode == config.CommentaryStreamingTokens || content == "" {
		return
	}
	m.bus.Publish(&bus.CommentaryPayload{
		BasePayload: bus.Base(bus.EventTypeWorkerCommentary, m.sess.ID),
		AgentID:     name,
		AgentName:   name,
		Content:     content,
	})
}

func (m *Manager) assistantSink(name string) agent.ChunkSink {
	return func(c agent.Chunk) {
		if m.cfg.CommentaryStreamingMode != config.CommentaryStreamingTokens {
			return
		}
		if v, ok := c.(agent.TextChunk); ok {
			m.bus.Publish(&bus.StreamChunkPayload{
				BasePayload: bus.Base(bus.EventTypeStreamChunk, m.sess.ID),
				AgentID:     name,
				Delta:       v.Content,
			})
		}
	}
}

// toolExecutor avoids handing agents a typed-nil interface.
func (m *Manager) toolExecutor() agent.ToolExecutor {
	if m.tools == nil {
		return nil
	}
	return m.tools
}
