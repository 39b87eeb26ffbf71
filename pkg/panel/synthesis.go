package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentdesk/conductor/pkg/agent"
	"github.com/agentdesk/conductor/pkg/bus"
)

const headSynthesisInstructions = `Synthesise the panel discussion. Respond with ONLY:
{"consolidatedAnswer": "...", "consensusPoints": ["..."], "dissentingPoints": ["..."],
 "argumentsByPerspective": {"<panelist>": ["..."]}, "recommendations": ["..."],
 "confidence": 0-100, "followUpAreas": ["..."]}`

const headBriefInstructions = `Write a knowledge brief of the discussion, roughly 2000 tokens.
It must stand alone: capture the question, the main arguments per panelist, the consensus,
the dissent and the conclusion. You will later answer follow-up questions using only this brief.`

// synthesise has the Head consolidate the transcript, then produce the
// knowledge brief used for follow-ups.
func (e *Engine) synthesise(ctx context.Context) error {
	transcript := renderTranscript(e.sess.Messages(), len(e.sess.Messages()))

	out, err := e.head.Process(ctx, &agent.ProcessInput{
		History: []agent.ConversationMessage{{
			Role:    agent.RoleUser,
			Content: "Full discussion:\n" + transcript,
		}},
		SystemPrompt: headSynthesisInstructions,
		Turn:         e.head.Instance().Turns() + 1,
	})
	if err != nil {
		return fmt.Errorf("synthesis: %w", err)
	}
	e.sess.AddTurnCost(out.Usage, agent.PricingFor(e.head.Instance().Model))

	syn := parseSynthesis(out.Message)
	e.fillPerspectives(syn)

	e.mu.Lock()
	e.synthesis = syn
	e.mu.Unlock()

	e.sess.Append(agent.Message{
		AuthorRole: agent.AuthorCoordinator, AgentID: "head",
		Type: agent.TypeSynthesis, Content: syn.ConsolidatedAnswer,
	})
	e.bus.Publish(&bus.TaskCompletedPayload{
		BasePayload: bus.Base(bus.EventTypeTaskCompleted, e.sess.ID),
		Summary:     syn.ConsolidatedAnswer,
		NextSteps:   syn.Recommendations,
		Succeeded:   len(e.panelists),
	})

	return e.writeBrief(ctx, transcript)
}

func (e *Engine) writeBrief(ctx context.Context, transcript string) error {
	out, err := e.head.Process(ctx, &agent.ProcessInput{
		History: []agent.ConversationMessage{{
			Role:    agent.RoleUser,
			Content: "Full discussion:\n" + transcript,
		}},
		SystemPrompt: headBriefInstructions,
		Turn:         e.head.Instance().Turns() + 1,
	})
	if err != nil {
		return fmt.Errorf("knowledge brief: %w", err)
	}
	e.sess.AddTurnCost(out.Usage, agent.PricingFor(e.head.Instance().Model))
	e.mu.Lock()
	e.brief = out.Message
	e.mu.Unlock()
	return nil
}

// followUp answers a post-completion question from the knowledge brief
// alone; the transcript stays out of the context.
func (e *Engine) followUp(ctx context.Context, question string) error {
	e.mu.Lock()
	brief := e.brief
	head := e.head
	e.mu.Unlock()
	if head == nil {
		return fmt.Errorf("no completed discussion to follow up on")
	}

	e.sess.Append(agent.Message{AuthorRole: agent.AuthorUser, Type: agent.TypeUserMessage, Content: question})
	out, err := head.Process(ctx, &agent.ProcessInput{
		History: []agent.ConversationMessage{{
			Role:    agent.RoleUser,
			Content: "Knowledge brief of the discussion:\n" + brief + "\n\nQuestion: " + question,
		}},
		SystemPrompt: "Answer using only the knowledge brief. Say so when the brief does not cover the question.",
		Turn:         head.Instance().Turns() + 1,
	})
	if err != nil {
		return err
	}
	e.sess.AddTurnCost(out.Usage, agent.PricingFor(head.Instance().Model))
	e.sess.Append(agent.Message{
		AuthorRole: agent.AuthorCoordinator, AgentID: "head",
		Type: agent.TypeCommentary, Content: out.Message,
	})
	e.bus.Publish(&bus.CommentaryPayload{
		BasePayload: bus.Base(bus.EventTypeOrchestratorCommentary, e.sess.ID),
		AgentID:     head.Instance().ID,
		AgentName:   "head",
		Content:     out.Message,
	})
	return nil
}

// parseSynthesis reads the Head's synthesis document; unstructured output
// becomes the consolidated answer as-is.
func parseSynthesis(message string) *Synthesis {
	syn := &Synthesis{}
	raw := agent.ExtractJSON(message)
	if raw == "" || json.Unmarshal([]byte(raw), syn) != nil || syn.ConsolidatedAnswer == "" {
		return &Synthesis{ConsolidatedAnswer: strings.TrimSpace(message)}
	}
	if syn.Confidence < 0 {
		syn.Confidence = 0
	}
	if syn.Confidence > 100 {
		syn.Confidence = 100
	}
	return syn
}

// fillPerspectives guarantees an argumentsByPerspective entry for every
// panelist, recovering missing ones from the transcript.
func (e *Engine) fillPerspectives(syn *Synthesis) {
	if syn.ArgumentsByPerspective == nil {
		syn.ArgumentsByPerspective = make(map[string][]string)
	}
	byAgent := make(map[string][]string)
	for _, msg := range e.sess.Messages() {
		if msg.Type == agent.TypeArgument && msg.AgentID != "" {
			byAgent[msg.AgentID] = append(byAgent[msg.AgentID], msg.Content)
		}
	}
	for _, name := range e.panelistNames() {
		if len(syn.ArgumentsByPerspective[name]) == 0 {
			syn.ArgumentsByPerspective[name] = byAgent[name]
		}
	}
}
