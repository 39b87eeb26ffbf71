// Package panel implements the multi-expert debate engine: a Head that
// frames and synthesises, a Moderator that picks speakers and detects
// convergence, and a set of persona panelists arguing in turns.
package panel

import (
	"strings"

	"github.com/agentdesk/conductor/pkg/config"
)

// Persona is one panelist's debating stance.
type Persona struct {
	Name         string
	Instructions string
}

// The built-in persona catalogue, in preset order.
var personaCatalogue = []Persona{
	{
		Name: "Security",
		Instructions: "You argue from a security standpoint: attack surface, trust boundaries, " +
			"data exposure and failure containment.",
	},
	{
		Name: "Performance",
		Instructions: "You argue from a performance standpoint: latency, throughput, resource " +
			"cost and scalability cliffs. Quantify where possible.",
	},
	{
		Name: "Architect",
		Instructions: "You argue from a systems architecture standpoint: coupling, cohesion, " +
			"evolvability and operational complexity.",
	},
	{
		Name: "QA",
		Instructions: "You argue from a quality standpoint: testability, failure modes, " +
			"regression risk and verification cost.",
	},
	{
		Name: "DevOps",
		Instructions: "You argue from an operations standpoint: deployability, observability, " +
			"rollback paths and on-call burden.",
	},
	{
		Name: "UX",
		Instructions: "You argue from the user's standpoint: clarity, friction, error recovery " +
			"and accessibility.",
	},
	{
		Name: "Domain",
		Instructions: "You argue from domain expertise: business rules, edge cases practitioners " +
			"hit and regulatory constraints.",
	},
	{
		Name: "Devil's Advocate",
		Instructions: "You challenge the emerging consensus. Find the strongest counter-argument " +
			"to whatever the panel currently agrees on.",
	},
}

// PanelistsFor resolves a preset to its persona line-up. Custom uses the
// configured names (unknown names are dropped); an empty custom list falls
// back to Balanced.
func PanelistsFor(preset config.PanelistPreset, custom []string) []Persona {
	switch preset {
	case config.PresetQuick:
		return append([]Persona(nil), personaCatalogue[:3]...)
	case config.PresetAll:
		return append([]Persona(nil), personaCatalogue...)
	case config.PresetCustom:
		var out []Persona
		for _, name := range custom {
			if p, ok := personaByName(name); ok {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
		fallthrough
	default: // Balanced
		return append([]Persona(nil), personaCatalogue[:5]...)
	}
}

func personaByName(name string) (Persona, bool) {
	for _, p := range personaCatalogue {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Persona{}, false
}

// depthParams are the limits a depth preset imposes on the discussion.
type depthParams struct {
	MaxTurns             int
	ConvergenceThreshold int
}

// resolveDepth maps a depth to its limits. Standard and Auto (when the Head
// could not infer anything better) keep the configured values.
func resolveDepth(d config.Depth, cfg config.PanelSettings) depthParams {
	switch d {
	case config.DepthQuick:
		return depthParams{MaxTurns: 10, ConvergenceThreshold: 60}
	case config.DepthDeep:
		return depthParams{MaxTurns: 50, ConvergenceThreshold: 90}
	default:
		return depthParams{MaxTurns: cfg.MaxTurns, ConvergenceThreshold: cfg.ConvergenceThreshold}
	}
}
