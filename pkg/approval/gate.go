// Package approval implements the tool approval gate. Every tool call is
// checked against the session rule map, then the global rule map, then the
// user via an ApprovalRequested event paired with a response channel. The
// gate fails closed: an abandoned prompt is a denial.
package approval

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentdesk/conductor/pkg/bus"
)

// Scope is how long an approval rule lives.
type Scope string

const (
	ScopeOnce    Scope = "once"
	ScopeSession Scope = "session"
	ScopeGlobal  Scope = "global"
)

// DialogClosedReason is recorded when a prompt closes without a response.
const DialogClosedReason = "Dialog closed"

// Rule is one persisted approval decision. Pattern is a tool name or a
// wildcard of the form "server(*)" matching every tool on that server.
type Rule struct {
	Pattern   string    `json:"pattern"`
	Approved  bool      `json:"approved"`
	Scope     Scope     `json:"scope"`
	SessionID string    `json:"session_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Matches reports whether the rule covers the tool name. Tool names use the
// "server(tool)" convention for MCP tools; plain names match exactly.
func (r Rule) Matches(toolName string) bool {
	if r.Pattern == toolName {
		return true
	}
	if server, ok := strings.CutSuffix(r.Pattern, "(*)"); ok {
		return strings.HasPrefix(toolName, server+"(")
	}
	return false
}

// Response is the user's answer to one approval request.
type Response struct {
	Approved bool
	Remember bool
	Scope    Scope
	Reason   string
}

// Request is one pending approval. The gate blocks on Respond; closing
// Respond without sending is a denial.
type Request struct {
	ID        string
	SessionID string
	ToolName  string
	Input     string
	Respond   chan Response
}

// RuleStore persists global rules across runs. Implemented by the store
// package; a nil store keeps global rules in memory only.
type RuleStore interface {
	LoadRules(ctx context.Context) ([]Rule, error)
	SaveRule(ctx context.Context, rule Rule) error
}

// Gate answers tool approval questions. It satisfies tools.Approver.
type Gate struct {
	bus   *bus.Bus
	store RuleStore
	now   func() time.Time

	mu      sync.Mutex
	session map[string][]Rule // keyed by session id
	global  []Rule
	pending map[string]*Request
}

// Options configures a Gate.
type Options struct {
	Bus   *bus.Bus
	Store RuleStore
	// AutoApprovePatterns are rule patterns approved without prompting,
	// typically read-only tools.
	AutoApprovePatterns []string
}

// NewGate creates a gate, loading persisted global rules when a store is
// wired.
func NewGate(ctx context.Context, opts Options) (*Gate, error) {
	g := &Gate{
		bus:     opts.Bus,
		store:   opts.Store,
		now:     time.Now,
		session: make(map[string][]Rule),
		pending: make(map[string]*Request),
	}
	for _, p := range opts.AutoApprovePatterns {
		g.global = append(g.global, Rule{
			Pattern: p, Approved: true, Scope: ScopeGlobal, CreatedAt: g.now(),
		})
	}
	if opts.Store != nil {
		rules, err := opts.Store.LoadRules(ctx)
		if err != nil {
			return nil, err
		}
		g.global = append(g.global, rules...)
	}
	return g, nil
}

// Approve resolves one tool call: session rules, then global rules, then the
// user prompt. Implements the fail-closed contract.
func (g *Gate) Approve(ctx context.Context, sessionID, toolName, input string) (bool, string, error) {
	if rule, ok := g.lookup(sessionID, toolName); ok {
		if rule.Approved {
			return true, "", nil
		}
		return false, "denied by rule " + rule.Pattern, nil
	}
	return g.prompt(ctx, sessionID, toolName, input)
}

// lookup finds the first matching rule, session scope first.
func (g *Gate) lookup(sessionID, toolName string) (Rule, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.session[sessionID] {
		if r.Matches(toolName) {
			return r, true
		}
	}
	for _, r := range g.global {
		if r.Matches(toolName) {
			return r, true
		}
	}
	return Rule{}, false
}

// prompt publishes ApprovalRequested and blocks for the response.
func (g *Gate) prompt(ctx context.Context, sessionID, toolName, input string) (bool, string, error) {
	req := &Request{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		ToolName:  toolName,
		Input:     input,
		Respond:   make(chan Response, 1),
	}
	g.mu.Lock()
	g.pending[req.ID] = req
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, req.ID)
		g.mu.Unlock()
	}()

	if g.bus != nil {
		g.bus.Publish(&bus.ApprovalRequestedPayload{
			BasePayload: bus.BaseCorrelated(bus.EventTypeApprovalRequested, sessionID, req.ID),
			RequestID:   req.ID,
			ToolName:    toolName,
			Input:       input,
		})
	}

	var resp Response
	var open bool
	select {
	case resp, open = <-req.Respond:
		if !open {
			resp = Response{Approved: false, Reason: DialogClosedReason}
		}
	case <-ctx.Done():
		resp = Response{Approved: false, Reason: DialogClosedReason}
	}

	g.record(sessionID, toolName, resp)
	g.publishResolved(sessionID, req.ID, toolName, resp)

	if resp.Approved {
		return true, "", nil
	}
	reason := resp.Reason
	if reason == "" {
		reason = "denied by user"
	}
	return false, reason, nil
}

// record persists the response as a rule when asked to remember it.
func (g *Gate) record(sessionID, toolName string, resp Response) {
	scope := resp.Scope
	if scope == "" {
		scope = ScopeOnce
	}
	if !resp.Remember && scope == ScopeOnce {
		return
	}
	rule := Rule{
		Pattern:   toolName,
		Approved:  resp.Approved,
		Scope:     scope,
		CreatedAt: g.now(),
	}
	switch scope {
	case ScopeGlobal:
		g.mu.Lock()
		g.global = append(g.global, rule)
		g.mu.Unlock()
		if g.store != nil {
			// Persistence failure must not fail the tool call.
			_ = g.store.SaveRule(context.Background(), rule)
		}
	default:
		rule.Scope = ScopeSession
		rule.SessionID = sessionID
		g.mu.Lock()
		g.session[sessionID] = append(g.session[sessionID], rule)
		g.mu.Unlock()
	}
}

func (g *Gate) publishResolved(sessionID, requestID, toolName string, resp Response) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(&bus.ApprovalResolvedPayload{
		BasePayload: bus.BaseCorrelated(bus.EventTypeApprovalResolved, sessionID, requestID),
		RequestID:   requestID,
		ToolName:    toolName,
		Approved:    resp.Approved,
		Scope:       string(resp.Scope),
		Reason:      resp.Reason,
	})
}

// Resolve answers a pending request by id. Returns false for unknown or
// already-resolved requests.
func (g *Gate) Resolve(requestID string, resp Response) bool {
	g.mu.Lock()
	req, ok := g.pending[requestID]
	g.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case req.Respond <- resp:
		return true
	default:
		return false
	}
}

// Pending returns the ids of unresolved requests.
func (g *Gate) Pending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.pending))
	for id := range g.pending {
		out = append(out, id)
	}
	return out
}

// ClearSession drops the session-scoped rules for a finished session.
func (g *Gate) ClearSession(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.session, sessionID)
}
