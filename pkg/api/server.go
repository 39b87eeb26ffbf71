// Package api exposes the drivers over HTTP and streams their event buses
// over WebSocket. One server fronts all three drivers; each driver is
// addressed by name in the URL and its bus is bridged to a WebSocket channel
// of the same name.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentdesk/conductor/pkg/breaker"
	"github.com/agentdesk/conductor/pkg/phase"
	"github.com/agentdesk/conductor/pkg/store"
)

// Driver is the control surface shared by the team, office and panel
// drivers. All three satisfy it.
type Driver interface {
	Start(ctx context.Context, prompt string) (string, error)
	SendUserMessage(ctx context.Context, text string) error
	ApprovePlan() error
	RejectPlan(reason string) error
	Pause()
	Resume()
	Stop()
	Reset() error
	InjectInstruction(text string)
	Phase() phase.State
}

// RestController is the optional surface for drivers with a rest countdown.
// The office driver implements it.
type RestController interface {
	CancelRest()
	OverrideRestDuration(minutes int)
}

// Options configures the server. Drivers is keyed by driver name ("team",
// "office", "panel"); the same keys address routes and WebSocket channels.
type Options struct {
	Drivers  map[string]Driver
	Store    store.Store
	Breakers *breaker.Registry

	// AllowedOrigins is passed to the WebSocket accept handshake. Empty
	// means same-origin only.
	AllowedOrigins []string

	Logger *slog.Logger
}

// Server routes driver commands and serves the event stream.
type Server struct {
	drivers  map[string]Driver
	store    store.Store
	breakers *breaker.Registry
	hub      *Hub
	origins  []string
	logger   *slog.Logger
	engine   *gin.Engine
}

// New builds the server and registers its routes.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		drivers:  opts.Drivers,
		store:    opts.Store,
		breakers: opts.Breakers,
		hub:      NewHub(logger),
		origins:  opts.AllowedOrigins,
		logger:   logger,
	}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.registerRoutes()
	return s
}

// Handler returns the HTTP handler for mounting or testing.
func (s *Server) Handler() http.Handler { return s.engine }

// HubInstance returns the WebSocket hub so callers can pump buses into it.
func (s *Server) HubInstance() *Hub { return s.hub }

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.Health)
	s.engine.GET("/ws", s.HandleWebSocket)

	drivers := s.engine.Group("/api/drivers/:driver")
	drivers.POST("/start", s.StartDriver)
	drivers.POST("/message", s.SendMessage)
	drivers.POST("/approve", s.Approve)
	drivers.POST("/reject", s.Reject)
	drivers.POST("/pause", s.Pause)
	drivers.POST("/resume", s.Resume)
	drivers.POST("/stop", s.Stop)
	drivers.POST("/reset", s.Reset)
	drivers.POST("/inject", s.Inject)
	drivers.GET("/phase", s.GetPhase)
	drivers.POST("/rest/cancel", s.CancelRest)
	drivers.POST("/rest/override", s.OverrideRest)

	s.engine.GET("/api/sessions", s.ListSessions)
	s.engine.GET("/api/sessions/:id", s.GetSession)
	s.engine.DELETE("/api/sessions/:id", s.DeleteSession)
}

func (s *Server) driver(c *gin.Context) (Driver, bool) {
	name := c.Param("driver")
	d, ok := s.drivers[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown driver: " + name})
		return nil, false
	}
	return d, true
}

// Health reports driver phases and tool circuit breaker state.
func (s *Server) Health(c *gin.Context) {
	phases := make(map[string]phase.State, len(s.drivers))
	for name, d := range s.drivers {
		phases[name] = d.Phase()
	}
	resp := gin.H{
		"status":  "healthy",
		"drivers": phases,
	}
	if s.breakers != nil {
		resp["breakers"] = s.breakers.Snapshots()
	}
	c.JSON(http.StatusOK, resp)
}

type startRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// StartDriver begins a new run on the named driver.
func (s *Server) StartDriver(c *gin.Context) {
	d, ok := s.driver(c)
	if !ok {
		return
	}
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}
	sessionID, err := d.Start(c.Request.Context(), req.Prompt)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": sessionID, "phase": d.Phase()})
}

type messageRequest struct {
	Text string `json:"text" binding:"required"`
}

// SendMessage forwards a user message (clarification answer or follow-up).
func (s *Server) SendMessage(c *gin.Context) {
	d, ok := s.driver(c)
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	if err := d.SendUserMessage(c.Request.Context(), req.Text); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// Approve confirms the pending plan or approach.
func (s *Server) Approve(c *gin.Context) {
	d, ok := s.driver(c)
	if !ok {
		return
	}
	if err := d.ApprovePlan(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "approved"})
}

type rejectRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Reject sends the pending plan back with a reason.
func (s *Server) Reject(c *gin.Context) {
	d, ok := s.driver(c)
	if !ok {
		return
	}
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}
	if err := d.RejectPlan(req.Reason); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rejected"})
}

// Pause suspends new work on the driver.
func (s *Server) Pause(c *gin.Context) {
	d, ok := s.driver(c)
	if !ok {
		return
	}
	d.Pause()
	c.JSON(http.StatusOK, gin.H{"phase": d.Phase()})
}

// Resume lifts a pause.
func (s *Server) Resume(c *gin.Context) {
	d, ok := s.driver(c)
	if !ok {
		return
	}
	d.Resume()
	c.JSON(http.StatusOK, gin.H{"phase": d.Phase()})
}

// Stop cancels the current run.
func (s *Server) Stop(c *gin.Context) {
	d, ok := s.driver(c)
	if !ok {
		return
	}
	d.Stop()
	c.JSON(http.StatusOK, gin.H{"phase": d.Phase()})
}

// Reset returns a finished driver to idle.
func (s *Server) Reset(c *gin.Context) {
	d, ok := s.driver(c)
	if !ok {
		return
	}
	if err := d.Reset(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"phase": d.Phase()})
}

type injectRequest struct {
	Text string `json:"text" binding:"required"`
}

// Inject queues a mid-run instruction for the driver.
func (s *Server) Inject(c *gin.Context) {
	d, ok := s.driver(c)
	if !ok {
		return
	}
	var req injectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	d.InjectInstruction(req.Text)
	c.JSON(http.StatusOK, gin.H{"status": "queued"})
}

// GetPhase returns the driver's current phase.
func (s *Server) GetPhase(c *gin.Context) {
	d, ok := s.driver(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"phase": d.Phase()})
}

// CancelRest skips the remaining rest countdown. Only drivers with a rest
// phase support it.
func (s *Server) CancelRest(c *gin.Context) {
	d, ok := s.driver(c)
	if !ok {
		return
	}
	rc, ok := d.(RestController)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "driver has no rest phase"})
		return
	}
	rc.CancelRest()
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

type overrideRestRequest struct {
	Minutes int `json:"minutes" binding:"required,min=1"`
}

// OverrideRest restarts the current rest countdown with a new duration.
func (s *Server) OverrideRest(c *gin.Context) {
	d, ok := s.driver(c)
	if !ok {
		return
	}
	rc, ok := d.(RestController)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "driver has no rest phase"})
		return
	}
	var req overrideRestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "minutes must be a positive integer"})
		return
	}
	rc.OverrideRestDuration(req.Minutes)
	c.JSON(http.StatusOK, gin.H{"status": "overridden", "minutes": req.Minutes})
}

// ListSessions returns summaries of all persisted sessions.
func (s *Server) ListSessions(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no session store configured"})
		return
	}
	sessions, err := s.store.ListSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// GetSession returns one persisted session with its full transcript.
func (s *Server) GetSession(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no session store configured"})
		return
	}
	rec, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// DeleteSession removes a persisted session.
func (s *Server) DeleteSession(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no session store configured"})
		return
	}
	err := s.store.DeleteSession(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
