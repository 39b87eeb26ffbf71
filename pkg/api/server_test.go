package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/conductor/pkg/agent"
	"github.com/agentdesk/conductor/pkg/breaker"
	"github.com/agentdesk/conductor/pkg/phase"
	"github.com/agentdesk/conductor/pkg/session"
	"github.com/agentdesk/conductor/pkg/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubDriver records calls and returns canned results.
type stubDriver struct {
	mu           sync.Mutex
	phase        phase.State
	startErr     error
	messageErr   error
	resetErr     error
	prompts      []string
	messages     []string
	injections   []string
	rejections   []string
	approvals    int
	pauses       int
	resumes      int
	stops        int
	restCancels  int
	restOverride int
}

func (d *stubDriver) Start(_ context.Context, prompt string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return "", d.startErr
	}
	d.prompts = append(d.prompts, prompt)
	return "sess-1", nil
}

func (d *stubDriver) SendUserMessage(_ context.Context, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.messageErr != nil {
		return d.messageErr
	}
	d.messages = append(d.messages, text)
	return nil
}

func (d *stubDriver) ApprovePlan() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.approvals++
	return nil
}

func (d *stubDriver) RejectPlan(reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejections = append(d.rejections, reason)
	return nil
}

func (d *stubDriver) Pause()  { d.mu.Lock(); d.pauses++; d.mu.Unlock() }
func (d *stubDriver) Resume() { d.mu.Lock(); d.resumes++; d.mu.Unlock() }
func (d *stubDriver) Stop()   { d.mu.Lock(); d.stops++; d.mu.Unlock() }

func (d *stubDriver) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resetErr
}

func (d *stubDriver) InjectInstruction(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.injections = append(d.injections, text)
}

func (d *stubDriver) Phase() phase.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.phase == "" {
		return phase.Idle
	}
	return d.phase
}

// restingDriver adds the rest control surface.
type restingDriver struct {
	stubDriver
}

func (d *restingDriver) CancelRest() {
	d.mu.Lock()
	d.restCancels++
	d.mu.Unlock()
}

func (d *restingDriver) OverrideRestDuration(minutes int) {
	d.mu.Lock()
	d.restOverride = minutes
	d.mu.Unlock()
}

func newTestServer(t *testing.T, drivers map[string]Driver) (*Server, store.Store) {
	t.Helper()
	mem := store.NewMemory()
	srv := New(Options{
		Drivers:  drivers,
		Store:    mem,
		Breakers: breaker.NewRegistry(breaker.DefaultConfig()),
	})
	return srv, mem
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestStartDriver(t *testing.T) {
	d := &stubDriver{}
	srv, _ := newTestServer(t, map[string]Driver{"team": d})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/drivers/team/start",
		gin.H{"prompt": "refactor the config loader"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "sess-1", body["session_id"])
	assert.Equal(t, []string{"refactor the config loader"}, d.prompts)
}

func TestStartDriverRequiresPrompt(t *testing.T) {
	srv, _ := newTestServer(t, map[string]Driver{"team": &stubDriver{}})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/drivers/team/start", gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartDriverConflict(t *testing.T) {
	d := &stubDriver{startErr: errors.New("driver already running")}
	srv, _ := newTestServer(t, map[string]Driver{"team": d})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/drivers/team/start",
		gin.H{"prompt": "x"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "already running")
}

func TestUnknownDriver(t *testing.T) {
	srv, _ := newTestServer(t, map[string]Driver{"team": &stubDriver{}})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/drivers/crew/start",
		gin.H{"prompt": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDriverCommands(t *testing.T) {
	d := &stubDriver{}
	srv, _ := newTestServer(t, map[string]Driver{"panel": d})
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/drivers/panel/message", gin.H{"text": "use Kafka"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/drivers/panel/approve", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/drivers/panel/reject", gin.H{"reason": "too broad"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/drivers/panel/pause", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodPost, "/api/drivers/panel/resume", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodPost, "/api/drivers/panel/stop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodPost, "/api/drivers/panel/reset", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodPost, "/api/drivers/panel/inject", gin.H{"text": "check licensing"})
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"use Kafka"}, d.messages)
	assert.Equal(t, 1, d.approvals)
	assert.Equal(t, []string{"too broad"}, d.rejections)
	assert.Equal(t, 1, d.pauses)
	assert.Equal(t, 1, d.resumes)
	assert.Equal(t, 1, d.stops)
	assert.Equal(t, []string{"check licensing"}, d.injections)
}

func TestRejectRequiresReason(t *testing.T) {
	srv, _ := newTestServer(t, map[string]Driver{"team": &stubDriver{}})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/drivers/team/reject", gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetPhase(t *testing.T) {
	d := &stubDriver{phase: phase.Executing}
	srv, _ := newTestServer(t, map[string]Driver{"office": d})

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/drivers/office/phase", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "executing", decode(t, rec)["phase"])
}

func TestRestControlOnlyForRestingDrivers(t *testing.T) {
	office := &restingDriver{}
	team := &stubDriver{}
	srv, _ := newTestServer(t, map[string]Driver{"office": office, "team": team})
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/drivers/office/rest/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, office.restCancels)

	rec = doJSON(t, h, http.MethodPost, "/api/drivers/office/rest/override", gin.H{"minutes": 2})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, office.restOverride)

	rec = doJSON(t, h, http.MethodPost, "/api/drivers/team/rest/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/drivers/office/rest/override", gin.H{"minutes": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionEndpoints(t *testing.T) {
	srv, mem := newTestServer(t, map[string]Driver{"team": &stubDriver{}})
	h := srv.Handler()

	rec1 := store.SessionRecord{
		ID:     "s1",
		Driver: session.DriverTeam,
		Prompt: "build the parser",
		Phase:  phase.Completed,
		Transcript: []agent.Message{
			{Type: agent.TypeUserMessage, Content: "build the parser"},
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, mem.SaveSession(context.Background(), rec1))

	rec := doJSON(t, h, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 1, body["count"])

	rec = doJSON(t, h, http.MethodGet, "/api/sessions/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got store.SessionRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "build the parser", got.Prompt)
	assert.Len(t, got.Transcript, 1)

	rec = doJSON(t, h, http.MethodGet, "/api/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/api/sessions/s1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/sessions/s1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	d := &stubDriver{phase: phase.Resting}
	srv, _ := newTestServer(t, map[string]Driver{"office": d})

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	drivers, ok := body["drivers"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "resting", drivers["office"])
}
