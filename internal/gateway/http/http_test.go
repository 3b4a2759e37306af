package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro/engine/internal/agent"
	"github.com/maestro/engine/internal/session"
)

type fakeEngine struct {
	sessions    map[string]*session.Session
	interrupted string
	interruptErr error
}

func (f *fakeEngine) GetSession(id string) (*session.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return s, nil
}

func (f *fakeEngine) Interrupt(sessionID string) error {
	f.interrupted = sessionID
	return f.interruptErr
}

func newRouter(engine Engine, token string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewServer(engine, token).Register(r)
	return r
}

func TestHandleInterrupt_Success(t *testing.T) {
	sess := session.New("/tmp", "demo", agent.KindClaudeCode)
	engine := &fakeEngine{sessions: map[string]*session.Session{sess.ID: sess}}
	r := newRouter(engine, "secret")

	req := httptest.NewRequest(http.MethodPost, "/secret/session/"+sess.ID+"/interrupt", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success":true`)
	assert.Equal(t, sess.ID, engine.interrupted)
}

func TestHandleInterrupt_RejectsBadToken(t *testing.T) {
	engine := &fakeEngine{sessions: map[string]*session.Session{}}
	r := newRouter(engine, "secret")

	req := httptest.NewRequest(http.MethodPost, "/wrong/session/x/interrupt", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleGetSession_ReturnsActiveTabByDefault(t *testing.T) {
	sess := session.New("/tmp", "demo", agent.KindClaudeCode)
	sess.ActiveTab().AppendStdout("hello", sess.CreatedAt)
	engine := &fakeEngine{sessions: map[string]*session.Session{sess.ID: sess}}
	r := newRouter(engine, "secret")

	req := httptest.NewRequest(http.MethodGet, "/secret/session/"+sess.ID, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hello")
	assert.Contains(t, w.Body.String(), sess.ActiveTabID)
}

func TestHandleGetSession_UnknownSessionReturns404(t *testing.T) {
	engine := &fakeEngine{sessions: map[string]*session.Session{}}
	r := newRouter(engine, "secret")

	req := httptest.NewRequest(http.MethodGet, "/secret/session/missing", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
