// Package http implements the remote control gateway's side-channel REST
// endpoints : interrupt and session-snapshot reads for clients that
// don't want to hold a WebSocket open. Every route is gated by the
// per-installation token as a `/:token` URL path segment, per spec.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/maestro/engine/internal/session"
	"github.com/maestro/engine/internal/tab"
)

// Engine is the narrow surface this package needs from the engine.
type Engine interface {
	GetSession(id string) (*session.Session, error)
	Interrupt(sessionID string) error
}

// Server wraps a gin engine with the token-gated REST routes.
type Server struct {
	engine Engine
	token  string
}

// NewServer builds a Server bound to engine and gated by token.
func NewServer(engine Engine, token string) *Server {
	return &Server{engine: engine, token: token}
}

// Register mounts the routes onto router, under a `/:token` segment: the
// per-installation token is part of the URL path rather than a query
// parameter or header; a request with the wrong token is answered 401 by
// the auth middleware before any route handler runs.
func (s *Server) Register(router gin.IRouter) {
	gated := router.Group("/:token")
	gated.Use(s.authMiddleware)
	gated.POST("/session/:id/interrupt", s.handleInterrupt)
	gated.GET("/session/:id", s.handleGetSession)
}

func (s *Server) authMiddleware(c *gin.Context) {
	if c.Param("token") != s.token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid token"})
		return
	}
	c.Next()
}

func (s *Server) handleInterrupt(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.Interrupt(id); err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleGetSession(c *gin.Context) {
	id := c.Param("id")
	sess, err := s.engine.GetSession(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
		return
	}

	tabID := c.Query("tabId")
	var selected *tabSnapshot
	if tabID != "" {
		if t := sess.TabByID(tabID); t != nil {
			snap := toTabSnapshot(t)
			selected = &snap
		}
	} else if active := sess.ActiveTab(); active != nil {
		snap := toTabSnapshot(active)
		selected = &snap
	}

	c.JSON(http.StatusOK, gin.H{
			"success": true,
			"session": toSessionSnapshot(sess),
			"tab": selected,
	})
}

type sessionSnapshot struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	WorkDir     string   `json:"workDir"`
	AgentKind   string   `json:"agentKind"`
	InputMode   string   `json:"inputMode"`
	ActiveTabID string   `json:"activeTabId"`
	TabIDs      []string `json:"tabIds"`
}

func toSessionSnapshot(s *session.Session) sessionSnapshot {
	ids := make([]string, 0, len(s.Tabs))
	for _, t := range s.Tabs {
		ids = append(ids, t.ID)
	}
	return sessionSnapshot{
		ID: s.ID, DisplayName: s.DisplayName, WorkDir: s.WorkDir,
		AgentKind: string(s.AgentKind), InputMode: string(s.InputMode),
		ActiveTabID: s.ActiveTabID, TabIDs: ids,
	}
}

type tabSnapshot struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	State string   `json:"state"`
	Log   []string `json:"log"`
}

func toTabSnapshot(t *tab.Tab) tabSnapshot {
	lines := make([]string, 0, len(t.Log))
	for _, entry := range t.Log {
		lines = append(lines, entry.Text)
	}
	return tabSnapshot{ID: t.ID, Name: t.DisplayName(""), State: string(t.State), Log: lines}
}
