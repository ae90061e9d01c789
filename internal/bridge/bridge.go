// Package bridge runs the loopback HTTP listener that the agent's
// permission helper POSTs approval requests to. One listener serves all
// sessions; each request names the session it belongs to.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/agentmux/agentmux/internal/approval"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// PermissionRequest is the wire shape the agent's permission helper POSTs
// to /permission.
type PermissionRequest struct {
	SessionID string         `json:"sessionId"`
	ToolName  string         `json:"toolName"`
	ToolInput map[string]any `json:"toolInput"`
	RequestID string         `json:"requestId"`
}

// Handler resolves one permission request. It blocks until the operator
// answers or the question times out; the agent's helper blocks on the POST
// for the same duration.
type Handler func(ctx context.Context, req PermissionRequest) (approval.Response, error)

// Server is the approval callback bridge.
type Server struct {
	handler  Handler
	logger   *logger.Logger
	listener net.Listener
	srv      *http.Server
}

// New creates a bridge serving the given handler.
func New(handler Handler, log *logger.Logger) *Server {
	return &Server{
		handler: handler,
		logger:  log.WithFields(zap.String("component", "approval-bridge")),
	}
}

// Start binds an ephemeral loopback port and begins serving. Call URL for
// the resulting endpoint.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to bind approval bridge: %w", err)
	}
	s.listener = listener

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.POST("/permission", s.handlePermission)
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	s.srv = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("approval bridge serve error", zap.Error(err))
		}
	}()

	s.logger.Info("approval bridge listening", zap.String("url", s.URL()))
	return nil
}

// URL returns the bridge endpoint, e.g. http://127.0.0.1:49321/permission.
func (s *Server) URL() string {
	if s.listener == nil {
		return ""
	}
	return fmt.Sprintf("http://%s/permission", s.listener.Addr().String())
}

// Close shuts the listener down and interrupts in-flight requests.
func (s *Server) Close(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handlePermission(c *gin.Context) {
	var req PermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	s.logger.Info("permission request received",
		zap.String("session_id", req.SessionID),
		zap.String("tool_name", req.ToolName),
		zap.String("request_id", req.RequestID))

	resp, err := s.handler(c.Request.Context(), req)
	if err != nil {
		s.logger.Error("permission handler failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	body, err := resp.MarshalBridge()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode response"})
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}
