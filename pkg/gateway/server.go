package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vespid/vespid/pkg/config"
	"github.com/vespid/vespid/pkg/database"
	"github.com/vespid/vespid/pkg/events"
	"github.com/vespid/vespid/pkg/models"
	"github.com/vespid/vespid/pkg/store"
	"github.com/vespid/vespid/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is one named probe in the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status          string                 `json:"status"`
	Version         string                 `json:"version"`
	Checks          map[string]HealthCheck `json:"checks"`
	ExecutorsOnline int                    `json:"executorsOnline"`
	PendingRequests int                    `json:"pendingRequests"`
}

// Server is the gateway's HTTP surface: internal dispatch and result routes
// behind the service token, executor WebSocket endpoints behind executor
// bearer tokens, plus health and metrics.
type Server struct {
	config    *config.GatewayConfig
	db        *database.Client
	registry  *Registry
	router    *Router
	executors *store.ExecutorStore
	streams   *events.StreamManager

	engine  *gin.Engine
	httpSrv *http.Server
}

// NewServer assembles the gateway HTTP server.
func NewServer(cfg *config.GatewayConfig, db *database.Client, registry *Registry, router *Router,
	executors *store.ExecutorStore) *Server {
	s := &Server{
		config:    cfg,
		db:        db,
		registry:  registry,
		router:    router,
		executors: executors,
	}
	s.engine = s.buildEngine()
	return s
}

// Handler returns the HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.engine }

// SetRunStream wires the run event stream manager serving GET /ws/runs.
// Called once at startup after both sides exist; unset, the route answers
// 503.
func (s *Server) SetRunStream(m *events.StreamManager) { s.streams = m }

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.engine,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) buildEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	internal := r.Group("/internal/v1", s.serviceTokenAuth())
	internal.POST("/dispatch", s.handleDispatch)
	internal.GET("/results/:requestId", s.handleFetchResult)
	internal.POST("/results/:requestId", s.handleFetchResult)
	internal.POST("/managed-executors/issue", s.handleIssueExecutor)
	internal.POST("/executors/:executorId/revoke", s.handleRevokeExecutor)

	r.GET("/ws/executor", s.handleExecutorWS)
	r.GET("/ws", s.handleExecutorWS)
	r.GET("/ws/runs", s.handleRunStreamWS)

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// serviceTokenAuth guards the internal routes with the shared service
// token. An unconfigured token disables the routes entirely.
func (s *Server) serviceTokenAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.config.ServiceToken == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				gin.H{"error": "service token not configured"})
			return
		}
		token := bearerToken(c.Request)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.ServiceToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleDispatch(c *gin.Context) {
	var req models.DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.router.Dispatch(c.Request.Context(), &req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleFetchResult(c *gin.Context) {
	res, err := s.router.FetchResult(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// issueExecutorRequest is the body of POST /internal/v1/managed-executors/issue.
type issueExecutorRequest struct {
	OrganizationID string   `json:"organizationId"`
	Pool           string   `json:"pool"`
	Name           string   `json:"name"`
	Labels         []string `json:"labels"`
	Kinds          []string `json:"kinds"`
	Connectors     []string `json:"connectors"`
	MaxInFlight    int      `json:"maxInFlight"`
}

// issueExecutorResponse carries the one-time plaintext token.
type issueExecutorResponse struct {
	ExecutorID string `json:"executorId"`
	Token      string `json:"token"`
	Pool       string `json:"pool"`
	Name       string `json:"name"`
}

func (s *Server) handleIssueExecutor(c *gin.Context) {
	var req issueExecutorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	exec, token, err := s.executors.Issue(c.Request.Context(), store.IssueParams{
		OrganizationID: req.OrganizationID,
		Pool:           req.Pool,
		Name:           req.Name,
		Labels:         req.Labels,
		Kinds:          req.Kinds,
		Connectors:     req.Connectors,
		MaxInFlight:    req.MaxInFlight,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, issueExecutorResponse{
		ExecutorID: exec.ID,
		Token:      token,
		Pool:       exec.Pool,
		Name:       exec.Name,
	})
}

func (s *Server) handleRevokeExecutor(c *gin.Context) {
	executorID := c.Param("executorId")
	if err := s.executors.Revoke(c.Request.Context(), executorID); err != nil {
		s.writeError(c, err)
		return
	}
	// Drop the live socket so the revocation takes effect immediately
	// instead of waiting for the next dispatch-time check.
	if conn, ok := s.registry.Get(executorID); ok {
		s.registry.Remove(conn)
		conn.Close("executor revoked")
	}
	c.JSON(http.StatusOK, gin.H{"executorId": executorID, "revoked": true})
}

// handleExecutorWS authenticates an executor bearer token and hands the
// upgraded socket to a Session. Serves both /ws/executor and the legacy /ws.
func (s *Server) handleExecutorWS(c *gin.Context) {
	token := bearerToken(c.Request)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "executor token required"})
		return
	}

	executor, err := s.executors.GetByTokenHash(c.Request.Context(), store.HashToken(token))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid executor token"})
		return
	}
	if err != nil {
		slog.Error("Executor auth lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	ws, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// Executors authenticate with bearer tokens, not cookies, so
		// origin checks add nothing here.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("Executor WebSocket upgrade failed", "executor_id", executor.ID, "error", err)
		return
	}

	// Run blocks until the socket closes.
	NewSession(executor, ws, s.registry, s.router, s.config).Run(c.Request.Context())
}

// handleRunStreamWS upgrades a run event stream client and hands it to the
// stream manager. Deployments front this route with their own authn
// middleware; once admitted, a client may subscribe to any run channel.
func (s *Server) handleRunStreamWS(c *gin.Context) {
	if s.streams == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run event stream not configured"})
		return
	}
	ws, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("Run stream WebSocket upgrade failed", "error", err)
		return
	}
	s.streams.HandleConnection(c.Request.Context(), ws)
}

func (s *Server) handleHealth(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if _, err := s.db.Health(reqCtx); err != nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy}
	}
	checks["registry"] = HealthCheck{Status: healthStatusHealthy}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, &HealthResponse{
		Status:          status,
		Version:         version.GitCommit,
		Checks:          checks,
		ExecutorsOnline: s.registry.OnlineCount(),
		PendingRequests: s.router.PendingCount(),
	})
}

// writeError maps domain errors onto HTTP statuses. Stable codes travel in
// the error field so HTTP clients can rebuild the CodedError.
func (s *Server) writeError(c *gin.Context, err error) {
	if store.IsValidationError(err) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	switch models.CodeOf(err) {
	case models.CodeNoEligibleExecutor:
		c.JSON(http.StatusConflict, gin.H{"error": models.CodeNoEligibleExecutor})
	case models.CodeResultNotReady:
		c.JSON(http.StatusNotFound, gin.H{"error": models.CodeResultNotReady})
	case models.CodeGatewayUnavailable:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": models.CodeGatewayUnavailable})
	case "":
		slog.Error("Unhandled gateway error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	default:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": models.CodeOf(err)})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after
	}
	return ""
}
