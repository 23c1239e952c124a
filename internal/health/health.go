package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/haruki121731-del/Lore-Anchor1/shared/postgresql"
	"github.com/haruki121731-del/Lore-Anchor1/shared/rabbitmq"
)

// Server exposes the worker's liveness and readiness over HTTP so
// orchestrators can restart a worker whose infrastructure connections
// have gone away.
type Server struct {
	logger       *slog.Logger
	dbClient     *postgresql.Client
	rabbitClient *rabbitmq.Client
	httpServer   *http.Server
}

// NewServer creates the health endpoint server
func NewServer(port int, logger *slog.Logger, dbClient *postgresql.Client, rabbitClient *rabbitmq.Client) *Server {
	s := &Server{
		logger:       logger,
		dbClient:     dbClient,
		rabbitClient: rabbitClient,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealthz)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	return s
}

// Start runs the HTTP server. Blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("Health server listening",
		slog.String("addr", s.httpServer.Addr),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health server failed: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(c *gin.Context) {
	checks := gin.H{}
	healthy := true

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.dbClient.HealthCheck(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	} else {
		checks["database"] = "ok"
	}

	if s.rabbitClient.IsConnected() {
		checks["rabbitmq"] = "ok"
	} else {
		checks["rabbitmq"] = "disconnected"
		healthy = false
	}

	status := http.StatusOK
	statusText := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		statusText = "unhealthy"
	}

	c.JSON(status, gin.H{
		"status":  statusText,
		"service": "protection-worker",
		"checks":  checks,
	})
}
