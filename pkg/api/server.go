// Package api is the HTTP surface: asynchronous ingestion endpoints that
// publish commands to the bus, synchronous reads against the store, audit
// inspection, and auth.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/fraware/accountabilitylayer/pkg/audit"
	"github.com/fraware/accountabilitylayer/pkg/bus"
	"github.com/fraware/accountabilitylayer/pkg/classify"
	"github.com/fraware/accountabilitylayer/pkg/config"
	"github.com/fraware/accountabilitylayer/pkg/database"
	"github.com/fraware/accountabilitylayer/pkg/metrics"
	"github.com/fraware/accountabilitylayer/pkg/services"
)

// Server is the ingestion API server.
type Server struct {
	echo   *echo.Echo
	server *http.Server

	bus        bus.Bus
	logs       *services.LogService
	audit      *audit.Service
	classifier *classify.Classifier
	dbClient   *database.Client
	auth       config.AuthConfig
}

// NewServer wires routes and middleware. dbClient may be nil in
// memory-store mode; health checks then skip the database probe.
func NewServer(b bus.Bus, logs *services.LogService, auditSvc *audit.Service, classifier *classify.Classifier, dbClient *database.Client, auth config.AuthConfig) *Server {
	s := &Server{
		bus:        b,
		logs:       logs,
		audit:      auditSvc,
		classifier: classifier,
		dbClient:   dbClient,
		auth:       auth,
	}

	e := echo.New()
	e.Use(securityHeaders())
	e.Use(requestMetrics())

	e.GET("/healthz", s.healthzHandler)
	e.GET("/readyz", s.readyzHandler)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	api := e.Group("/api/v1")
	api.POST("/auth/login", s.loginHandler)

	protected := api.Group("", s.bearerAuth())
	protected.POST("/logs", s.submitLogHandler)
	protected.POST("/logs/bulk", s.submitBulkHandler)
	protected.GET("/logs/search", s.searchHandler)
	protected.GET("/logs/summary/:agent_id", s.summaryHandler)
	protected.GET("/logs/:agent_id", s.listByAgentHandler)
	protected.GET("/logs/:agent_id/:step_id", s.getLogHandler)
	protected.PUT("/logs/:agent_id/:step_id", s.updateReviewHandler)

	protected.GET("/audit/chain", s.auditChainHandler)
	protected.GET("/audit/verify", s.auditVerifyHandler)
	protected.GET("/audit/windows", s.auditWindowsHandler)
	protected.GET("/audit/proof/:log_hash", s.auditProofHandler)
	protected.POST("/audit/packs/export", s.exportPackHandler)
	protected.POST("/audit/packs/import", s.importPackHandler)

	s.echo = e
	return s
}

// Handler exposes the routing tree, for tests and for embedding the API
// into another listener.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr. Blocks until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
