package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/fraware/accountabilitylayer/pkg/database"
	"github.com/fraware/accountabilitylayer/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// healthzHandler handles GET /healthz: liveness only, no dependency probes,
// so the orchestrator never restarts the process for a dependency outage.
func (s *Server) healthzHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &HealthResponse{
		Status:  healthStatusHealthy,
		Version: version.GitCommit,
	})
}

// readyzHandler handles GET /readyz: probes the database and the bus; any
// failure reports 503 so the instance is pulled from rotation.
func (s *Server) readyzHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.dbClient != nil {
		if _, err := database.Health(reqCtx, s.dbClient.DB()); err != nil {
			status = healthStatusUnhealthy
			checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["database"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	busHealth, err := s.bus.Health(reqCtx)
	switch {
	case err != nil:
		status = healthStatusUnhealthy
		checks["bus"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	case !busHealth.Healthy:
		status = healthStatusUnhealthy
		checks["bus"] = HealthCheck{Status: healthStatusUnhealthy, Message: "one or more streams unavailable"}
	default:
		checks["bus"] = HealthCheck{Status: healthStatusHealthy}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}
