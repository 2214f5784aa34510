package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/fraware/accountabilitylayer/pkg/audit"
)

// auditChainHandler handles GET /api/v1/audit/chain.
func (s *Server) auditChainHandler(c *echo.Context) error {
	entries := s.audit.Entries()
	return c.JSON(http.StatusOK, &ChainResponse{Length: len(entries), Entries: entries})
}

// auditVerifyHandler handles GET /api/v1/audit/verify: full chain
// re-verification.
func (s *Server) auditVerifyHandler(c *echo.Context) error {
	if err := s.audit.Verify(); err != nil {
		// Integrity failures are surfaced, never masked as server errors.
		return c.JSON(http.StatusConflict, &VerifyResponse{Valid: false, Error: err.Error()})
	}
	return c.JSON(http.StatusOK, &VerifyResponse{Valid: true})
}

// auditWindowsHandler handles GET /api/v1/audit/windows.
func (s *Server) auditWindowsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.audit.Windows())
}

// auditProofHandler handles GET /api/v1/audit/proof/{log_hash}.
// Optional window_start (epoch milliseconds, the window key) pins the
// window; otherwise all windows are searched newest first.
func (s *Server) auditProofHandler(c *echo.Context) error {
	logHash := c.Param("log_hash")

	var windowStart int64
	if raw := c.QueryParam("window_start"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "window_start must be epoch milliseconds")
		}
		windowStart = parsed
	}

	proof, err := s.audit.Proof(logHash, windowStart)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, proof)
}

// exportPackHandler handles POST /api/v1/audit/packs/export.
// Responds with the canonical pack bytes so packHash stays reproducible
// across transports.
func (s *Server) exportPackHandler(c *echo.Context) error {
	var req ExportPackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	start, err := time.Parse(time.RFC3339, req.Start)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "start must be RFC 3339")
	}
	end, err := time.Parse(time.RFC3339, req.End)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "end must be RFC 3339")
	}
	if !start.Before(end) {
		return echo.NewHTTPError(http.StatusBadRequest, "start must precede end")
	}

	pack, err := s.audit.ExportPack(start, end)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	data, err := pack.Encode()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.Blob(http.StatusOK, "application/json", data)
}

// importPackHandler handles POST /api/v1/audit/packs/import: verifies an
// uploaded pack and reports the outcome.
func (s *Server) importPackHandler(c *echo.Context) error {
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read pack body")
	}

	pack, err := audit.ImportPack(data)
	if err != nil {
		return c.JSON(http.StatusUnprocessableEntity, &VerifyResponse{Valid: false, Error: err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"valid":        true,
		"pack_id":      pack.ID,
		"verification": pack.Verification,
	})
}
