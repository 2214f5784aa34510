package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/fraware/accountabilitylayer/pkg/bus"
	"github.com/fraware/accountabilitylayer/pkg/models"
	"github.com/fraware/accountabilitylayer/pkg/services"
)

// maxBulkSize bounds one batch submission.
const maxBulkSize = 1000

// submitLogHandler handles POST /api/v1/logs.
// Validates, classifies, publishes logs.create, and returns 202: success
// means queued, not persisted.
func (s *Server) submitLogHandler(c *echo.Context) error {
	var req SubmitLogRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	l, err := req.toModel(time.Now())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := services.ValidateNew(l); err != nil {
		return mapServiceError(err)
	}
	s.classifier.Apply(l)

	eventID := uuid.New().String()
	cmd := models.CreateCommand{Log: l, Initiator: extractInitiator(c), SourceIP: c.RealIP()}
	ack, err := s.publishCommand(c.Request().Context(), bus.SubjectLogsCreate, eventID, cmd)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusAccepted, &ReceiptResponse{
		EventID:  eventID,
		Stream:   ack.Stream,
		Sequence: ack.Sequence,
		Status:   "queued",
		Message:  "log submitted for processing",
	})
}

// submitBulkHandler handles POST /api/v1/logs/bulk. Every entry is validated
// up front; an empty batch is a validation error.
func (s *Server) submitBulkHandler(c *echo.Context) error {
	var req SubmitBulkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Logs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "logs array must not be empty")
	}
	if len(req.Logs) > maxBulkSize {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("batch exceeds maximum size of %d", maxBulkSize))
	}

	now := time.Now()
	logs := make([]*models.DecisionLog, 0, len(req.Logs))
	for i, item := range req.Logs {
		l, err := item.toModel(now)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("logs[%d]: %s", i, err))
		}
		if err := services.ValidateNew(l); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("logs[%d]: %s", i, err))
		}
		s.classifier.Apply(l)
		logs = append(logs, l)
	}

	batchID := uuid.New().String()
	cmd := models.BulkCommand{
		BatchID:   batchID,
		Logs:      logs,
		Initiator: extractInitiator(c),
		SourceIP:  c.RealIP(),
	}
	ack, err := s.publishCommand(c.Request().Context(), bus.SubjectLogsBulk, batchID, cmd)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusAccepted, &BulkReceiptResponse{
		BatchID:  batchID,
		Count:    len(logs),
		EventID:  batchID,
		Stream:   ack.Stream,
		Sequence: ack.Sequence,
		Status:   "queued",
	})
}

// updateReviewHandler handles PUT /api/v1/logs/{agent_id}/{step_id}.
// Checks mutation eligibility synchronously, then publishes logs.update.
func (s *Server) updateReviewHandler(c *echo.Context) error {
	agentID, stepID, err := pathLogID(c)
	if err != nil {
		return err
	}

	var req UpdateReviewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	upd := req.toUpdate()
	if upd.IsEmpty() {
		return echo.NewHTTPError(http.StatusBadRequest, "no mutable fields in update")
	}

	// Eligibility is re-checked by the worker; failing fast here turns a
	// doomed publish into an immediate client error.
	l, err := s.logs.Get(c.Request().Context(), agentID, stepID)
	if err != nil {
		return mapServiceError(err)
	}
	if l.Reviewed {
		return echo.NewHTTPError(http.StatusConflict, "log is reviewed and no longer mutable")
	}

	eventID := uuid.New().String()
	cmd := models.UpdateCommand{
		AgentID:   agentID,
		StepID:    stepID,
		Update:    upd,
		Initiator: extractInitiator(c),
		SourceIP:  c.RealIP(),
	}
	ack, err := s.publishCommand(c.Request().Context(), bus.SubjectLogsUpdate, eventID, cmd)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusAccepted, &ReceiptResponse{
		EventID:  eventID,
		Stream:   ack.Stream,
		Sequence: ack.Sequence,
		Status:   "queued",
		Message:  "update submitted for processing",
	})
}

// getLogHandler handles GET /api/v1/logs/{agent_id}/{step_id}.
func (s *Server) getLogHandler(c *echo.Context) error {
	agentID, stepID, err := pathLogID(c)
	if err != nil {
		return err
	}
	l, err := s.logs.Get(c.Request().Context(), agentID, stepID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, l)
}

// listByAgentHandler handles GET /api/v1/logs/{agent_id}.
func (s *Server) listByAgentHandler(c *echo.Context) error {
	agentID := c.Param("agent_id")
	params := models.ListParams{
		SortBy:    c.QueryParam("sort"),
		SortOrder: c.QueryParam("order"),
	}
	var err error
	if params.Page, err = queryInt(c, "page", 1); err != nil {
		return err
	}
	if params.Limit, err = queryInt(c, "limit", 0); err != nil {
		return err
	}

	res, err := s.logs.ListByAgent(c.Request().Context(), agentID, params)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// searchHandler handles GET /api/v1/logs/search.
func (s *Server) searchHandler(c *echo.Context) error {
	f := models.SearchFilters{
		AgentID:   c.QueryParam("agent_id"),
		Status:    models.Status(c.QueryParam("status")),
		TraceID:   c.QueryParam("trace_id"),
		Keyword:   c.QueryParam("keyword"),
		SortBy:    c.QueryParam("sort"),
		SortOrder: c.QueryParam("order"),
	}

	if raw := c.QueryParam("reviewed"); raw != "" {
		reviewed, err := strconv.ParseBool(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "reviewed must be a boolean")
		}
		f.Reviewed = &reviewed
	}
	var err error
	if f.FromDate, err = queryTime(c, "from_date"); err != nil {
		return err
	}
	if f.ToDate, err = queryTime(c, "to_date"); err != nil {
		return err
	}

	page, err := queryInt(c, "page", 1)
	if err != nil {
		return err
	}
	if f.Limit, err = queryInt(c, "limit", 0); err != nil {
		return err
	}
	if f.Limit > 0 && page > 1 {
		f.Offset = (page - 1) * f.Limit
	}

	res, err := s.logs.Search(c.Request().Context(), f)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// summaryHandler handles GET /api/v1/logs/summary/{agent_id}. Optional
// from_date/to_date bound the aggregation window.
func (s *Server) summaryHandler(c *echo.Context) error {
	from, err := queryTime(c, "from_date")
	if err != nil {
		return err
	}
	to, err := queryTime(c, "to_date")
	if err != nil {
		return err
	}
	sum, err := s.logs.Summary(c.Request().Context(), c.Param("agent_id"), from, to)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, sum)
}

// publishCommand marshals and publishes an ingress command, retrying once on
// failure before surfacing a transient server error.
func (s *Server) publishCommand(ctx context.Context, subject, id string, payload any) (bus.PublishAck, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return bus.PublishAck{}, echo.NewHTTPError(http.StatusInternalServerError, "failed to encode command")
	}
	msg := &bus.Message{ID: id, Timestamp: time.Now().UTC(), Data: data}

	ack, err := s.bus.Publish(ctx, subject, msg)
	if err != nil {
		ack, err = s.bus.Publish(ctx, subject, msg)
	}
	if err != nil {
		return bus.PublishAck{}, echo.NewHTTPError(http.StatusServiceUnavailable, "event bus unavailable, retry later")
	}
	return ack, nil
}

func pathLogID(c *echo.Context) (string, int64, error) {
	agentID := c.Param("agent_id")
	stepID, err := strconv.ParseInt(c.Param("step_id"), 10, 64)
	if err != nil {
		return "", 0, echo.NewHTTPError(http.StatusBadRequest, "step_id must be an integer")
	}
	return agentID, stepID, nil
}

func queryInt(c *echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
	}
	return n, nil
}

func queryTime(c *echo.Context, name string) (*time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, name+" must be RFC 3339")
	}
	return &t, nil
}
