package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/fraware/accountabilitylayer/pkg/bus"
	"github.com/fraware/accountabilitylayer/pkg/models"
)

// BindBus subscribes the manager to the outcome subjects. Subscriptions are
// broadcast (no queue group) so every notifier instance sees every event and
// clients connected anywhere receive their matches.
func (m *Manager) BindBus(ctx context.Context, b bus.Bus) error {
	subs := []struct {
		subject string
		handler bus.Handler
	}{
		{bus.SubjectLogsCreated, m.onLogCreated},
		{bus.SubjectLogsBulkCreated, m.onBulkCreated},
		{bus.SubjectLogsUpdated, m.onLogUpdated},
		{bus.SubjectAuditWindowFinalized, m.onAuditEvent},
	}
	for _, s := range subs {
		if err := b.Subscribe(ctx, bus.SubscribeConfig{Subject: s.subject}, s.handler); err != nil {
			return fmt.Errorf("notifier subscribe %s: %w", s.subject, err)
		}
	}
	slog.Info("Notifier subscribed to outcome subjects", "count", len(subs))
	return nil
}

// Outcome handlers never return errors: delivery is best effort and a failed
// fan-out must not push the event toward the DLQ.

func (m *Manager) onLogCreated(_ context.Context, msg *bus.Message) error {
	var evt models.LogCreatedEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		slog.Warn("Dropping malformed created event", "message_id", msg.ID, "error", err)
		return nil
	}
	m.Fanout("log-created", []map[string]string{fieldsForLog(evt.Log)}, msg.Data)
	return nil
}

func (m *Manager) onBulkCreated(_ context.Context, msg *bus.Message) error {
	var evt models.BulkCreatedEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		slog.Warn("Dropping malformed bulk event", "message_id", msg.ID, "error", err)
		return nil
	}
	// A batch matches a room when any contained log does.
	candidates := make([]map[string]string, 0, len(evt.Logs))
	for _, l := range evt.Logs {
		candidates = append(candidates, fieldsForLog(l))
	}
	m.Fanout("bulk-logs-created", candidates, msg.Data)
	return nil
}

func (m *Manager) onLogUpdated(_ context.Context, msg *bus.Message) error {
	var evt models.LogUpdatedEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		slog.Warn("Dropping malformed updated event", "message_id", msg.ID, "error", err)
		return nil
	}
	m.Fanout("log-updated", []map[string]string{fieldsForLog(evt.Log)}, msg.Data)
	return nil
}

func (m *Manager) onAuditEvent(_ context.Context, msg *bus.Message) error {
	// Audit events carry no per-log fields; only unfiltered rooms receive them.
	m.Fanout("audit-event", nil, msg.Data)
	return nil
}

// fieldsForLog projects the matchable fields of a log for room filters.
func fieldsForLog(l *models.DecisionLog) map[string]string {
	if l == nil {
		return nil
	}
	return map[string]string{
		"agent_id": l.AgentID,
		"step_id":  strconv.FormatInt(l.StepID, 10),
		"trace_id": l.TraceID,
		"user_id":  l.UserID,
		"status":   string(l.Status),
	}
}
