// Package worker consumes ingestion commands from the bus, validates and
// classifies logs, persists them, records audit entries, and publishes
// outcome events.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fraware/accountabilitylayer/pkg/audit"
	"github.com/fraware/accountabilitylayer/pkg/bus"
	"github.com/fraware/accountabilitylayer/pkg/canonical"
	"github.com/fraware/accountabilitylayer/pkg/classify"
	"github.com/fraware/accountabilitylayer/pkg/config"
	"github.com/fraware/accountabilitylayer/pkg/metrics"
	"github.com/fraware/accountabilitylayer/pkg/models"
	"github.com/fraware/accountabilitylayer/pkg/services"
)

// QueueGroup is the queue group shared by all worker replicas, so each
// command is processed by exactly one of them.
const QueueGroup = "log-workers"

// AuditRecorder is the slice of the audit service the worker needs.
type AuditRecorder interface {
	RecordCreation(ctx context.Context, l *models.DecisionLog, meta audit.EntryMetadata) (*audit.Entry, error)
	RecordUpdate(ctx context.Context, logID string, updates map[string]any, meta audit.EntryMetadata) (*audit.Entry, error)
	ChainLength() int
}

// Worker wires the log pipeline: command subjects in, outcome events out.
type Worker struct {
	bus        bus.Bus
	logs       *services.LogService
	audit      AuditRecorder
	classifier *classify.Classifier
	dedup      Deduper
	retention  config.RetentionConfig
	logger     *slog.Logger

	now func() time.Time
}

// New creates a worker. The classifier may carry extension rules; dedup
// must not be nil (use NewMemoryDeduper for single-replica runs).
func New(b bus.Bus, logs *services.LogService, auditSvc AuditRecorder, classifier *classify.Classifier, dedup Deduper, retention config.RetentionConfig) *Worker {
	return &Worker{
		bus:        b,
		logs:       logs,
		audit:      auditSvc,
		classifier: classifier,
		dedup:      dedup,
		retention:  retention,
		logger:     slog.Default().With("component", "worker"),
		now:        time.Now,
	}
}

// Start subscribes to the three command subjects on the shared queue group.
func (w *Worker) Start(ctx context.Context) error {
	subs := []struct {
		subject string
		durable string
		handler bus.Handler
	}{
		{bus.SubjectLogsCreate, "log-workers-create", w.handleCreate},
		{bus.SubjectLogsBulk, "log-workers-bulk", w.handleBulk},
		{bus.SubjectLogsUpdate, "log-workers-update", w.handleUpdate},
	}
	for _, s := range subs {
		cfg := bus.SubscribeConfig{Subject: s.subject, Queue: QueueGroup, Durable: s.durable}
		if err := w.bus.Subscribe(ctx, cfg, s.handler); err != nil {
			return fmt.Errorf("worker subscribe %s: %w", s.subject, err)
		}
	}
	w.logger.Info("Worker subscribed", "queue_group", QueueGroup)
	return nil
}

func (w *Worker) handleCreate(ctx context.Context, msg *bus.Message) error {
	seen, err := w.dedup.MarkSeen(ctx, msg.ID)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if seen {
		metrics.DuplicatesSuppressed.Inc()
		w.logger.Info("Suppressed duplicate create", "message_id", msg.ID)
		return nil
	}

	var cmd models.CreateCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		metrics.LogsRejected.WithLabelValues("malformed").Inc()
		return bus.Permanent(fmt.Errorf("decode create command: %w", err))
	}
	if cmd.Log == nil {
		metrics.LogsRejected.WithLabelValues("malformed").Inc()
		return bus.Permanent(errors.New("create command carries no log"))
	}

	l, err := w.acceptLog(ctx, cmd.Log, audit.EntryMetadata{Initiator: cmd.Initiator, SourceAddr: cmd.SourceIP})
	if err != nil {
		if !bus.IsPermanent(err) {
			// Release the dedup claim so the redelivery is processed instead
			// of suppressed. Permanent failures keep it: the message is
			// dead-lettered, not retried.
			w.unmark(ctx, msg.ID)
		}
		return err
	}
	if l == nil {
		// Duplicate (agent_id, step_id): an earlier delivery already
		// persisted it.
		return nil
	}

	return w.publishEvent(ctx, bus.SubjectLogsCreated, "created-"+msg.ID, models.LogCreatedEvent{Log: l})
}

// unmark releases a dedup claim ahead of a redelivery. Failures are logged
// only; a stuck claim expires with the dedup window.
func (w *Worker) unmark(ctx context.Context, key string) {
	if err := w.dedup.Unmark(ctx, key); err != nil {
		w.logger.Error("Failed to release dedup claim", "message_id", key, "error", err)
	}
}

// acceptLog runs the validate→classify→tier→hash→insert→audit pipeline for
// one log. Returns (nil, nil) when the log was already persisted.
func (w *Worker) acceptLog(ctx context.Context, l *models.DecisionLog, meta audit.EntryMetadata) (*models.DecisionLog, error) {
	if err := services.ValidateNew(l); err != nil {
		metrics.LogsRejected.WithLabelValues("validation").Inc()
		w.logger.Warn("Rejected invalid log", "log_id", l.LogID(), "error", err)
		return nil, bus.Permanent(err)
	}

	before := l.Status
	w.classifier.Apply(l)
	if l.Status == models.StatusAnomaly && before != models.StatusAnomaly {
		metrics.AnomaliesDetected.Inc()
		w.logger.Info("Classified log as anomaly", "log_id", l.LogID())
	}

	l.Version = 1
	l.Reviewed = false
	l.ReviewComments = ""
	services.PrepareTier(l, w.now(), w.retention.HotDays, w.retention.WarmDays)

	hash, err := canonical.HashLog(l)
	if err != nil {
		return nil, bus.Permanent(fmt.Errorf("hash log %s: %w", l.LogID(), err))
	}
	l.ContentHash = hash

	if err := w.logs.Insert(ctx, l); err != nil {
		if errors.Is(err, services.ErrAlreadyExists) {
			return nil, w.recordExisting(ctx, l, meta)
		}
		// Store errors are transient: the bus redelivers.
		return nil, fmt.Errorf("insert log %s: %w", l.LogID(), err)
	}

	if _, err := w.audit.RecordCreation(ctx, l, meta); err != nil {
		// A hole in the chain is worse than a redelivery; the insert is
		// idempotent on retry.
		return nil, fmt.Errorf("record audit entry %s: %w", l.LogID(), err)
	}
	metrics.LogsIngested.WithLabelValues(string(l.Status)).Inc()
	metrics.AuditChainLength.Set(float64(w.audit.ChainLength()))
	return l, nil
}

// recordExisting handles an insert that hit the (agent_id, step_id) unique
// key. An earlier delivery persisted the log; when the stored content
// matches, the creation is recorded again so a chain entry lost to an audit
// failure on that delivery is restored. The recorder skips hashes it has
// already chained.
func (w *Worker) recordExisting(ctx context.Context, l *models.DecisionLog, meta audit.EntryMetadata) error {
	metrics.DuplicatesSuppressed.Inc()
	w.logger.Info("Log already persisted, skipping", "log_id", l.LogID())

	stored, err := w.logs.Get(ctx, l.AgentID, l.StepID)
	if err != nil {
		return fmt.Errorf("load existing log %s: %w", l.LogID(), err)
	}
	if stored.ContentHash != l.ContentHash {
		// Different content under the same key, or a reviewed log rehashed
		// since. Not this command's write.
		return nil
	}
	if _, err := w.audit.RecordCreation(ctx, stored, meta); err != nil {
		return fmt.Errorf("record audit entry %s: %w", l.LogID(), err)
	}
	metrics.AuditChainLength.Set(float64(w.audit.ChainLength()))
	return nil
}

func (w *Worker) handleBulk(ctx context.Context, msg *bus.Message) error {
	seen, err := w.dedup.MarkSeen(ctx, msg.ID)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if seen {
		metrics.DuplicatesSuppressed.Inc()
		w.logger.Info("Suppressed duplicate batch", "message_id", msg.ID)
		return nil
	}

	var cmd models.BulkCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		metrics.LogsRejected.WithLabelValues("malformed").Inc()
		return bus.Permanent(fmt.Errorf("decode bulk command: %w", err))
	}

	evt := models.BulkCreatedEvent{BatchID: cmd.BatchID, Logs: make([]*models.DecisionLog, 0, len(cmd.Logs))}
	meta := audit.EntryMetadata{Initiator: cmd.Initiator, SourceAddr: cmd.SourceIP}

	var transient error
	for i, item := range cmd.Logs {
		if item == nil {
			evt.Rejected = append(evt.Rejected, models.BulkRejection{Index: i, Reason: "empty item"})
			w.deadLetterItem(ctx, msg, cmd.BatchID, i, nil, errors.New("empty item"))
			continue
		}
		l, err := w.acceptLog(ctx, item, meta)
		switch {
		case err == nil && l != nil:
			evt.Accepted++
			evt.Logs = append(evt.Logs, l)
		case err == nil:
			// Already persisted by an earlier delivery.
			evt.Accepted++
		case bus.IsPermanent(err):
			evt.Rejected = append(evt.Rejected, models.BulkRejection{
				Index: i, LogID: item.LogID(), Reason: err.Error(),
			})
			w.deadLetterItem(ctx, msg, cmd.BatchID, i, item, err)
		default:
			// Remember the transient failure; accepted items are idempotent
			// on redelivery, so retrying the whole batch is safe.
			transient = err
		}
	}
	if transient != nil {
		w.unmark(ctx, msg.ID)
		return fmt.Errorf("bulk %s: %w", cmd.BatchID, transient)
	}

	w.logger.Info("Processed batch",
		"batch_id", cmd.BatchID, "accepted", evt.Accepted, "rejected", len(evt.Rejected))
	return w.publishEvent(ctx, bus.SubjectLogsBulkCreated, "bulk-created-"+msg.ID, evt)
}

// deadLetterItem mirrors one permanently rejected batch item to the batch
// subject's DLQ, so per-item failures are triaged the same way single-log
// failures are. The item keeps its position via the "<message>-<index>" id.
func (w *Worker) deadLetterItem(ctx context.Context, msg *bus.Message, batchID string, index int, item *models.DecisionLog, cause error) {
	data, err := json.Marshal(item)
	if err != nil {
		w.logger.Error("Failed to encode rejected batch item",
			"message_id", msg.ID, "index", index, "error", err)
		return
	}
	dlq := bus.DeadLetter(&bus.Message{
		ID:        fmt.Sprintf("%s-%d", msg.ID, index),
		Subject:   msg.Subject,
		Timestamp: w.now(),
		Data:      data,
	}, cause, msg.RetryCount()+1, w.now())
	dlq.Metadata[bus.MetaBatchID] = batchID

	if _, err := w.bus.Publish(ctx, bus.DLQSubject(msg.Subject), dlq); err != nil {
		w.logger.Error("Failed to dead-letter batch item",
			"message_id", msg.ID, "index", index, "error", err)
		return
	}
	metrics.MessagesDeadLettered.WithLabelValues(msg.Subject).Inc()
}

func (w *Worker) handleUpdate(ctx context.Context, msg *bus.Message) error {
	seen, err := w.dedup.MarkSeen(ctx, msg.ID)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if seen {
		metrics.DuplicatesSuppressed.Inc()
		w.logger.Info("Suppressed duplicate update", "message_id", msg.ID)
		return nil
	}

	var cmd models.UpdateCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		return bus.Permanent(fmt.Errorf("decode update command: %w", err))
	}

	l, changes, err := w.logs.ApplyReview(ctx, cmd.AgentID, cmd.StepID, cmd.Update)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrAlreadyReviewed):
			return w.resumeUpdate(ctx, msg, cmd, err)
		case services.IsValidationError(err),
			errors.Is(err, services.ErrNotFound):
			w.logger.Warn("Rejected update", "agent_id", cmd.AgentID, "step_id", cmd.StepID, "error", err)
			return bus.Permanent(err)
		default:
			// Version conflicts and store failures resolve on redelivery.
			w.unmark(ctx, msg.ID)
			return fmt.Errorf("apply review %s:%d: %w", cmd.AgentID, cmd.StepID, err)
		}
	}

	meta := audit.EntryMetadata{Initiator: cmd.Initiator, SourceAddr: cmd.SourceIP, Reason: "review"}
	if _, err := w.audit.RecordUpdate(ctx, l.LogID(), changes, meta); err != nil {
		// The review is applied; the retry surfaces the missing chain entry
		// instead of acking a hole into the trail.
		w.unmark(ctx, msg.ID)
		return fmt.Errorf("record audit entry %s: %w", l.LogID(), err)
	}
	metrics.AuditChainLength.Set(float64(w.audit.ChainLength()))

	return w.publishEvent(ctx, bus.SubjectLogsUpdated, "updated-"+msg.ID, models.LogUpdatedEvent{Log: l, Changes: changes})
}

// resumeUpdate distinguishes a redelivered review from a genuine
// post-review edit. When the stored log already carries exactly the
// requested values, an earlier delivery of this command applied them; the
// update entry is recorded again (the recorder drops repeats per log and
// version) so an audit failure on that delivery leaves no hole in the
// trail. Anything else is a mutation of a frozen log and dead-letters.
func (w *Worker) resumeUpdate(ctx context.Context, msg *bus.Message, cmd models.UpdateCommand, cause error) error {
	stored, err := w.logs.Get(ctx, cmd.AgentID, cmd.StepID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return bus.Permanent(cause)
		}
		w.unmark(ctx, msg.ID)
		return fmt.Errorf("load existing log %s:%d: %w", cmd.AgentID, cmd.StepID, err)
	}
	if !reviewMatches(stored, cmd.Update) {
		w.logger.Warn("Rejected update", "agent_id", cmd.AgentID, "step_id", cmd.StepID, "error", cause)
		return bus.Permanent(cause)
	}

	changes := map[string]any{"version": stored.Version}
	if cmd.Update.Reviewed != nil {
		changes["reviewed"] = *cmd.Update.Reviewed
	}
	if cmd.Update.ReviewComments != nil {
		changes["review_comments"] = *cmd.Update.ReviewComments
	}
	meta := audit.EntryMetadata{Initiator: cmd.Initiator, SourceAddr: cmd.SourceIP, Reason: "review"}
	if _, err := w.audit.RecordUpdate(ctx, stored.LogID(), changes, meta); err != nil {
		w.unmark(ctx, msg.ID)
		return fmt.Errorf("record audit entry %s: %w", stored.LogID(), err)
	}
	metrics.AuditChainLength.Set(float64(w.audit.ChainLength()))
	return nil
}

// reviewMatches reports whether every field the update sets already holds
// on the stored log.
func reviewMatches(l *models.DecisionLog, upd models.ReviewUpdate) bool {
	if upd.Reviewed != nil && *upd.Reviewed != l.Reviewed {
		return false
	}
	if upd.ReviewComments != nil && *upd.ReviewComments != l.ReviewComments {
		return false
	}
	return true
}

// SetClock overrides the wall clock used for tier stamping. Test hook.
func (w *Worker) SetClock(now func() time.Time) {
	w.now = now
}

func (w *Worker) publishEvent(ctx context.Context, subject, id string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return bus.Permanent(fmt.Errorf("marshal %s event: %w", subject, err))
	}
	if _, err := w.bus.Publish(ctx, subject, &bus.Message{ID: id, Timestamp: w.now(), Data: data}); err != nil {
		// The log is persisted; losing the event is better than a duplicate
		// insert storm from redelivering the whole command.
		w.logger.Error("Failed to publish outcome event", "subject", subject, "error", err)
	}
	return nil
}
