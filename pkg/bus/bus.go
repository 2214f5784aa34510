// Package bus defines the durable event bus contract the pipeline is built
// on, with two implementations: a NATS JetStream adapter for deployments and
// an in-memory bus with identical retry/DLQ semantics for tests and
// single-process mode.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Ingress subjects consumed by the log worker.
const (
	SubjectLogsCreate = "logs.create"
	SubjectLogsBulk   = "logs.bulk"
	SubjectLogsUpdate = "logs.update"
)

// Egress subjects published by the log worker and consumed by the notifier.
const (
	SubjectLogsCreated     = "logs.created"
	SubjectLogsBulkCreated = "logs.bulk-created"
	SubjectLogsUpdated     = "logs.updated"
)

// SubjectAuditWindowFinalized carries Merkle window finalization broadcasts.
const SubjectAuditWindowFinalized = "audit.window.finalized"

// Metadata keys attached to dead-lettered and retried messages.
const (
	MetaRetryCount    = "retry_count"
	MetaLastError     = "last_error"
	MetaFailedAt      = "failed_at"
	MetaSourceSubject = "source_subject"
	MetaBatchID       = "batch_id"
)

// DefaultRetrySchedule is the backoff applied between redeliveries.
// Retries past the table length reuse the tail value.
var DefaultRetrySchedule = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
}

// DefaultMaxDeliver bounds total delivery attempts before dead-lettering.
const DefaultMaxDeliver = 3

// Message is the wire envelope for every event on the bus.
// ID doubles as the idempotency key for ingress events.
type Message struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Data      json.RawMessage   `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// Subject is set on delivery; it is not part of the envelope.
	Subject string `json:"-"`
}

// RetryCount reads the redelivery counter from message metadata.
func (m *Message) RetryCount() int {
	if m.Metadata == nil {
		return 0
	}
	n, err := strconv.Atoi(m.Metadata[MetaRetryCount])
	if err != nil {
		return 0
	}
	return n
}

// PublishAck reports where a published message landed.
type PublishAck struct {
	Stream   string `json:"stream"`
	Sequence uint64 `json:"sequence"`
}

// Handler processes one delivered message. Returning nil acknowledges the
// message. A plain error triggers redelivery with backoff up to the
// max-deliver bound; an error wrapped with Permanent dead-letters
// immediately.
type Handler func(ctx context.Context, msg *Message) error

// SubscribeConfig describes a durable subscription.
// An empty Queue means broadcast: every subscriber with the subject receives
// each message (the notifier's mode). A non-empty Queue forms a queue group
// with at-most-one delivery per message across the group (the worker's mode).
type SubscribeConfig struct {
	Subject string
	Queue   string
	Durable string
}

// StreamHealth is a point-in-time snapshot of one stream.
type StreamHealth struct {
	Stream      string `json:"stream"`
	Messages    uint64 `json:"messages"`
	Bytes       uint64 `json:"bytes"`
	ConsumerLag uint64 `json:"consumer_lag"`
}

// Health aggregates per-stream snapshots.
type Health struct {
	Healthy bool           `json:"healthy"`
	Streams []StreamHealth `json:"streams"`
}

// Bus is the durable event bus.
type Bus interface {
	Publish(ctx context.Context, subject string, msg *Message) (PublishAck, error)
	Subscribe(ctx context.Context, cfg SubscribeConfig, h Handler) error
	Health(ctx context.Context) (*Health, error)
	Close() error
}

// Config tunes delivery behavior shared by both implementations.
type Config struct {
	MaxDeliver    int
	RetrySchedule []time.Duration
	AckWait       time.Duration
}

// DefaultConfig returns the delivery defaults.
func DefaultConfig() Config {
	return Config{
		MaxDeliver:    DefaultMaxDeliver,
		RetrySchedule: DefaultRetrySchedule,
		AckWait:       30 * time.Second,
	}
}

// BackoffFor returns the redelivery delay for the given zero-based retry
// index, capped at the schedule tail.
func (c Config) BackoffFor(retry int) time.Duration {
	schedule := c.RetrySchedule
	if len(schedule) == 0 {
		schedule = DefaultRetrySchedule
	}
	if retry >= len(schedule) {
		retry = len(schedule) - 1
	}
	if retry < 0 {
		retry = 0
	}
	return schedule[retry]
}

// DLQSubject maps a subject to its dead-letter mirror:
// logs.create → logs.dlq.create, audit.window.finalized → audit.dlq.window.finalized.
func DLQSubject(subject string) string {
	if rest, ok := strings.CutPrefix(subject, "logs."); ok {
		return "logs.dlq." + rest
	}
	if rest, ok := strings.CutPrefix(subject, "audit."); ok {
		return "audit.dlq." + rest
	}
	return subject + ".dlq"
}

// IsDLQSubject reports whether subject is a dead-letter mirror.
func IsDLQSubject(subject string) bool {
	return strings.Contains(subject, ".dlq.") || strings.HasSuffix(subject, ".dlq")
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable: the message goes straight to the
// dead-letter subject without further delivery attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or any wrapped error) is permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// DeadLetter builds the DLQ copy of a message, preserving the original
// payload and recording the failure metadata required for triage.
func DeadLetter(msg *Message, cause error, retries int, now time.Time) *Message {
	meta := make(map[string]string, len(msg.Metadata)+4)
	for k, v := range msg.Metadata {
		meta[k] = v
	}
	meta[MetaLastError] = cause.Error()
	meta[MetaRetryCount] = strconv.Itoa(retries)
	meta[MetaFailedAt] = now.UTC().Format(time.RFC3339Nano)
	meta[MetaSourceSubject] = msg.Subject

	return &Message{
		ID:        msg.ID,
		Timestamp: msg.Timestamp,
		Data:      msg.Data,
		Metadata:  meta,
	}
}
