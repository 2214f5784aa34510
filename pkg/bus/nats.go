package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/fraware/accountabilitylayer/pkg/metrics"
)

// Stream names. LOGS owns every logs.> subject (ingress, egress, DLQ
// mirrors); AUDIT owns audit.> broadcasts.
const (
	StreamLogs  = "LOGS"
	StreamAudit = "AUDIT"
)

// NATSBus is the JetStream-backed bus implementation.
// Durable consumers give restart-safe positions; queue groups give
// at-most-one delivery across worker replicas; NakWithDelay implements the
// retry schedule without blocking the consumer.
type NATSBus struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	cfg Config

	mu   sync.Mutex
	subs []*nats.Subscription
}

// ConnectNATS dials the server, retrying with exponential backoff so the
// process survives a broker that comes up slightly later, and ensures the
// LOGS and AUDIT streams exist.
func ConnectNATS(ctx context.Context, url string, cfg Config) (*NATSBus, error) {
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = DefaultMaxDeliver
	}
	if len(cfg.RetrySchedule) == 0 {
		cfg.RetrySchedule = DefaultRetrySchedule
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}

	var nc *nats.Conn
	connect := func() error {
		var err error
		nc, err = nats.Connect(url,
			nats.Name("accountability-layer"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(connect, policy); err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	b := &NATSBus{nc: nc, js: js, cfg: cfg}
	if err := b.ensureStreams(); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

func (b *NATSBus) ensureStreams() error {
	streams := []nats.StreamConfig{
		{Name: StreamLogs, Subjects: []string{"logs.>"}, Storage: nats.FileStorage, Retention: nats.LimitsPolicy},
		{Name: StreamAudit, Subjects: []string{"audit.>"}, Storage: nats.FileStorage, Retention: nats.LimitsPolicy},
	}
	for _, sc := range streams {
		_, err := b.js.StreamInfo(sc.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("stream info %s: %w", sc.Name, err)
		}
		if _, err := b.js.AddStream(&sc); err != nil {
			return fmt.Errorf("add stream %s: %w", sc.Name, err)
		}
		slog.Info("Created JetStream stream", "stream", sc.Name, "subjects", sc.Subjects)
	}
	return nil
}

// Publish persists msg to the owning stream. The message ID is passed as
// the JetStream Msg-Id so the broker's dedup window drops exact republishes
// of the same idempotency key.
func (b *NATSBus) Publish(ctx context.Context, subject string, msg *Message) (PublishAck, error) {
	out := *msg
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now()
	}
	data, err := json.Marshal(&out)
	if err != nil {
		return PublishAck{}, fmt.Errorf("marshal envelope: %w", err)
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if out.ID != "" {
		opts = append(opts, nats.MsgId(out.ID))
	}
	pa, err := b.js.Publish(subject, data, opts...)
	if err != nil {
		return PublishAck{}, fmt.Errorf("publish %s: %w", subject, err)
	}
	return PublishAck{Stream: pa.Stream, Sequence: pa.Sequence}, nil
}

// Subscribe creates a durable push consumer. MaxDeliver on the consumer is
// one above our own bound as a safety net; the handler wrapper dead-letters
// before the broker's limit is hit.
func (b *NATSBus) Subscribe(_ context.Context, cfg SubscribeConfig, h Handler) error {
	opts := []nats.SubOpt{
		nats.ManualAck(),
		nats.AckWait(b.cfg.AckWait),
		nats.MaxDeliver(b.cfg.MaxDeliver + 1),
		nats.DeliverAll(),
		nats.BindStream(StreamFor(cfg.Subject)),
	}
	if cfg.Durable != "" {
		opts = append(opts, nats.Durable(cfg.Durable))
	}

	cb := func(nm *nats.Msg) { b.handle(nm, h) }

	var (
		sub *nats.Subscription
		err error
	)
	if cfg.Queue != "" {
		sub, err = b.js.QueueSubscribe(cfg.Subject, cfg.Queue, cb, opts...)
	} else {
		sub, err = b.js.Subscribe(cfg.Subject, cb, opts...)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", cfg.Subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

func (b *NATSBus) handle(nm *nats.Msg, h Handler) {
	var msg Message
	if err := json.Unmarshal(nm.Data, &msg); err != nil {
		// Structurally invalid envelope: never redeliver.
		slog.Error("Terminating message with invalid envelope",
			"subject", nm.Subject, "error", err)
		b.deadLetter(&Message{Subject: nm.Subject, Data: nm.Data, Timestamp: time.Now()}, err, 1)
		_ = nm.Term()
		return
	}
	msg.Subject = nm.Subject

	deliveries := msg.RetryCount() + 1
	if meta, err := nm.Metadata(); err == nil {
		deliveries = int(meta.NumDelivered)
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.AckWait)
	defer cancel()

	err := h(ctx, &msg)
	switch {
	case err == nil:
		if ackErr := nm.Ack(); ackErr != nil {
			slog.Warn("Ack failed", "subject", nm.Subject, "message_id", msg.ID, "error", ackErr)
		}
	case IsPermanent(err):
		b.deadLetter(&msg, err, deliveries)
		_ = nm.Term()
	case deliveries >= b.cfg.MaxDeliver:
		b.deadLetter(&msg, err, deliveries)
		_ = nm.Term()
	default:
		delay := b.cfg.BackoffFor(deliveries - 1)
		metrics.MessagesRetried.WithLabelValues(nm.Subject).Inc()
		slog.Debug("Nak with delay",
			"subject", nm.Subject, "message_id", msg.ID,
			"deliveries", deliveries, "delay", delay)
		if nakErr := nm.NakWithDelay(delay); nakErr != nil {
			slog.Warn("Nak failed", "subject", nm.Subject, "message_id", msg.ID, "error", nakErr)
		}
	}
}

func (b *NATSBus) deadLetter(msg *Message, cause error, deliveries int) {
	if IsDLQSubject(msg.Subject) {
		slog.Error("Dropping message that failed on a DLQ subject",
			"subject", msg.Subject, "message_id", msg.ID, "error", cause)
		return
	}
	dlq := DeadLetter(msg, cause, deliveries, time.Now())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := b.Publish(ctx, DLQSubject(msg.Subject), dlq); err != nil {
		slog.Error("Failed to dead-letter message",
			"subject", msg.Subject, "message_id", msg.ID, "error", err)
		return
	}
	metrics.MessagesDeadLettered.WithLabelValues(msg.Subject).Inc()
	slog.Warn("Message dead-lettered",
		"subject", msg.Subject, "dlq_subject", DLQSubject(msg.Subject),
		"message_id", msg.ID, "deliveries", deliveries, "error", cause)
}

// Health snapshots both streams: message depth, bytes, and summed consumer
// pending counts as lag.
func (b *NATSBus) Health(_ context.Context) (*Health, error) {
	h := &Health{Healthy: b.nc.IsConnected()}
	for _, name := range []string{StreamLogs, StreamAudit} {
		info, err := b.js.StreamInfo(name)
		if err != nil {
			h.Healthy = false
			continue
		}
		sh := StreamHealth{
			Stream:   name,
			Messages: info.State.Msgs,
			Bytes:    info.State.Bytes,
		}
		for ci := range b.js.ConsumersInfo(name) {
			sh.ConsumerLag += ci.NumPending
		}
		h.Streams = append(h.Streams, sh)
	}
	return h, nil
}

// Close drains subscriptions so in-flight messages are handled, then closes
// the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			slog.Warn("Subscription drain failed", "error", err)
		}
	}
	return b.nc.Drain()
}
