package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fraware/accountabilitylayer/pkg/metrics"
)

// subChanCapacity bounds the per-subscription delivery buffer. Publishers
// block once a subscriber falls this far behind.
const subChanCapacity = 1024

// MemoryBus is the in-process bus implementation. It honors the full
// delivery contract — queue groups, redelivery with backoff, max-deliver
// bound, dead-letter mirrors — without an external broker. Used by tests
// and by BUS_MODE=memory single-process deployments.
type MemoryBus struct {
	cfg Config

	mu    sync.RWMutex
	subs  map[string][]*memSub // subject → subscriptions
	rr    map[string]int       // subject|queue → round-robin cursor
	seq   map[string]uint64    // stream → last sequence
	stats map[string]*memStreamStats

	closed   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

type memSub struct {
	cfg SubscribeConfig
	h   Handler
	ch  chan *Message
}

type memStreamStats struct {
	messages uint64
	bytes    uint64
}

// NewMemoryBus creates an in-memory bus with the given delivery config.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = DefaultMaxDeliver
	}
	if len(cfg.RetrySchedule) == 0 {
		cfg.RetrySchedule = DefaultRetrySchedule
	}
	return &MemoryBus{
		cfg:    cfg,
		subs:   make(map[string][]*memSub),
		rr:     make(map[string]int),
		seq:    make(map[string]uint64),
		stats:  make(map[string]*memStreamStats),
		closed: make(chan struct{}),
		now:    time.Now,
	}
}

// Publish delivers msg to every broadcast subscriber of the subject and to
// one member of each queue group. The returned sequence is per-stream,
// monotonically increasing.
func (m *MemoryBus) Publish(ctx context.Context, subject string, msg *Message) (PublishAck, error) {
	select {
	case <-m.closed:
		return PublishAck{}, fmt.Errorf("memory bus: closed")
	default:
	}
	if subject == "" {
		return PublishAck{}, fmt.Errorf("memory bus: subject is required")
	}

	out := *msg
	out.Subject = subject
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = m.now()
	}

	stream := StreamFor(subject)

	m.mu.Lock()
	m.seq[stream]++
	seq := m.seq[stream]
	st, ok := m.stats[stream]
	if !ok {
		st = &memStreamStats{}
		m.stats[stream] = st
	}
	st.messages++
	st.bytes += uint64(len(out.Data))

	// Pick delivery targets: all broadcast subs plus one per queue group.
	var targets []*memSub
	groups := make(map[string][]*memSub)
	for _, sub := range m.subs[subject] {
		if sub.cfg.Queue == "" {
			targets = append(targets, sub)
		} else {
			groups[sub.cfg.Queue] = append(groups[sub.cfg.Queue], sub)
		}
	}
	for queue, members := range groups {
		key := subject + "|" + queue
		idx := m.rr[key] % len(members)
		m.rr[key]++
		targets = append(targets, members[idx])
	}
	m.mu.Unlock()

	for _, sub := range targets {
		if err := m.enqueue(ctx, sub, &out); err != nil {
			return PublishAck{}, err
		}
	}

	return PublishAck{Stream: stream, Sequence: seq}, nil
}

// Subscribe registers a handler and starts its delivery goroutine.
// Each subscription consumes sequentially, preserving publish order within
// the subject; retries are re-enqueued, not processed inline.
func (m *MemoryBus) Subscribe(_ context.Context, cfg SubscribeConfig, h Handler) error {
	if cfg.Subject == "" {
		return fmt.Errorf("memory bus: subject is required")
	}
	sub := &memSub{cfg: cfg, h: h, ch: make(chan *Message, subChanCapacity)}

	m.mu.Lock()
	m.subs[cfg.Subject] = append(m.subs[cfg.Subject], sub)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.consume(sub)
	return nil
}

// Health reports per-stream message counts, bytes, and the total number of
// buffered (not yet handled) deliveries as consumer lag.
func (m *MemoryBus) Health(_ context.Context) (*Health, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := &Health{Healthy: true}
	for stream, st := range m.stats {
		var lag uint64
		for subject, subs := range m.subs {
			if StreamFor(subject) != stream {
				continue
			}
			for _, sub := range subs {
				lag += uint64(len(sub.ch))
			}
		}
		h.Streams = append(h.Streams, StreamHealth{
			Stream:      stream,
			Messages:    st.messages,
			Bytes:       st.bytes,
			ConsumerLag: lag,
		})
	}
	return h, nil
}

// Close stops all delivery goroutines. In-flight handlers finish; buffered
// messages are dropped.
func (m *MemoryBus) Close() error {
	m.stopOnce.Do(func() { close(m.closed) })
	m.wg.Wait()
	return nil
}

func (m *MemoryBus) enqueue(ctx context.Context, sub *memSub, msg *Message) error {
	select {
	case sub.ch <- msg:
		return nil
	case <-m.closed:
		return fmt.Errorf("memory bus: closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MemoryBus) consume(sub *memSub) {
	defer m.wg.Done()
	for {
		select {
		case <-m.closed:
			return
		case msg := <-sub.ch:
			m.dispatch(sub, msg)
		}
	}
}

// dispatch runs the handler once and applies the delivery policy:
// nil → done; permanent error → DLQ now; retryable error → re-enqueue with
// an incremented retry counter after the backoff delay, until the
// max-deliver bound is exhausted.
func (m *MemoryBus) dispatch(sub *memSub, msg *Message) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AckWait)
	if m.cfg.AckWait <= 0 {
		cancel()
		ctx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()

	err := sub.h(ctx, msg)
	if err == nil {
		return
	}

	deliveries := msg.RetryCount() + 1
	if IsPermanent(err) || deliveries >= m.cfg.MaxDeliver {
		m.deadLetter(msg, err, deliveries)
		return
	}

	retry := *msg
	retry.Metadata = make(map[string]string, len(msg.Metadata)+1)
	for k, v := range msg.Metadata {
		retry.Metadata[k] = v
	}
	retry.Metadata[MetaRetryCount] = fmt.Sprintf("%d", deliveries)

	delay := m.cfg.BackoffFor(deliveries - 1)
	metrics.MessagesRetried.WithLabelValues(msg.Subject).Inc()
	slog.Debug("Scheduling redelivery",
		"subject", msg.Subject, "message_id", msg.ID,
		"deliveries", deliveries, "delay", delay)

	time.AfterFunc(delay, func() {
		select {
		case <-m.closed:
		case sub.ch <- &retry:
		}
	})
}

func (m *MemoryBus) deadLetter(msg *Message, cause error, deliveries int) {
	if IsDLQSubject(msg.Subject) {
		slog.Error("Dropping message that failed on a DLQ subject",
			"subject", msg.Subject, "message_id", msg.ID, "error", cause)
		return
	}
	dlq := DeadLetter(msg, cause, deliveries, m.now())
	if _, err := m.Publish(context.Background(), DLQSubject(msg.Subject), dlq); err != nil {
		slog.Error("Failed to dead-letter message",
			"subject", msg.Subject, "message_id", msg.ID, "error", err)
		return
	}
	metrics.MessagesDeadLettered.WithLabelValues(msg.Subject).Inc()
	slog.Warn("Message dead-lettered",
		"subject", msg.Subject, "dlq_subject", DLQSubject(msg.Subject),
		"message_id", msg.ID, "deliveries", deliveries, "error", cause)
}

// StreamFor maps a subject to its owning stream name.
func StreamFor(subject string) string {
	if len(subject) >= 5 && subject[:5] == "logs." {
		return StreamLogs
	}
	if len(subject) >= 6 && subject[:6] == "audit." {
		return StreamAudit
	}
	return StreamLogs
}
