package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fraware/accountabilitylayer/pkg/audit"
	"github.com/fraware/accountabilitylayer/pkg/bus"
	"github.com/fraware/accountabilitylayer/pkg/canonical"
	"github.com/fraware/accountabilitylayer/pkg/classify"
	"github.com/fraware/accountabilitylayer/pkg/config"
	"github.com/fraware/accountabilitylayer/pkg/models"
	"github.com/fraware/accountabilitylayer/pkg/services"
	"github.com/fraware/accountabilitylayer/pkg/store"
)

type workerFixture struct {
	bus    *bus.MemoryBus
	store  *store.MemoryStore
	audit  *audit.Service
	worker *Worker

	mu     sync.Mutex
	events map[string][]*bus.Message
}

// fixtureOpts lets a test interpose on the worker's collaborators.
type fixtureOpts struct {
	wrapStore func(store.LogStore) store.LogStore
	wrapAudit func(AuditRecorder) AuditRecorder
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	return newWorkerFixtureWith(t, fixtureOpts{})
}

func newWorkerFixtureWith(t *testing.T, opts fixtureOpts) *workerFixture {
	t.Helper()

	b := bus.NewMemoryBus(bus.Config{
		MaxDeliver:    3,
		RetrySchedule: []time.Duration{time.Millisecond, 2 * time.Millisecond},
		AckWait:       time.Second,
	})
	t.Cleanup(func() { _ = b.Close() })

	st := store.NewMemoryStore()
	var logStore store.LogStore = st
	if opts.wrapStore != nil {
		logStore = opts.wrapStore(st)
	}
	auditSvc := audit.NewService(time.Hour, audit.WithPublisher(b))
	var recorder AuditRecorder = auditSvc
	if opts.wrapAudit != nil {
		recorder = opts.wrapAudit(auditSvc)
	}
	w := New(b, services.NewLogService(logStore), recorder, classify.New(), NewMemoryDeduper(10*time.Minute), config.DefaultRetentionConfig())

	f := &workerFixture{bus: b, store: st, audit: auditSvc, worker: w, events: make(map[string][]*bus.Message)}

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	for _, subject := range []string{
		bus.SubjectLogsCreated, bus.SubjectLogsBulkCreated, bus.SubjectLogsUpdated,
		bus.DLQSubject(bus.SubjectLogsCreate), bus.DLQSubject(bus.SubjectLogsBulk), bus.DLQSubject(bus.SubjectLogsUpdate),
	} {
		subject := subject
		require.NoError(t, b.Subscribe(ctx, bus.SubscribeConfig{Subject: subject}, func(_ context.Context, m *bus.Message) error {
			f.mu.Lock()
			f.events[subject] = append(f.events[subject], m)
			f.mu.Unlock()
			return nil
		}))
	}
	return f
}

func (f *workerFixture) eventsOn(subject string) []*bus.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*bus.Message(nil), f.events[subject]...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			t.Fatal("condition not met before timeout")
		case <-tick.C:
			if cond() {
				return
			}
		}
	}
}

func validSubmission(agentID string, stepID int64) *models.DecisionLog {
	return &models.DecisionLog{
		AgentID:   agentID,
		StepID:    stepID,
		Timestamp: time.Now().UTC().Add(-time.Minute),
		InputData: map[string]any{"query": "drain node-7"},
		Output:    map[string]any{"action": "drain"},
		Reasoning: "node-7 reports disk pressure, draining before eviction storms",
		Status:    models.StatusSuccess,
	}
}

func publishCreate(t *testing.T, f *workerFixture, id string, l *models.DecisionLog) {
	t.Helper()
	data, err := json.Marshal(models.CreateCommand{Log: l, Initiator: "agent-gateway"})
	require.NoError(t, err)
	_, err = f.bus.Publish(context.Background(), bus.SubjectLogsCreate, &bus.Message{ID: id, Data: data})
	require.NoError(t, err)
}

func TestWorker_CreateHappyPath(t *testing.T) {
	f := newWorkerFixture(t)
	publishCreate(t, f, "evt-1", validSubmission("agent-1", 1))

	waitFor(t, time.Second, func() bool { return len(f.eventsOn(bus.SubjectLogsCreated)) == 1 })

	stored, err := f.store.Get(context.Background(), "agent-1", 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, stored.Status)
	assert.Equal(t, 1, stored.Version)
	assert.Equal(t, models.TierHot, stored.RetentionTier)

	wantHash, err := canonical.HashLog(stored)
	require.NoError(t, err)
	assert.Equal(t, wantHash, stored.ContentHash)

	var evt models.LogCreatedEvent
	require.NoError(t, json.Unmarshal(f.eventsOn(bus.SubjectLogsCreated)[0].Data, &evt))
	assert.Equal(t, "agent-1:1", evt.Log.LogID())

	entries := f.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.EntryLogCreated, entries[0].Type)
	assert.Equal(t, stored.ContentHash, entries[0].LogHash)
	assert.Equal(t, "agent-gateway", entries[0].Metadata.Initiator)
}

func TestWorker_CreateClassifiesAnomalies(t *testing.T) {
	f := newWorkerFixture(t)

	short := validSubmission("agent-1", 1)
	short.Reasoning = "ok"
	publishCreate(t, f, "evt-short", short)

	waitFor(t, time.Second, func() bool { return len(f.eventsOn(bus.SubjectLogsCreated)) == 1 })

	stored, err := f.store.Get(context.Background(), "agent-1", 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAnomaly, stored.Status, "thin reasoning is promoted to anomaly")
}

func TestWorker_CreateValidationGoesToDLQ(t *testing.T) {
	f := newWorkerFixture(t)

	bad := validSubmission("", 1)
	publishCreate(t, f, "evt-bad", bad)

	waitFor(t, time.Second, func() bool {
		return len(f.eventsOn(bus.DLQSubject(bus.SubjectLogsCreate))) == 1
	})

	m := f.eventsOn(bus.DLQSubject(bus.SubjectLogsCreate))[0]
	assert.Equal(t, "evt-bad", m.ID)
	assert.Contains(t, m.Metadata[bus.MetaLastError], "agent_id")
	assert.Empty(t, f.eventsOn(bus.SubjectLogsCreated), "rejected logs emit no created event")
}

func TestWorker_CreateIsIdempotent(t *testing.T) {
	f := newWorkerFixture(t)

	// Same message id twice: second delivery is suppressed by the deduper.
	publishCreate(t, f, "evt-dup", validSubmission("agent-1", 1))
	publishCreate(t, f, "evt-dup", validSubmission("agent-1", 1))

	// Same log id under a fresh message id: suppressed by the unique key.
	publishCreate(t, f, "evt-dup-2", validSubmission("agent-1", 1))

	waitFor(t, time.Second, func() bool { return len(f.eventsOn(bus.SubjectLogsCreated)) >= 1 })
	time.Sleep(20 * time.Millisecond)

	assert.Len(t, f.eventsOn(bus.SubjectLogsCreated), 1, "one created event for three deliveries")
	res, err := f.store.ListByAgent(context.Background(), "agent-1", models.ListParams{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalCount)
	assert.Empty(t, f.eventsOn(bus.DLQSubject(bus.SubjectLogsCreate)))
}

func TestWorker_Bulk(t *testing.T) {
	f := newWorkerFixture(t)

	cmd := models.BulkCommand{
		BatchID: "batch-1",
		Logs: []*models.DecisionLog{
			validSubmission("agent-1", 1),
			validSubmission("agent-1", 2),
			{AgentID: "", StepID: 3}, // invalid: rejected individually
		},
	}
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	_, err = f.bus.Publish(context.Background(), bus.SubjectLogsBulk, &bus.Message{ID: "bulk-1", Data: data})
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool { return len(f.eventsOn(bus.SubjectLogsBulkCreated)) == 1 })

	var evt models.BulkCreatedEvent
	require.NoError(t, json.Unmarshal(f.eventsOn(bus.SubjectLogsBulkCreated)[0].Data, &evt))
	assert.Equal(t, "batch-1", evt.BatchID)
	assert.Equal(t, 2, evt.Accepted)
	require.Len(t, evt.Rejected, 1)
	assert.Equal(t, 2, evt.Rejected[0].Index)

	res, err := f.store.ListByAgent(context.Background(), "agent-1", models.ListParams{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalCount)

	assert.Len(t, f.audit.Entries(), 2, "one chain entry per accepted item")

	// Each permanently rejected item gets its own dead letter on the batch
	// subject's DLQ, keyed by batch message id and position.
	waitFor(t, time.Second, func() bool {
		return len(f.eventsOn(bus.DLQSubject(bus.SubjectLogsBulk))) == 1
	})
	dlq := f.eventsOn(bus.DLQSubject(bus.SubjectLogsBulk))[0]
	assert.Equal(t, "bulk-1-2", dlq.ID)
	assert.Contains(t, dlq.Metadata[bus.MetaLastError], "agent_id")
	assert.Equal(t, "batch-1", dlq.Metadata[bus.MetaBatchID])
	assert.Equal(t, bus.SubjectLogsBulk, dlq.Metadata[bus.MetaSourceSubject])
}

type flakyStore struct {
	store.LogStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) Insert(ctx context.Context, l *models.DecisionLog) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.LogStore.Insert(ctx, l)
}

type flakyRecorder struct {
	AuditRecorder
	mu             sync.Mutex
	createFailures int
	updateFailures int
}

func (r *flakyRecorder) RecordCreation(ctx context.Context, l *models.DecisionLog, meta audit.EntryMetadata) (*audit.Entry, error) {
	r.mu.Lock()
	if r.createFailures > 0 {
		r.createFailures--
		r.mu.Unlock()
		return nil, errors.New("recorder unavailable")
	}
	r.mu.Unlock()
	return r.AuditRecorder.RecordCreation(ctx, l, meta)
}

func (r *flakyRecorder) RecordUpdate(ctx context.Context, logID string, updates map[string]any, meta audit.EntryMetadata) (*audit.Entry, error) {
	r.mu.Lock()
	if r.updateFailures > 0 {
		r.updateFailures--
		r.mu.Unlock()
		return nil, errors.New("recorder unavailable")
	}
	r.mu.Unlock()
	return r.AuditRecorder.RecordUpdate(ctx, logID, updates, meta)
}

func TestWorker_CreateRetriesAfterTransientStoreFailure(t *testing.T) {
	f := newWorkerFixtureWith(t, fixtureOpts{
		wrapStore: func(s store.LogStore) store.LogStore {
			return &flakyStore{LogStore: s, failures: 1}
		},
	})

	publishCreate(t, f, "evt-flaky", validSubmission("agent-1", 1))

	// The failed delivery must release its dedup claim, otherwise the
	// redelivery is suppressed and the log is lost.
	waitFor(t, time.Second, func() bool { return len(f.eventsOn(bus.SubjectLogsCreated)) == 1 })

	stored, err := f.store.Get(context.Background(), "agent-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Version)
	assert.Empty(t, f.eventsOn(bus.DLQSubject(bus.SubjectLogsCreate)))
	require.Len(t, f.audit.Entries(), 1)
	assert.Equal(t, stored.ContentHash, f.audit.Entries()[0].LogHash)
}

func TestWorker_CreateRetriesAfterAuditFailure(t *testing.T) {
	f := newWorkerFixtureWith(t, fixtureOpts{
		wrapAudit: func(r AuditRecorder) AuditRecorder {
			return &flakyRecorder{AuditRecorder: r, createFailures: 1}
		},
	})

	publishCreate(t, f, "evt-audit", validSubmission("agent-1", 1))

	// The insert sticks on the first delivery; the redelivery must still
	// land the chain entry rather than ack the command with a hole.
	waitFor(t, time.Second, func() bool { return f.audit.ChainLength() == 1 })

	stored, err := f.store.Get(context.Background(), "agent-1", 1)
	require.NoError(t, err)
	entries := f.audit.Entries()
	assert.Equal(t, audit.EntryLogCreated, entries[0].Type)
	assert.Equal(t, stored.ContentHash, entries[0].LogHash)
	assert.Empty(t, f.eventsOn(bus.DLQSubject(bus.SubjectLogsCreate)))
}

func TestWorker_UpdateIsIdempotent(t *testing.T) {
	f := newWorkerFixture(t)
	publishCreate(t, f, "evt-1", validSubmission("agent-1", 1))
	waitFor(t, time.Second, func() bool { return len(f.eventsOn(bus.SubjectLogsCreated)) == 1 })

	reviewed := true
	data, err := json.Marshal(models.UpdateCommand{
		AgentID: "agent-1", StepID: 1,
		Update: models.ReviewUpdate{Reviewed: &reviewed},
	})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = f.bus.Publish(context.Background(), bus.SubjectLogsUpdate, &bus.Message{ID: "upd-dup", Data: data})
		require.NoError(t, err)
	}

	waitFor(t, time.Second, func() bool { return len(f.eventsOn(bus.SubjectLogsUpdated)) == 1 })
	time.Sleep(20 * time.Millisecond)

	stored, err := f.store.Get(context.Background(), "agent-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Version, "the review applies exactly once")

	var updatedEntries int
	for _, e := range f.audit.Entries() {
		if e.Type == audit.EntryLogUpdated {
			updatedEntries++
		}
	}
	assert.Equal(t, 1, updatedEntries, "one chain entry for two deliveries")
	assert.Len(t, f.eventsOn(bus.SubjectLogsUpdated), 1)
	assert.Empty(t, f.eventsOn(bus.DLQSubject(bus.SubjectLogsUpdate)))
}

func TestWorker_UpdateRetriesAfterAuditFailure(t *testing.T) {
	f := newWorkerFixtureWith(t, fixtureOpts{
		wrapAudit: func(r AuditRecorder) AuditRecorder {
			return &flakyRecorder{AuditRecorder: r, updateFailures: 1}
		},
	})
	publishCreate(t, f, "evt-1", validSubmission("agent-1", 1))
	waitFor(t, time.Second, func() bool { return f.audit.ChainLength() == 1 })

	reviewed := true
	comments := "approved after checking the node state"
	data, err := json.Marshal(models.UpdateCommand{
		AgentID: "agent-1", StepID: 1,
		Update: models.ReviewUpdate{Reviewed: &reviewed, ReviewComments: &comments},
	})
	require.NoError(t, err)
	_, err = f.bus.Publish(context.Background(), bus.SubjectLogsUpdate, &bus.Message{ID: "upd-1", Data: data})
	require.NoError(t, err)

	// The review lands on the first delivery; the redelivery restores the
	// missing LOG_UPDATED entry instead of dead-lettering the command.
	waitFor(t, time.Second, func() bool { return f.audit.ChainLength() == 2 })

	stored, err := f.store.Get(context.Background(), "agent-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Version)
	assert.True(t, stored.Reviewed)

	entries := f.audit.Entries()
	assert.Equal(t, audit.EntryLogUpdated, entries[1].Type)
	assert.Equal(t, "agent-1:1", entries[1].LogID)
	assert.Equal(t, 2, entries[1].Updates["version"])
	assert.Empty(t, f.eventsOn(bus.DLQSubject(bus.SubjectLogsUpdate)))
}

func TestWorker_Update(t *testing.T) {
	f := newWorkerFixture(t)
	publishCreate(t, f, "evt-1", validSubmission("agent-1", 1))
	waitFor(t, time.Second, func() bool { return len(f.eventsOn(bus.SubjectLogsCreated)) == 1 })

	reviewed := true
	comments := "approved after checking the node state"
	data, err := json.Marshal(models.UpdateCommand{
		AgentID: "agent-1", StepID: 1,
		Update:    models.ReviewUpdate{Reviewed: &reviewed, ReviewComments: &comments},
		Initiator: "reviewer-1",
	})
	require.NoError(t, err)
	_, err = f.bus.Publish(context.Background(), bus.SubjectLogsUpdate, &bus.Message{ID: "upd-1", Data: data})
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool { return len(f.eventsOn(bus.SubjectLogsUpdated)) == 1 })

	stored, err := f.store.Get(context.Background(), "agent-1", 1)
	require.NoError(t, err)
	assert.True(t, stored.Reviewed)
	assert.Equal(t, 2, stored.Version)

	var evt models.LogUpdatedEvent
	require.NoError(t, json.Unmarshal(f.eventsOn(bus.SubjectLogsUpdated)[0].Data, &evt))
	assert.Equal(t, true, evt.Changes["reviewed"])

	entries := f.audit.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, audit.EntryLogUpdated, entries[1].Type)
	assert.Equal(t, "agent-1:1", entries[1].LogID)
}

func TestWorker_UpdateOnReviewedLogGoesToDLQ(t *testing.T) {
	f := newWorkerFixture(t)
	publishCreate(t, f, "evt-1", validSubmission("agent-1", 1))
	waitFor(t, time.Second, func() bool { return len(f.eventsOn(bus.SubjectLogsCreated)) == 1 })

	reviewed := true
	first, err := json.Marshal(models.UpdateCommand{
		AgentID: "agent-1", StepID: 1,
		Update: models.ReviewUpdate{Reviewed: &reviewed},
	})
	require.NoError(t, err)
	_, err = f.bus.Publish(context.Background(), bus.SubjectLogsUpdate, &bus.Message{ID: "upd-1", Data: first})
	require.NoError(t, err)
	waitFor(t, time.Second, func() bool { return len(f.eventsOn(bus.SubjectLogsUpdated)) == 1 })

	comments := "post-review edit attempt"
	second, err := json.Marshal(models.UpdateCommand{
		AgentID: "agent-1", StepID: 1,
		Update: models.ReviewUpdate{ReviewComments: &comments},
	})
	require.NoError(t, err)
	_, err = f.bus.Publish(context.Background(), bus.SubjectLogsUpdate, &bus.Message{ID: "upd-2", Data: second})
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		return len(f.eventsOn(bus.DLQSubject(bus.SubjectLogsUpdate))) == 1
	})
	m := f.eventsOn(bus.DLQSubject(bus.SubjectLogsUpdate))[0]
	assert.Contains(t, m.Metadata[bus.MetaLastError], "already reviewed")
	assert.Len(t, f.eventsOn(bus.SubjectLogsUpdated), 1, "no second updated event")
}
