package audit

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fraware/accountabilitylayer/pkg/bus"
	"github.com/fraware/accountabilitylayer/pkg/canonical"
	"github.com/fraware/accountabilitylayer/pkg/models"
)

// capturePublisher records finalization broadcasts.
type capturePublisher struct {
	mu   sync.Mutex
	msgs []*bus.Message
}

func (p *capturePublisher) Publish(_ context.Context, subject string, msg *bus.Message) (bus.PublishAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := *msg
	m.Subject = subject
	p.msgs = append(p.msgs, &m)
	return bus.PublishAck{Stream: "AUDIT", Sequence: uint64(len(p.msgs))}, nil
}

func (p *capturePublisher) published() []*bus.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*bus.Message(nil), p.msgs...)
}

func testLog(t *testing.T, agentID string, stepID int64, ts time.Time) *models.DecisionLog {
	t.Helper()
	l := &models.DecisionLog{
		AgentID:   agentID,
		StepID:    stepID,
		Timestamp: ts,
		InputData: map[string]any{"query": "restart payment-api"},
		Output:    map[string]any{"action": "restart"},
		Reasoning: "pod is crash-looping, restart clears the bad state",
		Status:    models.StatusSuccess,
		Version:   1,
	}
	hash, err := canonical.HashLog(l)
	require.NoError(t, err)
	l.ContentHash = hash
	return l
}

func TestService_ChainLinkage(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 5, 0, 0, time.UTC)
	s := NewService(time.Hour, WithClock(func() time.Time { return base }))

	ctx := context.Background()
	e1, err := s.RecordCreation(ctx, testLog(t, "agent-1", 1, base), EntryMetadata{Initiator: "agent-1"})
	require.NoError(t, err)
	e2, err := s.RecordCreation(ctx, testLog(t, "agent-1", 2, base), EntryMetadata{Initiator: "agent-1"})
	require.NoError(t, err)
	e3, err := s.RecordUpdate(ctx, "agent-1:1", map[string]any{"reviewed": true}, EntryMetadata{Initiator: "reviewer"})
	require.NoError(t, err)

	assert.Empty(t, e1.PreviousHash, "genesis entry has no predecessor")
	assert.Equal(t, e1.SelfHash, e2.PreviousHash)
	assert.Equal(t, e2.SelfHash, e3.PreviousHash)
	assert.Equal(t, EntryLogUpdated, e3.Type)
	assert.Equal(t, 3, s.ChainLength())
	require.NoError(t, s.Verify())
}

func TestService_RecordCreationDropsRepeatedHash(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 5, 0, 0, time.UTC)
	s := NewService(time.Hour, WithClock(func() time.Time { return base }))
	ctx := context.Background()

	l := testLog(t, "agent-1", 1, base)
	first, err := s.RecordCreation(ctx, l, EntryMetadata{Initiator: "agent-1"})
	require.NoError(t, err)
	require.NotNil(t, first)

	again, err := s.RecordCreation(ctx, l, EntryMetadata{Initiator: "agent-1"})
	require.NoError(t, err)
	assert.Nil(t, again, "a hash already chained is not appended twice")

	assert.Equal(t, 1, s.ChainLength())
	w, ok := s.Window(WindowStartFor(base, time.Hour))
	require.True(t, ok)
	assert.Len(t, w.Hashes, 1, "the window commits to the hash once")
}

func TestService_RecordUpdateDropsRepeatedVersion(t *testing.T) {
	s := NewService(time.Hour)
	ctx := context.Background()

	changes := map[string]any{"reviewed": true, "version": 2}
	first, err := s.RecordUpdate(ctx, "agent-1:1", changes, EntryMetadata{Initiator: "reviewer"})
	require.NoError(t, err)
	require.NotNil(t, first)

	again, err := s.RecordUpdate(ctx, "agent-1:1", changes, EntryMetadata{Initiator: "reviewer"})
	require.NoError(t, err)
	assert.Nil(t, again, "one entry per (log, version)")
	assert.Equal(t, 1, s.ChainLength())

	next, err := s.RecordUpdate(ctx, "agent-1:1", map[string]any{"version": 3}, EntryMetadata{})
	require.NoError(t, err)
	assert.NotNil(t, next, "a later version is a distinct entry")
}

func TestService_RejectsLogWithoutHash(t *testing.T) {
	s := NewService(time.Hour)
	l := testLog(t, "agent-1", 1, time.Now())
	l.ContentHash = ""
	_, err := s.RecordCreation(context.Background(), l, EntryMetadata{})
	assert.Error(t, err)
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 5, 0, 0, time.UTC)
	s := NewService(time.Hour, WithClock(func() time.Time { return base }))
	ctx := context.Background()
	for i := int64(1); i <= 4; i++ {
		_, err := s.RecordCreation(ctx, testLog(t, "agent-1", i, base), EntryMetadata{})
		require.NoError(t, err)
	}
	entries := s.Entries()
	require.NoError(t, VerifyChain(entries))

	t.Run("mutated payload", func(t *testing.T) {
		tampered := append([]Entry(nil), entries...)
		tampered[1].LogHash = canonical.HashBytes([]byte("forged"))
		assert.ErrorContains(t, VerifyChain(tampered), "self_hash mismatch")
	})

	t.Run("rehashed but unlinked", func(t *testing.T) {
		tampered := append([]Entry(nil), entries...)
		tampered[1].LogHash = canonical.HashBytes([]byte("forged"))
		h, err := tampered[1].ComputeHash()
		require.NoError(t, err)
		tampered[1].SelfHash = h
		assert.ErrorContains(t, VerifyChain(tampered), "broken link")
	})

	t.Run("dropped entry", func(t *testing.T) {
		tampered := append(append([]Entry(nil), entries[:1]...), entries[2:]...)
		assert.Error(t, VerifyChain(tampered))
	})
}

func TestService_WindowAssignment(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	s := NewService(time.Hour, WithClock(func() time.Time { return base.Add(30 * time.Minute) }))
	ctx := context.Background()

	_, err := s.RecordCreation(ctx, testLog(t, "a", 1, base.Add(5*time.Minute)), EntryMetadata{})
	require.NoError(t, err)
	_, err = s.RecordCreation(ctx, testLog(t, "a", 2, base.Add(25*time.Minute)), EntryMetadata{})
	require.NoError(t, err)
	// Exactly on the next boundary: belongs to the 11:00 window.
	_, err = s.RecordCreation(ctx, testLog(t, "a", 3, base.Add(time.Hour)), EntryMetadata{})
	require.NoError(t, err)

	ws := s.Windows()
	require.Len(t, ws, 2)
	assert.Equal(t, base.UnixMilli(), ws[0].WindowStart)
	assert.Len(t, ws[0].Hashes, 2)
	assert.Equal(t, base.Add(time.Hour).UnixMilli(), ws[1].WindowStart)
	assert.Len(t, ws[1].Hashes, 1)
	assert.Equal(t, ComputeRoot(ws[0].Hashes), ws[0].Root, "root tracks every append")
}

func TestService_FinalizationOnRollover(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	now := base.Add(10 * time.Minute)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	pub := &capturePublisher{}
	s := NewService(time.Hour, WithClock(clock), WithPublisher(pub))
	ctx := context.Background()

	l1 := testLog(t, "a", 1, base.Add(5*time.Minute))
	l2 := testLog(t, "a", 2, base.Add(6*time.Minute))
	_, err := s.RecordCreation(ctx, l1, EntryMetadata{})
	require.NoError(t, err)
	_, err = s.RecordCreation(ctx, l2, EntryMetadata{})
	require.NoError(t, err)

	// Clock crosses the window end; next append seals the old window first.
	mu.Lock()
	now = base.Add(61 * time.Minute)
	mu.Unlock()
	_, err = s.RecordCreation(ctx, testLog(t, "a", 3, base.Add(65*time.Minute)), EntryMetadata{})
	require.NoError(t, err)

	w, ok := s.Window(base.UnixMilli())
	require.True(t, ok)
	assert.True(t, w.Finalized)
	assert.Equal(t, ComputeRoot([]string{l1.ContentHash, l2.ContentHash}), w.Root)

	entries := s.Entries()
	var fin *Entry
	for i := range entries {
		if entries[i].Type == EntryWindowFinalized {
			fin = &entries[i]
		}
	}
	require.NotNil(t, fin, "finalization is recorded on the chain")
	assert.Equal(t, base.UnixMilli(), fin.WindowStart)
	assert.Equal(t, 2, fin.HashCount)
	assert.Equal(t, w.Root, fin.MerkleRoot)
	require.NoError(t, s.Verify())

	msgs := pub.published()
	require.Len(t, msgs, 1)
	assert.Equal(t, bus.SubjectAuditWindowFinalized, msgs[0].Subject)
	var evt WindowFinalizedEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &evt))
	assert.Equal(t, base.UnixMilli(), evt.WindowStart)
	assert.Equal(t, w.Root, evt.MerkleRoot)
	assert.Equal(t, 2, evt.HashCount)
}

func TestService_LateArrivalGoesToOpenWindow(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	now := base.Add(5 * time.Minute)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s := NewService(time.Hour, WithClock(clock))
	ctx := context.Background()

	_, err := s.RecordCreation(ctx, testLog(t, "a", 1, base.Add(time.Minute)), EntryMetadata{})
	require.NoError(t, err)

	mu.Lock()
	now = base.Add(2 * time.Hour)
	mu.Unlock()
	s.FinalizeExpired(ctx)

	// Event-stamped inside the sealed window, arriving after the seal.
	late := testLog(t, "a", 2, base.Add(30*time.Minute))
	_, err = s.RecordCreation(ctx, late, EntryMetadata{})
	require.NoError(t, err)

	sealed, ok := s.Window(base.UnixMilli())
	require.True(t, ok)
	assert.Len(t, sealed.Hashes, 1, "sealed windows never grow")

	open, ok := s.Window(WindowStartFor(base.Add(2*time.Hour), time.Hour))
	require.True(t, ok)
	assert.Contains(t, open.Hashes, late.ContentHash)
}

func TestService_Flush(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	s := NewService(time.Hour, WithClock(func() time.Time { return base.Add(5 * time.Minute) }))
	ctx := context.Background()

	_, err := s.RecordCreation(ctx, testLog(t, "a", 1, base.Add(time.Minute)), EntryMetadata{})
	require.NoError(t, err)

	s.Flush(ctx)
	w, ok := s.Window(base.UnixMilli())
	require.True(t, ok)
	assert.True(t, w.Finalized, "flush seals open windows regardless of the clock")
}

func TestService_Proof(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	s := NewService(time.Hour, WithClock(func() time.Time { return base.Add(30 * time.Minute) }))
	ctx := context.Background()

	var hashes []string
	for i := int64(1); i <= 5; i++ {
		l := testLog(t, "agent-x", i, base.Add(time.Duration(i)*time.Minute))
		_, err := s.RecordCreation(ctx, l, EntryMetadata{})
		require.NoError(t, err)
		hashes = append(hashes, l.ContentHash)
	}

	p, err := s.Proof(hashes[3], base.UnixMilli())
	require.NoError(t, err)
	assert.Equal(t, base.UnixMilli(), p.WindowStart)
	assert.True(t, VerifyProof(p))

	t.Run("window search when start omitted", func(t *testing.T) {
		p, err := s.Proof(hashes[0], 0)
		require.NoError(t, err)
		assert.True(t, VerifyProof(p))
	})

	t.Run("unknown hash", func(t *testing.T) {
		_, err := s.Proof(canonical.HashBytes([]byte("nope")), 0)
		assert.Error(t, err)
	})
}

func TestService_ConcurrentAppends(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 5, 0, 0, time.UTC)
	s := NewService(time.Hour, WithClock(func() time.Time { return base }))
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				l := testLog(t, "agent-c", int64(g*100+i), base)
				if _, err := s.RecordCreation(ctx, l, EntryMetadata{}); err != nil {
					t.Error(err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 200, s.ChainLength())
	require.NoError(t, s.Verify())
}
