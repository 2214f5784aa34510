package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fraware/accountabilitylayer/pkg/bus"
	"github.com/fraware/accountabilitylayer/pkg/metrics"
	"github.com/fraware/accountabilitylayer/pkg/models"
)

// Publisher is the slice of the bus the audit service needs: it announces
// window finalizations to interested consumers (notifier, external mirrors).
type Publisher interface {
	Publish(ctx context.Context, subject string, msg *bus.Message) (bus.PublishAck, error)
}

// WindowFinalizedEvent is the payload published on audit.window.finalized.
type WindowFinalizedEvent struct {
	WindowStart int64  `json:"window_start"`
	WindowEnd   int64  `json:"window_end"`
	MerkleRoot  string `json:"merkle_root"`
	HashCount   int    `json:"hash_count"`
}

// Service owns the audit chain and the Merkle windows. All mutations go
// through a single mutex, which serializes appends and keeps the chain
// linkage and window ordering consistent under concurrent workers.
type Service struct {
	mu         sync.RWMutex
	entries    []Entry
	windows    map[int64]*Window
	windowSize time.Duration

	// creations holds every content hash already chained and updates every
	// (log, version) pair, making both Record calls safe to repeat from a
	// redelivered command.
	creations map[string]struct{}
	updates   map[string]struct{}

	publisher Publisher
	logger    *slog.Logger

	rolloverInterval time.Duration
	stopCh           chan struct{}
	doneCh           chan struct{}

	now func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher wires the bus publisher used for finalization broadcasts.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithClock overrides the wall clock. Tests use this to drive window
// rollover deterministically.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRolloverInterval sets how often the background loop checks for
// expired windows. Defaults to one minute.
func WithRolloverInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.rolloverInterval = d
		}
	}
}

// NewService creates an audit service with the given Merkle window size.
func NewService(windowSize time.Duration, opts ...Option) *Service {
	if windowSize <= 0 {
		windowSize = time.Hour
	}
	s := &Service{
		windows:          make(map[int64]*Window),
		creations:        make(map[string]struct{}),
		updates:          make(map[string]struct{}),
		windowSize:       windowSize,
		logger:           slog.Default().With("component", "audit"),
		rolloverInterval: time.Minute,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordCreation appends a LOG_CREATED entry for an accepted log and folds
// its content hash into the Merkle window its event timestamp belongs to.
// Expired windows are finalized before the append so a hash never lands in
// a window that should already be sealed. A hash that is already chained
// returns (nil, nil): redelivered commands must not duplicate entries.
func (s *Service) RecordCreation(ctx context.Context, l *models.DecisionLog, meta EntryMetadata) (*Entry, error) {
	if l.ContentHash == "" {
		return nil, fmt.Errorf("audit: log %s has no content hash", l.LogID())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.creations[l.ContentHash]; dup {
		return nil, nil
	}

	s.finalizeExpiredLocked(ctx)

	entry := Entry{
		EntryID:   uuid.New().String(),
		Type:      EntryLogCreated,
		LogID:     l.LogID(),
		LogHash:   l.ContentHash,
		Timestamp: s.now().UTC().UnixMilli(),
		Metadata:  meta,
	}
	if err := s.appendLocked(&entry); err != nil {
		return nil, err
	}

	start := WindowStartFor(l.Timestamp, s.windowSize)
	w, ok := s.windows[start]
	if !ok {
		w = &Window{WindowStart: start, WindowEnd: start + s.windowSize.Milliseconds()}
		s.windows[start] = w
	}
	if w.Finalized {
		// Late arrival after its window sealed. The chain entry stands; the
		// hash goes into the current open window instead so it is still
		// provable.
		s.logger.Warn("Log arrived after its Merkle window finalized",
			"log_id", l.LogID(), "window_start", start)
		start = WindowStartFor(s.now(), s.windowSize)
		w, ok = s.windows[start]
		if !ok {
			w = &Window{WindowStart: start, WindowEnd: start + s.windowSize.Milliseconds()}
			s.windows[start] = w
		}
	}
	w.Append(l.ContentHash)
	s.creations[l.ContentHash] = struct{}{}

	return &entry, nil
}

// RecordUpdate appends a LOG_UPDATED entry carrying the mutated fields.
// Updates do not produce Merkle leaves; the window commits to accepted
// creations only. An update that carries a version is idempotent per
// (log, version): a repeat returns (nil, nil) without a second entry.
func (s *Service) RecordUpdate(ctx context.Context, logID string, updates map[string]any, meta EntryMetadata) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, keyed := updateKey(logID, updates)
	if keyed {
		if _, dup := s.updates[key]; dup {
			return nil, nil
		}
	}

	s.finalizeExpiredLocked(ctx)

	entry := Entry{
		EntryID:   uuid.New().String(),
		Type:      EntryLogUpdated,
		LogID:     logID,
		Updates:   updates,
		Timestamp: s.now().UTC().UnixMilli(),
		Metadata:  meta,
	}
	if err := s.appendLocked(&entry); err != nil {
		return nil, err
	}
	if keyed {
		s.updates[key] = struct{}{}
	}
	return &entry, nil
}

func updateKey(logID string, updates map[string]any) (string, bool) {
	v, ok := updates["version"]
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%s#%v", logID, v), true
}

// appendLocked links the entry to the chain tail, computes its self hash,
// and appends it. Callers hold the write lock.
func (s *Service) appendLocked(e *Entry) error {
	if n := len(s.entries); n > 0 {
		e.PreviousHash = s.entries[n-1].SelfHash
	}
	hash, err := e.ComputeHash()
	if err != nil {
		return fmt.Errorf("audit: compute entry hash: %w", err)
	}
	e.SelfHash = hash
	s.entries = append(s.entries, *e)
	return nil
}

// finalizeExpiredLocked seals every open window whose end has passed,
// appending a WINDOW_FINALIZED chain entry and broadcasting the root.
func (s *Service) finalizeExpiredLocked(ctx context.Context) {
	nowMs := s.now().UTC().UnixMilli()
	var due []int64
	for start, w := range s.windows {
		if !w.Finalized && w.WindowEnd <= nowMs {
			due = append(due, start)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })
	for _, start := range due {
		s.finalizeWindowLocked(ctx, s.windows[start])
	}
}

func (s *Service) finalizeWindowLocked(ctx context.Context, w *Window) {
	w.Finalized = true

	entry := Entry{
		EntryID:     uuid.New().String(),
		Type:        EntryWindowFinalized,
		Timestamp:   s.now().UTC().UnixMilli(),
		WindowStart: w.WindowStart,
		MerkleRoot:  w.Root,
		HashCount:   len(w.Hashes),
	}
	if err := s.appendLocked(&entry); err != nil {
		s.logger.Error("Failed to append window finalization entry",
			"window_start", w.WindowStart, "error", err)
		return
	}

	metrics.WindowsFinalized.Inc()
	s.logger.Info("Merkle window finalized",
		"window_start", w.WindowStart, "hash_count", len(w.Hashes), "merkle_root", w.Root)

	if s.publisher == nil {
		return
	}
	evt := WindowFinalizedEvent{
		WindowStart: w.WindowStart,
		WindowEnd:   w.WindowEnd,
		MerkleRoot:  w.Root,
		HashCount:   len(w.Hashes),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		s.logger.Error("Failed to marshal window finalization event", "error", err)
		return
	}
	if _, err := s.publisher.Publish(ctx, bus.SubjectAuditWindowFinalized, &bus.Message{
		ID:        fmt.Sprintf("window-%d", w.WindowStart),
		Timestamp: s.now(),
		Data:      data,
	}); err != nil {
		s.logger.Error("Failed to publish window finalization",
			"window_start", w.WindowStart, "error", err)
	}
}

// FinalizeExpired seals all windows that have aged out. Called by the
// rollover loop and safe to call at any time.
func (s *Service) FinalizeExpired(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizeExpiredLocked(ctx)
}

// Flush seals every open window regardless of the clock. Used on shutdown
// and before a full-range export.
func (s *Service) Flush(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var open []int64
	for start, w := range s.windows {
		if !w.Finalized {
			open = append(open, start)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i] < open[j] })
	for _, start := range open {
		s.finalizeWindowLocked(ctx, s.windows[start])
	}
}

// Start runs the rollover loop until Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(ctx)
	s.logger.Info("Audit rollover loop started", "interval", s.rolloverInterval)
}

// Stop terminates the rollover loop and waits for it to exit.
func (s *Service) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	<-s.doneCh
	s.logger.Info("Audit rollover loop stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.rolloverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.FinalizeExpired(ctx)
		}
	}
}

// Entries returns a snapshot copy of the chain.
func (s *Service) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// ChainLength returns the number of chain entries.
func (s *Service) ChainLength() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Verify re-checks the whole chain. O(n); meant for admin endpoints and
// tests, not hot paths.
func (s *Service) Verify() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return VerifyChain(s.entries)
}

// Windows returns snapshot copies of all windows, ordered by start time.
func (s *Service) Windows() []Window {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Window, 0, len(s.windows))
	for _, w := range s.windows {
		c := *w
		c.Hashes = append([]string(nil), w.Hashes...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowStart < out[j].WindowStart })
	return out
}

// Window returns a snapshot of the window starting at the given epoch-millis
// instant, or false if no log has opened it.
func (s *Service) Window(start int64) (Window, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[start]
	if !ok {
		return Window{}, false
	}
	c := *w
	c.Hashes = append([]string(nil), w.Hashes...)
	return c, true
}

// Proof generates an inclusion proof for a content hash. If windowStart is
// zero every window is searched, newest first.
func (s *Service) Proof(logHash string, windowStart int64) (*Proof, error) {
	s.mu.RLock()
	var candidates []*Window
	if windowStart != 0 {
		if w, ok := s.windows[windowStart]; ok {
			candidates = append(candidates, w)
		}
	} else {
		for _, w := range s.windows {
			candidates = append(candidates, w)
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].WindowStart > candidates[j].WindowStart })
	}
	// Copy leaves under the lock; proof construction runs outside it.
	type snap struct {
		start  int64
		leaves []string
	}
	snaps := make([]snap, 0, len(candidates))
	for _, w := range candidates {
		snaps = append(snaps, snap{start: w.WindowStart, leaves: append([]string(nil), w.Hashes...)})
	}
	s.mu.RUnlock()

	for _, sn := range snaps {
		p, err := GenerateProof(sn.leaves, logHash)
		if err != nil {
			continue
		}
		p.WindowStart = sn.start
		return p, nil
	}
	return nil, fmt.Errorf("audit: hash %s not found in any window", logHash)
}
