package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fraware/accountabilitylayer/pkg/models"
)

// MemoryStore implements LogStore in process memory with the same
// semantics as PostgresStore: uniqueness on (agent_id, step_id),
// optimistic version checks, default search range, tier demotion.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string]*models.DecisionLog

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs: make(map[string]*models.DecisionLog),
		now:  time.Now,
	}
}

func key(agentID string, stepID int64) string {
	return fmt.Sprintf("%s:%d", agentID, stepID)
}

func (s *MemoryStore) Insert(_ context.Context, l *models.DecisionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(l.AgentID, l.StepID)
	if _, exists := s.logs[k]; exists {
		return fmt.Errorf("insert %s: %w", k, ErrDuplicate)
	}
	c := cloneLog(l)
	c.CreatedAt = s.now().UTC()
	c.UpdatedAt = c.CreatedAt
	s.logs[k] = c

	l.CreatedAt = c.CreatedAt
	l.UpdatedAt = c.UpdatedAt
	return nil
}

func (s *MemoryStore) Get(_ context.Context, agentID string, stepID int64) (*models.DecisionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.logs[key(agentID, stepID)]
	if !ok {
		return nil, fmt.Errorf("get %s:%d: %w", agentID, stepID, ErrNotFound)
	}
	return cloneLog(l), nil
}

func (s *MemoryStore) ListByAgent(_ context.Context, agentID string, p models.ListParams) (*models.LogListResult, error) {
	p = normalizeListParams(p)

	s.mu.RLock()
	var matched []*models.DecisionLog
	for _, l := range s.logs {
		if l.AgentID == agentID {
			matched = append(matched, cloneLog(l))
		}
	}
	s.mu.RUnlock()

	sortLogs(matched, p.SortBy, p.SortOrder)
	total := len(matched)
	return &models.LogListResult{
		Logs:       paginate(matched, p.Page, p.Limit),
		TotalCount: total,
		Page:       p.Page,
		Limit:      p.Limit,
	}, nil
}

func (s *MemoryStore) Search(_ context.Context, f models.SearchFilters) (*models.LogListResult, error) {
	from, to := searchRange(f, s.now())

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	var matched []*models.DecisionLog
	for _, l := range s.logs {
		if matchesFilters(l, f, from, to) {
			matched = append(matched, cloneLog(l))
		}
	}
	s.mu.RUnlock()

	sortLogs(matched, f.SortBy, f.SortOrder)
	total := len(matched)

	if offset >= len(matched) {
		matched = nil
	} else {
		matched = matched[offset:]
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	if matched == nil {
		matched = []*models.DecisionLog{}
	}
	return &models.LogListResult{
		Logs:       matched,
		TotalCount: total,
		Page:       offset/limit + 1,
		Limit:      limit,
	}, nil
}

func matchesFilters(l *models.DecisionLog, f models.SearchFilters, from, to time.Time) bool {
	if l.Timestamp.Before(from) || !l.Timestamp.Before(to) {
		return false
	}
	if f.AgentID != "" && l.AgentID != f.AgentID {
		return false
	}
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	if f.TraceID != "" && l.TraceID != f.TraceID {
		return false
	}
	if f.Reviewed != nil && l.Reviewed != *f.Reviewed {
		return false
	}
	if f.Keyword != "" && !strings.Contains(strings.ToLower(l.Reasoning), strings.ToLower(f.Keyword)) {
		return false
	}
	return true
}

func (s *MemoryStore) Summary(_ context.Context, agentID string, from, to *time.Time) (*models.AgentSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := &models.AgentSummary{
		AgentID:   agentID,
		ByStatus:  make(map[models.Status]int),
		Generated: s.now().UTC(),
	}
	for _, l := range s.logs {
		if l.AgentID != agentID {
			continue
		}
		if from != nil && l.Timestamp.Before(*from) {
			continue
		}
		if to != nil && l.Timestamp.After(*to) {
			continue
		}
		sum.Total++
		sum.ByStatus[l.Status]++
		if l.Reviewed {
			sum.Reviewed++
		} else {
			sum.Pending++
		}
		ts := l.Timestamp
		if sum.FromDate == nil || ts.Before(*sum.FromDate) {
			f := ts
			sum.FromDate = &f
		}
		if sum.ToDate == nil || ts.After(*sum.ToDate) {
			t := ts
			sum.ToDate = &t
		}
	}
	return sum, nil
}

func (s *MemoryStore) Update(_ context.Context, l *models.DecisionLog, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(l.AgentID, l.StepID)
	cur, ok := s.logs[k]
	if !ok {
		return fmt.Errorf("update %s: %w", k, ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("update %s: stored version %d, expected %d: %w",
			k, cur.Version, expectedVersion, ErrVersionConflict)
	}

	cur.Reviewed = l.Reviewed
	cur.ReviewComments = l.ReviewComments
	cur.Version = l.Version
	cur.ContentHash = l.ContentHash
	cur.Status = l.Status
	cur.UpdatedAt = s.now().UTC()

	l.UpdatedAt = cur.UpdatedAt
	return nil
}

func (s *MemoryStore) RetierDue(_ context.Context, now time.Time, hotDays, warmDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var moved int64
	for _, l := range s.logs {
		want := models.TierFor(l.Timestamp, now, hotDays, warmDays)
		if demotes(l.RetentionTier, want) {
			l.RetentionTier = want
			l.UpdatedAt = s.now().UTC()
			moved++
		}
	}
	return moved, nil
}

// demotes reports whether moving from cur to want goes down the tier order.
// Retiering never promotes.
func demotes(cur, want models.RetentionTier) bool {
	rank := map[models.RetentionTier]int{models.TierHot: 0, models.TierWarm: 1, models.TierCold: 2}
	return rank[want] > rank[cur]
}

func (s *MemoryStore) ExpireCold(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for k, l := range s.logs {
		if l.RetentionTier == models.TierCold && l.Timestamp.Before(before) {
			delete(s.logs, k)
			deleted++
		}
	}
	return deleted, nil
}

func sortLogs(logs []*models.DecisionLog, sortBy, sortOrder string) {
	asc := sortOrder == "asc"
	sort.Slice(logs, func(i, j int) bool {
		a, b := logs[i], logs[j]
		c := compareLogs(a, b, sortBy)
		if c == 0 {
			c = compareInt64(a.StepID, b.StepID)
		}
		if asc {
			return c < 0
		}
		return c > 0
	})
}

func compareLogs(a, b *models.DecisionLog, sortBy string) int {
	switch sortBy {
	case "step_id":
		return compareInt64(a.StepID, b.StepID)
	case "status":
		return strings.Compare(string(a.Status), string(b.Status))
	case "version":
		return compareInt64(int64(a.Version), int64(b.Version))
	default:
		switch {
		case a.Timestamp.Before(b.Timestamp):
			return -1
		case a.Timestamp.After(b.Timestamp):
			return 1
		default:
			return 0
		}
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func paginate(logs []*models.DecisionLog, page, limit int) []*models.DecisionLog {
	start := (page - 1) * limit
	if start >= len(logs) {
		return []*models.DecisionLog{}
	}
	end := start + limit
	if end > len(logs) {
		end = len(logs)
	}
	return logs[start:end]
}

func cloneLog(l *models.DecisionLog) *models.DecisionLog {
	c := *l
	c.InputData = cloneMap(l.InputData)
	c.Output = cloneMap(l.Output)
	c.Metadata = cloneMap(l.Metadata)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
