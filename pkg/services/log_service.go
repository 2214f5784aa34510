package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fraware/accountabilitylayer/pkg/canonical"
	"github.com/fraware/accountabilitylayer/pkg/models"
	"github.com/fraware/accountabilitylayer/pkg/store"
)

// LogService is the domain layer over the log store: submission validation,
// reads, and the review mutation with its eligibility rules.
type LogService struct {
	store store.LogStore
}

// NewLogService creates a new LogService.
func NewLogService(s store.LogStore) *LogService {
	if s == nil {
		panic("NewLogService: store must not be nil")
	}
	return &LogService{store: s}
}

// ValidateNew checks the required fields of a submitted log. Violations are
// permanent: retrying the same payload can never succeed.
func ValidateNew(l *models.DecisionLog) error {
	if l.AgentID == "" {
		return NewValidationError("agent_id", "agent id is required")
	}
	if l.Timestamp.IsZero() {
		return NewValidationError("timestamp", "timestamp is required")
	}
	if l.Status != "" && !models.ValidStatus(l.Status) {
		return NewValidationError("status", fmt.Sprintf("unknown status '%s'", l.Status))
	}
	if l.InputData == nil {
		return NewValidationError("input_data", "input data is required")
	}
	if l.Output == nil {
		return NewValidationError("output", "output is required")
	}
	if l.Reasoning == "" {
		return NewValidationError("reasoning", "reasoning is required")
	}
	return nil
}

// Insert persists a prepared log. Returns ErrAlreadyExists when the
// (agent_id, step_id) pair is taken.
func (s *LogService) Insert(ctx context.Context, l *models.DecisionLog) error {
	if err := s.store.Insert(ctx, l); err != nil {
		return mapStoreError(err)
	}
	return nil
}

// Get fetches one log.
func (s *LogService) Get(ctx context.Context, agentID string, stepID int64) (*models.DecisionLog, error) {
	l, err := s.store.Get(ctx, agentID, stepID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return l, nil
}

// ListByAgent returns an agent's logs, paginated.
func (s *LogService) ListByAgent(ctx context.Context, agentID string, p models.ListParams) (*models.LogListResult, error) {
	if agentID == "" {
		return nil, NewValidationError("agent_id", "agent id is required")
	}
	res, err := s.store.ListByAgent(ctx, agentID, p)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return res, nil
}

// Search returns logs matching the filters.
func (s *LogService) Search(ctx context.Context, f models.SearchFilters) (*models.LogListResult, error) {
	if f.FromDate != nil && f.ToDate != nil && !f.FromDate.Before(*f.ToDate) {
		return nil, NewValidationError("from_date", "from_date must precede to_date")
	}
	if f.Status != "" && !models.ValidStatus(f.Status) {
		return nil, NewValidationError("status", fmt.Sprintf("unknown status '%s'", f.Status))
	}
	res, err := s.store.Search(ctx, f)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return res, nil
}

// Summary aggregates one agent's logs, optionally bounded to a time range.
func (s *LogService) Summary(ctx context.Context, agentID string, from, to *time.Time) (*models.AgentSummary, error) {
	if agentID == "" {
		return nil, NewValidationError("agent_id", "agent id is required")
	}
	if from != nil && to != nil && !from.Before(*to) {
		return nil, NewValidationError("from_date", "from_date must precede to_date")
	}
	sum, err := s.store.Summary(ctx, agentID, from, to)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return sum, nil
}

// ApplyReview mutates the review fields of a log. A log that has been
// reviewed is frozen: any further mutation is rejected with
// ErrAlreadyReviewed. Accepted updates bump the version and recompute the
// content hash, and return the updated log plus the change set for the
// audit trail.
func (s *LogService) ApplyReview(ctx context.Context, agentID string, stepID int64, upd models.ReviewUpdate) (*models.DecisionLog, map[string]any, error) {
	if upd.IsEmpty() {
		return nil, nil, NewValidationError("update", "no mutable fields in update")
	}

	l, err := s.store.Get(ctx, agentID, stepID)
	if err != nil {
		return nil, nil, mapStoreError(err)
	}
	if l.Reviewed {
		return nil, nil, fmt.Errorf("%s: %w", l.LogID(), ErrAlreadyReviewed)
	}

	changes := make(map[string]any)
	if upd.Reviewed != nil {
		l.Reviewed = *upd.Reviewed
		changes["reviewed"] = *upd.Reviewed
	}
	if upd.ReviewComments != nil {
		l.ReviewComments = *upd.ReviewComments
		changes["review_comments"] = *upd.ReviewComments
	}

	expected := l.Version
	l.Version++
	hash, err := canonical.HashLog(l)
	if err != nil {
		return nil, nil, fmt.Errorf("rehash %s: %w", l.LogID(), err)
	}
	l.ContentHash = hash
	changes["version"] = l.Version

	if err := s.store.Update(ctx, l, expected); err != nil {
		return nil, nil, mapStoreError(err)
	}
	return l, changes, nil
}

// PrepareTier stamps the retention tier for a log at acceptance time.
func PrepareTier(l *models.DecisionLog, now time.Time, hotDays, warmDays int) {
	l.RetentionTier = models.TierFor(l.Timestamp, now, hotDays, warmDays)
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%v: %w", err, ErrNotFound)
	case errors.Is(err, store.ErrDuplicate):
		return fmt.Errorf("%v: %w", err, ErrAlreadyExists)
	case errors.Is(err, store.ErrVersionConflict):
		return fmt.Errorf("%v: %w", err, ErrConcurrentModification)
	default:
		return err
	}
}
