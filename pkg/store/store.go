// Package store persists decision logs. PostgresStore is the production
// implementation; MemoryStore backs tests and single-process deployments
// without a database.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fraware/accountabilitylayer/pkg/models"
)

// Store errors. Callers translate these to their own error surface.
var (
	ErrNotFound        = errors.New("log not found")
	ErrDuplicate       = errors.New("log already exists")
	ErrVersionConflict = errors.New("log version conflict")
)

// Query limits.
const (
	DefaultLimit = 50
	MaxLimit     = 1000

	// DefaultSearchRange bounds unfiltered searches.
	DefaultSearchRange = 30 * 24 * time.Hour
)

// LogStore is the persistence interface for decision logs.
type LogStore interface {
	// Insert stores a new log. Returns ErrDuplicate when (agent_id, step_id)
	// is already taken.
	Insert(ctx context.Context, l *models.DecisionLog) error

	// Get fetches one log by its composite identifier.
	Get(ctx context.Context, agentID string, stepID int64) (*models.DecisionLog, error)

	// ListByAgent returns an agent's logs, paginated, newest first by default.
	ListByAgent(ctx context.Context, agentID string, p models.ListParams) (*models.LogListResult, error)

	// Search returns logs matching the filters. A zero time range defaults
	// to the trailing DefaultSearchRange.
	Search(ctx context.Context, f models.SearchFilters) (*models.LogListResult, error)

	// Summary aggregates one agent's logs by status and review state. A nil
	// bound leaves that side of the time range open.
	Summary(ctx context.Context, agentID string, from, to *time.Time) (*models.AgentSummary, error)

	// Update persists the mutable fields of l, guarded by an optimistic
	// version check against expectedVersion. Returns ErrVersionConflict when
	// the stored version has moved, ErrNotFound when the log is absent.
	Update(ctx context.Context, l *models.DecisionLog, expectedVersion int) error

	// RetierDue demotes logs whose age has crossed a tier boundary:
	// hot→warm past hotDays, warm→cold past warmDays. Returns rows moved.
	RetierDue(ctx context.Context, now time.Time, hotDays, warmDays int) (int64, error)

	// ExpireCold deletes cold logs older than before. Returns rows deleted.
	ExpireCold(ctx context.Context, before time.Time) (int64, error)
}

// normalizeListParams applies defaults and caps.
func normalizeListParams(p models.ListParams) models.ListParams {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.SortBy == "" {
		p.SortBy = "timestamp"
	}
	if p.SortOrder != "asc" {
		p.SortOrder = "desc"
	}
	return p
}
