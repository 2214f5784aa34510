// Package models contains the domain types shared across the ingestion,
// worker, audit, and notifier components.
package models

import (
	"fmt"
	"time"
)

// Status is the classification outcome of a decision log.
type Status string

// Log status values. A log submitted as success or failure may be promoted
// to anomaly by the classifier; it is never demoted.
const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusAnomaly Status = "anomaly"
)

// ValidStatus reports whether s is a known log status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusAnomaly:
		return true
	}
	return false
}

// RetentionTier is the storage class of a log, derived from its age.
type RetentionTier string

// Retention tiers. Boundaries are inclusive at the lower bound:
// a log exactly 30 days old is still hot, exactly 365 days old still warm.
const (
	TierHot  RetentionTier = "hot"
	TierWarm RetentionTier = "warm"
	TierCold RetentionTier = "cold"
)

// DecisionLog is one reasoning step captured from an agent.
// Immutable after insert except for the review fields, which bump Version
// and recompute ContentHash on each accepted update.
type DecisionLog struct {
	AgentID        string         `json:"agent_id"`
	StepID         int64          `json:"step_id"`
	TraceID        string         `json:"trace_id,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	InputData      map[string]any `json:"input_data"`
	Output         map[string]any `json:"output"`
	Reasoning      string         `json:"reasoning"`
	Status         Status         `json:"status"`
	Reviewed       bool           `json:"reviewed"`
	ReviewComments string         `json:"review_comments,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Version        int            `json:"version"`
	RetentionTier  RetentionTier  `json:"retention_tier"`
	ContentHash    string         `json:"content_hash"`
	CreatedAt      time.Time      `json:"created_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at,omitempty"`
}

// LogID returns the composite identifier used in audit entries and outcome
// events. (agent_id, step_id) is unique, so the pair identifies the log.
func (l *DecisionLog) LogID() string {
	return fmt.Sprintf("%s:%d", l.AgentID, l.StepID)
}

// ReviewUpdate is the mutable subset of a log. Nil fields are left unchanged.
type ReviewUpdate struct {
	Reviewed       *bool   `json:"reviewed,omitempty"`
	ReviewComments *string `json:"review_comments,omitempty"`
}

// IsEmpty reports whether the update carries no changes.
func (u ReviewUpdate) IsEmpty() bool {
	return u.Reviewed == nil && u.ReviewComments == nil
}

// SearchFilters contains filtering options for log searches.
// A zero time range defaults to the last 30 days at query time.
type SearchFilters struct {
	AgentID   string     `json:"agent_id,omitempty"`
	Status    Status     `json:"status,omitempty"`
	TraceID   string     `json:"trace_id,omitempty"`
	Reviewed  *bool      `json:"reviewed,omitempty"`
	Keyword   string     `json:"keyword,omitempty"`
	FromDate  *time.Time `json:"from_date,omitempty"`
	ToDate    *time.Time `json:"to_date,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
	SortBy    string     `json:"sort_by,omitempty"`
	SortOrder string     `json:"sort_order,omitempty"`
}

// ListParams contains pagination options for per-agent listings.
type ListParams struct {
	Page      int
	Limit     int
	SortBy    string
	SortOrder string
}

// LogListResult is a paginated page of logs.
type LogListResult struct {
	Logs       []*DecisionLog `json:"logs"`
	TotalCount int            `json:"total_count"`
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
}

// AgentSummary aggregates a single agent's logs by status and review state.
type AgentSummary struct {
	AgentID   string         `json:"agent_id"`
	Total     int            `json:"total"`
	ByStatus  map[Status]int `json:"by_status"`
	Reviewed  int            `json:"reviewed"`
	Pending   int            `json:"pending"`
	FromDate  *time.Time     `json:"from_date,omitempty"`
	ToDate    *time.Time     `json:"to_date,omitempty"`
	Generated time.Time      `json:"generated_at"`
}

// TierFor computes the retention tier of a log aged by reference time now.
// Lower bounds are inclusive: age == hotDays means hot, age == warmDays warm.
func TierFor(timestamp, now time.Time, hotDays, warmDays int) RetentionTier {
	age := now.Sub(timestamp)
	switch {
	case age <= time.Duration(hotDays)*24*time.Hour:
		return TierHot
	case age <= time.Duration(warmDays)*24*time.Hour:
		return TierWarm
	default:
		return TierCold
	}
}
