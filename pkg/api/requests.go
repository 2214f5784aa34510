package api

import (
	"fmt"
	"time"

	"github.com/fraware/accountabilitylayer/pkg/models"
)

// SubmitLogRequest is the body of POST /api/v1/logs.
// Timestamp is RFC 3339; when omitted, ingress assigns the receive time.
type SubmitLogRequest struct {
	AgentID   string         `json:"agent_id"`
	StepID    int64          `json:"step_id"`
	TraceID   string         `json:"trace_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	InputData map[string]any `json:"input_data"`
	Output    map[string]any `json:"output"`
	Reasoning string         `json:"reasoning"`
	Status    string         `json:"status,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// toModel converts the request to the domain type, assigning now when no
// timestamp was supplied.
func (r *SubmitLogRequest) toModel(now time.Time) (*models.DecisionLog, error) {
	ts := now.UTC()
	if r.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, r.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("timestamp must be RFC 3339: %w", err)
		}
		ts = parsed.UTC()
	}
	return &models.DecisionLog{
		AgentID:   r.AgentID,
		StepID:    r.StepID,
		TraceID:   r.TraceID,
		UserID:    r.UserID,
		Timestamp: ts,
		InputData: r.InputData,
		Output:    r.Output,
		Reasoning: r.Reasoning,
		Status:    models.Status(r.Status),
		Metadata:  r.Metadata,
	}, nil
}

// SubmitBulkRequest is the body of POST /api/v1/logs/bulk.
type SubmitBulkRequest struct {
	Logs []SubmitLogRequest `json:"logs"`
}

// UpdateReviewRequest is the body of PUT /api/v1/logs/{agent_id}/{step_id}.
type UpdateReviewRequest struct {
	Reviewed       *bool   `json:"reviewed,omitempty"`
	ReviewComments *string `json:"review_comments,omitempty"`
}

func (r *UpdateReviewRequest) toUpdate() models.ReviewUpdate {
	return models.ReviewUpdate{Reviewed: r.Reviewed, ReviewComments: r.ReviewComments}
}

// LoginRequest is the body of POST /api/v1/auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ExportPackRequest is the body of POST /api/v1/audit/packs/export.
// Start is inclusive, End exclusive; both RFC 3339.
type ExportPackRequest struct {
	Start string `json:"start"`
	End   string `json:"end"`
}
