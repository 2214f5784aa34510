package models

// Bus payloads. Commands flow from the ingestion API to workers; events
// flow from workers (and the audit service) to the notifier and any other
// subscriber.

// CreateCommand asks a worker to validate and persist one log.
type CreateCommand struct {
	Log       *DecisionLog `json:"log"`
	Initiator string       `json:"initiator,omitempty"`
	SourceIP  string       `json:"source_ip,omitempty"`
}

// BulkCommand asks a worker to process a batch of logs. Items are accepted
// or rejected individually.
type BulkCommand struct {
	BatchID   string         `json:"batch_id"`
	Logs      []*DecisionLog `json:"logs"`
	Initiator string         `json:"initiator,omitempty"`
	SourceIP  string         `json:"source_ip,omitempty"`
}

// UpdateCommand asks a worker to apply a review mutation.
type UpdateCommand struct {
	AgentID   string       `json:"agent_id"`
	StepID    int64        `json:"step_id"`
	Update    ReviewUpdate `json:"update"`
	Initiator string       `json:"initiator,omitempty"`
	SourceIP  string       `json:"source_ip,omitempty"`
}

// LogCreatedEvent announces an accepted log.
type LogCreatedEvent struct {
	Log *DecisionLog `json:"log"`
}

// BulkRejection describes one rejected item of a batch.
type BulkRejection struct {
	Index  int    `json:"index"`
	LogID  string `json:"log_id,omitempty"`
	Reason string `json:"reason"`
}

// BulkCreatedEvent summarizes a processed batch.
type BulkCreatedEvent struct {
	BatchID  string          `json:"batch_id"`
	Accepted int             `json:"accepted"`
	Rejected []BulkRejection `json:"rejected,omitempty"`
	Logs     []*DecisionLog  `json:"logs"`
}

// LogUpdatedEvent announces an accepted review mutation.
type LogUpdatedEvent struct {
	Log     *DecisionLog   `json:"log"`
	Changes map[string]any `json:"changes"`
}
