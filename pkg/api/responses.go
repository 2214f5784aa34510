package api

import "time"

// ReceiptResponse acknowledges an asynchronous ingestion request. Success
// means "queued", not "persisted": callers observe the outcome event or poll
// the store.
type ReceiptResponse struct {
	EventID  string `json:"event_id"`
	Stream   string `json:"stream,omitempty"`
	Sequence uint64 `json:"sequence,omitempty"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
}

// BulkReceiptResponse acknowledges a batch submission.
type BulkReceiptResponse struct {
	BatchID  string `json:"batch_id"`
	Count    int    `json:"count"`
	EventID  string `json:"event_id"`
	Stream   string `json:"stream,omitempty"`
	Sequence uint64 `json:"sequence,omitempty"`
	Status   string `json:"status"`
}

// TokenResponse carries a freshly issued bearer token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthCheck is a single component probe result.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the body of GET /healthz and /readyz.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks,omitempty"`
}

// ChainResponse is the body of GET /api/v1/audit/chain.
type ChainResponse struct {
	Length  int `json:"length"`
	Entries any `json:"entries"`
}

// VerifyResponse reports a chain or pack verification outcome.
type VerifyResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}
