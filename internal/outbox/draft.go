// Package outbox implements the durable write-back queue: agent-authored
// mutation drafts are persisted locally and committed to the remote store
// idempotently, surviving crashes, reconnects and retries.
package outbox

import (
	"encoding/json"
	"time"
)

// Draft statuses. Only status, attempts and last_error mutate after a draft
// is created; the payload is immutable.
const (
	StatusPending    = "pending"
	StatusCommitting = "committing"
	StatusFailed     = "failed"
)

// Draft is one queued mutation proposed by the agent
type Draft struct {
	DraftID     string
	ToolCallID  string
	SummaryText string
	Payload     json.RawMessage
	ContextText string
	Status      string
	Attempts    int
	CreatedAt   time.Time
	LastError   string
}

// CommitRecord describes the most recently committed draft
type CommitRecord struct {
	DraftID     string
	Summary     string
	CommittedAt time.Time
}

// CommitResponse is the remote commit endpoint's reply
type CommitResponse struct {
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Remote status values
const (
	RemoteSuccess = "success"
	RemotePending = "pending"
)
