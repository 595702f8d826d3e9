package model

import (
	"encoding/json"
	"time"
)

// WaitpointType is the kind of gate a waitpoint represents.
type WaitpointType string

// Waitpoint type constants.
const (
	WaitpointManual       WaitpointType = "MANUAL"
	WaitpointDateTime     WaitpointType = "DATETIME"
	WaitpointRun          WaitpointType = "RUN"
	WaitpointHTTPCallback WaitpointType = "HTTP_CALLBACK"
)

// WaitpointStatus is PENDING until the waitpoint is completed, then immutable.
type WaitpointStatus string

// Waitpoint status constants.
const (
	WaitpointPending   WaitpointStatus = "PENDING"
	WaitpointCompleted WaitpointStatus = "COMPLETED"
)

// CompletionSource records what completed a waitpoint, so a timeout can be told
// apart from a caller-supplied result.
type CompletionSource string

// Completion sources.
const (
	CompletedByAPI      CompletionSource = "API"
	CompletedByTimeout  CompletionSource = "TIMEOUT"
	CompletedByDateTime CompletionSource = "DATETIME"
	CompletedByRun      CompletionSource = "RUN"
	CompletedByCallback CompletionSource = "CALLBACK"
)

// Waitpoint is a synchronization gate one or more runs can block on.
type Waitpoint struct {
	ID                      string           `json:"id"`
	FriendlyID              string           `json:"friendly_id"`
	Type                    WaitpointType    `json:"type"`
	Status                  WaitpointStatus  `json:"status"`
	CompletedBy             CompletionSource `json:"completed_by,omitempty"`
	Output                  json.RawMessage  `json:"output,omitempty"`
	OutputType              string           `json:"output_type,omitempty"`
	OutputIsError           bool             `json:"output_is_error"`
	OutputObjectKey         string           `json:"output_object_key,omitempty"`
	IdempotencyKey          string           `json:"idempotency_key,omitempty"`
	IdempotencyKeyExpiresAt *time.Time       `json:"idempotency_key_expires_at,omitempty"`
	CompletedAfter          *time.Time       `json:"completed_after,omitempty"`
	CompletedByRunID        string           `json:"completed_by_run_id,omitempty"`
	EnvironmentID           string           `json:"environment_id"`
	ProjectID               string           `json:"project_id"`
	CreatedAt               time.Time        `json:"created_at"`
	CompletedAt             *time.Time       `json:"completed_at,omitempty"`
}

// RunWaitpoint links a run to a waitpoint it is blocked on.
type RunWaitpoint struct {
	RunID          string    `json:"run_id"`
	WaitpointID    string    `json:"waitpoint_id"`
	ProjectID      string    `json:"project_id"`
	OrganizationID string    `json:"organization_id"`
	CreatedAt      time.Time `json:"created_at"`
}
