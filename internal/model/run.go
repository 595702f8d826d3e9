package model

import (
	"encoding/json"
	"time"
)

// EnvironmentType distinguishes development environments (a developer's machine
// dequeues directly) from deployed ones (a worker version dequeues).
type EnvironmentType string

// Environment type constants.
const (
	EnvDevelopment EnvironmentType = "DEVELOPMENT"
	EnvStaging     EnvironmentType = "STAGING"
	EnvPreview     EnvironmentType = "PREVIEW"
	EnvProduction  EnvironmentType = "PRODUCTION"
)

// IsDeployed reports whether runs in this environment execute on deployed worker versions.
func (t EnvironmentType) IsDeployed() bool {
	return t != EnvDevelopment
}

// Idempotency key scopes.
const (
	IdempotencyScopeRun     = "run"
	IdempotencyScopeAttempt = "attempt"
	IdempotencyScopeGlobal  = "global"
)

// Run is one execution instance of a task. It is created on trigger, mutated
// only alongside snapshot transitions, and never deleted.
type Run struct {
	ID                      string            `json:"id"`
	FriendlyID              string            `json:"friendly_id"`
	TaskIdentifier          string            `json:"task_identifier"`
	Queue                   string            `json:"queue"`
	EnvironmentID           string            `json:"environment_id"`
	EnvironmentType         EnvironmentType   `json:"environment_type"`
	OrganizationID          string            `json:"organization_id"`
	ProjectID               string            `json:"project_id"`
	Machine                 string            `json:"machine,omitempty"`
	AttemptNumber           int               `json:"attempt_number"`
	MaxAttempts             int               `json:"max_attempts"`
	Status                  Status            `json:"status"`
	MasterQueue             string            `json:"master_queue"`
	WorkerID                string            `json:"worker_id,omitempty"`
	IdempotencyKey          string            `json:"idempotency_key,omitempty"`
	IdempotencyKeyScope     string            `json:"idempotency_key_scope,omitempty"`
	IdempotencyKeyExpiresAt *time.Time        `json:"idempotency_key_expires_at,omitempty"`
	TraceContext            map[string]string `json:"trace_context,omitempty"`
	Payload                 json.RawMessage   `json:"payload,omitempty"`
	PayloadType             string            `json:"payload_type,omitempty"`
	Output                  json.RawMessage   `json:"output,omitempty"`
	OutputType              string            `json:"output_type,omitempty"`
	Error                   *TaskRunError     `json:"error,omitempty"`
	ParentRunID             string            `json:"parent_run_id,omitempty"`
	RootRunID               string            `json:"root_run_id,omitempty"`
	AssociatedWaitpointID   string            `json:"associated_waitpoint_id,omitempty"`
	ScheduleID              string            `json:"schedule_id,omitempty"`
	ConcurrencyKey          string            `json:"concurrency_key,omitempty"`
	RateLimitKey            string            `json:"rate_limit_key,omitempty"`
	DelayUntil              *time.Time        `json:"delay_until,omitempty"`
	TTL                     string            `json:"ttl,omitempty"`
	PriorityMs              int64             `json:"priority_ms,omitempty"`
	Overrides               *RunOverrides     `json:"overrides,omitempty"`
	CreatedAt               time.Time         `json:"created_at"`
	UpdatedAt               time.Time         `json:"updated_at"`
	CompletedAt             *time.Time        `json:"completed_at,omitempty"`
}

// RunOverrides are the settings a trigger request set explicitly. They win
// over the task definition each time the run's task is resolved; unset
// fields are derived from the task.
type RunOverrides struct {
	Queue       string `json:"queue,omitempty"`
	Machine     string `json:"machine,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

// TaskRunError is the persisted error of a failed attempt.
type TaskRunError struct {
	Type    string `json:"type"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Task run error types.
const (
	ErrorTypeBuiltIn  = "BUILT_IN_ERROR"
	ErrorTypeCustom   = "CUSTOM_ERROR"
	ErrorTypeInternal = "INTERNAL_ERROR"
	ErrorTypeString   = "STRING_ERROR"
)

// Checkpoint references saved process state a frozen run resumes from.
type Checkpoint struct {
	ID         string    `json:"id"`
	FriendlyID string    `json:"friendly_id"`
	RunID      string    `json:"run_id"`
	Type       string    `json:"type"`
	Location   string    `json:"location"`
	ImageRef   string    `json:"image_ref,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
