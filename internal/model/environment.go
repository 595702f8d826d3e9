package model

import (
	"encoding/json"
	"time"
)

// Organization is a tenant. A non-nil MaximumConcurrencyLimit overrides the
// configured default for every environment it owns.
type Organization struct {
	ID                      string    `json:"id"`
	Title                   string    `json:"title"`
	MaximumConcurrencyLimit *int      `json:"maximum_concurrency_limit,omitempty"`
	CreatedAt               time.Time `json:"created_at"`
}

// Environment is a runtime environment of a project.
type Environment struct {
	ID                      string          `json:"id"`
	OrganizationID          string          `json:"organization_id"`
	ProjectID               string          `json:"project_id"`
	Type                    EnvironmentType `json:"type"`
	MaximumConcurrencyLimit *int            `json:"maximum_concurrency_limit,omitempty"`
	CurrentWorkerID         string          `json:"current_worker_id,omitempty"`
	CreatedAt               time.Time       `json:"created_at"`
}

// RateLimit is a token bucket: Limit requests per Period, bursting to Burst.
type RateLimit struct {
	Limit  int           `json:"limit"`
	Period time.Duration `json:"period"`
	Burst  int           `json:"burst,omitempty"`
}

// TaskQueue is a named queue within an environment.
type TaskQueue struct {
	ID               string     `json:"id"`
	FriendlyID       string     `json:"friendly_id"`
	EnvironmentID    string     `json:"environment_id"`
	Name             string     `json:"name"`
	ConcurrencyLimit *int       `json:"concurrency_limit,omitempty"`
	RateLimit        *RateLimit `json:"rate_limit,omitempty"`
	Paused           bool       `json:"paused"`
	CreatedAt        time.Time  `json:"created_at"`
}

// BackgroundWorker is a deployed worker version. Development environments
// register one per dev session; deployed environments promote one at a time.
type BackgroundWorker struct {
	ID            string    `json:"id"`
	FriendlyID    string    `json:"friendly_id"`
	EnvironmentID string    `json:"environment_id"`
	Version       string    `json:"version"`
	Image         string    `json:"image,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Task is a task definition belonging to a worker version.
type Task struct {
	WorkerID      string          `json:"worker_id"`
	Slug          string          `json:"slug"`
	Queue         string          `json:"queue"`
	MachineConfig json.RawMessage `json:"machine_config,omitempty"`
	RetryConfig   *RetryConfig    `json:"retry,omitempty"`
}

// RetryConfig controls attempt limits and backoff for failed attempts.
type RetryConfig struct {
	MaxAttempts    int     `json:"maxAttempts,omitempty"`
	Factor         float64 `json:"factor,omitempty"`
	MinTimeoutInMs int     `json:"minTimeoutInMs,omitempty"`
	MaxTimeoutInMs int     `json:"maxTimeoutInMs,omitempty"`
	Randomize      bool    `json:"randomize,omitempty"`
}

// DefaultQueueName is the queue a task uses when it declares none.
func DefaultQueueName(taskIdentifier string) string {
	return "task/" + taskIdentifier
}
