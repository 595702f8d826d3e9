package model

import "time"

// Snapshot is an immutable record of a run's execution state at one instant.
// Every state change appends a new snapshot; exactly one per run is latest.
type Snapshot struct {
	ID                    string     `json:"id"`
	FriendlyID            string     `json:"friendly_id"`
	RunID                 string     `json:"run_id"`
	Seq                   int64      `json:"seq"`
	Status                Status     `json:"status"`
	Description           string     `json:"description"`
	AttemptNumber         int        `json:"attempt_number"`
	CheckpointID          string     `json:"checkpoint_id,omitempty"`
	WorkerID              string     `json:"worker_id,omitempty"`
	ResumeAttempt         bool       `json:"resume_attempt,omitempty"`
	CompletedWaitpointIDs []string   `json:"completed_waitpoint_ids,omitempty"`
	HeartbeatDeadline     *time.Time `json:"heartbeat_deadline,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}
