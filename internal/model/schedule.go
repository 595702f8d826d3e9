package model

import "time"

// ScheduleInstance is one cron schedule of a task in an environment.
type ScheduleInstance struct {
	ID             string     `json:"id"`
	FriendlyID     string     `json:"friendly_id"`
	TaskIdentifier string     `json:"task_identifier"`
	EnvironmentID  string     `json:"environment_id"`
	ProjectID      string     `json:"project_id"`
	Cron           string     `json:"cron"`
	Timezone       string     `json:"timezone,omitempty"`
	Active         bool       `json:"active"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
