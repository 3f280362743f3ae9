package domain

import "time"

// ScheduledTask is the definition and bookkeeping of a recurring background job.
type ScheduledTask struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	IntervalMinutes int        `json:"interval_minutes"`
	LastRun         *time.Time `json:"last_run,omitempty"`
	NextRun         *time.Time `json:"next_run,omitempty"`
	Enabled         bool       `json:"enabled"`
	Running         bool       `json:"running"`
	RetryCount      int        `json:"retry_count"`
	MaxRetries      int        `json:"max_retries"`
	LastError       string     `json:"last_error,omitempty"`
}

// SchedulerStatus is the operations-dashboard view of the scheduler.
type SchedulerStatus struct {
	IsRunning bool            `json:"is_running"`
	Tasks     []ScheduledTask `json:"tasks"`
}
