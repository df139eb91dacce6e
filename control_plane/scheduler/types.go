package scheduler

import (
	"context"
	"time"
)

// Mode defines whether the scheduler fires its jobs.
type Mode string

const (
	ModeActive   Mode = "ACTIVE"
	ModeStandby  Mode = "STANDBY"  // Another replica holds leadership
	ModeDraining Mode = "DRAINING" // Shutting down, finish in-flight runs only
)

// Job is a periodic task. Run must honour ctx cancellation.
type Job struct {
	Name     string
	Interval time.Duration
	// Timeout bounds a single run. Zero means Interval.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// JobStatus exposes a job's recent history for the dashboard.
type JobStatus struct {
	Name         string     `json:"name"`
	Interval     string     `json:"interval"`
	Running      bool       `json:"running"`
	Runs         int64      `json:"runs"`
	Failures     int64      `json:"failures"`
	Skipped      int64      `json:"skipped"`
	LastStart    *time.Time `json:"last_start,omitempty"`
	LastDuration string     `json:"last_duration,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// Snapshot is the scheduler state returned by Scheduler.Snapshot.
type Snapshot struct {
	Mode Mode        `json:"mode"`
	Jobs []JobStatus `json:"jobs"`
}
