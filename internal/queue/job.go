package queue

import (
	"errors"
	"time"

	"gorm.io/datatypes"
)

// JobStatus is the lifecycle state of a stored job. Finished jobs are
// deleted, so only pending states are persisted.
type JobStatus string

const (
	StatusWaiting JobStatus = "waiting"
	StatusActive  JobStatus = "active"
)

// TaskData is the payload carried by every job.
type TaskData struct {
	PromoterID string `json:"promoterId"`
}

// Job is a unit of work waiting for, or owned by, a worker.
type Job struct {
	ID           string                       `gorm:"primaryKey;size:36" json:"id"`
	Queue        string                       `gorm:"index:idx_queue_jobs_claim,priority:1;not null" json:"queue"`
	Name         string                       `gorm:"not null" json:"name"`
	Data         datatypes.JSONType[TaskData] `json:"data"`
	PromoterID   string                       `gorm:"index;not null;default:''" json:"promoterId"`
	SchedulerKey string                       `gorm:"index" json:"schedulerKey,omitempty"`
	Status       JobStatus                    `gorm:"index:idx_queue_jobs_claim,priority:2;not null" json:"status"`
	AttemptsMade int                          `gorm:"not null;default:0" json:"attemptsMade"`
	MaxAttempts  int                          `gorm:"not null" json:"maxAttempts"`
	BackoffMs    int64                        `gorm:"not null" json:"backoffMs"`
	RunAt        time.Time                    `gorm:"index:idx_queue_jobs_claim,priority:3;not null" json:"runAt"`
	LockedAt     *time.Time                   `json:"lockedAt,omitempty"`
	LockToken    string                       `gorm:"size:36;not null;default:''" json:"-"` // set per claim; only the holder may finish the job
	LastError    string                       `json:"lastError,omitempty"`
	CreatedAt    time.Time                    `json:"createdAt"`
}

func (Job) TableName() string {
	return "queue_jobs"
}

// Task returns the decoded payload
func (j *Job) Task() TaskData {
	return j.Data.Data()
}

// JobScheduler is a persisted repeat rule that enqueues a job on every tick.
type JobScheduler struct {
	Key       string                       `gorm:"primaryKey;column:scheduler_key" json:"key"`
	Queue     string                       `gorm:"index;not null" json:"queue"`
	Pattern   string                       `json:"pattern,omitempty"`
	EveryMs   int64                        `json:"everyMs,omitempty"`
	Data      datatypes.JSONType[TaskData] `json:"data"`
	NextRunAt *time.Time                   `json:"nextRunAt,omitempty"`
	CreatedAt time.Time                    `json:"createdAt"`
	UpdatedAt time.Time                    `json:"updatedAt"`
}

func (JobScheduler) TableName() string {
	return "queue_job_schedulers"
}

// Repeat returns the rule the scheduler was stored with
func (s *JobScheduler) Repeat() Repeat {
	return Repeat{Pattern: s.Pattern, Every: time.Duration(s.EveryMs) * time.Millisecond}
}

// Repeat describes when a scheduler fires: either a cron pattern or a fixed
// interval, never both.
type Repeat struct {
	Pattern string
	Every   time.Duration
}

var ErrInvalidRepeat = errors.New("repeat requires exactly one of pattern or every")

// Validate checks that exactly one of Pattern and Every is set.
func (r Repeat) Validate() error {
	hasPattern := r.Pattern != ""
	hasEvery := r.Every > 0
	if hasPattern == hasEvery {
		return ErrInvalidRepeat
	}
	if r.Every < 0 {
		return ErrInvalidRepeat
	}
	return nil
}

// Counts summarizes the pending jobs of a queue.
type Counts struct {
	Waiting int64 `json:"waiting"`
	Delayed int64 `json:"delayed"`
	Active  int64 `json:"active"`
}
