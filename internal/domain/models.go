// Package domain defines the persistence models for scheduled notification
// jobs and the reminder records they are validated against. These types are
// mapped with GORM and form the core data layer of the delivery pipeline.
package domain

import "time"

// JobStatus is the lifecycle state of a notification job. A job starts
// pending, is claimed by exactly one worker (in_flight), and ends in exactly
// one terminal state.
type JobStatus string

const (
	// JobPending means the job is waiting in the queue (possibly delayed).
	JobPending JobStatus = "pending"
	// JobInFlight means a worker has claimed the job and is processing it.
	JobInFlight JobStatus = "in_flight"
	// JobDelivered means the transport accepted the message.
	JobDelivered JobStatus = "delivered"
	// JobFailed means all attempts were exhausted (or the failure was
	// terminal); the row stays visible for operator review.
	JobFailed JobStatus = "failed"
	// JobSkipped means the business record no longer warranted sending when
	// the worker re-validated it. Logged distinctly from delivery and failure.
	JobSkipped JobStatus = "skipped"
)

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobDelivered, JobFailed, JobSkipped:
		return true
	}
	return false
}

// Job represents one scheduled unit of notification work. Its ID is the
// deterministic hash of (recipient key, scheduled time), so re-enqueueing the
// same logical reminder collapses to one row.
//
// Fields:
//   - ID: deterministic hex digest primary key (see JobID).
//   - RecipientKey: opaque identifier of the recipient (masked in logs).
//   - Payload: opaque message body handed to the transport; capped at
//     enqueue time, never truncated.
//   - ScheduledAt: the instant the message should go out.
//   - Status / Attempts / MaxAttempts: retry bookkeeping.
//   - LastError: most recent failure reason, for the status API.
//   - TransportMessageID: gateway-assigned id, set on delivery.
type Job struct {
	ID                 string    `json:"id"                   gorm:"type:char(64);primaryKey"`
	RecipientKey       string    `json:"recipient_key"        gorm:"type:varchar(128);not null;index:idx_recipient_jobs"`
	Payload            []byte    `json:"-"                    gorm:"type:blob;not null"`
	ScheduledAt        time.Time `json:"scheduled_at"         gorm:"not null;index"`
	Status             JobStatus `json:"status"               gorm:"type:varchar(16);not null;default:'pending';index:idx_job_status"`
	Attempts           int       `json:"attempts"             gorm:"not null;default:0"`
	MaxAttempts        int       `json:"max_attempts"         gorm:"not null"`
	LastError          string    `json:"last_error,omitempty" gorm:"type:text"`
	TransportMessageID string    `json:"transport_message_id,omitempty" gorm:"type:varchar(128)"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// TableName returns the database table name for Job.
func (Job) TableName() string { return "jobs" }

// Reminder is the business record a job was scheduled for. Workers re-fetch
// it just before sending: a job enqueued hours ago may be stale by the time
// it runs (recipient already responded, reminder cancelled).
//
// The pipeline only reads reminders; the surrounding application owns them.
type Reminder struct {
	ID           string     `json:"id"            gorm:"type:char(36);primaryKey"`
	RecipientKey string     `json:"recipient_key" gorm:"type:varchar(128);not null;uniqueIndex:ux_reminder_recipient_due,priority:1"`
	DueAt        time.Time  `json:"due_at"        gorm:"not null;uniqueIndex:ux_reminder_recipient_due,priority:2"`
	Destination  string     `json:"destination"   gorm:"type:varchar(255);not null"`
	Active       bool       `json:"active"        gorm:"not null;default:true"`
	RespondedAt  *time.Time `json:"responded_at,omitempty"`
	CanceledAt   *time.Time `json:"canceled_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Reminder.
func (Reminder) TableName() string { return "reminders" }

// Sendable reports whether the reminder still warrants a notification.
func (r *Reminder) Sendable() bool {
	return r != nil && r.Active && r.RespondedAt == nil && r.CanceledAt == nil
}
