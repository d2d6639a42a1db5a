package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-notify-pipeline/internal/domain"
	"github.com/tbourn/go-notify-pipeline/internal/observability"
	"github.com/tbourn/go-notify-pipeline/internal/queue"
	"github.com/tbourn/go-notify-pipeline/internal/repo"
)

// JobView is the read-model for one job, shaped for the status API.
type JobView struct {
	ID                 string     `json:"id"`
	RecipientKey       string     `json:"recipient_key"`
	Status             string     `json:"status"`
	ScheduledAt        time.Time  `json:"scheduled_at"`
	Attempts           int        `json:"attempts"`
	MaxAttempts        int        `json:"max_attempts"`
	LastError          string     `json:"last_error,omitempty"`
	TransportMessageID string     `json:"transport_message_id,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
	CreatedAt          time.Time  `json:"created_at"`
	DeliveredAt        *time.Time `json:"delivered_at,omitempty"`
}

// QueueHealth aggregates the datastore status counts with the live queue
// depths for monitoring.
type QueueHealth struct {
	Jobs   repo.StatusCounts `json:"jobs"`
	Depths queue.Depths      `json:"queue"`
}

// Status answers read-only questions about jobs and queue health.
type Status struct {
	DB    *gorm.DB
	Queue queue.Queue
}

// Get returns the current view of one job or ErrJobNotFound.
func (s *Status) Get(ctx context.Context, jobID string) (JobView, error) {
	job, err := repo.GetJob(ctx, s.DB, jobID)
	if errors.Is(err, repo.ErrNotFound) {
		return JobView{}, ErrJobNotFound
	}
	if err != nil {
		return JobView{}, fmt.Errorf("look up job: %w", err)
	}
	return toView(job), nil
}

// ListByStatus returns one page of jobs in the given state, newest first,
// with the total count for pagination.
func (s *Status) ListByStatus(ctx context.Context, status domain.JobStatus, page, pageSize int) ([]JobView, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	jobs, total, err := repo.ListJobsPage(ctx, s.DB, status, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	views := make([]JobView, len(jobs))
	for i := range jobs {
		views[i] = toView(&jobs[i])
	}
	return views, total, nil
}

// Health reports per-state job counts and the two queue depths, and refreshes
// the depth gauges as a side effect so scrapes between mover ticks stay fresh.
func (s *Status) Health(ctx context.Context) (QueueHealth, error) {
	counts, err := repo.JobStats(ctx, s.DB)
	if err != nil {
		return QueueHealth{}, fmt.Errorf("count jobs: %w", err)
	}
	depths, err := s.Queue.Depths(ctx)
	if err != nil {
		return QueueHealth{}, fmt.Errorf("read queue depths: %w", err)
	}
	observability.QueueReady.Set(float64(depths.Ready))
	observability.QueueDelayed.Set(float64(depths.Delayed))
	return QueueHealth{Jobs: counts, Depths: depths}, nil
}

func toView(job *domain.Job) JobView {
	v := JobView{
		ID:                 job.ID,
		RecipientKey:       job.RecipientKey,
		Status:             string(job.Status),
		ScheduledAt:        job.ScheduledAt,
		Attempts:           job.Attempts,
		MaxAttempts:        job.MaxAttempts,
		LastError:          job.LastError,
		TransportMessageID: job.TransportMessageID,
		UpdatedAt:          job.UpdatedAt,
		CreatedAt:          job.CreatedAt,
	}
	if job.Status == domain.JobDelivered {
		t := job.UpdatedAt
		v.DeliveredAt = &t
	}
	return v
}
