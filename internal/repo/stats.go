// Package repo implements the data persistence layer for the pipeline,
// backed by GORM. This file provides the aggregate queries behind the queue
// health API. Each function is context-aware and safe to call from services
// or handlers.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-notify-pipeline/internal/domain"
)

// StatusCounts aggregates job rows per lifecycle state for monitoring
// dashboards. Waiting maps to pending, Active to in_flight.
type StatusCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
}

// JobStats returns the number of jobs in each lifecycle state with a single
// grouped query.
func JobStats(ctx context.Context, db *gorm.DB) (StatusCounts, error) {
	var rows []struct {
		Status domain.JobStatus
		N      int64
	}
	err := db.WithContext(ctx).Model(&domain.Job{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return StatusCounts{}, err
	}

	var out StatusCounts
	for _, r := range rows {
		switch r.Status {
		case domain.JobPending:
			out.Waiting = r.N
		case domain.JobInFlight:
			out.Active = r.N
		case domain.JobDelivered:
			out.Completed = r.N
		case domain.JobFailed:
			out.Failed = r.N
		case domain.JobSkipped:
			out.Skipped = r.N
		}
	}
	return out, nil
}
