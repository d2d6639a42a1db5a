// Package repo implements the data persistence layer for the pipeline,
// backed by GORM. This file reads the reminder business records that workers
// re-validate against before sending.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-notify-pipeline/internal/domain"
)

// GetReminder returns the reminder for (recipientKey, dueAt) or ErrNotFound.
// The due time matches at second granularity, mirroring how job ids are
// derived.
func GetReminder(ctx context.Context, db *gorm.DB, recipientKey string, dueAt time.Time) (*domain.Reminder, error) {
	var rem domain.Reminder
	err := db.WithContext(ctx).
		Where("recipient_key = ? AND due_at = ?", recipientKey, dueAt.UTC().Truncate(time.Second)).
		First(&rem).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rem, nil
}
