package domain

import (
	"time"

	"github.com/google/uuid"
)

type ReleaseStatus string

const (
	ReleasePending    ReleaseStatus = "PENDING"
	ReleaseInProgress ReleaseStatus = "IN_PROGRESS"
	ReleaseDone       ReleaseStatus = "RELEASED"
	ReleaseDead       ReleaseStatus = "DEAD"
)

// ReleaseTask is a release-hook call that failed and is waiting for redelivery.
type ReleaseTask struct {
	OrderID       uuid.UUID
	Status        ReleaseStatus
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
