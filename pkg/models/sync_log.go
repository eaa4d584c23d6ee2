package models

import "time"

// SyncStatus is the lifecycle state of a sync run
type SyncStatus string

const (
	SyncStatusPending    SyncStatus = "pending"
	SyncStatusRunning    SyncStatus = "running"
	SyncStatusProcessing SyncStatus = "processing"
	SyncStatusCompleted  SyncStatus = "completed"
	SyncStatusFailed     SyncStatus = "failed"
)

// ActiveStatuses are the statuses of a run that still holds the sync slot
var ActiveStatuses = []SyncStatus{SyncStatusPending, SyncStatusRunning, SyncStatusProcessing}

// IsActive reports whether s is pending, running or processing
func (s SyncStatus) IsActive() bool {
	switch s {
	case SyncStatusPending, SyncStatusRunning, SyncStatusProcessing:
		return true
	}
	return false
}

// IsTerminal reports whether s is completed or failed
func (s SyncStatus) IsTerminal() bool {
	return s == SyncStatusCompleted || s == SyncStatusFailed
}

// CanTransitionTo encodes PENDING → RUNNING → PROCESSING → {COMPLETED | FAILED},
// with FAILED reachable from any active state
func (s SyncStatus) CanTransitionTo(next SyncStatus) bool {
	if next == SyncStatusFailed {
		return s.IsActive()
	}
	switch s {
	case SyncStatusPending:
		return next == SyncStatusRunning
	case SyncStatusRunning:
		return next == SyncStatusProcessing
	case SyncStatusProcessing:
		return next == SyncStatusCompleted
	}
	return false
}

// Valid reports whether s is a known status
func (s SyncStatus) Valid() bool {
	return s.IsActive() || s.IsTerminal()
}

// SyncLog is the persisted record of one sync run
type SyncLog struct {
	ID             int64      `json:"id"`
	Status         SyncStatus `json:"status"`
	StartedAt      time.Time  `json:"startedAt"`
	FinishedAt     *time.Time `json:"finishedAt"`
	TotalProcessed int64      `json:"totalProcessed"`
	ErrorMessage   *string    `json:"errorMessage"`
	DurationMs     *int64     `json:"durationMs"`
}

// IsActive reports whether the run still holds the sync slot
func (l *SyncLog) IsActive() bool {
	return l != nil && l.Status.IsActive()
}

// SyncLogUpdate is a partial update; nil fields are left unchanged
type SyncLogUpdate struct {
	Status         *SyncStatus
	FinishedAt     *time.Time
	TotalProcessed *int64
	ErrorMessage   *string
	DurationMs     *int64
}

// Apply merges u into l
func (u SyncLogUpdate) Apply(l *SyncLog) {
	if u.Status != nil {
		l.Status = *u.Status
	}
	if u.FinishedAt != nil {
		t := *u.FinishedAt
		l.FinishedAt = &t
	}
	if u.TotalProcessed != nil {
		l.TotalProcessed = *u.TotalProcessed
	}
	if u.ErrorMessage != nil {
		m := *u.ErrorMessage
		l.ErrorMessage = &m
	}
	if u.DurationMs != nil {
		d := *u.DurationMs
		l.DurationMs = &d
	}
}

// Failed builds the update that closes a run as FAILED
func Failed(message string, finishedAt time.Time) SyncLogUpdate {
	status := SyncStatusFailed
	return SyncLogUpdate{
		Status:       &status,
		FinishedAt:   &finishedAt,
		ErrorMessage: &message,
	}
}

// Ptr returns a pointer to v
func Ptr[T any](v T) *T {
	return &v
}
