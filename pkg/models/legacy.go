// Package models defines the records exchanged between the legacy client,
// the sync pipeline and the stores.
package models

import (
	"fmt"
	"time"
)

// LegacyRecord is one user as delivered by the legacy source
type LegacyRecord struct {
	ID        int64  `json:"id"`
	UserName  string `json:"userName"`
	Email     string `json:"email"`
	CreatedAt string `json:"createdAt"`
	Deleted   bool   `json:"deleted"`
}

// BatchJob is the payload of a sync-batch queue job
type BatchJob struct {
	SyncLogID   int64          `json:"syncLogId"`
	BatchNumber int            `json:"batchNumber"`
	Records     []LegacyRecord `json:"records"`
}

// SyncJob is the payload of a sync queue job
type SyncJob struct {
	SyncLogID int64 `json:"syncLogId"`
}

// ParseLegacyTime parses the legacy createdAt string. RFC 3339 with or
// without fractional seconds is accepted.
func ParseLegacyTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid createdAt %q: %w", s, err)
	}
	return t.UTC(), nil
}

// ToUpsert maps a legacy record to the store's upsert shape
func (r LegacyRecord) ToUpsert() (UpsertUser, error) {
	createdAt, err := ParseLegacyTime(r.CreatedAt)
	if err != nil {
		return UpsertUser{}, err
	}
	id := r.ID
	return UpsertUser{
		LegacyID:        &id,
		UserName:        r.UserName,
		Email:           r.Email,
		LegacyCreatedAt: createdAt,
		Deleted:         r.Deleted,
	}, nil
}
