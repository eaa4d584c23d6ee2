package models

import "time"

// User is a stored user row
type User struct {
	ID              int64      `json:"id"`
	LegacyID        *int64     `json:"legacyId,omitempty"`
	UserName        string     `json:"userName"`
	Email           string     `json:"email"`
	LegacyCreatedAt *time.Time `json:"legacyCreatedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	Deleted         bool       `json:"deleted"`
	DeletedAt       *time.Time `json:"deletedAt,omitempty"`
}

// UpsertUser is one row of a bulk upsert keyed by UserName
type UpsertUser struct {
	LegacyID        *int64
	UserName        string
	Email           string
	LegacyCreatedAt time.Time
	Deleted         bool
}

// DeletedAt returns the soft-delete timestamp implied by the row
func (u UpsertUser) DeletedAt(now time.Time) *time.Time {
	if !u.Deleted {
		return nil
	}
	return &now
}

// UpsertFields is the number of bound parameters per upsert row
const UpsertFields = 8

// UserPatch holds the mutable fields of an update; nil fields are left as is
type UserPatch struct {
	UserName *string
	Email    *string
}

// Page is a paginated result
type Page[T any] struct {
	Items      []T   `json:"data"`
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	TotalPages int   `json:"totalPages"`
}

// NewPage computes TotalPages for a page of items
func NewPage[T any](items []T, total int64, page, limit int) Page[T] {
	pages := 0
	if limit > 0 {
		pages = int((total + int64(limit) - 1) / int64(limit))
	}
	if items == nil {
		items = []T{}
	}
	return Page[T]{Items: items, Total: total, Page: page, Limit: limit, TotalPages: pages}
}

// ExportFilter bounds a CSV export by createdAt
type ExportFilter struct {
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}
