package models

import "time"

// User represents an application account stored in the users table.
// CoupleID is set exactly once, when pairing succeeds.
type User struct {
	ID              string     `db:"id" json:"id"`
	Email           string     `db:"email" json:"email"`
	PasswordHash    string     `db:"password_hash" json:"-"`
	DisplayName     string     `db:"display_name" json:"display_name"`
	CoupleID        *string    `db:"couple_id" json:"couple_id,omitempty"`
	AnniversaryDate *time.Time `db:"anniversary_date" json:"anniversary_date,omitempty"`
	Active          bool       `db:"active" json:"active"`
	LastLogin       *time.Time `db:"last_login" json:"last_login,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// UpdateProfileRequest carries mutable profile fields.
type UpdateProfileRequest struct {
	DisplayName     *string    `json:"display_name" validate:"omitempty,min=1,max=60"`
	AnniversaryDate *time.Time `json:"anniversary_date"`
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
