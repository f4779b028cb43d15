package models

import "time"

// User is a local account. Email is the login identifier.
type User struct {
	ID               int64      `json:"id"`
	Username         string     `json:"username"`
	Email            string     `json:"email"`
	PasswordHash     string     `json:"-"`
	IsActive         bool       `json:"is_active"`
	TrialStart       *time.Time `json:"trial_start,omitempty"`
	TrialEnd         *time.Time `json:"trial_end,omitempty"`
	About            *string    `json:"about,omitempty"`
	Details          *string    `json:"details,omitempty"`
	ProfilePicture   *string    `json:"profile_picture,omitempty"`
	ResetCode        *string    `json:"-"`
	ResetCodeCreated *time.Time `json:"-"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// ProfileUpdate carries the optional fields accepted by the profile endpoints.
// Nil fields are left unchanged.
type ProfileUpdate struct {
	Username       *string
	About          *string
	Details        *string
	ProfilePicture *string
}
