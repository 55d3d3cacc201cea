package models

import (
	"github.com/google/uuid"
)

// Role represents user role in the platform.
type Role string

const (
	RoleAdmin         Role = "admin"
	RoleAuthenticated Role = "authenticated"
)

// Profile is the public identity of a user as shown in an incoming-call prompt.
// It mirrors the hosted backend's profiles row; only the fields a call needs are kept.
type Profile struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	AvatarURL string    `json:"avatar_url"`
}
