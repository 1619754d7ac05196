// Package model defines the data structures used throughout the application.
package model

import "time"

// Provider kinds accepted by the identity layer.
const (
	ProviderGoogle    = "google"
	ProviderGitHub    = "github"
	ProviderAnonymous = "anonymous"
)

// User is the persisted profile behind an Identity.
//
// WHY Provider + ProviderID?
// The same person may sign in with Google one day and GitHub the next; those
// are two different accounts here, exactly as they would be with a hosted
// identity provider. The UNIQUE(provider, provider_id) constraint in the DB
// maps each external account to exactly one row. Guests get a random
// ProviderID and are never matched again after their cookie is gone.
type User struct {
	ID          string    `json:"id"          db:"id"`
	Provider    string    `json:"provider"    db:"provider"`
	ProviderID  string    `json:"-"           db:"provider_id"`
	DisplayName string    `json:"displayName" db:"display_name"` // may be empty (guests)
	Email       string    `json:"email"       db:"email"`
	PhotoURL    string    `json:"photoUrl"    db:"photo_url"`
	CreatedAt   time.Time `json:"createdAt"   db:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt"   db:"updated_at"`
}

// Identity returns the principal view of u.
func (u *User) Identity() *Identity {
	return &Identity{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		PhotoURL:    u.PhotoURL,
		Provider:    u.Provider,
		Anonymous:   u.Provider == ProviderAnonymous,
	}
}
