package users

import (
	"context"
	"errors"
	"time"
)

// User is the internal record of an authenticated identity
type User struct {
	ID             int64      `json:"id"`
	Subject        string     `json:"subject"`
	Email          string     `json:"email"`
	DisplayName    string     `json:"display_name"`
	OrganizationID *int64     `json:"organization_id,omitempty"`
	LastLoginAt    *time.Time `json:"last_login_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Identity is what the auth provider asserts about the caller
type Identity struct {
	Subject     string
	Email       string
	DisplayName string
}

// ErrNotFound is returned when no user has the given subject or id
var ErrNotFound = errors.New("user not found")

// ErrEmptySubject is returned for identities without a subject
var ErrEmptySubject = errors.New("identity subject is required")

// Resolver maps an external identity subject to the internal user id
type Resolver interface {
	ResolveSubject(ctx context.Context, subject string) (int64, error)
}

// Store is the identity store
type Store interface {
	Resolver

	// EnsureUser creates the user on first login, refreshes the profile and
	// login time otherwise, and makes sure the user's entitlements are seeded.
	EnsureUser(ctx context.Context, identity Identity) (*User, error)

	GetUser(ctx context.Context, id int64) (*User, error)
}

// Seeder creates the initial entitlement records of a user.
// entitlements.Ledger satisfies it.
type Seeder interface {
	Seed(ctx context.Context, userID int64, trialTokens int64, resetAt time.Time) error
}

// TrialAllotment supplies the number of tokens granted to new users.
// plans.Store satisfies it.
type TrialAllotment interface {
	TrialTokens() int64
}
