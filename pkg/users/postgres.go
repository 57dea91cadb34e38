package users

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/quantipackai/quantipack/pkg/entitlements"
)

// loginRefreshTTL bounds how often a returning user's profile and login
// timestamp are written back.
const loginRefreshTTL = time.Hour

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db     *sql.DB
	seeder Seeder
	trial  TrialAllotment
	cache  *lru.LRU[string, *User]
	now    func() time.Time
}

// NewPostgresStore creates a new PostgresStore caching up to cacheSize users
func NewPostgresStore(db *sql.DB, seeder Seeder, trial TrialAllotment, cacheSize int) *PostgresStore {
	if cacheSize < 1 {
		cacheSize = 1024
	}
	return &PostgresStore{
		db:     db,
		seeder: seeder,
		trial:  trial,
		cache:  lru.NewLRU[string, *User](cacheSize, nil, loginRefreshTTL),
		now:    time.Now,
	}
}

const userColumns = `id, subject, email, display_name, organization_id, last_login_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	u := &User{}
	var orgID sql.NullInt64
	var lastLogin sql.NullTime
	if err := row.Scan(&u.ID, &u.Subject, &u.Email, &u.DisplayName, &orgID, &lastLogin, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	if orgID.Valid {
		id := orgID.Int64
		u.OrganizationID = &id
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return u, nil
}

// ResolveSubject returns the internal id of the user with subject
func (s *PostgresStore) ResolveSubject(ctx context.Context, subject string) (int64, error) {
	if subject == "" {
		return 0, ErrEmptySubject
	}
	if u, ok := s.cache.Get(subject); ok {
		return u.ID, nil
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE subject = $1`, subject).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve subject: %w", err)
	}
	return id, nil
}

// EnsureUser upserts the user and seeds their entitlements. Seeding runs on
// every uncached call and is idempotent, so a failed seed heals on the next
// login.
func (s *PostgresStore) EnsureUser(ctx context.Context, identity Identity) (*User, error) {
	if identity.Subject == "" {
		return nil, ErrEmptySubject
	}
	if u, ok := s.cache.Get(identity.Subject); ok {
		return u, nil
	}

	query := `
		INSERT INTO users (subject, email, display_name, last_login_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (subject) DO UPDATE
		SET email = COALESCE(NULLIF(EXCLUDED.email, ''), users.email),
		    display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), users.display_name),
		    last_login_at = NOW(),
		    updated_at = NOW()
		RETURNING ` + userColumns

	u, err := scanUser(s.db.QueryRowContext(ctx, query, identity.Subject, identity.Email, identity.DisplayName))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}

	if err := s.seeder.Seed(ctx, u.ID, s.trial.TrialTokens(), entitlements.NextReset(s.now())); err != nil {
		return nil, fmt.Errorf("failed to seed entitlements: %w", err)
	}

	s.cache.Add(identity.Subject, u)
	return u, nil
}

// GetUser retrieves a user by internal id
func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}
