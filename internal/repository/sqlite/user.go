package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/xid"
	"github.com/sakif/classhub/internal/apperror"
	"github.com/sakif/classhub/internal/model"
	"github.com/sakif/classhub/internal/repository"
)

// compile-time check that *DB implements repository.UserRepository
var _ repository.UserRepository = (*DB)(nil)

// Upsert inserts or updates a user keyed on (provider, provider_id).
//
// An existing user keeps their internal ID and CreatedAt; the profile fields
// are refreshed in case the name or photo changed at the provider.
func (db *DB) Upsert(ctx context.Context, user *model.User) error {
	var (
		existingID string
		createdAt  int64
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, created_at FROM users WHERE provider = ? AND provider_id = ?`,
		user.Provider, user.ProviderID,
	).Scan(&existingID, &createdAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: looking up user %s/%s: %w", user.Provider, user.ProviderID, err)
	}

	ts := now()
	if existingID != "" {
		user.ID = existingID
		user.CreatedAt = fromNanos(createdAt)
		user.UpdatedAt = ts
		_, err = db.conn.ExecContext(ctx,
			`UPDATE users SET display_name = ?, email = ?, photo_url = ?, updated_at = ?
			 WHERE id = ?`,
			user.DisplayName,
			user.Email,
			user.PhotoURL,
			toNanos(user.UpdatedAt),
			user.ID,
		)
		if err != nil {
			return fmt.Errorf("sqlite: updating user %s: %w", user.ID, err)
		}
		return nil
	}

	user.ID = xid.New().String()
	user.CreatedAt = ts
	user.UpdatedAt = ts

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO users (id, provider, provider_id, display_name, email, photo_url, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID,
		user.Provider,
		user.ProviderID,
		user.DisplayName,
		user.Email,
		user.PhotoURL,
		toNanos(user.CreatedAt),
		toNanos(user.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: inserting user (%s/%s): %w", user.Provider, user.ProviderID, err)
	}

	return nil
}

// GetUserByID retrieves a user by their internal ID.
// Returns apperror.ErrNotFound if no user exists with that ID.
func (db *DB) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	var (
		u                    model.User
		createdAt, updatedAt int64
	)

	err := db.conn.QueryRowContext(ctx,
		`SELECT id, provider, provider_id, display_name, email, photo_url, created_at, updated_at
		 FROM users WHERE id = ?`,
		id,
	).Scan(
		&u.ID,
		&u.Provider,
		&u.ProviderID,
		&u.DisplayName,
		&u.Email,
		&u.PhotoURL,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", id)
		}
		return nil, fmt.Errorf("sqlite: getting user %s: %w", id, err)
	}

	u.CreatedAt = fromNanos(createdAt)
	u.UpdatedAt = fromNanos(updatedAt)
	return &u, nil
}
