package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkgport/pkgport/pkg/contracts"
)

// GetUser loads a user by id. Users are provisioned externally; the
// pipeline reads them to resolve approver/rejector identities.
func (s *Store) GetUser(ctx context.Context, id string) (*contracts.User, error) {
	row := s.queryRow(ctx, `
		SELECT id, username, email, role, created_at
		FROM users WHERE id = ?`, id)

	var u contracts.User
	var createdAt string
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Role, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

// EnsureUser inserts a user if absent. Used by seeding and tests;
// real user management lives in the administrative surface.
func (s *Store) EnsureUser(ctx context.Context, u *contracts.User) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `
		INSERT INTO users (id, username, email, role, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		u.ID, u.Username, u.Email, u.Role, fmtTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("ensure user %s: %w", u.Username, err)
	}
	return nil
}
