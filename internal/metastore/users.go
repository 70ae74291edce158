package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateUser creates a new user row.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.Role == "" {
		u.Role = "user"
	}
	if u.Status == "" {
		u.Status = "active"
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO users (id, email, role, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), u.ID, u.Email, u.Role, u.Status, u.CreatedAt, u.UpdatedAt)
	return err
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	u := &User{}
	err := s.ro.GetContext(ctx, u, s.ro.Rebind(`
		SELECT id, email, role, status, created_at, updated_at FROM users WHERE id = ?
	`), id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}
