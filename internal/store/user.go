package store

import (
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/pavelanni/mathtrainer/internal/model"
)

// GetOrCreateUser returns the id of the user with the given username,
// creating the user on first reference.
func (s *Store) GetOrCreateUser(username string) (int64, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return 0, errors.New("username is required")
	}
	res, err := s.db.Exec(
		`INSERT INTO users (username, created_at) VALUES (?, ?) ON CONFLICT(username) DO NOTHING`,
		username, time.Now().UTC(),
	)
	if err != nil {
		slog.Error("failed to create user", "username", username, "error", err)
		return 0, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("created user", "username", username)
	}

	var id int64
	err = s.db.QueryRow(`SELECT id FROM users WHERE username = ?`, username).Scan(&id)
	return id, err
}

// GetUserByUsername returns a user by username, or nil if not found.
func (s *Store) GetUserByUsername(username string) (*model.User, error) {
	var u model.User
	err := s.db.QueryRow(
		`SELECT id, username FROM users WHERE username = ?`, strings.TrimSpace(username),
	).Scan(&u.ID, &u.Username)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns all users.
func (s *Store) ListUsers() ([]model.User, error) {
	rows, err := s.db.Query(`SELECT id, username FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Username); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UserCount returns the number of users.
func (s *Store) UserCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}
