package store

import (
	"fmt"

	"github.com/pavelanni/mathtrainer/internal/model"
)

// ExportUserAttempts returns an existing user and the full attempt history,
// newest first. Unlike GetOrCreateUser it never creates the user; the user is
// nil when the username is unknown.
func (s *Store) ExportUserAttempts(username string) (*model.User, []model.Attempt, error) {
	user, err := s.GetUserByUsername(username)
	if err != nil {
		return nil, nil, fmt.Errorf("get user %q: %w", username, err)
	}
	if user == nil {
		return nil, nil, nil
	}
	attempts, err := s.GetAttempts(user.ID, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("get attempts of %q: %w", username, err)
	}
	return user, attempts, nil
}
