// Package auth resolves a caller to the hierarchy levels they may act for.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/poliarc/election-management-system-sub008/internal/repo"
)

// UnknownCallerError indicates an identity with no user record.
type UnknownCallerError struct {
	UserID string
}

func (e UnknownCallerError) Error() string {
	return fmt.Sprintf("unknown user %s", e.UserID)
}

// Service answers level-membership questions backed by SQL.
type Service struct {
	Repo repo.Repo
}

// CallerLevelIDs returns the node ids userID is assigned to. A known user
// without assignments gets an empty, non-nil slice.
func (s Service) CallerLevelIDs(ctx context.Context, tx *sql.Tx, userID string) ([]int64, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user_id required")
	}
	ids, err := s.Repo.LevelIDsForUser(ctx, tx, userID)
	if err != nil {
		return nil, fmt.Errorf("load levels of %s: %w", userID, err)
	}
	return ids, nil
}

// UserExists reports whether userID has been registered.
func (s Service) UserExists(ctx context.Context, userID string) (bool, error) {
	_, err := s.Repo.GetUser(ctx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// RequireUser returns UnknownCallerError for unregistered ids.
func (s Service) RequireUser(ctx context.Context, userID string) error {
	ok, err := s.UserExists(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return UnknownCallerError{UserID: userID}
	}
	return nil
}
