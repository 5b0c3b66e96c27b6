package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/poliarc/election-management-system-sub008/internal/domain"
	"github.com/poliarc/election-management-system-sub008/internal/engine/auth"
	"github.com/poliarc/election-management-system-sub008/internal/errs"
	"github.com/poliarc/election-management-system-sub008/internal/events"
	"github.com/poliarc/election-management-system-sub008/internal/repo"
)

// CreateAPIKey issues a key for userID. The plain secret is returned once and
// only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name, actorID string) (domain.APIKey, string, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.APIKey{}, "", errs.Validation("user_id", "user is required")
	}
	if err := e.Auth.RequireUser(ctx, userID); err != nil {
		var unknown auth.UnknownCallerError
		if errors.As(err, &unknown) {
			return domain.APIKey{}, "", errs.NotFound("user", userID)
		}
		return domain.APIKey{}, "", err
	}
	secret := "ems_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, events.TypeAPIKeyCreated, "api_key", key.ID, actorID, events.EventPayload{"user_id": userID, "name": name}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}
