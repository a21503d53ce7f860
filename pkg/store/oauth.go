package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/autopilot-sh/autopilot/pkg/models"
)

// GetOAuthToken returns the stored token for a service, or nil when none
// has been saved.
func (s *Store) GetOAuthToken(ctx context.Context, service string) (*models.OAuthToken, error) {
	var t models.OAuthToken
	var refresh, tokenType, scope, actor sql.NullString
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, expires_at, token_type, scope, actor,
		       COALESCE(updated_at, 0)
		FROM oauth_tokens WHERE service = ?`, service).
		Scan(&t.AccessToken, &refresh, &expiresAt, &tokenType, &scope, &actor, &t.UpdatedAtMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query oauth token: %w", err)
	}
	t.RefreshToken = refresh.String
	t.ExpiresAtMs = expiresAt.Int64
	t.TokenType = tokenType.String
	t.Scope = scope.String
	t.Actor = actor.String
	return &t, nil
}

// SaveOAuthToken upserts the token row for a service and stamps updated_at.
func (s *Store) SaveOAuthToken(ctx context.Context, service string, t models.OAuthToken) error {
	payload := jsonPayload(map[string]any{"service": service, "token": t})
	return s.withBusyRetry("save_oauth_token", payload, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO oauth_tokens
				(service, access_token, refresh_token, expires_at, token_type, scope, actor, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			service, t.AccessToken, nullIfEmpty(t.RefreshToken), t.ExpiresAtMs,
			nullIfEmpty(t.TokenType), nullIfEmpty(t.Scope), nullIfEmpty(t.Actor), s.nowMs())
		return err
	})
}

// DeleteOAuthToken removes the token row for a service. Deleting a service
// that has no row is a no-op.
func (s *Store) DeleteOAuthToken(ctx context.Context, service string) error {
	payload := func() string { return "service " + service }
	return s.withBusyRetry("delete_oauth_token", payload, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE service = ?`, service)
		return err
	})
}
