package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"devops-backend/internal/store"
)

// refreshTokens persists opaque single-use refresh tokens in _refresh_tokens.
type refreshTokens struct {
	store *store.Store
	ttl   time.Duration
}

func (r refreshTokens) issue(ctx context.Context, userID string) (string, error) {
	token := uuid.NewString()
	pb := r.store.Dialect.NewParamBuilder()
	_, err := store.Exec(ctx, r.store.DB, fmt.Sprintf(
		"INSERT INTO _refresh_tokens (id, user_id, token, expires_at) VALUES (%s, %s, %s, %s)",
		pb.Add(uuid.NewString()), pb.Add(userID), pb.Add(token), pb.Add(time.Now().Add(r.ttl).Unix())),
		pb.Params()...)
	if err != nil {
		return "", fmt.Errorf("store refresh token: %w", err)
	}
	return token, nil
}

// consume looks token up together with its owner and deletes it, so a
// token is spent even when the caller is then refused.
func (r refreshTokens) consume(ctx context.Context, token string) (map[string]any, error) {
	pb := r.store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, r.store.DB, fmt.Sprintf(`
		SELECT rt.id, rt.user_id, rt.expires_at, u.username, u.is_active
		FROM _refresh_tokens rt JOIN _users u ON u.id = rt.user_id
		WHERE rt.token = %s`, pb.Add(token)), pb.Params()...)
	if err != nil {
		return nil, err
	}
	pb = r.store.Dialect.NewParamBuilder()
	if _, err := store.Exec(ctx, r.store.DB,
		"DELETE FROM _refresh_tokens WHERE id = "+pb.Add(row["id"]), pb.Params()...); err != nil {
		return nil, err
	}
	return row, nil
}

func (r refreshTokens) revoke(ctx context.Context, token string) error {
	pb := r.store.Dialect.NewParamBuilder()
	_, err := store.Exec(ctx, r.store.DB, "DELETE FROM _refresh_tokens WHERE token = "+pb.Add(token), pb.Params()...)
	return err
}

// PurgeExpiredTokens deletes refresh tokens past their expiry.
func PurgeExpiredTokens(ctx context.Context, s *store.Store) (int64, error) {
	pb := s.Dialect.NewParamBuilder()
	n, err := store.Exec(ctx, s.DB,
		"DELETE FROM _refresh_tokens WHERE expires_at <= "+pb.Add(time.Now().Unix()), pb.Params()...)
	if err != nil {
		return 0, fmt.Errorf("purge refresh tokens: %w", err)
	}
	return n, nil
}

func epochSeconds(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
