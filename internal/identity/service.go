package identity

import (
	"context"
	"errors"
	"fmt"

	"soulchat/internal/redis"
)

const tokenKeyPrefix = "auth:token:"

// Service verifies tokens against the shared redis instance the auth
// system writes to. It only reads; issuing and revoking tokens belongs
// to the external identity provider.
type Service struct {
	cache *redis.Client
}

// NewService constructs a redis-backed verifier.
func NewService(cache *redis.Client) *Service {
	return &Service{cache: cache}
}

// Verify returns the user id the token belongs to.
func (s *Service) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	userID, err := s.cache.Get(ctx, tokenKeyPrefix+token)
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("lookup token: %w", err)
	}
	if userID == "" {
		return "", ErrInvalidToken
	}
	return userID, nil
}
