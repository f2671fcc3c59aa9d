package identity

import (
	"context"
	"errors"
)

// ErrInvalidToken is returned when a token maps to no known user.
var ErrInvalidToken = errors.New("invalid token")

// Verifier resolves an opaque token to a validated user identity. The
// relay core does no credential checking of its own; authentication is
// an external concern surfaced only through this interface.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Static is a fixed token table, used in tests and local development.
type Static map[string]string

func (s Static) Verify(_ context.Context, token string) (string, error) {
	userID, ok := s[token]
	if !ok || userID == "" {
		return "", ErrInvalidToken
	}
	return userID, nil
}
