// Package session verifies the opaque session tokens carried in the "session"
// cookie and maps them to the identity of the signed-in user.
package session

import (
	"context"
	"errors"
	"time"
)

// Identity is who a session token belongs to.
type Identity struct {
	// ExpiresAt is when the token stops being valid; zero if unknown.
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
	SubjectID string    `json:"subjectId"`
	Role      string    `json:"role"`
}

// Verification errors.
var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrExpiredToken = errors.New("session token expired")
	ErrUnavailable  = errors.New("session verifier unavailable")
)

// Verifier maps a session token to an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, token string) (Identity, error)

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}
