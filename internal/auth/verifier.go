// Package auth provides the token verification capability consumed during
// connection admission.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ErrInvalidToken is returned for any token that fails verification. The
// admission pipeline treats all verification failures uniformly as
// unauthorized.
var ErrInvalidToken = errors.New("invalid token")

// JWTVerifier validates HMAC-signed JWTs and extracts the user id from the
// subject claim.
type JWTVerifier struct {
	secret []byte
	issuer string
	logger *zap.Logger
}

// NewJWTVerifier creates a verifier for tokens signed with the given secret
// and issued by issuer.
func NewJWTVerifier(secret []byte, issuer string, logger *zap.Logger) *JWTVerifier {
	return &JWTVerifier{secret: secret, issuer: issuer, logger: logger}
}

// Verify checks the token's signature, issuer and expiry, returning the user
// id carried in the subject claim.
func (v *JWTVerifier) Verify(_ context.Context, token string) (string, error) {
	parsed, err := jwt.Parse(token,
		func(t *jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		v.logger.Debug("token verification failed", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("%w: missing subject claim", ErrInvalidToken)
	}
	return subject, nil
}
