package auth

import (
	"crypto/ed25519"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifier validates the Ed25519-signed JWTs the handshake variant
// accepts in place of a password.
type TokenVerifier struct {
	key    ed25519.PublicKey
	parser *jwt.Parser
}

// NewTokenVerifier parses a PEM-encoded Ed25519 public key and returns a
// verifier bound to it.
func NewTokenVerifier(publicKeyPEM []byte) (*TokenVerifier, error) {
	key, err := jwt.ParseEdPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing JWT public key: %w", err)
	}
	edKey, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("JWT public key is %T, want ed25519", key)
	}
	return &TokenVerifier{
		key:    edKey,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()})),
	}, nil
}

// Verify checks the token's signature and requires its sub claim to equal
// the database user the client claimed in its StartupMessage.
func (v *TokenVerifier) Verify(token, claimedUser string) error {
	claims := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}); err != nil {
		return fmt.Errorf("verifying token: %w", err)
	}

	sub, err := claims.GetSubject()
	if err != nil {
		return fmt.Errorf("reading token subject: %w", err)
	}
	if sub != claimedUser {
		return fmt.Errorf("token subject %q does not match claimed user %q", sub, claimedUser)
	}
	return nil
}
