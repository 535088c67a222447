// Package auth verifies caller credentials for Nagare.
//
// Nagare never issues credentials; session issuance is an external system.
// Two credential forms are accepted: Ed25519-signed JWTs validated against a
// configured public key, and managed API keys checked against Argon2id
// digests. Both resolve to an Identity used for quota and rate-limit keys.
package auth

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the verified caller identity attached to request contexts.
type Identity struct {
	UserID string

	// DailyQuota overrides the configured default when positive.
	// Carried by JWT claims for plans with raised limits.
	DailyQuota int64

	// Method records how the identity was established: "jwt", "api-key",
	// or "dev" when auth is disabled.
	Method string
}

// Claims are the JWT claims Nagare accepts.
type Claims struct {
	jwt.RegisteredClaims
	UserID     string `json:"user_id"`
	DailyQuota int64  `json:"daily_quota,omitempty"`
}

// Verifier validates bearer tokens against an Ed25519 public key.
type Verifier struct {
	publicKey ed25519.PublicKey
}

// NewVerifier loads an Ed25519 public key from a PEM file.
func NewVerifier(publicKeyPath string) (*Verifier, error) {
	pubPEM, err := os.ReadFile(publicKeyPath) //nolint:gosec // path comes from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read public key: %w", err)
	}
	block, _ := pem.Decode(pubPEM)
	if block == nil {
		return nil, fmt.Errorf("auth: decode public key PEM")
	}
	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	edPub, ok := pubKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is not Ed25519")
	}
	return &Verifier{publicKey: edPub}, nil
}

// NewVerifierFromKey wraps an in-memory public key. Used by tests and
// embedders that manage key material themselves.
func NewVerifierFromKey(pub ed25519.PublicKey) *Verifier {
	return &Verifier{publicKey: pub}
}

// VerifyToken parses and validates a JWT, returning the caller identity.
func (v *Verifier) VerifyToken(tokenStr string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return v.publicKey, nil
		},
		jwt.WithAudience("nagare"),
		jwt.WithIssuer("nagare"),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("auth: token missing user_id claim")
	}
	if claims.DailyQuota < 0 {
		return nil, fmt.Errorf("auth: token daily_quota must not be negative")
	}

	return &Identity{
		UserID:     claims.UserID,
		DailyQuota: claims.DailyQuota,
		Method:     "jwt",
	}, nil
}
