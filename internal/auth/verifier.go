// Package auth verifies the access tokens clients present when they open a
// signaling connection.
package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/isqad/livelook-signal/internal/config"
	"github.com/isqad/livelook-signal/internal/core"
)

// tokenType is the only token type accepted by the signaling server
const tokenType = "SFU"

var (
	ErrMissingToken   = errors.New("missing token")
	ErrInvalidType    = errors.New("invalid token type")
	ErrMissingSubject = errors.New("missing subject")
	ErrMissingRole    = errors.New("missing role")
	ErrMissingExpiry  = errors.New("missing expiration")
)

// Identity is who the connection acts as
type Identity struct {
	UserID string
	Role   core.Role
}

type Verifier interface {
	Verify(token string) (Identity, error)
}

type Claims struct {
	Type string `json:"type"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier checks RS256 tokens against a single public key
type JWTVerifier struct {
	key      *rsa.PublicKey
	issuer   string
	audience string
}

func NewJWTVerifier(key *rsa.PublicKey, issuer, audience string) *JWTVerifier {
	return &JWTVerifier{
		key:      key,
		issuer:   issuer,
		audience: audience,
	}
}

// NewVerifier builds the verifier described by conf
func NewVerifier(conf config.AuthConfig) (Verifier, error) {
	if conf.Disabled {
		return StaticVerifier{Identity: Identity{
			UserID: conf.DevSubject,
			Role:   core.ParseRole(conf.DevRole),
		}}, nil
	}

	pem, err := publicKeyPEM(conf)
	if err != nil {
		return nil, err
	}

	key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	return NewJWTVerifier(key, conf.Issuer, conf.Audience), nil
}

func publicKeyPEM(conf config.AuthConfig) ([]byte, error) {
	if conf.PublicKey != "" {
		// keys passed through env usually carry escaped newlines
		return []byte(strings.ReplaceAll(conf.PublicKey, `\n`, "\n")), nil
	}

	b, err := os.ReadFile(conf.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return b, nil
}

func (v *JWTVerifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return v.key, nil
	})
	if err != nil {
		return Identity{}, err
	}

	// tokens are time bound, Valid only checks exp when it's present
	if claims.ExpiresAt == nil {
		return Identity{}, ErrMissingExpiry
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return Identity{}, fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	if v.audience != "" && !claims.VerifyAudience(v.audience, true) {
		return Identity{}, fmt.Errorf("unexpected audience %v", claims.Audience)
	}
	if claims.Type != tokenType {
		return Identity{}, ErrInvalidType
	}
	if claims.Subject == "" {
		return Identity{}, ErrMissingSubject
	}
	if claims.Role == "" {
		return Identity{}, ErrMissingRole
	}

	return Identity{UserID: claims.Subject, Role: core.ParseRole(claims.Role)}, nil
}

// StaticVerifier accepts any connection as the same identity. Development only.
type StaticVerifier struct {
	Identity Identity
}

func (v StaticVerifier) Verify(string) (Identity, error) {
	return v.Identity, nil
}
