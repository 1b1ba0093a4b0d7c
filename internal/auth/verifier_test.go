package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-signal/internal/config"
	"github.com/isqad/livelook-signal/internal/core"
)

func newKey(t *testing.T) *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func sign(t *testing.T, key *rsa.PrivateKey, claims Claims) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func validClaims() Claims {
	return Claims{
		Type: "SFU",
		Role: "broadcaster",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "livelook",
			Audience:  jwt.ClaimStrings{"signal"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestJWTVerifier(t *testing.T) {
	key := newKey(t)
	v := NewJWTVerifier(&key.PublicKey, "livelook", "signal")

	t.Run("valid token", func(t *testing.T) {
		id, err := v.Verify(sign(t, key, validClaims()))
		require.NoError(t, err)
		assert.Equal(t, Identity{UserID: "user-1", Role: core.RoleBroadcaster}, id)
	})

	t.Run("missing token", func(t *testing.T) {
		_, err := v.Verify("")
		assert.ErrorIs(t, err, ErrMissingToken)
	})

	t.Run("wrong type", func(t *testing.T) {
		c := validClaims()
		c.Type = "API"
		_, err := v.Verify(sign(t, key, c))
		assert.ErrorIs(t, err, ErrInvalidType)
	})

	t.Run("missing subject", func(t *testing.T) {
		c := validClaims()
		c.Subject = ""
		_, err := v.Verify(sign(t, key, c))
		assert.ErrorIs(t, err, ErrMissingSubject)
	})

	t.Run("missing role", func(t *testing.T) {
		c := validClaims()
		c.Role = ""
		_, err := v.Verify(sign(t, key, c))
		assert.ErrorIs(t, err, ErrMissingRole)
	})

	t.Run("expired", func(t *testing.T) {
		c := validClaims()
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		_, err := v.Verify(sign(t, key, c))
		assert.NotNil(t, err)
	})

	t.Run("without expiration", func(t *testing.T) {
		c := validClaims()
		c.ExpiresAt = nil
		_, err := v.Verify(sign(t, key, c))
		assert.ErrorIs(t, err, ErrMissingExpiry)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		c := validClaims()
		c.Issuer = "someone-else"
		_, err := v.Verify(sign(t, key, c))
		assert.NotNil(t, err)
	})

	t.Run("wrong audience", func(t *testing.T) {
		c := validClaims()
		c.Audience = jwt.ClaimStrings{"api"}
		_, err := v.Verify(sign(t, key, c))
		assert.NotNil(t, err)
	})

	t.Run("signed by another key", func(t *testing.T) {
		_, err := v.Verify(sign(t, newKey(t), validClaims()))
		assert.NotNil(t, err)
	})

	t.Run("hmac token", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims()).SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = v.Verify(token)
		assert.NotNil(t, err)
	})
}

func TestNewVerifier(t *testing.T) {
	key := newKey(t)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	t.Run("key from path", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "public.pem")
		require.NoError(t, os.WriteFile(path, pemBytes, 0o600))

		v, err := NewVerifier(config.AuthConfig{PublicKeyPath: path})
		require.NoError(t, err)

		c := validClaims()
		id, err := v.Verify(sign(t, key, c))
		require.NoError(t, err)
		assert.Equal(t, "user-1", id.UserID)
	})

	t.Run("inline key with escaped newlines", func(t *testing.T) {
		inline := ""
		for _, b := range pemBytes {
			if b == '\n' {
				inline += `\n`
				continue
			}
			inline += string(b)
		}

		v, err := NewVerifier(config.AuthConfig{PublicKey: inline})
		require.NoError(t, err)
		_, err = v.Verify(sign(t, key, validClaims()))
		assert.NoError(t, err)
	})

	t.Run("missing key file", func(t *testing.T) {
		_, err := NewVerifier(config.AuthConfig{PublicKeyPath: filepath.Join(t.TempDir(), "nope.pem")})
		assert.NotNil(t, err)
	})

	t.Run("disabled", func(t *testing.T) {
		v, err := NewVerifier(config.AuthConfig{Disabled: true, DevSubject: "local-tester", DevRole: "HOST"})
		require.NoError(t, err)

		id, err := v.Verify("")
		require.NoError(t, err)
		assert.Equal(t, Identity{UserID: "local-tester", Role: core.RoleHost}, id)
	})
}
