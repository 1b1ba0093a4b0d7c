package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/isqad/livelook-signal/internal/auth"
)

type ctxKey string

const (
	// IdentityContextKey is used for extract the verified identity from request context
	IdentityContextKey ctxKey = "identity"
)

// AuthFailFunc is function that is called when authentication failed
type AuthFailFunc func(w http.ResponseWriter, r *http.Request, err error)

// AuthHandler is optional handler for mocking in tests
type AuthHandler func(next http.Handler) http.Handler

var (
	authorization = http.CanonicalHeaderKey("Authorization")

	errNoIdentity = errors.New("can't get identity from request context")
)

const bearerPrefix = "bearer "

type BearerAuth struct {
	AuthFailFunc AuthFailFunc
	StubHandler  AuthHandler
	verifier     auth.Verifier
}

func NewBearerAuth(verifier auth.Verifier) *BearerAuth {
	return &BearerAuth{
		verifier: verifier,
	}
}

// Middleware verifies the bearer token before the request reaches next
func (m *BearerAuth) Middleware() AuthHandler {
	if m.StubHandler != nil {
		return m.StubHandler
	}

	return m.defaultMiddleware()
}

func (m *BearerAuth) defaultMiddleware() AuthHandler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := m.verifier.Verify(tokenFromRequest(r))
			if err != nil {
				m.authFailed(w, r, err)
				return
			}

			ctx := context.WithValue(r.Context(), IdentityContextKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (m *BearerAuth) authFailed(w http.ResponseWriter, r *http.Request, err error) {
	if m.AuthFailFunc != nil {
		m.AuthFailFunc(w, r, err)
	} else {
		w.WriteHeader(http.StatusUnauthorized)
	}
}

// tokenFromRequest prefers the query parameter, browsers can't set headers
// on a websocket upgrade
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	header := r.Header.Get(authorization)
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(header[len(bearerPrefix):])
	}

	return ""
}

func identityFromRequest(r *http.Request) (auth.Identity, error) {
	identity, ok := r.Context().Value(IdentityContextKey).(auth.Identity)
	if !ok {
		return auth.Identity{}, errNoIdentity
	}

	return identity, nil
}
