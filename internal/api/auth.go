package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultActor is recorded in the audit trail when auth is disabled.
const DefaultActor = "operator"

type actorKey struct{}

// ActorFrom returns the operator name stored by the auth middleware.
func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return DefaultActor
}

// Authenticator verifies HS256 bearer tokens. Issuing tokens is left to
// whatever identity provider shares the secret.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

func (a *Authenticator) Enabled() bool { return len(a.secret) > 0 }

// Verify parses token and returns its subject.
func (a *Authenticator) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", err
	}
	if sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}

// Require rejects requests without a valid token when auth is enabled and
// stores the token subject as the request actor. Browsers cannot set
// headers on a websocket handshake, so ?access_token= is accepted too.
func (a *Authenticator) Require(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next(rw, r)
			return
		}
		token := bearerToken(r)
		if token == "" {
			rw.Header().Set("WWW-Authenticate", `Bearer realm="replyguard"`)
			writeErrorMsg(rw, http.StatusUnauthorized, "missing bearer token")
			return
		}
		sub, err := a.Verify(token)
		if err != nil {
			rw.Header().Set("WWW-Authenticate", `Bearer realm="replyguard", error="invalid_token"`)
			writeErrorMsg(rw, http.StatusUnauthorized, "invalid token")
			return
		}
		next(rw, r.WithContext(context.WithValue(r.Context(), actorKey{}, sub)))
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("access_token")
}
