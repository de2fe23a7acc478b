// auth.go — Authentication collaborator: resolves a browser socket's
// bearer token to a userId. This stands in for an external identity
// provider (e.g. Clerk) treated as out-of-scope surrounding
// infrastructure; the Relay itself never imports this package, it only
// ever trusts the userId the HTTP layer passes in.
package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var errMissingToken = errors.New("auth: missing bearer token")

// Verifier resolves an *http.Request's Authorization header to a userId.
type Verifier interface {
	UserIDFromRequest(r *http.Request) (string, error)
}

// JWTVerifier validates a bearer token as an HMAC-signed JWT and returns
// its "sub" claim as the userId, the same shape Clerk session tokens use.
type JWTVerifier struct {
	secret   []byte
	audience string
}

// NewJWTVerifier constructs a verifier checking signatures against secret
// and, if audience is non-empty, requiring it in the "aud" claim.
func NewJWTVerifier(secret []byte, audience string) *JWTVerifier {
	return &JWTVerifier{secret: secret, audience: audience}
}

// UserIDFromRequest extracts and validates the bearer token.
func (v *JWTVerifier) UserIDFromRequest(r *http.Request) (string, error) {
	raw := bearerToken(r)
	if raw == "" {
		return "", errMissingToken
	}

	opts := []jwt.ParserOption{}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	parser := jwt.NewParser(opts...)

	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("auth: unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil {
		return "", err
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", errors.New("auth: token missing sub claim")
	}
	return sub, nil
}

// InsecureAllowAll trusts an X-Debug-User-Id header verbatim. Only for
// local development; relayd selects it whenever no JWT secret is
// configured, whether or not an audience is set.
type InsecureAllowAll struct{}

// UserIDFromRequest returns the X-Debug-User-Id header, or "" if absent.
func (InsecureAllowAll) UserIDFromRequest(r *http.Request) (string, error) {
	return r.Header.Get("X-Debug-User-Id"), nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, prefix))
}
