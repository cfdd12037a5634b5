// Package auth verifies the HS256 bearer tokens issued by the account
// service. Only verification lives here; token issuance belongs to the
// identity provider.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TokenCookie is the cookie fallback checked when neither the query
// parameter nor the Authorization header carries a token.
const TokenCookie = "auth_token"

// Claims are the verified token claims the gateway acts on.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// VerifyToken validates an HS256 token against the shared secret. Tokens
// with a missing or elapsed exp, a tampered payload, or a signature that
// does not match are rejected.
func VerifyToken(tokenStr, secret string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(t *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("verify token: invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("verify token: missing sub claim")
	}
	return claims, nil
}

// ExtractToken pulls the bearer token from a request. Precedence: the
// "token" query parameter, then the Authorization header, then the
// auth_token cookie. Returns "" when no token is present.
func ExtractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	if header := r.Header.Get("Authorization"); header != "" {
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token != header && token != "" {
			return token
		}
	}

	if cookie, err := r.Cookie(TokenCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return ""
}
