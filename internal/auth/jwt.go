// Package auth supplies the token-verification hook the registry invokes
// before accepting an upgrade. Authorization policy beyond "who is this"
// stays with the hosting application.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/adred-codev/roomcast/internal/hub"
)

// Claims is the expected token shape: standard registered claims plus an
// optional display name.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// NewJWTVerifier returns an AuthVerifier validating HMAC-signed tokens
// carried in the "token" query parameter or an Authorization bearer
// header. The subject claim becomes the authenticated user ID.
func NewJWTVerifier(secret string) hub.AuthVerifier {
	key := []byte(secret)

	return func(r *http.Request) (*hub.User, error) {
		tokenString := extractToken(r)
		if tokenString == "" {
			return nil, fmt.Errorf("missing token")
		}

		token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return key, nil
		})
		if err != nil {
			return nil, fmt.Errorf("parse token: %w", err)
		}
		if !token.Valid {
			return nil, fmt.Errorf("invalid token")
		}

		claims, ok := token.Claims.(*Claims)
		if !ok || claims.Subject == "" {
			return nil, fmt.Errorf("token missing sub claim")
		}

		return &hub.User{ID: claims.Subject, Name: claims.Name}, nil
	}
}

func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return ""
}
