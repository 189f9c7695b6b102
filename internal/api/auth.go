package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey struct{}

// Claims is the expected bearer token payload. The user id is read from the
// standard subject, or from userId for tokens issued by older services.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

var errUnauthorized = errors.New("api: authentication required")

// userID returns the authenticated user stored by authenticate.
func userID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// authenticate resolves the caller and stores the user id in the request
// context.
func (s *Server) authenticate(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.resolveUser(r)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func (s *Server) resolveUser(r *http.Request) (string, error) {
	if len(s.jwtSecret) == 0 {
		if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
			return id, nil
		}
		return "", errUnauthorized
	}

	token := r.Header.Get("Authorization")
	if len(token) > 7 && strings.EqualFold(token[:7], "Bearer ") {
		token = token[7:]
	}
	if token == "" {
		// Browsers cannot set headers on a websocket handshake.
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", errUnauthorized
	}

	claims, err := s.parseToken(token)
	if err != nil {
		return "", errUnauthorized
	}
	if claims.Subject != "" {
		return claims.Subject, nil
	}
	if claims.UserID != "" {
		return claims.UserID, nil
	}
	return "", errUnauthorized
}

func (s *Server) parseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("api: invalid token")
	}
	return claims, nil
}
