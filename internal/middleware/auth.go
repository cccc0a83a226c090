package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type authCtxKey int

const adminKey authCtxKey = 7

const adminRole = "admin"

// Claims are carried by admin session tokens.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// SignAdminToken issues an HS256 admin token for subject.
func SignAdminToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: adminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// AdminSigner binds SignAdminToken to secret.
func AdminSigner(secret []byte) func(subject string, ttl time.Duration) (string, error) {
	return func(subject string, ttl time.Duration) (string, error) {
		return SignAdminToken(secret, subject, ttl)
	}
}

func parseAdminToken(secret []byte, tok string) (*Claims, error) {
	t, err := jwt.ParseWithClaims(tok, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if c, ok := t.Claims.(*Claims); ok && t.Valid && c.Role == adminRole {
		return c, nil
	}
	return nil, errors.New("invalid token")
}

// RequireAdmin accepts a Bearer admin token signed with secret, or HTTP Basic
// credentials whose password passes checkSecret. The Basic user name is
// ignored.
func RequireAdmin(secret []byte, checkSecret func(string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
				if c, err := parseAdminToken(secret, strings.TrimSpace(tok)); err == nil {
					next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKey, c)))
					return
				}
			} else if _, pass, ok := r.BasicAuth(); ok && checkSecret != nil && checkSecret(pass) {
				c := &Claims{Role: adminRole, RegisteredClaims: jwt.RegisteredClaims{Subject: "basic"}}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKey, c)))
				return
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		})
	}
}

// AdminFromContext returns the claims attached by RequireAdmin.
func AdminFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(adminKey).(*Claims)
	return c, ok
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}
