package auth_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/teerpro/result-engine/internal/auth"
)

const secret = "test-secret"

func sign(t *testing.T, key string, c auth.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(key))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func userClaims(id, role string, ttl time.Duration) auth.Claims {
	return auth.Claims{
		UserID: id,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
}

func TestVerify(t *testing.T) {
	v := auth.NewVerifier(secret)

	claims, err := v.Verify(sign(t, secret, userClaims("user1", "", time.Hour)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.User() != "user1" {
		t.Errorf("expected user1, got %q", claims.User())
	}

	subOnly := auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user2"}}
	claims, err = v.Verify(sign(t, secret, subOnly))
	if err != nil || claims.User() != "user2" {
		t.Errorf("expected sub fallback, got %v err=%v", claims, err)
	}
}

func TestVerify_Rejections(t *testing.T) {
	v := auth.NewVerifier(secret)
	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"missing", "", auth.ErrMissingToken},
		{"garbage", "not-a-token", auth.ErrInvalidToken},
		{"wrong key", sign(t, "other", userClaims("user1", "", time.Hour)), auth.ErrInvalidToken},
		{"expired", sign(t, secret, userClaims("user1", "", -time.Hour)), auth.ErrExpiredToken},
		{"no subject", sign(t, secret, userClaims("", "", time.Hour)), auth.ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	v := auth.NewVerifier(secret)
	var seen string
	h := v.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, _ := auth.FromContext(r.Context())
		seen = c.User()
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"user token", "Bearer " + sign(t, secret, userClaims("user1", "", time.Hour)), http.StatusForbidden},
		{"admin token", "Bearer " + sign(t, secret, userClaims("ops", auth.RoleAdmin, time.Hour)), http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/admin", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
	if seen != "ops" {
		t.Errorf("expected admin claims in context, got %q", seen)
	}
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "bearer abc")
	if got := auth.BearerToken(req); got != "abc" {
		t.Errorf("expected abc, got %q", got)
	}
	req.Header.Set("Authorization", "Basic abc")
	if got := auth.BearerToken(req); got != "" {
		t.Errorf("expected empty token, got %q", got)
	}
}
