package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var secret = strings.Repeat("x", 32)

func newService(t *testing.T) *Service {
	t.Helper()
	s, err := NewService(secret, "admin", "hunter22", time.Hour)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return s
}

func TestNewService_Validation(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		user   string
		pass   string
	}{
		{name: "short secret", secret: "short", user: "admin", pass: "pw"},
		{name: "no user", secret: secret, pass: "pw"},
		{name: "no password", secret: secret, user: "admin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewService(tt.secret, tt.user, tt.pass, time.Hour); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestLoginAndValidate(t *testing.T) {
	s := newService(t)

	resp, err := s.Login("admin", "hunter22")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if resp.Token == "" || !resp.ExpiresAt.After(time.Now()) {
		t.Fatalf("unexpected response %+v", resp)
	}

	claims, err := s.ValidateToken(resp.Token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.Username != "admin" || claims.Issuer != "agentprov" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestLogin_Rejects(t *testing.T) {
	s := newService(t)
	for _, c := range [][2]string{{"admin", "wrong"}, {"root", "hunter22"}, {"", ""}} {
		if _, err := s.Login(c[0], c[1]); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("Login(%q, %q) error = %v, want ErrInvalidCredentials", c[0], c[1], err)
		}
	}
}

func TestValidateToken_Rejects(t *testing.T) {
	s := newService(t)

	other, _ := NewService(strings.Repeat("y", 32), "admin", "hunter22", time.Hour)
	foreign, _ := other.Login("admin", "hunter22")

	expired := newService(t)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, _ := expired.Login("admin", "hunter22")

	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{Username: "admin"}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := map[string]string{
		"garbage":      "not-a-token",
		"wrong secret": foreign.Token,
		"expired":      old.Token,
		"unsigned":     none,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := s.ValidateToken(token); err == nil {
				t.Error("expected validation to fail")
			}
		})
	}
}
