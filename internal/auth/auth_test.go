package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wispchat/wisp/internal/config"
	"github.com/wispchat/wisp/internal/store"
)

func newTestAuthService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.AuthConfig{
		JWTSecret: "test-secret-at-least-32-chars-long",
		JWTExpiry: config.Duration{Duration: 1 * time.Hour},
	}

	svc := NewService(s, cfg)
	return svc, s
}

func TestBootstrap(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.AuthConfig{
		JWTSecret: "test-secret-at-least-32-chars-long",
		JWTExpiry: config.Duration{Duration: 1 * time.Hour},
		InitialAdmin: &config.InitialAdmin{
			Username: "admin",
			Password: "admin-password",
		},
	}
	svc := NewService(s, cfg)
	ctx := context.Background()

	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	user, err := s.GetUserByUsername(ctx, "admin")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if user == nil {
		t.Fatal("admin user not created")
	}
	if user.Role != "admin" {
		t.Errorf("Role: got %q, want %q", user.Role, "admin")
	}

	// Second bootstrap should be idempotent.
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap (idempotent): %v", err)
	}
	again, err := s.GetUserByUsername(ctx, "admin")
	if err != nil || again == nil {
		t.Fatalf("GetUserByUsername after second bootstrap: %v, %v", again, err)
	}
	if again.ID != user.ID {
		t.Error("second bootstrap replaced the admin user")
	}
}

func TestLoginAndValidate(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice", "secret123", "user"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	token, err := svc.Login(ctx, "alice", "secret123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if token == "" {
		t.Fatal("empty token")
	}

	id, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if id.Username != "alice" || id.Role != "user" {
		t.Errorf("identity = %+v", id)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "bob", "correct-password", ""); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := svc.Login(ctx, "bob", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login with wrong password: %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Login(ctx, "nobody", "x"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login unknown user: %v, want ErrInvalidCredentials", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "carol", "pw1", ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.Register(ctx, "carol", "pw2", ""); !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate register: %v, want ErrUserExists", err)
	}
}

func TestRegisterDefaultsRole(t *testing.T) {
	svc, _ := newTestAuthService(t)

	u, err := svc.Register(context.Background(), "dave", "pw", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.Role != "user" {
		t.Errorf("Role = %q, want %q", u.Role, "user")
	}
}

func TestTokenForUser(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, "scanner", "pw", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	token, err := svc.TokenForUser(u)
	if err != nil {
		t.Fatalf("TokenForUser: %v", err)
	}
	id, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if id.UserID != u.ID {
		t.Errorf("UserID = %q, want %q", id.UserID, u.ID)
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	svc, _ := newTestAuthService(t)

	for _, tok := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := svc.ValidateToken(context.Background(), tok); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("ValidateToken(%q) = %v, want ErrUnauthorized", tok, err)
		}
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	svc, s := newTestAuthService(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, "eve-target", "pw", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	other := NewService(s, config.AuthConfig{
		JWTSecret: "a-different-secret-also-32-chars!!",
		JWTExpiry: config.Duration{Duration: time.Hour},
	})
	forged, err := other.TokenForUser(u)
	if err != nil {
		t.Fatalf("TokenForUser: %v", err)
	}

	if _, err := svc.ValidateToken(ctx, forged); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("ValidateToken(forged) = %v, want ErrUnauthorized", err)
	}
}

func TestFactoryUnknownProvider(t *testing.T) {
	_, err := NewProvider(config.AuthConfig{Provider: "saml"}, nil)
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
