package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testAESKey = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOP1"

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Auth:   AuthConfig{JWTSecret: "test-secret-at-least-32-chars-long!!"},
		WeChat: WeChatConfig{
			AppID:          "wx1234567890",
			Token:          "callback-token",
			EncodingAESKey: testAESKey,
		},
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wispd.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"addr": ":9090"},
		"auth": {"jwt_secret": "test-secret-at-least-32-chars-long!!", "jwt_expiry": "2h"},
		"wechat": {
			"app_id": "wx1234567890",
			"app_secret": "shh",
			"token": "callback-token",
			"encoding_aes_key": "`+testAESKey+`"
		},
		"session": {"single_device": true, "idle_timeout": "30m"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.Auth.JWTExpiry.Duration != 2*time.Hour {
		t.Errorf("jwt_expiry = %v, want 2h", cfg.Auth.JWTExpiry.Duration)
	}
	if !cfg.Session.SingleDevice {
		t.Error("expected single_device to be true")
	}
	if cfg.Session.IdleTimeout.Duration != 30*time.Minute {
		t.Errorf("idle_timeout = %v, want 30m", cfg.Session.IdleTimeout.Duration)
	}
	// Defaults applied.
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("storage driver default = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Bus.Driver != "memory" {
		t.Errorf("bus driver default = %q, want memory", cfg.Bus.Driver)
	}
	if cfg.Session.SendQueueSize != 32 {
		t.Errorf("send_queue_size default = %d, want 32", cfg.Session.SendQueueSize)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing addr", func(c *Config) { c.Server.Addr = "" }},
		{"missing jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"short jwt secret", func(c *Config) { c.Auth.JWTSecret = "short" }},
		{"missing app id", func(c *Config) { c.WeChat.AppID = "" }},
		{"missing token", func(c *Config) { c.WeChat.Token = "" }},
		{"aes key wrong length", func(c *Config) { c.WeChat.EncodingAESKey = "tooshort" }},
		{"aes key bad base64", func(c *Config) {
			c.WeChat.EncodingAESKey = "!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!"
		}},
		{"oidc without issuer", func(c *Config) { c.Auth.Provider = "oidc" }},
		{"redis bus without addr", func(c *Config) { c.Bus.Driver = "redis" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	if err := d.UnmarshalJSON([]byte(`"90s"`)); err != nil {
		t.Fatal(err)
	}
	if d.Duration != 90*time.Second {
		t.Errorf("got %v, want 90s", d.Duration)
	}
	if err := d.UnmarshalJSON([]byte(`30`)); err != nil {
		t.Fatal(err)
	}
	if d.Duration != 30*time.Second {
		t.Errorf("got %v, want 30s", d.Duration)
	}
	if err := d.UnmarshalJSON([]byte(`true`)); err == nil {
		t.Error("expected error for bool duration")
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	s1, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	s2, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	if len(s1) != 64 {
		t.Errorf("secret length = %d, want 64", len(s1))
	}
	if s1 == s2 {
		t.Error("two generated secrets are identical")
	}
}
