// Package config handles wispd configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level wispd configuration.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Auth    AuthConfig    `json:"auth"`
	WeChat  WeChatConfig  `json:"wechat"`
	Storage StorageConfig `json:"storage"`
	Bus     BusConfig     `json:"bus,omitempty"`
	Session SessionConfig `json:"session,omitempty"`
	Logging LoggingConfig `json:"logging,omitempty"`

	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// RateLimitConfig defines per-user API rate limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 30
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS + websocket origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider     string        `json:"provider,omitempty"` // "builtin" (default) or "oidc"
	OIDCIssuer   string        `json:"oidc_issuer,omitempty"`
	JWTSecret    string        `json:"jwt_secret"`
	JWTExpiry    Duration      `json:"jwt_expiry,omitempty"`
	InitialAdmin *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// WeChatConfig defines the official-account platform settings.
//
// EncodingAESKey is the 43-character no-pad base64 string issued by the
// platform console; it decodes to the 32-byte message key.
type WeChatConfig struct {
	AppID          string   `json:"app_id"`
	AppSecret      string   `json:"app_secret"`
	Token          string   `json:"token"`
	EncodingAESKey string   `json:"encoding_aes_key"`
	CallbackURL    string   `json:"callback_url,omitempty"`
	Timeout        Duration `json:"timeout,omitempty"` // platform API client timeout; default 10s
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver    string   `json:"driver"`              // "sqlite" (default) or "postgres"
	DSN       string   `json:"dsn"`                 // e.g. "wisp.db" or ":memory:"
	Retention Duration `json:"retention,omitempty"` // message retention; 0 disables purging
}

// BusConfig defines the cross-instance bus settings.
type BusConfig struct {
	Driver        string `json:"driver,omitempty"` // "memory" (default) or "redis"
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	ChannelPrefix string `json:"channel_prefix,omitempty"` // default "wisp:fanout:"
}

// SessionConfig defines websocket session behavior.
type SessionConfig struct {
	SingleDevice    bool     `json:"single_device,omitempty"`     // evict prior sessions on login
	SendQueueSize   int      `json:"send_queue_size,omitempty"`   // per-session outbound buffer; default 32
	IdleTimeout     Duration `json:"idle_timeout,omitempty"`      // default 1h; 0 disables reaping
	MaxPerUser      int      `json:"max_per_user,omitempty"`      // 0 = unlimited
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty"` // max websocket frame from client; default 64KB
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// Validate checks the config for fatal errors. Missing or malformed values
// here abort startup; they are never tolerated at runtime.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret is only required for the builtin auth provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret; generate a new one")
	}
	if c.Auth.Provider == "oidc" && c.Auth.OIDCIssuer == "" {
		return fmt.Errorf("auth.oidc_issuer is required when provider is oidc")
	}
	if c.WeChat.AppID == "" {
		return fmt.Errorf("wechat.app_id is required")
	}
	if c.WeChat.Token == "" {
		return fmt.Errorf("wechat.token is required")
	}
	if err := validateEncodingAESKey(c.WeChat.EncodingAESKey); err != nil {
		return fmt.Errorf("wechat.encoding_aes_key: %w", err)
	}
	if c.Bus.Driver == "redis" && c.Bus.RedisAddr == "" {
		return fmt.Errorf("bus.redis_addr is required when driver is redis")
	}
	return nil
}

func validateEncodingAESKey(key string) error {
	if len(key) != 43 {
		return fmt.Errorf("must be exactly 43 characters, got %d", len(key))
	}
	raw, err := base64.StdEncoding.WithPadding(base64.NoPadding).DecodeString(key)
	if err != nil {
		return fmt.Errorf("invalid base64: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("decodes to %d bytes, want 32", len(raw))
	}
	return nil
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.WeChat.Timeout.Duration == 0 {
		c.WeChat.Timeout.Duration = 10 * time.Second
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "wisp.db"
	}
	if c.Bus.Driver == "" {
		c.Bus.Driver = "memory"
	}
	if c.Bus.ChannelPrefix == "" {
		c.Bus.ChannelPrefix = "wisp:fanout:"
	}
	if c.Session.SendQueueSize == 0 {
		c.Session.SendQueueSize = 32
	}
	if c.Session.IdleTimeout.Duration == 0 {
		c.Session.IdleTimeout.Duration = 1 * time.Hour
	}
	if c.Session.MaxMessageBytes == 0 {
		c.Session.MaxMessageBytes = 64 * 1024
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}
