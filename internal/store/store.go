// Package store defines the persistence interface for wispd and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"time"
)

// Store is the persistence interface for users and message transcripts.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByOpenID(ctx context.Context, openID string) (*User, error)
	// UpsertWeChatUser creates a user on first scan, or refreshes
	// last_login_at for a returning one, and returns the row either way.
	UpsertWeChatUser(ctx context.Context, openID string) (*User, error)

	// Messages
	AppendMessage(ctx context.Context, msg *Message) (int64, error)
	ListMessages(ctx context.Context, userID string, afterSeq int64, limit int) ([]Message, error)
	MessageExists(ctx context.Context, userID, messageID string) (bool, error)

	// Data retention
	PurgeOldMessages(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User is an account, created either by an admin (builtin auth) or on first
// QR scan (wechat login).
type User struct {
	ID           string    `json:"id"`
	OpenID       string    `json:"open_id,omitempty"` // platform identity, empty for builtin accounts
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
	LastLoginAt  time.Time `json:"last_login_at"`
}

// Message is one transcript entry. Seq is a per-user counter assigned by the
// store at append time; clients page forward with it.
type Message struct {
	ID        string    `json:"id"` // platform msg id for inbound, uuid otherwise
	UserID    string    `json:"user_id"`
	Seq       int64     `json:"seq"`
	Direction string    `json:"direction"` // "inbound" or "outbound"
	Kind      string    `json:"kind"`      // "text", "image", "event", ...
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
