package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			open_id TEXT NOT NULL DEFAULT '',
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_login_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_open_id ON users(open_id) WHERE open_id != ''`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT NOT NULL,
			user_id TEXT NOT NULL REFERENCES users(id),
			seq BIGINT NOT NULL,
			direction TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'text',
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_user_seq ON messages(user_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, open_id, username, password_hash, role, created_at, last_login_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		user.ID, user.OpenID, user.Username, user.PasswordHash, user.Role, user.CreatedAt, user.LastLoginAt,
	)
	return err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, "id = $1", id)
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getUser(ctx, "username = $1", username)
}

func (s *PostgresStore) GetUserByOpenID(ctx context.Context, openID string) (*User, error) {
	if openID == "" {
		return nil, nil
	}
	return s.getUser(ctx, "open_id = $1", openID)
}

func (s *PostgresStore) getUser(ctx context.Context, where string, arg any) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, open_id, username, password_hash, role, created_at, last_login_at FROM users WHERE "+where, arg,
	).Scan(&u.ID, &u.OpenID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt, &u.LastLoginAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) UpsertWeChatUser(ctx context.Context, openID string) (*User, error) {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, open_id, username, role, created_at, last_login_at)
		 VALUES ($1, $2, $3, 'user', $4, $4)
		 ON CONFLICT(open_id) WHERE open_id != '' DO UPDATE SET last_login_at = EXCLUDED.last_login_at`,
		uuid.New().String(), openID, defaultUsername(openID), now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert wechat user: %w", err)
	}
	return s.GetUserByOpenID(ctx, openID)
}

// --- Messages ---

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *Message) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, user_id, seq, direction, kind, content, created_at)
		 VALUES ($1, $2, (SELECT COALESCE(MAX(seq),0)+1 FROM messages WHERE user_id = $2), $3, $4, $5, $6)
		 RETURNING seq`,
		msg.ID, msg.UserID, msg.Direction, msg.Kind, msg.Content, msg.CreatedAt,
	).Scan(&seq)
	return seq, err
}

func (s *PostgresStore) ListMessages(ctx context.Context, userID string, afterSeq int64, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, seq, direction, kind, content, created_at
		 FROM messages WHERE user_id = $1 AND seq > $2 ORDER BY seq LIMIT $3`,
		userID, afterSeq, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.Seq, &m.Direction, &m.Kind, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) MessageExists(ctx context.Context, userID, messageID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE user_id = $1 AND id = $2", userID, messageID,
	).Scan(&count)
	return count > 0, err
}

func (s *PostgresStore) PurgeOldMessages(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE created_at < $1", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
