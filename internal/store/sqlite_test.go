package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestUser inserts a user with a unique username and returns it. The
// shared-cache in-memory database persists across stores in one process, so
// fixtures must not collide between tests.
func createTestUser(t *testing.T, s *SQLiteStore, role string) *User {
	t.Helper()
	u := &User{
		ID:           uuid.New().String(),
		Username:     "user-" + uuid.New().String(),
		PasswordHash: "hash",
		Role:         role,
		CreatedAt:    time.Now(),
		LastLoginAt:  time.Now(),
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("createTestUser: %v", err)
	}
	return u
}

func TestUserLookups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := createTestUser(t, s, "admin")

	byID, err := s.GetUserByID(ctx, u.ID)
	if err != nil || byID == nil {
		t.Fatalf("GetUserByID: %v, %v", byID, err)
	}
	if byID.Username != u.Username || byID.Role != "admin" {
		t.Errorf("GetUserByID = %+v", byID)
	}

	byName, err := s.GetUserByUsername(ctx, u.Username)
	if err != nil || byName == nil || byName.ID != u.ID {
		t.Fatalf("GetUserByUsername: %v, %v", byName, err)
	}

	missing, err := s.GetUserByID(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("missing user: %v, %v", missing, err)
	}
}

func TestGetUserByOpenIDEmptyNeverMatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestUser(t, s, "user") // builtin account, open_id is ''

	u, err := s.GetUserByOpenID(ctx, "")
	if err != nil {
		t.Fatalf("GetUserByOpenID: %v", err)
	}
	if u != nil {
		t.Errorf("empty open id matched user %q", u.Username)
	}
}

func TestUpsertWeChatUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	openID := "o" + uuid.New().String()

	first, err := s.UpsertWeChatUser(ctx, openID)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if first.OpenID != openID || first.Role != "user" {
		t.Errorf("first upsert = %+v", first)
	}

	again, err := s.UpsertWeChatUser(ctx, openID)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("returning scan created a new user: %s != %s", again.ID, first.ID)
	}
	if again.LastLoginAt.Before(first.LastLoginAt) {
		t.Error("second upsert did not refresh last_login_at")
	}
}

func TestAppendMessageAssignsSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := createTestUser(t, s, "user")

	for i := 1; i <= 3; i++ {
		seq, err := s.AppendMessage(ctx, &Message{
			ID:        uuid.New().String(),
			UserID:    u.ID,
			Direction: "inbound",
			Kind:      "text",
			Content:   "hello",
			CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
		if seq != int64(i) {
			t.Errorf("seq = %d, want %d", seq, i)
		}
	}

	// A second user's counter is independent.
	other := createTestUser(t, s, "user")
	seq, err := s.AppendMessage(ctx, &Message{
		ID: uuid.New().String(), UserID: other.ID,
		Direction: "outbound", Kind: "text", Content: "x", CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("AppendMessage other: %v", err)
	}
	if seq != 1 {
		t.Errorf("other user seq = %d, want 1", seq)
	}
}

func TestListMessagesPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := createTestUser(t, s, "user")

	for i := 0; i < 5; i++ {
		if _, err := s.AppendMessage(ctx, &Message{
			ID: uuid.New().String(), UserID: u.ID,
			Direction: "inbound", Kind: "text", Content: "m", CreatedAt: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	page, err := s.ListMessages(ctx, u.ID, 0, 3)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(page) != 3 || page[0].Seq != 1 || page[2].Seq != 3 {
		t.Fatalf("first page = %v", page)
	}

	rest, err := s.ListMessages(ctx, u.ID, page[2].Seq, 10)
	if err != nil {
		t.Fatalf("ListMessages rest: %v", err)
	}
	if len(rest) != 2 || rest[0].Seq != 4 {
		t.Errorf("second page = %v", rest)
	}
}

func TestMessageExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := createTestUser(t, s, "user")

	msgID := uuid.New().String()
	if _, err := s.AppendMessage(ctx, &Message{
		ID: msgID, UserID: u.ID,
		Direction: "inbound", Kind: "text", Content: "once", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	exists, err := s.MessageExists(ctx, u.ID, msgID)
	if err != nil || !exists {
		t.Errorf("MessageExists = %v, %v", exists, err)
	}
	exists, err = s.MessageExists(ctx, u.ID, "unknown")
	if err != nil || exists {
		t.Errorf("MessageExists(unknown) = %v, %v", exists, err)
	}
}

func TestPurgeOldMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := createTestUser(t, s, "user")

	old := &Message{
		ID: uuid.New().String(), UserID: u.ID,
		Direction: "inbound", Kind: "text", Content: "old",
		CreatedAt: time.Now().Add(-48 * time.Hour),
	}
	if _, err := s.AppendMessage(ctx, old); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendMessage(ctx, &Message{
		ID: uuid.New().String(), UserID: u.ID,
		Direction: "inbound", Kind: "text", Content: "fresh", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	n, err := s.PurgeOldMessages(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeOldMessages: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d rows, want 1", n)
	}

	left, err := s.ListMessages(ctx, u.ID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || left[0].Content != "fresh" {
		t.Errorf("remaining = %v", left)
	}
}
