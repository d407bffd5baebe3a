package router

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wispchat/wisp/internal/registry"
	"github.com/wispchat/wisp/internal/store"
)

const writeTimeout = 10 * time.Second

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// connState tracks per-connection identity and rate limiting.
type connState struct {
	mu          sync.Mutex
	username    string
	msgTokens   float64
	msgLastTime time.Time
}

func (cs *connState) setUsername(name string) {
	cs.mu.Lock()
	cs.username = name
	cs.mu.Unlock()
}

func (cs *connState) name() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.username
}

func (cs *connState) allowMessage() bool {
	const rate = 30.0  // messages per second
	const burst = 50.0 // max burst

	now := time.Now()
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.msgLastTime.IsZero() {
		cs.msgTokens = burst
		cs.msgLastTime = now
	}

	elapsed := now.Sub(cs.msgLastTime).Seconds()
	cs.msgTokens += elapsed * rate
	if cs.msgTokens > burst {
		cs.msgTokens = burst
	}
	cs.msgLastTime = now

	if cs.msgTokens < 1 {
		return false
	}
	cs.msgTokens--
	return true
}

// HandleClientWS upgrades a client connection and pumps frames both ways.
// A bearer token (query param or Authorization header) binds the session
// immediately; without one the session starts as a guest awaiting QR login.
//
// Tokens ride in a query parameter because browsers cannot set headers on a
// websocket handshake; access logs must exclude query strings.
func (r *Router) HandleClientWS(w http.ResponseWriter, req *http.Request) {
	tokenStr := req.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = req.Header.Get("Authorization")
		if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
			tokenStr = tokenStr[7:]
		}
	}

	var userID, username string
	if tokenStr != "" {
		identity, err := r.auth.ValidateToken(req.Context(), tokenStr)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		userID, username = identity.UserID, identity.Username
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("client websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var sess *registry.Session
	if userID != "" {
		var evicted []*registry.Session
		sess, evicted = r.registry.Register(userID)
		for _, e := range evicted {
			r.registry.Deregister(e.ID)
		}
	} else {
		sess = r.registry.RegisterGuest()
	}
	state := &connState{username: username}

	conn.SetReadLimit(r.maxMessageBytes)
	r.logger.Info("client connected", "session_id", sess.ID, "user", userID)

	// Write pump: drains the session queue until the registry closes it.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for frame := range sess.Out() {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				r.registry.Deregister(sess.ID)
				return
			}
		}
		// Queue closed: the session was deregistered (eviction, idle reap,
		// or a full queue). Say goodbye and drop the transport.
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
			time.Now().Add(writeTimeout))
		_ = conn.Close()
	}()

	defer func() {
		r.dropScenes(sess.ID)
		r.registry.Deregister(sess.ID)
		<-writeDone
		r.logger.Info("client disconnected", "session_id", sess.ID, "user", sess.UserID())
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			r.logger.Debug("client read error", "session_id", sess.ID, "error", err)
			return
		}
		sess.Touch()

		if !state.allowMessage() {
			r.logger.Debug("client rate limited", "session_id", sess.ID)
			continue
		}

		var frame ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			r.logger.Warn("invalid frame from client", "session_id", sess.ID, "error", err)
			continue
		}

		r.handleClientFrame(req, sess, state, frame)
	}
}

func (r *Router) handleClientFrame(req *http.Request, sess *registry.Session, state *connState, frame ClientFrame) {
	ctx := req.Context()

	switch frame.Type {
	case FrameHeartbeat:
		// Touch already happened on read.

	case FrameLogin:
		// The QR ticket is a platform round trip; don't stall the read loop.
		go func() {
			url, err := r.beginLogin(ctx, sess)
			if err != nil {
				r.logger.Warn("qr login request failed", "session_id", sess.ID, "error", err)
				return
			}
			r.deliver(sess, marshalPush(PushLoginURL, LoginURLData{URL: url}))
		}()

	case FrameAuthorize:
		var data AuthorizeData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			r.logger.Warn("bad authorize frame", "session_id", sess.ID, "error", err)
			return
		}
		identity, err := r.auth.ValidateToken(ctx, data.Token)
		if err != nil {
			r.deliver(sess, marshalPush(PushInvalidToken, nil))
			return
		}
		for _, evicted := range r.registry.Bind(sess, identity.UserID) {
			r.registry.Deregister(evicted.ID)
		}
		state.setUsername(identity.Username)
		r.deliver(sess, marshalPush(PushLoginSuccess, LoginSuccessData{
			Token:    data.Token,
			UserID:   identity.UserID,
			Username: identity.Username,
		}))

	case FrameChat:
		if sess.State() != registry.Active {
			r.logger.Debug("chat from unbound session", "session_id", sess.ID)
			return
		}
		var data ChatData
		if err := json.Unmarshal(frame.Data, &data); err != nil || data.Content == "" {
			r.logger.Warn("bad chat frame", "session_id", sess.ID, "error", err)
			return
		}
		if int64(len(data.Content)) > r.maxMessageBytes {
			r.logger.Warn("chat content too large", "session_id", sess.ID)
			return
		}
		r.handleChat(ctx, sess, state, data)

	default:
		r.logger.Warn("unknown frame type", "type", frame.Type, "session_id", sess.ID)
	}
}

func (r *Router) handleChat(ctx context.Context, sess *registry.Session, state *connState, data ChatData) {
	push := MessagePush{
		From:    state.name(),
		Kind:    "text",
		Content: data.Content,
		SentAt:  time.Now(),
	}

	seq, err := r.store.AppendMessage(ctx, &store.Message{
		ID:        uuid.New().String(),
		UserID:    sess.UserID(),
		Direction: "outbound",
		Kind:      "text",
		Content:   data.Content,
		CreatedAt: push.SentAt,
	})
	if err != nil {
		r.logger.Warn("persist chat failed", "user", sess.UserID(), "error", err)
	} else {
		push.Seq = seq
	}

	frame := marshalPush(PushMessage, push)
	if data.To != "" {
		r.Fanout(ctx, data.To, frame)
		return
	}
	r.Broadcast(ctx, frame)
}
