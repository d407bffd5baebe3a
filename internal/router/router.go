// Package router delivers platform envelopes and client chat frames to live
// websocket sessions, locally and across instances through the bus.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wispchat/wisp/internal/auth"
	"github.com/wispchat/wisp/internal/bus"
	"github.com/wispchat/wisp/internal/registry"
	"github.com/wispchat/wisp/internal/store"
	"github.com/wispchat/wisp/internal/wechat"
)

// loginKeyPrefix marks bus events that complete a QR login on the instance
// holding the waiting session rather than addressing a user's sessions.
const loginKeyPrefix = "login:"

// qrScenePrefix is prepended by the platform to the scene of a subscribe
// event; SCAN events carry the bare scene.
const qrScenePrefix = "qrscene_"

// Router routes messages between the platform webhook, websocket clients,
// and the cross-instance bus.
type Router struct {
	store    store.Store
	auth     auth.Provider
	logins   auth.LoginProvider // nil when the provider cannot mint tokens
	registry *registry.Registry
	bus      bus.Bus
	wx       *wechat.Client
	logger   *slog.Logger

	instanceID      string
	maxMessageBytes int64
	upgrader        websocket.Upgrader

	sceneMu sync.Mutex
	scenes  map[uint64]string // scene id -> waiting session id
}

// Options configures the Router.
type Options struct {
	AllowedOrigins  []string
	MaxMessageBytes int64 // max websocket message size from clients; default 64KB
}

// New creates a Router. The login provider is optional; without it the QR
// login flow is disabled and only pre-authorized clients can bind.
func New(s store.Store, ap auth.Provider, lp auth.LoginProvider, reg *registry.Registry, b bus.Bus, wx *wechat.Client, logger *slog.Logger, opts Options) *Router {
	limit := opts.MaxMessageBytes
	if limit == 0 {
		limit = 64 * 1024
	}
	return &Router{
		store:           s,
		auth:            ap,
		logins:          lp,
		registry:        reg,
		bus:             b,
		wx:              wx,
		logger:          logger.With("component", "router"),
		instanceID:      uuid.New().String(),
		maxMessageBytes: limit,
		upgrader:        makeUpgrader(opts.AllowedOrigins),
		scenes:          make(map[uint64]string),
	}
}

// InstanceID identifies this process on the bus.
func (r *Router) InstanceID() string { return r.instanceID }

// RouteEnvelope handles a decoded platform envelope from the webhook.
// Events drive the QR login flow; content messages are persisted and fanned
// out to the sender's live sessions.
func (r *Router) RouteEnvelope(ctx context.Context, msg *wechat.Message) error {
	switch p := msg.Payload.(type) {
	case wechat.EventPayload:
		return r.routeEvent(ctx, msg.FromUser, p)
	case wechat.UnknownPayload:
		// Forward compatibility: ack and ignore kinds introduced after us.
		r.logger.Debug("ignoring unknown message kind", "kind", p.MsgType, "from", msg.FromUser)
		return nil
	default:
		return r.routeContent(ctx, msg)
	}
}

func (r *Router) routeEvent(ctx context.Context, openID string, ev wechat.EventPayload) error {
	switch ev.Event {
	case wechat.EventSubscribe:
		scene, ok := parseScene(strings.TrimPrefix(ev.EventKey, qrScenePrefix))
		if !ok {
			// Plain follow without a pending login.
			r.logger.Info("user subscribed", "open_id", openID)
			return nil
		}
		return r.completeScan(ctx, openID, scene, true)
	case wechat.EventScan:
		scene, ok := parseScene(ev.EventKey)
		if !ok {
			return fmt.Errorf("scan event with bad scene %q", ev.EventKey)
		}
		return r.completeScan(ctx, openID, scene, true)
	case wechat.EventUnsubscribe:
		r.logger.Info("user unsubscribed", "open_id", openID)
		return nil
	default:
		r.logger.Debug("ignoring platform event", "event", ev.Event, "open_id", openID)
		return nil
	}
}

func parseScene(s string) (uint64, bool) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return n, true
}

func (r *Router) routeContent(ctx context.Context, msg *wechat.Message) error {
	user, err := r.store.UpsertWeChatUser(ctx, msg.FromUser)
	if err != nil {
		return fmt.Errorf("resolve sender: %w", err)
	}

	msgID := strconv.FormatInt(msg.MsgID, 10)
	if msg.MsgID != 0 {
		// The platform retries undelivered callbacks; drop replays.
		if exists, err := r.store.MessageExists(ctx, user.ID, msgID); err == nil && exists {
			r.logger.Debug("duplicate platform message", "msg_id", msgID)
			return nil
		}
	} else {
		msgID = uuid.New().String()
	}

	push := MessagePush{
		From:    user.Username,
		Kind:    msg.Payload.Kind(),
		Content: payloadContent(msg.Payload),
		SentAt:  time.Unix(msg.CreateTime, 0),
	}

	// Persistence is best effort: a store failure must not stall the
	// webhook ack or the fanout.
	seq, err := r.store.AppendMessage(ctx, &store.Message{
		ID:        msgID,
		UserID:    user.ID,
		Direction: "inbound",
		Kind:      push.Kind,
		Content:   push.Content,
		CreatedAt: push.SentAt,
	})
	if err != nil {
		r.logger.Warn("persist inbound message failed", "user", user.ID, "error", err)
	} else {
		push.Seq = seq
	}

	r.Fanout(ctx, user.ID, marshalPush(PushMessage, push))
	return nil
}

func payloadContent(p wechat.Payload) string {
	switch v := p.(type) {
	case wechat.TextPayload:
		return v.Content
	case wechat.ImagePayload:
		return v.PicURL
	case wechat.VoicePayload:
		if v.Recognition != "" {
			return v.Recognition
		}
		return v.MediaID
	case wechat.VideoPayload:
		return v.MediaID
	case wechat.ShortVideoPayload:
		return v.MediaID
	default:
		return ""
	}
}

// Fanout delivers a frame to every local session of the user; when none is
// connected here, exactly one bus publish hands it to the other instances.
// Delivery is best effort per session: a full queue drops that session only.
func (r *Router) Fanout(ctx context.Context, userID string, frame []byte) {
	if frame == nil {
		return
	}
	sessions := r.registry.LookupByUser(userID)
	if len(sessions) == 0 {
		r.publish(ctx, userID, frame)
		return
	}
	for _, s := range sessions {
		r.deliver(s, frame)
	}
}

// Broadcast delivers a frame to every active session on every instance.
func (r *Router) Broadcast(ctx context.Context, frame []byte) {
	if frame == nil {
		return
	}
	r.registry.Each(func(s *registry.Session) {
		if s.State() == registry.Active {
			r.deliver(s, frame)
		}
	})
	r.publish(ctx, bus.Broadcast, frame)
}

// deliver queues a frame on one session, force-closing it when the queue is
// full. A peer that cannot drain its queue is treated as dead.
func (r *Router) deliver(s *registry.Session, frame []byte) {
	if r.registry.TrySend(s, frame) {
		return
	}
	if s.State() == registry.Active || s.State() == registry.Connecting {
		r.logger.Warn("session queue full, closing", "session_id", s.ID, "user", s.UserID())
	}
	r.registry.Deregister(s.ID)
}

func (r *Router) publish(ctx context.Context, key string, frame []byte) {
	if r.bus == nil {
		return
	}
	err := r.bus.Publish(ctx, bus.Event{
		Origin: r.instanceID,
		Key:    key,
		Frame:  frame,
		At:     time.Now(),
	})
	if err != nil {
		r.logger.Warn("bus publish failed", "key", key, "error", err)
	}
}

// Run subscribes to the bus and delivers remote events to local sessions
// until ctx is canceled. It blocks; callers run it in a goroutine.
func (r *Router) Run(ctx context.Context) error {
	if r.bus == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return r.bus.Subscribe(ctx, func(ev bus.Event) {
		if ev.Origin == r.instanceID {
			return
		}
		switch {
		case strings.HasPrefix(ev.Key, loginKeyPrefix):
			r.handleRemoteLogin(ctx, ev)
		case ev.Key == bus.Broadcast:
			r.registry.Each(func(s *registry.Session) {
				if s.State() == registry.Active {
					r.deliver(s, ev.Frame)
				}
			})
		default:
			for _, s := range r.registry.LookupByUser(ev.Key) {
				r.deliver(s, ev.Frame)
			}
		}
	})
}

// loginEvent is the bus payload forwarding a QR scan to the instance that
// holds the waiting session.
type loginEvent struct {
	OpenID string `json:"open_id"`
	Scene  uint64 `json:"scene"`
}

func (r *Router) handleRemoteLogin(ctx context.Context, ev bus.Event) {
	var le loginEvent
	if err := json.Unmarshal(ev.Frame, &le); err != nil {
		r.logger.Warn("malformed login event", "error", err)
		return
	}
	// Only the instance holding the scene completes it; forwarding again
	// would loop.
	if err := r.completeScan(ctx, le.OpenID, le.Scene, false); err != nil {
		r.logger.Debug("remote login not for this instance", "scene", le.Scene, "error", err)
	}
}

// completeScan finishes a QR login: it binds the waiting session to the
// scanned account, mints a token, and pushes loginSuccess. When the scene is
// not local and forwarding is allowed, the scan is handed to the bus.
func (r *Router) completeScan(ctx context.Context, openID string, scene uint64, forward bool) error {
	r.sceneMu.Lock()
	sessionID, ok := r.scenes[scene]
	if ok {
		delete(r.scenes, scene)
	}
	r.sceneMu.Unlock()

	if !ok {
		if forward {
			frame, err := json.Marshal(loginEvent{OpenID: openID, Scene: scene})
			if err != nil {
				return fmt.Errorf("marshal login event: %w", err)
			}
			r.publish(ctx, loginKeyPrefix+strconv.FormatUint(scene, 10), frame)
			return nil
		}
		return fmt.Errorf("no pending login for scene %d", scene)
	}

	sess := r.registry.Lookup(sessionID)
	if sess == nil {
		return fmt.Errorf("login session %s gone", sessionID)
	}

	// The scan landed; tell the client before the store round trips.
	r.deliver(sess, marshalPush(PushScanSuccess, nil))

	if r.logins == nil {
		return fmt.Errorf("qr login disabled: auth provider %q cannot mint tokens", r.auth.Name())
	}

	user, err := r.store.UpsertWeChatUser(ctx, openID)
	if err != nil {
		return fmt.Errorf("upsert scanned user: %w", err)
	}
	token, err := r.logins.TokenForUser(user)
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}

	for _, evicted := range r.registry.Bind(sess, user.ID) {
		r.registry.Deregister(evicted.ID)
	}

	r.deliver(sess, marshalPush(PushLoginSuccess, LoginSuccessData{
		Token:    token,
		UserID:   user.ID,
		Username: user.Username,
	}))
	r.logger.Info("qr login complete", "user", user.ID, "session_id", sess.ID)
	return nil
}

// beginLogin allocates a scene for the session and requests a QR ticket.
func (r *Router) beginLogin(ctx context.Context, sess *registry.Session) (string, error) {
	if r.wx == nil {
		return "", fmt.Errorf("platform client not configured")
	}

	// Scene ids only need to be unique among pending logins; uuid entropy
	// truncated to 31 bits matches the platform's scene id range.
	scene := uint64(uuid.New().ID()&0x7fffffff | 1)
	r.sceneMu.Lock()
	for {
		if _, taken := r.scenes[scene]; !taken {
			break
		}
		scene++
	}
	r.scenes[scene] = sess.ID
	r.sceneMu.Unlock()

	ticket, err := r.wx.CreateQRCode(ctx, scene, 600, false)
	if err != nil {
		r.sceneMu.Lock()
		delete(r.scenes, scene)
		r.sceneMu.Unlock()
		return "", fmt.Errorf("request login qrcode: %w", err)
	}
	return ticket.URL, nil
}

// dropScenes removes any pending login scenes owned by the session.
func (r *Router) dropScenes(sessionID string) {
	r.sceneMu.Lock()
	for scene, sid := range r.scenes {
		if sid == sessionID {
			delete(r.scenes, scene)
		}
	}
	r.sceneMu.Unlock()
}

// StartIdleReaper starts a background sweep closing sessions idle longer
// than timeout.
func (r *Router) StartIdleReaper(ctx context.Context, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range r.registry.IdleSince(time.Now().Add(-timeout)) {
					r.logger.Info("idle reaper: closing session", "session_id", s.ID, "user", s.UserID())
					r.registry.Deregister(s.ID)
				}
			}
		}
	}()
}
