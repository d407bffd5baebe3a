// Package api provides the HTTP surface of wispd: the platform webhook, the
// websocket endpoint, and a small authenticated JSON API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/wispchat/wisp/internal/auth"
	"github.com/wispchat/wisp/internal/config"
	"github.com/wispchat/wisp/internal/router"
	"github.com/wispchat/wisp/internal/store"
	"github.com/wispchat/wisp/internal/wechat"
)

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	router        *router.Router
	codec         *wechat.Codec
	logger        *slog.Logger
	mux           *chi.Mux
	startTime     time.Time
	maxBodyBytes  int64
	loginRL       *rateLimiter
	rl            *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, rt *router.Router, codec *wechat.Codec, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:         s,
		authProvider:  ap,
		loginProvider: lp,
		router:        rt,
		codec:         codec,
		logger:        logger.With("component", "api"),
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Platform webhook. Authenticity comes from the shared-token signature,
	// not bearer auth.
	mux.Get("/wx/portal", srv.handlePortalVerify)
	mux.Post("/wx/portal", srv.handlePortalCallback)

	// Login route only registered when using builtin auth.
	if lp != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(loginIPRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
	}

	// WebSocket route (auth handled inside; guests allowed for QR login).
	mux.Get("/ws", rt.HandleClientWS)

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/messages", srv.handleGetMessages)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup for the rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Webhook handlers ---

// handlePortalVerify answers the platform's URL ownership probe: when the
// signature checks out, the echostr rides back verbatim.
func (s *Server) handlePortalVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := s.codec.Verify(q.Get("signature"), q.Get("timestamp"), q.Get("nonce")); err != nil {
		s.logger.Warn("portal verify rejected", "remote", r.RemoteAddr)
		writeError(w, http.StatusBadRequest, "bad signature")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(q.Get("echostr")))
}

// handlePortalCallback receives platform messages and events. Encrypted
// bodies are verified against msg_signature and decrypted with receiver
// binding; plaintext bodies are verified against the plain signature. The
// ack is an empty 200 so the platform stops retrying.
func (s *Server) handlePortalCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	timestamp, nonce := q.Get("timestamp"), q.Get("nonce")

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	var doc []byte
	switch encType := q.Get("encrypt_type"); encType {
	case "aes":
		env, err := wechat.ParseEncrypted(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed envelope")
			return
		}
		if err := s.codec.Verify(q.Get("msg_signature"), timestamp, nonce, env.Encrypt.Value); err != nil {
			s.logger.Warn("portal callback bad msg_signature", "remote", r.RemoteAddr)
			writeError(w, http.StatusBadRequest, "bad signature")
			return
		}
		doc, err = s.codec.Decrypt(env.Encrypt.Value, s.codec.AppID())
		if err != nil {
			s.logger.Warn("portal callback decrypt failed", "error", err)
			writeError(w, http.StatusBadRequest, "decrypt failed")
			return
		}
	case "":
		if err := s.codec.Verify(q.Get("signature"), timestamp, nonce); err != nil {
			s.logger.Warn("portal callback bad signature", "remote", r.RemoteAddr)
			writeError(w, http.StatusBadRequest, "bad signature")
			return
		}
		doc = body
	default:
		writeError(w, http.StatusNotImplemented, "unsupported encrypt_type")
		return
	}

	msg, err := wechat.ParseMessage(doc)
	if err != nil {
		if errors.Is(err, wechat.ErrMalformed) {
			writeError(w, http.StatusBadRequest, "malformed message")
			return
		}
		writeError(w, http.StatusInternalServerError, "parse failed")
		return
	}

	if err := s.router.RouteEnvelope(r.Context(), msg); err != nil {
		// A failed route means the platform should retry the callback.
		s.logger.Warn("route envelope failed", "from", msg.FromUser, "error", err)
		writeError(w, http.StatusInternalServerError, "routing failed")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// --- Auth handlers ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"id":       identity.UserID,
		"username": identity.Username,
		"role":     identity.Role,
	})
}

// --- Message handlers ---

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	afterSeq, _ := strconv.ParseInt(r.URL.Query().Get("after_seq"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	messages, err := s.store.ListMessages(r.Context(), identity.UserID, afterSeq, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
