// Package hub is the main orchestrator that ties all wispd components together.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wispchat/wisp/internal/api"
	"github.com/wispchat/wisp/internal/auth"
	"github.com/wispchat/wisp/internal/bus"
	"github.com/wispchat/wisp/internal/config"
	"github.com/wispchat/wisp/internal/registry"
	"github.com/wispchat/wisp/internal/router"
	"github.com/wispchat/wisp/internal/store"
	"github.com/wispchat/wisp/internal/wechat"
)

// Hub is the main wispd process.
type Hub struct {
	cfg      *config.Config
	store    store.Store
	bus      bus.Bus
	registry *registry.Registry
	router   *router.Router
	api      *api.Server
	logger   *slog.Logger
}

// New creates a new hub from configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Create auth provider based on config.
	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates admin user for builtin provider).
	if err := authProvider.Bootstrap(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	// Token minting for the QR login flow needs a LoginProvider; the OIDC
	// provider cannot mint, so the flow is disabled under it.
	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	// Initialize the cross-instance bus.
	b, err := newBus(ctx, cfg.Bus, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init bus: %w", err)
	}

	// Session registry and platform client.
	reg := registry.New(registry.Options{
		SingleDevice: cfg.Session.SingleDevice,
		QueueSize:    cfg.Session.SendQueueSize,
		MaxPerUser:   cfg.Session.MaxPerUser,
	})
	wxClient := wechat.NewClient(cfg.WeChat.AppID, cfg.WeChat.AppSecret, cfg.WeChat.Timeout.Duration)

	aesKey, err := wechat.ParseAESKey(cfg.WeChat.EncodingAESKey)
	if err != nil {
		_ = db.Close()
		_ = b.Close()
		return nil, fmt.Errorf("parse encoding aes key: %w", err)
	}
	codec := wechat.NewCodec(cfg.WeChat.Token, aesKey, cfg.WeChat.AppID)

	// Initialize router.
	rt := router.New(db, authProvider, loginProvider, reg, b, wxClient, logger, router.Options{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxMessageBytes: cfg.Session.MaxMessageBytes,
	})

	// Initialize API server.
	apiSrv := api.NewServer(db, authProvider, loginProvider, rt, codec, cfg, logger)

	h := &Hub{
		cfg:      cfg,
		store:    db,
		bus:      b,
		registry: reg,
		router:   rt,
		api:      apiSrv,
		logger:   logger.With("component", "hub"),
	}

	// Startup validation warnings (only for builtin provider).
	if authProvider.Name() == "builtin" {
		if cfg.Auth.InitialAdmin != nil &&
			cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("default admin credentials detected (admin/admin), change immediately in production")
		}
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	if cfg.WeChat.AppSecret == "" {
		logger.Warn("wechat.app_secret not set, QR code login will be unavailable")
	}

	return h, nil
}

func newBus(ctx context.Context, cfg config.BusConfig, logger *slog.Logger) (bus.Bus, error) {
	switch cfg.Driver {
	case "redis":
		return bus.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.ChannelPrefix, logger)
	case "memory", "":
		return bus.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported bus driver: %q", cfg.Driver)
	}
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    h.cfg.Server.Addr,
		Handler: h.api.Handler(),
	}

	// Consume cross-instance fanout events.
	go func() {
		if err := h.router.Run(ctx); err != nil && ctx.Err() == nil {
			h.logger.Error("bus subscription ended", "error", err)
		}
	}()

	// Start idle session reaper.
	h.router.StartIdleReaper(ctx, h.cfg.Session.IdleTimeout.Duration)

	// Start rate limiter cleanup tasks.
	h.api.StartBackgroundTasks(ctx)

	// Start retention purger.
	if h.cfg.Storage.Retention.Duration > 0 {
		go h.runRetentionPurger(ctx, h.cfg.Storage.Retention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("wispd listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.logger.Info("closing bus and store")
		_ = h.bus.Close()
		_ = h.store.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = h.bus.Close()
		_ = h.store.Close()
		return err
	}
}

func (h *Hub) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := h.store.PurgeOldMessages(ctx, cutoff); err != nil {
				h.logger.Warn("retention purge failed", "error", err)
			} else if n > 0 {
				h.logger.Info("retention purge deleted old messages", "count", n)
			}
		}
	}
}
