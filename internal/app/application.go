package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"collabspace/internal/api"
	"collabspace/internal/archive"
	"collabspace/internal/channel"
	"collabspace/internal/config"
	"collabspace/internal/hub"
	"collabspace/internal/lifecycle"
	"collabspace/internal/presence"
	"collabspace/internal/reconciler"
	"collabspace/internal/registry"
)

// Application coordinates all system components.
// ARCHITECTURAL DISCOVERY: Initialization follows strict dependency order:
// Archive → Registry → Presence → Reconciler → Channel → Lifecycle → Hub →
// API → HTTP. The channel manager precedes the lifecycle manager because it
// is the Broadcaster the lifecycle writes through; the hub comes last and
// is attached to both via their setter hooks.
type Application struct {
	config          *config.Config
	store           *archive.Store
	sessionRegistry *registry.Registry
	tracker         *presence.Tracker
	channelManager  *channel.Manager
	sessionHub      *hub.Hub
	apiServer       *api.Server
	httpServer      *http.Server
}

// NewApplication builds the full component graph from configuration.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := archive.Open(&archive.Config{
		Path:            cfg.Archive.Path,
		MaxConnections:  10,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
		WriteTimeout:    cfg.Archive.WriteTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	sessionRegistry := registry.New(cfg.Session.ClosedRetention)
	tracker := presence.NewTracker(cfg.Session.HeartbeatTimeout, cfg.Session.DisconnectGrace)
	rec := reconciler.New(cfg.Session.ChatRetention)

	limiter := channel.NewRateLimiter(
		cfg.RateLimit.MessagesPerWindow,
		cfg.RateLimit.CursorPerWindow,
		cfg.RateLimit.Window,
	)
	channelManager := channel.NewManager(limiter, channel.Config{
		ReadTimeout:  cfg.Channel.ReadTimeout,
		PingInterval: cfg.Channel.PingInterval,
		WriteTimeout: cfg.Channel.WriteTimeout,
		SendBuffer:   cfg.Channel.SendBuffer,
	})

	manager := lifecycle.NewManager(sessionRegistry, tracker, rec,
		channelManager, channelManager, store)

	sessionHub := hub.NewHub(manager, cfg.Session.QueueSize)
	tracker.SetEvents(sessionHub)
	channelManager.SetDispatcher(sessionHub)

	apiServer := api.NewServer(sessionRegistry, store, channelManager)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("/ws", channelManager.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:          cfg,
		store:           store,
		sessionRegistry: sessionRegistry,
		tracker:         tracker,
		channelManager:  channelManager,
		sessionHub:      sessionHub,
		apiServer:       apiServer,
		httpServer:      httpServer,
	}, nil
}

// Start runs the hub, then the HTTP server.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting collabspace on %s", app.httpServer.Addr)

	if err := app.sessionHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session hub: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		_ = app.sessionHub.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("collabspace started")
		return nil
	case <-ctx.Done():
		_ = app.sessionHub.Stop()
		return ctx.Err()
	}
}

// Stop shuts components down in reverse dependency order:
// HTTP → channel → hub → archive.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down collabspace")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	app.channelManager.Shutdown()

	if err := app.sessionHub.Stop(); err != nil && err != hub.ErrHubNotRunning {
		log.Printf("Hub shutdown error: %v", err)
	}

	if err := app.store.Close(); err != nil {
		log.Printf("Archive shutdown error: %v", err)
	}

	log.Printf("collabspace shutdown complete")
	return nil
}

// Addr returns the configured listen address.
func (app *Application) Addr() string {
	return app.httpServer.Addr
}

// Handler exposes the HTTP handler for in-process test servers.
func (app *Application) Handler() http.Handler {
	return app.httpServer.Handler
}
