package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"examwatch/internal/api"
	"examwatch/internal/classifier"
	"examwatch/internal/config"
	"examwatch/internal/database"
	"examwatch/internal/engine"
	"examwatch/internal/hub"
	"examwatch/internal/ingest"
	"examwatch/internal/store"
	"examwatch/internal/websocket"
	pkgdatabase "examwatch/pkg/database"
)

// Application wires and runs every component. Initialization follows
// dependency order: Database -> Store -> Classifier -> Hub -> Gateway ->
// Engine -> Transport.
type Application struct {
	config     *config.Config
	dbManager  *database.Manager
	store      *store.Manager
	classifier *classifier.Classifier
	broadcast  *hub.Hub
	gateway    *ingest.Gateway
	engine     *engine.Engine
	registry   *websocket.Registry
	apiServer  *api.Server
	httpServer *http.Server
}

// NewApplication builds a fully wired application from configuration.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dbConfig := &pkgdatabase.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  10,
		ConnMaxLifetime: cfg.Database.Timeout,
		ConnMaxIdleTime: cfg.Database.Timeout / 3,
	}
	dbManager, err := database.NewManager(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	migrationManager := pkgdatabase.NewMigrationManager(dbManager.GetDB())
	if err := migrationManager.ApplyMigrations(); err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	log.Println("Database migrations applied successfully")

	sessionStore := store.NewManager(dbManager, cfg.Proctoring.ReconnectGrace)
	if err := sessionStore.LoadActive(context.Background()); err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("failed to load active attempts: %w", err)
	}

	policy := classifier.Policy{
		BaseSeverity:               classifier.DefaultPolicy().BaseSeverity,
		DedupWindow:                cfg.Proctoring.DedupWindow,
		EscalationThreshold:        cfg.Proctoring.EscalationThreshold,
		EscalationWindow:           cfg.Proctoring.EscalationWindow,
		CriticalTerminateThreshold: cfg.Proctoring.CriticalTerminateThreshold,
	}
	alertClassifier := classifier.NewClassifier(policy, sessionStore, dbManager)
	if err := alertClassifier.LoadUnresolved(context.Background()); err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("failed to recover alerts: %w", err)
	}

	broadcast := hub.NewHub(sessionStore, alertClassifier)
	// The hub reads snapshots from the store and classifier; they in turn
	// publish changes into the hub, so the publisher is wired last.
	sessionStore.SetPublisher(broadcast)
	alertClassifier.SetPublisher(broadcast)

	gateway := ingest.NewGateway(sessionStore, alertClassifier)
	enforcement := engine.NewEngine(sessionStore, alertClassifier, gateway, cfg.Proctoring)

	registry := websocket.NewRegistry()
	wsHandler := websocket.NewHandler(registry, sessionStore, gateway, broadcast, cfg.WebSocket, cfg.Proctoring)
	apiServer := api.NewServer(sessionStore, alertClassifier, dbManager, registry)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		dbManager:  dbManager,
		store:      sessionStore,
		classifier: alertClassifier,
		broadcast:  broadcast,
		gateway:    gateway,
		engine:     enforcement,
		registry:   registry,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

// Start launches the hub, the enforcement engine, and the HTTP server.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting examwatch on %s", app.httpServer.Addr)

	app.broadcast.Start()
	app.engine.Start()

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		app.engine.Stop()
		app.broadcast.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("examwatch started")
		return nil
	case <-ctx.Done():
		app.engine.Stop()
		app.broadcast.Stop()
		return ctx.Err()
	}
}

// Stop shuts components down in reverse dependency order: HTTP first so
// no new events arrive, then engine, hub, and finally the database.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down examwatch")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	app.engine.Stop()
	app.broadcast.Stop()

	if err := app.dbManager.Close(); err != nil {
		log.Printf("Database shutdown error: %v", err)
	}

	log.Printf("examwatch shutdown complete")
	return nil
}

// GetAddr returns the HTTP listen address.
func (app *Application) GetAddr() string {
	return app.httpServer.Addr
}
