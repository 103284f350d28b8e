package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"termtalk/internal/auth"
	"termtalk/internal/chat"
	"termtalk/internal/config"
	"termtalk/internal/database"
	"termtalk/internal/handlers"
	"termtalk/internal/presence"
	"termtalk/internal/services"
	"termtalk/internal/websocket"
	"termtalk/pkg/logger"

	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	relayRetryDelay = time.Second
)

func main() {
	// Load configuration
	cfg := config.Load()
	logger.GlobalLogger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := database.NewPostgresDB(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Initialize presence store and bus
	store, err := openPresenceStore(ctx, cfg.Presence)
	if err != nil {
		logger.Fatal("Failed to open presence store: %v", err)
	}
	defer store.Close()

	// Initialize router and relay
	registry := websocket.NewRegistry()
	router := chat.NewRouter(store, registry, chat.Options{LeaseTTL: cfg.Presence.LeaseTTL})
	relay := chat.NewRelay(store, router, relayRetryDelay)

	// Initialize services
	authService := auth.NewService(db, cfg)
	chatService := services.NewChatService(router, cfg.Chat.DefaultRoom)

	// Initialize handlers
	authHandlers := handlers.NewAuthHandlers(authService)
	roomHandlers := handlers.NewRoomHandlers(router, authService)
	wsHandlers := handlers.NewWebSocketHandlers(authService, chatService, registry, websocket.Config{
		HeartbeatInterval: cfg.Chat.HeartbeatInterval,
		ClientTimeout:     cfg.Chat.ClientTimeout,
		MaxMessageSize:    cfg.Server.MaxMessageSize,
	})

	// Setup routes
	mux := http.NewServeMux()
	setupRoutes(mux, authHandlers, roomHandlers, wsHandlers)

	// Create server
	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// The router outlives the HTTP server so departing clients can still
	// be disconnected cleanly.
	routerCtx, stopRouter := context.WithCancel(context.Background())
	defer stopRouter()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return router.Run(routerCtx)
	})
	g.Go(func() error {
		return relay.Run(routerCtx)
	})
	g.Go(func() error {
		return router.RunSweeper(routerCtx, cfg.Presence.SweepInterval)
	})
	g.Go(func() error {
		select {
		case <-relay.Ready():
		case <-gctx.Done():
			return nil
		}
		logger.Info("🚀 Server started on http://localhost%s", cfg.Server.Port)
		logger.Info("📡 WebSocket endpoint: ws://localhost%s/connect", cfg.Server.Port)
		printAPIEndpoints()
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Server shutting down...")
		defer stopRouter()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := server.Shutdown(shutdownCtx)
		registry.CloseAll()
		drainClients(shutdownCtx, registry)
		// wait for queued disconnects to be applied
		if _, snapErr := router.Snapshot(shutdownCtx); snapErr != nil {
			logger.Warn("Router did not drain: %v", snapErr)
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error: %v", err)
		os.Exit(1)
	}
	logger.Info("Server stopped")
}

func openPresenceStore(ctx context.Context, cfg config.PresenceConfig) (presence.Store, error) {
	var bus *presence.NATSBus
	if cfg.BusBackend == "nats" {
		conn, err := presence.ConnectNATS(cfg.NATSURL, "termtalk")
		if err != nil {
			return nil, err
		}
		bus = presence.NewNATSBus(conn, presence.ChatMessagesSubject)
		logger.Info("Using NATS bus at %s", cfg.NATSURL)
	}

	switch cfg.Backend {
	case "memory":
		logger.Warn("Using in-memory presence store; state is not shared across processes")
		mem := presence.NewMemoryStore()
		if bus != nil {
			return presence.Combine(mem, bus, bus, mem), nil
		}
		return mem, nil

	default:
		client, err := presence.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			if bus != nil {
				bus.Close()
			}
			return nil, err
		}
		logger.Info("Connected to Redis at %s", cfg.RedisURL)
		if bus != nil {
			return presence.Combine(presence.NewRedisSets(client), bus, bus, client), nil
		}
		return presence.NewRedisStore(client), nil
	}
}

func drainClients(ctx context.Context, registry *websocket.Registry) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for registry.Count() > 0 {
		select {
		case <-ctx.Done():
			logger.Warn("%d connections still open at shutdown", registry.Count())
			return
		case <-ticker.C:
		}
	}
}

func setupRoutes(mux *http.ServeMux, authHandlers *handlers.AuthHandlers, roomHandlers *handlers.RoomHandlers, wsHandlers *handlers.WebSocketHandlers) {
	mux.HandleFunc("/healthcheck", handlers.HealthCheck)

	// Auth routes
	mux.HandleFunc("/login", authHandlers.Login)
	mux.HandleFunc("/register", authHandlers.Register)

	// Presence routes
	mux.HandleFunc("/rooms", roomHandlers.ListRooms)
	mux.HandleFunc("/rooms/", roomHandlers.GetRoomUsers)
	mux.HandleFunc("/online", roomHandlers.GetOnlineUsers)

	// WebSocket route
	mux.HandleFunc("/connect", wsHandlers.HandleConnect)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Expose-Headers", "Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func printAPIEndpoints() {
	logger.Info("🔗 API endpoints:")
	logger.Info("   GET  /healthcheck")
	logger.Info("   POST /register")
	logger.Info("   POST /login")
	logger.Info("   GET  /rooms")
	logger.Info("   GET  /rooms/{name}/users")
	logger.Info("   GET  /online")
	logger.Info("   GET  /connect")
}
