package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docsync/internal/api"
	"docsync/internal/config"
	"docsync/internal/db"
	"docsync/internal/docsync"
	"docsync/internal/repository"
	"docsync/internal/services/collaboration"
	"docsync/internal/telemetry"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

This main function demonstrates:
1. Picking the durable log and relay from configuration
2. Breaking the registry ↔ session manager cycle with a forwarding hook
3. Distributed tracing with Jaeger
4. Graceful shutdown: stop accepting, close sockets, flush rooms, close stores
*/

func main() {
	log.Println("🚀 Starting docsync room server...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Identifies this process on the relay so it can skip its own messages
	instanceID := uuid.NewString()

	// Initialize Jaeger tracing
	// Learning: Do this FIRST so all operations are traced
	jaegerShutdown := telemetry.Shutdown(telemetry.Noop)
	if cfg.TracingEnabled {
		jaegerShutdown, err = telemetry.InitJaeger("docsync", instanceID, cfg.JaegerEndpoint, cfg.TracingSampleRatio)
		if err != nil {
			log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
			jaegerShutdown = telemetry.Noop
		}
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	// Durable log
	var (
		durable  docsync.DurableLog
		database *db.GormDB
		rdb      *redis.Client
	)
	if cfg.LogBackend == config.BackendSQL || cfg.RelayBackend == config.RelayPostgres {
		database, err = db.NewGorm(cfg)
		if err != nil {
			log.Fatalf("❌ Failed to connect to database: %v", err)
		}
		defer database.Close()
	}
	if cfg.LogBackend == config.BackendRedis || cfg.RelayBackend == config.RelayRedis {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("❌ Failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
		}
		defer rdb.Close()
		log.Printf("✓ Redis connected at %s", cfg.RedisAddr)
	}

	switch cfg.LogBackend {
	case config.BackendSQL:
		durable = repository.NewGormLog(database.DB)
	case config.BackendRedis:
		durable = repository.NewRedisLog(rdb, cfg.RedisPrefix)
	default:
		durable = docsync.NewMemoryLog()
		log.Println("⚠️  Using in-memory log: rooms do not survive a restart")
	}

	// Relay to other server processes
	var relay collaboration.Relay
	switch cfg.RelayBackend {
	case config.RelayRedis:
		relay = collaboration.NewRedisRelay(rdb, cfg.RedisPrefix)
	case config.RelayPostgres:
		relay, err = collaboration.NewPostgresRelay(database.DB, cfg.DatabaseURL(), "docsync_relay")
		if err != nil {
			log.Fatalf("❌ Failed to start postgres relay: %v", err)
		}
	}

	// The registry needs the manager's commit hook and the manager needs the
	// registry; forward through a variable set before any room is loaded.
	var onCommit docsync.CommitHook
	registry := docsync.NewRegistry(docsync.RegistryOptions{
		RingSize:         cfg.RingSize,
		SnapshotInterval: cfg.SnapshotInterval,
		Log:              durable,
		IdleTimeout:      cfg.RoomIdleTimeout,
		OnCommit: func(roomID string, rec docsync.UpdateRecord) {
			if onCommit != nil {
				onCommit(roomID, rec)
			}
		},
	})

	// Initialize WebSocket session manager for the room gateway
	sessionManager := collaboration.NewSessionManager(registry, collaboration.Options{
		InstanceID:  instanceID,
		SendBuffer:  cfg.SessionSendBuffer,
		SessionIdle: cfg.SessionIdle,
		Relay:       relay,
	})
	onCommit = sessionManager.CommitHook()

	registry.Start()
	sessionManager.Start()

	// Initialize handlers with dependency injection
	wsHandler := collaboration.NewWebSocketHandler(sessionManager)
	handler := api.NewHandler(registry, wsHandler, instanceID)

	// Setup routes
	router := api.SetupRoutes(handler)

	// Configure HTTP server
	// Learning: no WriteTimeout; upgraded sockets manage their own deadlines
	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start HTTP server in a goroutine
	// Learning: This allows us to handle shutdown signals concurrently
	go func() {
		log.Printf("🌐 Server listening on http://%s (instance %s)", addr, instanceID)
		log.Printf("📚 Endpoints:")
		log.Printf("   GET    /api/health                       - Health check")
		log.Printf("   GET    /api/rooms                        - Loaded rooms")
		log.Printf("   GET    /api/rooms/:id                    - Room stats")
		log.Printf("   GET    /api/rooms/:id/catchup?fromSeq=N  - Patch or full reply")
		log.Printf("   GET    /api/rooms/:id/state              - Encoded document")
		log.Printf("   WS     /ws/rooms/:id                     - Sync session")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	// Shutdown HTTP server with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	// Close sockets first so no update arrives while rooms are flushed
	sessionManager.Shutdown()

	// Learning: Flush writes a snapshot per room so the next start replays less
	if err := registry.Close(ctx); err != nil {
		log.Printf("⚠️  Failed to flush rooms: %v", err)
	}

	log.Println("✓ Server shutdown complete")
}
