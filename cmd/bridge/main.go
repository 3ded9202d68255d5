package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remote-hub-bridge/bridge/api/handlers"
	"github.com/remote-hub-bridge/bridge/internal/buffer"
	"github.com/remote-hub-bridge/bridge/internal/db"
	"github.com/remote-hub-bridge/bridge/internal/hub"
	"github.com/remote-hub-bridge/bridge/internal/identity"
	"github.com/remote-hub-bridge/bridge/internal/localws"
	"github.com/remote-hub-bridge/bridge/internal/metrics"
	"github.com/remote-hub-bridge/bridge/internal/model"
	"github.com/remote-hub-bridge/bridge/internal/relay"
	"github.com/remote-hub-bridge/bridge/internal/repository"
)

const eventRingSize = 64

func main() {
	// Get configuration from environment
	port := getEnv("PORT", "8080")
	dbPath := getEnv("DB_PATH", "data/bridge.db")
	identityPath := getEnv("IDENTITY_PATH", "data/identity.json")
	originOverridePath := getEnv("RELAY_ORIGIN_FILE", "data/relay_origin")
	hubURL := getEnv("HUB_WS_URL", "ws://127.0.0.1:8123/api/websocket")
	hubToken := os.Getenv("HUB_ACCESS_TOKEN")

	// Ensure data directories exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(identityPath), 0755); err != nil {
		log.Fatalf("Failed to create identity directory: %v", err)
	}

	// Initialize database
	database, err := db.InitDB(dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.CloseDB()

	journalRepo := repository.NewJournalRepository(database)

	// Initialize agent identity
	identityStore := identity.NewStore(identityPath)
	if _, err := identityStore.PublicKey(); err != nil {
		log.Fatalf("Failed to load agent identity: %v", err)
	}

	m := metrics.NewMetrics()

	// Initialize local fan-out
	localServer := localws.NewServer()
	defer localServer.Close()
	localServer.SetOnCountChange(func(count int) {
		m.LocalClientsConnected.Set(float64(count))
	})

	ring := buffer.NewEventRing(eventRingSize)

	// Initialize hub client
	hubClient := hub.NewClient(hub.Config{
		URL:         hubURL,
		AccessToken: hubToken,
	})

	localHandler := localws.NewHandler(localServer, meteredHub{hubClient, m, "local"}, ring)

	// Initialize relay session manager
	origin := relay.ResolveOrigin(originOverridePath, os.Getenv("RELAY_ORIGIN"))
	relayManager := relay.NewManager(relay.Config{
		Origin:   origin,
		Identity: identityStore,
		Hub:      meteredHub{hubClient, m, "relay"},
		OnStatusChange: func(status model.RelayStatus, detail string) {
			entry := string(status)
			if detail != "" {
				entry += ": " + detail
			}
			appendJournal(journalRepo, model.JournalKindRelayStatus, entry)
			if status == model.RelayStatusConnecting {
				m.RelayReconnectsTotal.Inc()
			}
		},
	})

	hubClient.OnStateChanged(func(change model.StateChange) {
		m.HubEventsTotal.Inc()
		localHandler.BroadcastStateChange(change.EntityID, change.NewState, change.OldState)

		snap := relayManager.Status()
		m.RelayViewers.Set(float64(snap.ViewerCount))
		if snap.Registered && snap.ViewerCount > 0 {
			m.RelayForwardedTotal.Inc()
		}
		relayManager.ForwardStateChange(change)
	})

	hubClient.OnConnection(func(connected bool) {
		localHandler.NotifyHubConnection(connected)
		detail := "disconnected"
		if connected {
			detail = "subscribed"
		} else {
			m.HubReconnectsTotal.Inc()
		}
		appendJournal(journalRepo, model.JournalKindHubStatus, detail)
	})

	// Initialize handlers
	bridgeHandler := handlers.NewBridgeHandler(relayManager, hubClient, identityStore, localServer, journalRepo)
	bridgeHandler.OnPairingChange = func(detail string) {
		appendJournal(journalRepo, model.JournalKindPairing, detail)
	}
	wsHandler := handlers.NewWebSocketHandler(localHandler)

	// Initialize Gin router
	r := gin.Default()

	// Enable CORS for development
	r.Use(corsMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})

	r.GET("/metrics", gin.WrapH(m.Handler()))

	// API routes
	api := r.Group("/api")
	{
		bridgeHandler.RegisterRoutes(api)
	}

	// WebSocket endpoint for local clients
	wsHandler.RegisterRoutes(r)

	// Connect outward
	hubClient.Start()
	if err := relayManager.Start(); err != nil {
		log.Printf("Relay not started: %v (fix the origin and POST /api/relay/start)", err)
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down bridge...")
		relayManager.Stop()
		hubClient.Stop()
		localServer.Close()
		db.CloseDB()
		os.Exit(0)
	}()

	// Start server
	log.Printf("Starting bridge on port %s (relay origin %s, source %s)", port, origin.URL, origin.Source)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// appendJournal records a lifecycle entry, best-effort.
func appendJournal(repo *repository.JournalRepository, kind model.JournalKind, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := repo.Append(ctx, kind, detail); err != nil {
		log.Printf("Failed to append journal entry: %v", err)
	}
}

// meteredHub wraps the hub client to count routed service calls per
// source.
type meteredHub struct {
	inner  *hub.Client
	m      *metrics.Metrics
	source string
}

func (h meteredHub) CallService(ctx context.Context, domain, service string, data, target json.RawMessage) (json.RawMessage, error) {
	result, err := h.inner.CallService(ctx, domain, service, data, target)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	h.m.IncrementServiceCall(h.source, outcome)
	return result, err
}

func (h meteredHub) GetStates(ctx context.Context) (json.RawMessage, error) {
	return h.inner.GetStates(ctx)
}

func (h meteredHub) GetConfig(ctx context.Context) (json.RawMessage, error) {
	return h.inner.GetConfig(ctx)
}

func (h meteredHub) Connected() bool {
	return h.inner.Connected()
}

// corsMiddleware returns a CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
