package main

import (
	"context"
	"log"

	"github.com/crewdeck/call-signaling/config"
	"github.com/crewdeck/call-signaling/internal/bus"
	"github.com/crewdeck/call-signaling/internal/handlers"
	"github.com/crewdeck/call-signaling/internal/middleware"
	"github.com/crewdeck/call-signaling/internal/presence"
	"github.com/crewdeck/call-signaling/internal/redis"

	"github.com/gin-gonic/gin"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Connect to Redis
	if err := redis.Connect(cfg.Redis); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	log.Println("Redis connection established")

	// The bus carries every call signal; the tracker records who is
	// attached to a gateway right now.
	signalBus := bus.NewRedis(redis.GetClient())
	tracker := presence.NewRedisTracker(redis.GetClient(), cfg.PresenceTTL)

	gateway := handlers.NewGateway(signalBus, tracker, cfg.Signal.Channel, cfg.Signal.Event)
	if err := gateway.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start gateway: %v", err)
	}
	defer gateway.Close()

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", handlers.Login(cfg.JWTSecret))

		// Video room credential (requires JWT)
		apiGroup.POST("/video/token", middleware.JWTAuth(cfg.JWTSecret), handlers.VideoToken(cfg.Video))

		// Who is online (requires JWT)
		apiGroup.GET("/presence", middleware.JWTAuth(cfg.JWTSecret), handlers.Presence(tracker))
	}

	// WebSocket signaling endpoint; the token rides the query string
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signal", middleware.JWTAuth(cfg.JWTSecret), gateway.Attach)
	}

	// Start server
	log.Printf("Starting call signaling server on port %s", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
