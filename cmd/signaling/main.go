package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kinakaase/signaling/config"
	"github.com/kinakaase/signaling/internal/call"
	"github.com/kinakaase/signaling/internal/handlers"
	"github.com/kinakaase/signaling/internal/middleware"
	"github.com/kinakaase/signaling/internal/redis"
	"github.com/kinakaase/signaling/internal/registry"
	"github.com/kinakaase/signaling/internal/relay"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func main() {
	cfg := config.Load()

	var log zerolog.Logger
	if cfg.Environment == "production" {
		log = zerolog.New(os.Stdout).With().Timestamp().Logger()
		gin.SetMode(gin.ReleaseMode)
	} else {
		w := zerolog.ConsoleWriter{Out: os.Stdout}
		log = zerolog.New(w).With().Timestamp().Caller().Logger()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	rdb, err := redis.Connect(ctx, cfg.Redis)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rdb.Close()
	log.Info().Str("host", cfg.Redis.Host).Msg("redis connection established")

	store := registry.NewRedisStore(rdb)
	reg := registry.New(store, cfg.RoomTTL, log)
	hub := relay.NewHub(log)

	rooms := handlers.NewRooms(store, cfg.RoomTTL, cfg.MaxParticipants, log)
	roomGateway := handlers.NewRoomGateway(rooms, reg, hub, log)

	eventsGateway := handlers.NewEventsGateway(log)
	directory := call.NewRedisDirectory(rdb)
	machine := call.NewMachine(directory, eventsGateway, call.NopNotifier{}, cfg.RingTimeout, log)
	eventsGateway.AttachMachine(machine)

	router := gin.Default()
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", handlers.Login(cfg.JWTSecret))
		apiGroup.POST("/rooms", middleware.JWTAuth(cfg.JWTSecret), rooms.Create)
		apiGroup.GET("/rooms/:roomId", rooms.Get)
		apiGroup.DELETE("/rooms/:roomId", middleware.JWTAuth(cfg.JWTSecret), rooms.Delete)
	}

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/rooms/:roomId", roomGateway.HandleSignaling)
		wsGroup.GET("/events", middleware.JWTAuth(cfg.JWTSecret), eventsGateway.HandleEvents)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("starting signaling server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited")
}
