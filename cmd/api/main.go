package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"pumpup-backend/internal/config"
	"pumpup-backend/internal/fairness"
	"pumpup-backend/internal/handlers"
	"pumpup-backend/internal/services"
	"pumpup-backend/internal/storage"
	"pumpup-backend/internal/storage/redisstore"
	"pumpup-backend/internal/storage/sqlstore"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if cfg.UsesRedis() {
		redisClient, err = redisstore.Connect(ctx, cfg.RedisURL, cfg.RedisPass, cfg.RedisDB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
	}

	store, err := openStore(ctx, cfg, redisClient)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.Store, err)
	}
	defer store.Close()

	oracle, err := fairness.NewOracle(nil)
	if err != nil {
		log.Fatalf("Invalid fairness curves: %v", err)
	}

	jwtService := services.NewJWTService(cfg)
	engine := services.NewEngine(store, services.NewLedger(store), oracle, services.EngineConfig{
		MaxStake:        cfg.MaxStake,
		StartingBalance: cfg.StartingBalance,
	})

	wsHandler := handlers.NewWebSocketHandler(engine)
	defer wsHandler.Close()
	engine.SetBroadcaster(wsHandler)

	routerCfg := handlers.RouterConfig{
		Engine:     engine,
		Store:      store,
		JWT:        jwtService,
		WebSocket:  wsHandler,
		AdminToken: cfg.AdminToken,
	}
	if cfg.RateLimit && redisClient != nil {
		routerCfg.Limiter = redisstore.NewLimiter(redisClient)
	}

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Server starting on port %s (store: %s)", cfg.Port, cfg.Store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Graceful shutdown failed: %v", err)
	}
}

func openStore(ctx context.Context, cfg *config.Config, redisClient *redis.Client) (storage.Store, error) {
	switch cfg.Store {
	case config.StorePostgres:
		return sqlstore.OpenPostgres(ctx, cfg.DatabaseURL)
	case config.StoreRedis:
		return redisstore.New(redisClient), nil
	default:
		return sqlstore.OpenSQLite(ctx, cfg.SQLitePath)
	}
}
