package handlers

import (
	"github.com/gin-gonic/gin"

	"pumpup-backend/internal/middleware"
	"pumpup-backend/internal/services"
	"pumpup-backend/internal/storage"
)

type RouterConfig struct {
	Engine     *services.Engine
	Store      storage.Store
	JWT        *services.JWTService
	WebSocket  *WebSocketHandler
	AdminToken string
	// Limiter enables per-user rate limits when set.
	Limiter middleware.RateLimiter
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	userHandler := NewUserHandler(cfg.Engine, cfg.JWT)
	gameHandler := NewGameHandler(cfg.Engine)
	adminHandler := NewAdminHandler(cfg.Engine)

	router := gin.Default()
	router.Use(middleware.CORSMiddleware())

	router.GET("/health", Health(cfg.Store))
	router.POST("/auth/login", userHandler.Login)
	router.GET("/fairness/curves", gameHandler.GetCurves)
	router.GET("/rounds/:id/verify", gameHandler.VerifyRound)

	protected := router.Group("/")
	protected.Use(middleware.AuthMiddleware(cfg.JWT))
	if cfg.Limiter != nil {
		protected.Use(middleware.RateLimitMiddleware(cfg.Limiter))
	}
	{
		protected.GET("/balance", userHandler.GetBalance)
		protected.GET("/ledger", userHandler.GetLedger)

		rounds := protected.Group("/rounds")
		{
			rounds.POST("/start", gameHandler.StartRound)
			rounds.POST("/step", gameHandler.Step)
			rounds.POST("/cashout", gameHandler.Cashout)
			rounds.GET("", gameHandler.GetHistory)
			rounds.GET("/:id", gameHandler.GetRound)
		}

		if cfg.WebSocket != nil {
			protected.GET("/ws", cfg.WebSocket.HandleWebSocket)
		}
	}

	admin := router.Group("/admin")
	admin.Use(middleware.AdminMiddleware(cfg.AdminToken))
	{
		admin.GET("/logs", adminHandler.GetLogs)
		admin.POST("/credit", adminHandler.Credit)
	}

	return router
}
