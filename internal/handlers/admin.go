package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"pumpup-backend/internal/models"
	"pumpup-backend/internal/services"
	"pumpup-backend/internal/storage"
)

type AdminHandler struct {
	engine *services.Engine
}

func NewAdminHandler(engine *services.Engine) *AdminHandler {
	return &AdminHandler{engine: engine}
}

// GetLogs returns the newest round events across all users.
func (h *AdminHandler) GetLogs(c *gin.Context) {
	events, err := h.engine.Events(c.Request.Context(), queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if events == nil {
		events = []models.Event{}
	}

	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *AdminHandler) Credit(c *gin.Context) {
	var req models.CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadPayload(c, err)
		return
	}

	balance, err := h.engine.Credit(c.Request.Context(), req.UserID, req.Amount, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id": req.UserID,
		"balance": balance,
	})
}

// Health reports whether the store answers a ping.
func Health(store storage.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
