package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"pumpup-backend/internal/models"
	"pumpup-backend/internal/services"
)

type UserHandler struct {
	engine     *services.Engine
	jwtService *services.JWTService
}

func NewUserHandler(engine *services.Engine, jwtService *services.JWTService) *UserHandler {
	return &UserHandler{
		engine:     engine,
		jwtService: jwtService,
	}
}

// Login creates a demo identity. Every call yields a new user.
func (h *UserHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadPayload(c, err)
		return
	}

	user, err := h.engine.Login(c.Request.Context(), strings.TrimSpace(req.Username))
	if err != nil {
		respondError(c, err)
		return
	}

	token, err := h.jwtService.GenerateToken(user.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":  user.ID,
		"username": user.Username,
		"token":    token,
		"balance":  user.Balance,
	})
}

func (h *UserHandler) GetBalance(c *gin.Context) {
	balance, err := h.engine.Balance(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

func (h *UserHandler) GetLedger(c *gin.Context) {
	entries, err := h.engine.Ledger().Entries(c.Request.Context(), currentUser(c), queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
