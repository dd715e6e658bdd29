package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"pumpup-backend/internal/fairness"
	"pumpup-backend/internal/models"
	"pumpup-backend/internal/services"
)

const defaultHistoryLimit = 20

type GameHandler struct {
	engine *services.Engine
}

func NewGameHandler(engine *services.Engine) *GameHandler {
	return &GameHandler{engine: engine}
}

func (h *GameHandler) StartRound(c *gin.Context) {
	var req models.StartRoundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadPayload(c, err)
		return
	}

	round, err := h.engine.Start(c.Request.Context(), currentUser(c), req)
	if err != nil {
		respondError(c, err)
		return
	}

	curve, err := h.engine.Curve(round.Difficulty)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"round_id":         round.ID,
		"step":             round.Step,
		"multiplier":       round.MultiplierFloat(),
		"server_seed_hash": round.ServerSeedHash,
		"stake":            round.Stake,
		"difficulty":       round.Difficulty,
		"client_seed":      round.ClientSeed,
		"max_steps":        curve.MaxSteps,
		"status":           round.Status,
	})
}

func (h *GameHandler) Step(c *gin.Context) {
	var req models.StepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadPayload(c, err)
		return
	}

	result, err := h.engine.Step(c.Request.Context(), req.RoundID, currentUser(c), req.Difficulty)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *GameHandler) Cashout(c *gin.Context) {
	var req models.CashoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadPayload(c, err)
		return
	}

	result, err := h.engine.Cashout(c.Request.Context(), req.RoundID, currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *GameHandler) GetRound(c *gin.Context) {
	round, err := h.engine.Round(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, roundView(round))
}

func (h *GameHandler) GetHistory(c *gin.Context) {
	rounds, err := h.engine.History(c.Request.Context(), currentUser(c), queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}

	views := make([]gin.H, len(rounds))
	for i, r := range rounds {
		views[i] = roundView(r)
	}
	c.JSON(http.StatusOK, gin.H{"rounds": views})
}

// VerifyRound is public: anyone holding a round id can replay it once the
// round has ended.
func (h *GameHandler) VerifyRound(c *gin.Context) {
	verification, err := h.engine.Verify(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, verification)
}

func (h *GameHandler) GetCurves(c *gin.Context) {
	curves := h.engine.Curves()
	views := make([]gin.H, len(curves))
	for i, curve := range curves {
		views[i] = curveView(curve)
	}
	c.JSON(http.StatusOK, gin.H{
		"house_edge_min": 1 - fairness.MaxStepRTP,
		"curves":         views,
	})
}

func roundView(r models.Round) gin.H {
	view := gin.H{
		"round_id":         r.ID,
		"stake":            r.Stake,
		"difficulty":       r.Difficulty,
		"step":             r.Step,
		"multiplier":       r.MultiplierFloat(),
		"status":           r.Status,
		"payout":           r.Payout,
		"server_seed_hash": r.ServerSeedHash,
		"client_seed":      r.ClientSeed,
		"nonce":            r.Nonce,
		"created_at":       r.CreatedAt,
		"updated_at":       r.UpdatedAt,
	}
	if r.ServerSeed != "" {
		view["server_seed"] = r.ServerSeed
	}
	if !r.EndedAt.IsZero() {
		view["ended_at"] = r.EndedAt
	}
	return view
}

func curveView(c fairness.Curve) gin.H {
	survival := make([]float64, c.MaxSteps)
	multipliers := make([]float64, c.MaxSteps)
	for step := 1; step <= c.MaxSteps; step++ {
		survival[step-1] = c.SurvivalProbability(step)
		multipliers[step-1] = models.MultiplierToFloat(c.MultiplierAt(step))
	}
	return gin.H{
		"difficulty":     c.Difficulty,
		"base_survival":  c.BaseSurvival,
		"decay_per_step": c.DecayPerStep,
		"min_survival":   c.MinSurvival,
		"growth":         c.GrowthFactor(),
		"max_steps":      c.MaxSteps,
		"survival":       survival,
		"multipliers":    multipliers,
	}
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultHistoryLimit)))
	if err != nil || limit <= 0 {
		return defaultHistoryLimit
	}
	return limit
}
