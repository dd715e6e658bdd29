package models

type LoginRequest struct {
	Username string `json:"username" binding:"required,max=64"`
}

type StartRoundRequest struct {
	Stake      int64      `json:"stake"`
	ClientSeed string     `json:"client_seed" binding:"max=128"`
	Difficulty Difficulty `json:"difficulty"`
}

type StepRequest struct {
	RoundID    string     `json:"round_id" binding:"required"`
	Difficulty Difficulty `json:"difficulty"`
}

type CashoutRequest struct {
	RoundID string `json:"round_id" binding:"required"`
}

type CreditRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Amount int64  `json:"amount" binding:"required,min=1"`
	Reason string `json:"reason"`
}

type StepResult struct {
	Result     string  `json:"result"` // survived, exploded
	Step       int     `json:"step"`
	Multiplier float64 `json:"multiplier"`

	// FinalMultiplier is set once the round exploded.
	FinalMultiplier float64 `json:"final_multiplier,omitempty"`
	ServerSeed      string  `json:"server_seed,omitempty"`
	Round           Round   `json:"-"`
}

type CashoutResult struct {
	Result          string  `json:"result"`
	Payout          int64   `json:"payout"`
	FinalMultiplier float64 `json:"final_multiplier"`
	ServerSeed      string  `json:"server_seed"`
	ServerSeedHash  string  `json:"server_seed_hash"`
	Round           Round   `json:"-"`
}
