package models

import "time"

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

type RoundStatus string

const (
	RoundStatusActive    RoundStatus = "active"
	RoundStatusExploded  RoundStatus = "exploded"
	RoundStatusCashedOut RoundStatus = "cashed_out"
)

func (s RoundStatus) Terminal() bool {
	return s == RoundStatusExploded || s == RoundStatusCashedOut
}

// MultiplierScale is the fixed-point denominator of Round.Multiplier.
const MultiplierScale int64 = 1_000_000

type Round struct {
	ID         string      `json:"id" redis:"id"`
	UserID     string      `json:"user_id" redis:"user_id"`
	Stake      int64       `json:"stake" redis:"stake"`
	Difficulty Difficulty  `json:"difficulty" redis:"difficulty"`
	Step       int         `json:"step" redis:"step"`
	Multiplier int64       `json:"multiplier_ppm" redis:"multiplier"`
	Status     RoundStatus `json:"status" redis:"status"`
	Payout     int64       `json:"payout" redis:"payout"`

	// Provably fair
	ServerSeed     string `json:"server_seed" redis:"server_seed"`
	ServerSeedHash string `json:"server_seed_hash" redis:"server_seed_hash"`
	ClientSeed     string `json:"client_seed" redis:"client_seed"`
	Nonce          int64  `json:"nonce" redis:"nonce"`

	CreatedAt time.Time `json:"created_at" redis:"created_at"`
	UpdatedAt time.Time `json:"updated_at" redis:"updated_at"`
	EndedAt   time.Time `json:"ended_at" redis:"ended_at"`
}

func (r *Round) Active() bool {
	return r.Status == RoundStatusActive
}

// MultiplierFloat is the multiplier as shown to players.
func (r *Round) MultiplierFloat() float64 {
	return MultiplierToFloat(r.Multiplier)
}

// Public returns a copy safe to hand to the owner: the server seed stays
// hidden until the round is terminal.
func (r Round) Public() Round {
	if !r.Status.Terminal() {
		r.ServerSeed = ""
	}
	return r
}
