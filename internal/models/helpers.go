package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"pumpup-backend/internal/apperr"
)

func GenerateUserID() string {
	return uuid.New().String()
}

func GenerateRoundID() string {
	return uuid.New().String()
}

func GenerateEntryID() string {
	return uuid.New().String()
}

func GenerateClientSeed() (string, error) {
	bytes := make([]byte, 16) // 128 bits of entropy
	_, err := rand.Read(bytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate client seed: %v", err)
	}
	return hex.EncodeToString(bytes), nil
}

// CalculatePayout returns floor(stake × multiplier) with the multiplier in
// millionths. Exact for any int64 inputs.
func CalculatePayout(stake, multiplier int64) int64 {
	p := new(big.Int).Mul(big.NewInt(stake), big.NewInt(multiplier))
	p.Quo(p, big.NewInt(MultiplierScale))
	return p.Int64()
}

func MultiplierToFloat(multiplier int64) float64 {
	return float64(multiplier) / float64(MultiplierScale)
}

func (r *StartRoundRequest) Validate(maxStake int64) error {
	if r.Stake <= 0 {
		return apperr.New(apperr.CodeInvalidStake, "stake must be positive")
	}
	if maxStake > 0 && r.Stake > maxStake {
		return apperr.New(apperr.CodeInvalidStake, fmt.Sprintf("maximum stake is %d", maxStake))
	}
	if !r.Difficulty.Valid() {
		return apperr.New(apperr.CodeInvalidDifficulty, fmt.Sprintf("invalid difficulty: %s", r.Difficulty))
	}
	return nil
}
