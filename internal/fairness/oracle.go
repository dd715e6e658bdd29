// Package fairness implements the commit-reveal scheme behind every round.
//
// Before the first step the server commits to a secret seed by publishing
// hex(sha256(seed)). Each step outcome is HMAC-SHA256 keyed by the seed over
// "<client seed>:<nonce>:<difficulty>", reduced to a float in [0, 1) from the
// first 52 bits of the digest. A step explodes when the outcome is at or above
// the published survival probability for that step. Once the round ends the
// seed is revealed and anyone can replay the whole round.
package fairness

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"pumpup-backend/internal/apperr"
	"pumpup-backend/internal/models"
)

const seedBytes = 32

type Oracle struct {
	table Table
	rand  io.Reader
}

// StepOutcome is one replayed step of a round.
type StepOutcome struct {
	Step                int     `json:"step"`
	Nonce               int64   `json:"nonce"`
	Outcome             float64 `json:"outcome"`
	SurvivalProbability float64 `json:"survival_probability"`
	Exploded            bool    `json:"exploded"`
	Multiplier          float64 `json:"multiplier"`
}

func NewOracle(table Table) (*Oracle, error) {
	if table == nil {
		table = DefaultTable
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return &Oracle{table: table, rand: rand.Reader}, nil
}

// Commit generates a fresh secret seed and its commitment hash.
func (o *Oracle) Commit() (string, string, error) {
	b := make([]byte, seedBytes)
	if _, err := io.ReadFull(o.rand, b); err != nil {
		return "", "", fmt.Errorf("generate server seed: %w", err)
	}
	seed := hex.EncodeToString(b)
	return seed, CommitmentHash(seed), nil
}

func (o *Oracle) Curve(d models.Difficulty) (Curve, error) {
	c, ok := o.table[d]
	if !ok {
		return Curve{}, apperr.New(apperr.CodeInvalidDifficulty, fmt.Sprintf("invalid difficulty: %s", d))
	}
	return c, nil
}

// Curves returns the published table ordered from easiest to hardest.
func (o *Oracle) Curves() []Curve {
	out := make([]Curve, 0, len(o.table))
	for _, c := range o.table {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].BaseSurvival > out[j].BaseSurvival
	})
	return out
}

// DeriveOutcome maps the inputs to a reproducible value in [0, 1).
func (o *Oracle) DeriveOutcome(serverSeed, clientSeed string, nonce int64, d models.Difficulty) (float64, error) {
	if _, err := o.Curve(d); err != nil {
		return 0, err
	}
	return deriveOutcome(serverSeed, clientSeed, nonce, d), nil
}

func (o *Oracle) IsExplosion(outcome float64, d models.Difficulty, step int) (bool, error) {
	c, err := o.Curve(d)
	if err != nil {
		return false, err
	}
	return outcome >= c.SurvivalProbability(step), nil
}

// Reveal returns the seed for client-side verification. Callers only reveal
// seeds of terminal rounds.
func (o *Oracle) Reveal(serverSeed string) string {
	return serverSeed
}

// Replay recomputes the outcome of every step attempted with nonces 1..nonce.
func (o *Oracle) Replay(serverSeed, clientSeed string, d models.Difficulty, nonce int64) ([]StepOutcome, error) {
	c, err := o.Curve(d)
	if err != nil {
		return nil, err
	}
	steps := make([]StepOutcome, 0, nonce)
	multiplier := models.MultiplierScale
	for n := int64(1); n <= nonce; n++ {
		step := int(n)
		value := deriveOutcome(serverSeed, clientSeed, n, d)
		p := c.SurvivalProbability(step)
		exploded := value >= p
		if !exploded {
			multiplier = c.NextMultiplier(multiplier)
		}
		steps = append(steps, StepOutcome{
			Step:                step,
			Nonce:               n,
			Outcome:             value,
			SurvivalProbability: p,
			Exploded:            exploded,
			Multiplier:          models.MultiplierToFloat(multiplier),
		})
		if exploded {
			break
		}
	}
	return steps, nil
}

func CommitmentHash(serverSeed string) string {
	h := sha256.Sum256([]byte(serverSeed))
	return hex.EncodeToString(h[:])
}

func VerifyCommitment(serverSeed, hash string) bool {
	return hmac.Equal([]byte(CommitmentHash(serverSeed)), []byte(hash))
}

func deriveOutcome(serverSeed, clientSeed string, nonce int64, d models.Difficulty) float64 {
	message := fmt.Sprintf("%s:%d:%s", clientSeed, nonce, d)
	h := hmac.New(sha256.New, []byte(serverSeed))
	h.Write([]byte(message))
	sum := h.Sum(nil)

	// 52 bits fit a float64 mantissa exactly
	n := binary.BigEndian.Uint64(sum[:8]) >> 12
	return float64(n) / float64(uint64(1)<<52)
}
