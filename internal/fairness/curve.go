package fairness

import (
	"fmt"
	"math"

	"pumpup-backend/internal/models"
)

// MaxStepRTP caps survival × growth for every step, so each step keeps at
// least a 4% house edge.
const MaxStepRTP = 0.96

// maxMultiplier bounds the multiplier reachable at MaxSteps (1e6x).
const maxMultiplier = 1_000_000 * models.MultiplierScale

// Curve is the published risk/reward table for one difficulty.
type Curve struct {
	Difficulty   models.Difficulty `json:"difficulty"`
	BaseSurvival float64           `json:"base_survival"`
	DecayPerStep float64           `json:"decay_per_step"`
	MinSurvival  float64           `json:"min_survival"`
	Growth       int64             `json:"growth_ppm"`
	MaxSteps     int               `json:"max_steps"`
}

type Table map[models.Difficulty]Curve

var DefaultTable = Table{
	models.DifficultyEasy: {
		Difficulty:   models.DifficultyEasy,
		BaseSurvival: 0.80,
		DecayPerStep: 0.01,
		MinSurvival:  0.10,
		Growth:       1_200_000,
		MaxSteps:     25,
	},
	models.DifficultyMedium: {
		Difficulty:   models.DifficultyMedium,
		BaseSurvival: 0.64,
		DecayPerStep: 0.02,
		MinSurvival:  0.10,
		Growth:       1_500_000,
		MaxSteps:     20,
	},
	models.DifficultyHard: {
		Difficulty:   models.DifficultyHard,
		BaseSurvival: 0.48,
		DecayPerStep: 0.03,
		MinSurvival:  0.05,
		Growth:       2_000_000,
		MaxSteps:     15,
	},
}

// SurvivalProbability is the chance of surviving step (1-based).
func (c Curve) SurvivalProbability(step int) float64 {
	if step < 1 {
		step = 1
	}
	p := c.BaseSurvival - float64(step-1)*c.DecayPerStep
	if p < c.MinSurvival {
		p = c.MinSurvival
	}
	return p
}

func (c Curve) GrowthFactor() float64 {
	return models.MultiplierToFloat(c.Growth)
}

// NextMultiplier applies one step of growth to a fixed-point multiplier.
func (c Curve) NextMultiplier(current int64) int64 {
	return current * c.Growth / models.MultiplierScale
}

// MultiplierAt returns the multiplier after surviving step steps.
func (c Curve) MultiplierAt(step int) int64 {
	m := models.MultiplierScale
	for i := 0; i < step; i++ {
		m = c.NextMultiplier(m)
	}
	return m
}

func (c Curve) Validate() error {
	if !c.Difficulty.Valid() {
		return fmt.Errorf("curve: unknown difficulty %q", c.Difficulty)
	}
	if c.Growth <= models.MultiplierScale {
		return fmt.Errorf("curve %s: growth must be greater than 1.0", c.Difficulty)
	}
	if c.BaseSurvival <= 0 || c.BaseSurvival >= 1 {
		return fmt.Errorf("curve %s: base survival must be in (0, 1)", c.Difficulty)
	}
	if c.DecayPerStep < 0 {
		return fmt.Errorf("curve %s: decay must not be negative", c.Difficulty)
	}
	if c.MinSurvival <= 0 || c.MinSurvival > c.BaseSurvival {
		return fmt.Errorf("curve %s: min survival must be in (0, base]", c.Difficulty)
	}
	if c.MaxSteps < 1 {
		return fmt.Errorf("curve %s: max steps must be positive", c.Difficulty)
	}
	// survival only decreases, so step 1 has the highest return
	if rtp := c.BaseSurvival * c.GrowthFactor(); rtp > MaxStepRTP+1e-9 {
		return fmt.Errorf("curve %s: step return %.4f exceeds %.2f", c.Difficulty, rtp, MaxStepRTP)
	}
	m := models.MultiplierScale
	for i := 0; i < c.MaxSteps; i++ {
		if m > math.MaxInt64/c.Growth {
			return fmt.Errorf("curve %s: multiplier overflows at step %d", c.Difficulty, i+1)
		}
		m = c.NextMultiplier(m)
	}
	if m > maxMultiplier {
		return fmt.Errorf("curve %s: multiplier at max steps exceeds 1000000x", c.Difficulty)
	}
	return nil
}

func (t Table) Validate() error {
	for _, d := range []models.Difficulty{models.DifficultyEasy, models.DifficultyMedium, models.DifficultyHard} {
		c, ok := t[d]
		if !ok {
			return fmt.Errorf("curve table: missing %s", d)
		}
		if c.Difficulty != d {
			return fmt.Errorf("curve table: %s entry describes %s", d, c.Difficulty)
		}
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}
