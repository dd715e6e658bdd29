package services

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"pumpup-backend/internal/apperr"
	"pumpup-backend/internal/fairness"
	"pumpup-backend/internal/models"
	"pumpup-backend/internal/storage"
)

// maxTxAttempts bounds retries of a transaction that lost a concurrent race.
const maxTxAttempts = 3

// Oracle is the fairness source the engine draws step outcomes from.
type Oracle interface {
	Commit() (string, string, error)
	Curve(d models.Difficulty) (fairness.Curve, error)
	Curves() []fairness.Curve
	DeriveOutcome(serverSeed, clientSeed string, nonce int64, d models.Difficulty) (float64, error)
	IsExplosion(outcome float64, d models.Difficulty, step int) (bool, error)
	Reveal(serverSeed string) string
	Replay(serverSeed, clientSeed string, d models.Difficulty, nonce int64) ([]fairness.StepOutcome, error)
}

type EngineConfig struct {
	MaxStake        int64
	StartingBalance int64
}

// Engine drives rounds through active → exploded | cashed_out. Every
// transition commits the round, the ledger entry and the event together.
type Engine struct {
	store       storage.Store
	ledger      *Ledger
	oracle      Oracle
	broadcaster Broadcaster
	locks       *userLocks
	cfg         EngineConfig
	now         func() time.Time
}

// Verification is everything a player needs to recompute a finished round.
type Verification struct {
	RoundID         string                 `json:"round_id"`
	Difficulty      models.Difficulty      `json:"difficulty"`
	Status          models.RoundStatus     `json:"status"`
	ServerSeed      string                 `json:"server_seed"`
	ServerSeedHash  string                 `json:"server_seed_hash"`
	ClientSeed      string                 `json:"client_seed"`
	Nonce           int64                  `json:"nonce"`
	CommitmentValid bool                   `json:"commitment_valid"`
	Steps           []fairness.StepOutcome `json:"steps"`
	FinalMultiplier float64                `json:"final_multiplier"`
	Payout          int64                  `json:"payout"`
}

func NewEngine(store storage.Store, ledger *Ledger, oracle Oracle, cfg EngineConfig) *Engine {
	return &Engine{
		store:       store,
		ledger:      ledger,
		oracle:      oracle,
		broadcaster: nopBroadcaster{},
		locks:       newUserLocks(),
		cfg:         cfg,
		now:         time.Now,
	}
}

// SetBroadcaster installs the notifier called after each committed change.
func (e *Engine) SetBroadcaster(b Broadcaster) {
	if b == nil {
		b = nopBroadcaster{}
	}
	e.broadcaster = b
}

func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

func (e *Engine) Curves() []fairness.Curve {
	return e.oracle.Curves()
}

func (e *Engine) Curve(d models.Difficulty) (fairness.Curve, error) {
	return e.oracle.Curve(d)
}

// Login creates a fresh demo identity funded with the starting balance.
func (e *Engine) Login(ctx context.Context, username string) (models.User, error) {
	return e.ledger.OpenAccount(ctx, models.GenerateUserID(), username, e.cfg.StartingBalance)
}

func (e *Engine) Balance(ctx context.Context, userID string) (int64, error) {
	return e.ledger.Read(ctx, userID)
}

// Credit tops up a balance outside of any round.
func (e *Engine) Credit(ctx context.Context, userID string, amount int64, reason string) (int64, error) {
	unlock := e.locks.Lock(userID)
	entry, err := e.ledger.Credit(ctx, userID, amount, reason)
	unlock()
	if err != nil {
		return 0, err
	}
	e.broadcaster.BroadcastBalanceUpdate(userID, entry.BalanceAfter)
	return entry.BalanceAfter, nil
}

// Start reserves the stake and opens a round committed to a fresh server
// seed. The returned round carries only the commitment hash.
func (e *Engine) Start(ctx context.Context, userID string, req models.StartRoundRequest) (models.Round, error) {
	if err := req.Validate(e.cfg.MaxStake); err != nil {
		return models.Round{}, err
	}
	if _, err := e.oracle.Curve(req.Difficulty); err != nil {
		return models.Round{}, err
	}
	clientSeed := req.ClientSeed
	if clientSeed == "" {
		var err error
		if clientSeed, err = models.GenerateClientSeed(); err != nil {
			return models.Round{}, apperr.Wrap(apperr.CodeStorage, "failed to generate client seed", err)
		}
	}

	unlock := e.locks.Lock(userID)
	defer unlock()

	var round models.Round
	var reserved models.LedgerEntry
	err := e.retry(ctx, func() error {
		seed, hash, err := e.oracle.Commit()
		if err != nil {
			return apperr.Wrap(apperr.CodeStorage, "failed to commit server seed", err)
		}
		now := e.now().UTC()
		round = models.Round{
			ID:             models.GenerateRoundID(),
			UserID:         userID,
			Stake:          req.Stake,
			Difficulty:     req.Difficulty,
			Step:           0,
			Multiplier:     models.MultiplierScale,
			Status:         models.RoundStatusActive,
			ServerSeed:     seed,
			ServerSeedHash: hash,
			ClientSeed:     clientSeed,
			Nonce:          0,
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		return e.store.InTx(ctx, userID, func(tx storage.Tx) error {
			active, err := tx.ActiveRoundID(ctx)
			if err != nil {
				return err
			}
			if active != "" {
				return apperr.ErrRoundInProgress
			}
			if reserved, err = e.ledger.Reserve(ctx, tx, userID, round.ID, round.Stake); err != nil {
				return err
			}
			if err := tx.InsertRound(ctx, round); err != nil {
				if errors.Is(err, storage.ErrAlreadyExists) {
					return apperr.ErrRoundInProgress
				}
				return err
			}
			return e.recordEvent(ctx, tx, round, models.EventRoundStarted, map[string]any{
				"stake":            round.Stake,
				"difficulty":       round.Difficulty,
				"server_seed_hash": round.ServerSeedHash,
				"client_seed":      round.ClientSeed,
			})
		})
	})
	if err != nil {
		return models.Round{}, err
	}

	public := round.Public()
	e.broadcaster.BroadcastBalanceUpdate(userID, reserved.BalanceAfter)
	e.broadcaster.BroadcastRoundUpdate(userID, public)
	return public, nil
}

// Step attempts the next step of an active round. An empty difficulty
// means the round's own.
func (e *Engine) Step(ctx context.Context, roundID, userID string, difficulty models.Difficulty) (models.StepResult, error) {
	unlock := e.locks.Lock(userID)
	defer unlock()

	var round models.Round
	var settled *models.LedgerEntry
	err := e.retry(ctx, func() error {
		settled = nil
		return e.store.InTx(ctx, userID, func(tx storage.Tx) error {
			var err error
			if round, err = e.activeRound(ctx, tx, roundID, userID); err != nil {
				return err
			}
			if difficulty != "" && difficulty != round.Difficulty {
				return apperr.ErrDifficultyMismatch
			}
			curve, err := e.oracle.Curve(round.Difficulty)
			if err != nil {
				return err
			}
			if round.Step >= curve.MaxSteps {
				return apperr.ErrMaxStepsReached
			}

			expected := round.Nonce
			round.Nonce++
			outcome, err := e.oracle.DeriveOutcome(round.ServerSeed, round.ClientSeed, round.Nonce, round.Difficulty)
			if err != nil {
				return err
			}
			attempted := round.Step + 1
			exploded, err := e.oracle.IsExplosion(outcome, round.Difficulty, attempted)
			if err != nil {
				return err
			}

			now := e.now().UTC()
			round.UpdatedAt = now
			if exploded {
				round.Status = models.RoundStatusExploded
				round.Payout = 0
				round.EndedAt = now
			} else {
				round.Step = attempted
				round.Multiplier = curve.NextMultiplier(round.Multiplier)
			}
			if err := tx.UpdateRound(ctx, round, expected); err != nil {
				return err
			}

			if exploded {
				entry, err := e.ledger.Settle(ctx, tx, userID, round.ID, 0)
				if err != nil {
					return err
				}
				settled = &entry
				return e.recordEvent(ctx, tx, round, models.EventExploded, map[string]any{
					"step":    attempted,
					"nonce":   round.Nonce,
					"outcome": outcome,
				})
			}
			return e.recordEvent(ctx, tx, round, models.EventStep, map[string]any{
				"step":       round.Step,
				"nonce":      round.Nonce,
				"outcome":    outcome,
				"multiplier": round.MultiplierFloat(),
			})
		})
	})
	if err != nil {
		return models.StepResult{}, err
	}

	result := models.StepResult{
		Result:     "survived",
		Step:       round.Step,
		Multiplier: round.MultiplierFloat(),
		Round:      round.Public(),
	}
	if round.Status == models.RoundStatusExploded {
		result.Result = "exploded"
		result.Step = int(round.Nonce)
		result.FinalMultiplier = result.Multiplier
		result.ServerSeed = e.oracle.Reveal(round.ServerSeed)
	}

	e.broadcaster.BroadcastRoundUpdate(userID, result.Round)
	if settled != nil {
		e.broadcaster.BroadcastBalanceUpdate(userID, settled.BalanceAfter)
	}
	return result, nil
}

// Cashout ends an active round and credits floor(stake × multiplier).
func (e *Engine) Cashout(ctx context.Context, roundID, userID string) (models.CashoutResult, error) {
	unlock := e.locks.Lock(userID)
	defer unlock()

	var round models.Round
	var entry models.LedgerEntry
	err := e.retry(ctx, func() error {
		return e.store.InTx(ctx, userID, func(tx storage.Tx) error {
			var err error
			if round, err = e.activeRound(ctx, tx, roundID, userID); err != nil {
				return err
			}

			expected := round.Nonce
			now := e.now().UTC()
			round.Payout = models.CalculatePayout(round.Stake, round.Multiplier)
			round.Status = models.RoundStatusCashedOut
			round.UpdatedAt = now
			round.EndedAt = now
			if err := tx.UpdateRound(ctx, round, expected); err != nil {
				return err
			}
			if entry, err = e.ledger.Settle(ctx, tx, userID, round.ID, round.Payout); err != nil {
				return err
			}
			return e.recordEvent(ctx, tx, round, models.EventCashout, map[string]any{
				"step":       round.Step,
				"multiplier": round.MultiplierFloat(),
				"payout":     round.Payout,
			})
		})
	})
	if err != nil {
		return models.CashoutResult{}, err
	}

	result := models.CashoutResult{
		Result:          "cashed_out",
		Payout:          round.Payout,
		FinalMultiplier: round.MultiplierFloat(),
		ServerSeed:      e.oracle.Reveal(round.ServerSeed),
		ServerSeedHash:  round.ServerSeedHash,
		Round:           round.Public(),
	}
	e.broadcaster.BroadcastRoundUpdate(userID, result.Round)
	e.broadcaster.BroadcastBalanceUpdate(userID, entry.BalanceAfter)
	return result, nil
}

// Round returns one of the user's rounds with the seed hidden while active.
func (e *Engine) Round(ctx context.Context, roundID, userID string) (models.Round, error) {
	round, err := e.store.GetRound(ctx, roundID)
	if err != nil {
		return models.Round{}, roundError(err)
	}
	if round.UserID != userID {
		return models.Round{}, apperr.ErrNotOwner
	}
	return round.Public(), nil
}

// Verify replays a finished round from its revealed seed.
func (e *Engine) Verify(ctx context.Context, roundID string) (Verification, error) {
	round, err := e.store.GetRound(ctx, roundID)
	if err != nil {
		return Verification{}, roundError(err)
	}
	if !round.Status.Terminal() {
		return Verification{}, apperr.ErrRoundStillActive
	}
	steps, err := e.oracle.Replay(round.ServerSeed, round.ClientSeed, round.Difficulty, round.Nonce)
	if err != nil {
		return Verification{}, err
	}
	return Verification{
		RoundID:         round.ID,
		Difficulty:      round.Difficulty,
		Status:          round.Status,
		ServerSeed:      e.oracle.Reveal(round.ServerSeed),
		ServerSeedHash:  round.ServerSeedHash,
		ClientSeed:      round.ClientSeed,
		Nonce:           round.Nonce,
		CommitmentValid: fairness.VerifyCommitment(round.ServerSeed, round.ServerSeedHash),
		Steps:           steps,
		FinalMultiplier: round.MultiplierFloat(),
		Payout:          round.Payout,
	}, nil
}

// History lists the user's newest rounds.
func (e *Engine) History(ctx context.Context, userID string, limit int) ([]models.Round, error) {
	if _, err := e.ledger.Read(ctx, userID); err != nil {
		return nil, err
	}
	rounds, err := e.store.ListRounds(ctx, userID, limit)
	if err != nil {
		return nil, mapStorageError(err)
	}
	out := make([]models.Round, len(rounds))
	for i, r := range rounds {
		out[i] = r.Public()
	}
	return out, nil
}

func (e *Engine) Events(ctx context.Context, limit int) ([]models.Event, error) {
	events, err := e.store.ListEvents(ctx, limit)
	if err != nil {
		return nil, mapStorageError(err)
	}
	return events, nil
}

func (e *Engine) activeRound(ctx context.Context, tx storage.Tx, roundID, userID string) (models.Round, error) {
	round, err := tx.Round(ctx, roundID)
	if err != nil {
		return models.Round{}, roundError(err)
	}
	if round.UserID != userID {
		return models.Round{}, apperr.ErrNotOwner
	}
	if !round.Active() {
		return models.Round{}, apperr.ErrRoundNotActive
	}
	return round, nil
}

func (e *Engine) recordEvent(ctx context.Context, tx storage.Tx, round models.Round, typ models.EventType, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return apperr.Wrap(apperr.CodeStorage, "failed to marshal event payload", err)
	}
	return tx.InsertEvent(ctx, models.Event{
		ID:        models.GenerateEntryID(),
		RoundID:   round.ID,
		UserID:    round.UserID,
		Type:      typ,
		Payload:   string(data),
		CreatedAt: e.now().UTC(),
	})
}

// retry reruns fn while it loses optimistic races, then maps the result to
// a coded error.
func (e *Engine) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = fn()
		if !errors.Is(err, storage.ErrConflict) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		log.Printf("engine: transaction conflict, attempt %d/%d", attempt, maxTxAttempts)
	}
	return mapStorageError(err)
}

func roundError(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.ErrRoundNotFound
	}
	return mapStorageError(err)
}
