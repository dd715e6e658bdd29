// Package storage defines the persistence contract of the game core.
//
// All balance and round mutations of one user happen inside Store.InTx, which
// either commits every write made through the Tx or none of them.
package storage

import (
	"context"
	"errors"

	"pumpup-backend/internal/models"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	// ErrConflict means a concurrent writer won; the caller may retry.
	ErrConflict = errors.New("concurrent modification")
)

type Store interface {
	CreateUser(ctx context.Context, user models.User) error
	// CreateUserTx inserts user and runs fn in the same transaction, scoped
	// to the new user. Nothing is kept when fn fails. It returns
	// ErrAlreadyExists when the id is taken.
	CreateUserTx(ctx context.Context, user models.User, fn func(tx Tx) error) error
	GetUser(ctx context.Context, userID string) (models.User, error)
	GetRound(ctx context.Context, roundID string) (models.Round, error)
	ListRounds(ctx context.Context, userID string, limit int) ([]models.Round, error)
	ListEntries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error)
	ListEvents(ctx context.Context, limit int) ([]models.Event, error)

	// InTx runs fn in a transaction scoped to userID. The user's record is
	// locked (or watched) for the duration. fn must not retain tx.
	InTx(ctx context.Context, userID string, fn func(tx Tx) error) error

	Ping(ctx context.Context) error
	Close() error
}

// Tx is the write surface available inside Store.InTx.
type Tx interface {
	// User returns the user the transaction is scoped to.
	User(ctx context.Context) (models.User, error)
	SetBalance(ctx context.Context, balance int64) error

	Round(ctx context.Context, roundID string) (models.Round, error)
	// ActiveRoundID returns "" when the user has no active round.
	ActiveRoundID(ctx context.Context) (string, error)
	InsertRound(ctx context.Context, round models.Round) error
	// UpdateRound writes round only if the stored copy is still active with
	// nonce expectedNonce; otherwise it returns ErrConflict.
	UpdateRound(ctx context.Context, round models.Round, expectedNonce int64) error

	// InsertEntry returns ErrAlreadyExists when an entry with the same
	// round and kind exists.
	InsertEntry(ctx context.Context, entry models.LedgerEntry) error
	InsertEvent(ctx context.Context, event models.Event) error
}

const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// ClampLimit applies DefaultLimit to unset limits and caps the rest at
// MaxLimit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
