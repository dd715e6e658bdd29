package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"pumpup-backend/internal/apperr"
	"pumpup-backend/internal/models"
	"pumpup-backend/internal/storage"
)

// Ledger owns user balances. Reserve and Settle run inside a caller's
// transaction so the balance change commits together with the round change.
type Ledger struct {
	store storage.Store
	now   func() time.Time
}

func NewLedger(store storage.Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Read returns the committed balance.
func (l *Ledger) Read(ctx context.Context, userID string) (int64, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return 0, mapStorageError(err)
	}
	return u.Balance, nil
}

// Reserve debits amount for roundID, failing with INSUFFICIENT_FUNDS when the
// balance cannot cover it.
func (l *Ledger) Reserve(ctx context.Context, tx storage.Tx, userID, roundID string, amount int64) (models.LedgerEntry, error) {
	if amount <= 0 {
		return models.LedgerEntry{}, apperr.New(apperr.CodeInvalidStake, "stake must be positive")
	}
	return l.apply(ctx, tx, userID, roundID, models.EntryKindReserve, -amount, "stake reserved")
}

// Settle credits the payout of a finished round. A zero payout still writes
// an entry, which marks the round as settled.
func (l *Ledger) Settle(ctx context.Context, tx storage.Tx, userID, roundID string, payout int64) (models.LedgerEntry, error) {
	if payout < 0 {
		return models.LedgerEntry{}, apperr.New(apperr.CodeInvalidInput, "payout must not be negative")
	}
	if roundID == "" {
		return models.LedgerEntry{}, apperr.New(apperr.CodeInvalidInput, "round id is required")
	}
	desc := "round lost"
	if payout > 0 {
		desc = "round cashed out"
	}
	return l.apply(ctx, tx, userID, roundID, models.EntryKindSettle, payout, desc)
}

// Credit adds funds outside of any round, in its own transaction.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, reason string) (models.LedgerEntry, error) {
	if amount <= 0 {
		return models.LedgerEntry{}, apperr.New(apperr.CodeInvalidInput, "credit amount must be positive")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "credit"
	}

	var entry models.LedgerEntry
	err := l.store.InTx(ctx, userID, func(tx storage.Tx) error {
		var err error
		entry, err = l.apply(ctx, tx, userID, "", models.EntryKindCredit, amount, reason)
		return err
	})
	if err != nil {
		return models.LedgerEntry{}, mapStorageError(err)
	}
	log.Printf("ledger: credited %d to %s (%s)", amount, userID, reason)
	return entry, nil
}

// OpenAccount creates a user and credits the starting balance in one
// transaction. An existing account is returned as is.
func (l *Ledger) OpenAccount(ctx context.Context, userID, username string, startingBalance int64) (models.User, error) {
	now := l.now().UTC()
	user := models.User{ID: userID, Username: username, CreatedAt: now, UpdatedAt: now}
	err := l.store.CreateUserTx(ctx, user, func(tx storage.Tx) error {
		if startingBalance <= 0 {
			return nil
		}
		_, err := l.apply(ctx, tx, userID, "", models.EntryKindCredit, startingBalance, "starting balance")
		return err
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		return l.account(ctx, userID)
	}
	if err != nil {
		return models.User{}, mapStorageError(err)
	}
	log.Printf("ledger: opened account %s with %d", userID, startingBalance)
	return l.account(ctx, userID)
}

// Entries lists the newest ledger entries of a user.
func (l *Ledger) Entries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	if _, err := l.account(ctx, userID); err != nil {
		return nil, err
	}
	entries, err := l.store.ListEntries(ctx, userID, limit)
	if err != nil {
		return nil, mapStorageError(err)
	}
	return entries, nil
}

func (l *Ledger) account(ctx context.Context, userID string) (models.User, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return models.User{}, mapStorageError(err)
	}
	return u, nil
}

func (l *Ledger) apply(ctx context.Context, tx storage.Tx, userID, roundID string, kind models.EntryKind, amount int64, desc string) (models.LedgerEntry, error) {
	u, err := tx.User(ctx)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	if u.ID != userID {
		return models.LedgerEntry{}, apperr.New(apperr.CodeStorage, fmt.Sprintf("transaction is scoped to %s, not %s", u.ID, userID))
	}

	after := u.Balance + amount
	if after < 0 {
		return models.LedgerEntry{}, apperr.New(apperr.CodeInsufficientFunds,
			fmt.Sprintf("insufficient balance: have %d, need %d", u.Balance, -amount))
	}
	if amount > 0 && after < u.Balance {
		return models.LedgerEntry{}, apperr.New(apperr.CodeStorage, "balance overflow")
	}

	entry := models.LedgerEntry{
		ID:            models.GenerateEntryID(),
		UserID:        userID,
		RoundID:       roundID,
		Kind:          kind,
		Amount:        amount,
		BalanceBefore: u.Balance,
		BalanceAfter:  after,
		Description:   desc,
		CreatedAt:     l.now().UTC(),
	}
	if err := tx.InsertEntry(ctx, entry); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) && kind == models.EntryKindSettle {
			return models.LedgerEntry{}, apperr.ErrAlreadySettled
		}
		if errors.Is(err, storage.ErrAlreadyExists) {
			return models.LedgerEntry{}, apperr.Wrap(apperr.CodeConflict, "duplicate ledger entry", err)
		}
		return models.LedgerEntry{}, err
	}
	if err := tx.SetBalance(ctx, after); err != nil {
		return models.LedgerEntry{}, err
	}
	return entry, nil
}

// mapStorageError turns storage errors into coded errors. Coded errors pass
// through unchanged.
func mapStorageError(err error) error {
	if err == nil {
		return nil
	}
	var coded *apperr.Error
	switch {
	case errors.As(err, &coded):
		return err
	case errors.Is(err, storage.ErrNotFound):
		return apperr.ErrUserNotFound
	case errors.Is(err, storage.ErrConflict):
		return apperr.ErrConflict
	default:
		return apperr.Wrap(apperr.CodeStorage, "storage failure", err)
	}
}
