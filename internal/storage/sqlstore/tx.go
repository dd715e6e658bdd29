package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pumpup-backend/internal/models"
	"pumpup-backend/internal/storage"
)

type txn struct {
	tx      *sql.Tx
	dialect dialect
	userID  string
}

func (t *txn) User(ctx context.Context) (models.User, error) {
	return getUser(ctx, t.tx, t.dialect, t.userID, "")
}

func (t *txn) SetBalance(ctx context.Context, balance int64) error {
	if balance < 0 {
		return fmt.Errorf("balance must not be negative")
	}
	res, err := t.tx.ExecContext(ctx, t.dialect.rebind(
		`UPDATE users SET balance = ?, updated_at = ? WHERE id = ?`),
		balance, toMillis(time.Now()), t.userID,
	)
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	return requireOneRow(res, storage.ErrNotFound)
}

func (t *txn) Round(ctx context.Context, roundID string) (models.Round, error) {
	return getRound(ctx, t.tx, t.dialect, roundID)
}

func (t *txn) ActiveRoundID(ctx context.Context) (string, error) {
	var id string
	err := t.tx.QueryRowContext(ctx, t.dialect.rebind(
		`SELECT id FROM rounds WHERE user_id = ? AND status = ? LIMIT 1`),
		t.userID, string(models.RoundStatusActive),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get active round: %w", err)
	}
	return id, nil
}

func (t *txn) InsertRound(ctx context.Context, r models.Round) error {
	if r.UserID != t.userID {
		return fmt.Errorf("round %s does not belong to transaction user", r.ID)
	}
	_, err := t.tx.ExecContext(ctx, t.dialect.rebind(
		`INSERT INTO rounds (`+roundColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.UserID, r.Stake, string(r.Difficulty), r.Step, r.Multiplier, string(r.Status), r.Payout,
		r.ServerSeed, r.ServerSeedHash, r.ClientSeed, r.Nonce,
		toMillis(r.CreatedAt), toMillis(r.UpdatedAt), toMillis(r.EndedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert round: %w", err)
	}
	return nil
}

func (t *txn) UpdateRound(ctx context.Context, r models.Round, expectedNonce int64) error {
	res, err := t.tx.ExecContext(ctx, t.dialect.rebind(
		`UPDATE rounds
		    SET step = ?, multiplier = ?, status = ?, payout = ?, nonce = ?, updated_at = ?, ended_at = ?
		  WHERE id = ? AND user_id = ? AND status = ? AND nonce = ?`),
		r.Step, r.Multiplier, string(r.Status), r.Payout, r.Nonce, toMillis(r.UpdatedAt), toMillis(r.EndedAt),
		r.ID, t.userID, string(models.RoundStatusActive), expectedNonce,
	)
	if err != nil {
		return fmt.Errorf("update round: %w", err)
	}
	return requireOneRow(res, storage.ErrConflict)
}

func (t *txn) InsertEntry(ctx context.Context, e models.LedgerEntry) error {
	_, err := t.tx.ExecContext(ctx, t.dialect.rebind(
		`INSERT INTO ledger_entries (id, user_id, round_id, kind, amount, balance_before, balance_after, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.UserID, e.RoundID, string(e.Kind), e.Amount, e.BalanceBefore, e.BalanceAfter, e.Description,
		toMillis(e.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (t *txn) InsertEvent(ctx context.Context, e models.Event) error {
	_, err := t.tx.ExecContext(ctx, t.dialect.rebind(
		`INSERT INTO events (id, round_id, user_id, event_type, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		e.ID, e.RoundID, e.UserID, string(e.Type), e.Payload, toMillis(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func requireOneRow(res sql.Result, otherwise error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return otherwise
	}
	return nil
}
