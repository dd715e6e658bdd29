package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pumpup-backend/internal/models"
	"pumpup-backend/internal/storage"
)

// txn buffers writes until EXEC and serves reads from its own pending
// state first, so fn sees its writes.
type txn struct {
	rtx    *redis.Tx
	userID string

	user    *models.User
	active  *string
	rounds  map[string]models.Round
	settled map[string]bool
	events  int64
	ops     []func(pipe redis.Pipeliner)
}

// maxEvents is the size of the events index.
var maxEvents int64 = MaxEvents

func (t *txn) queue(op func(pipe redis.Pipeliner)) {
	t.ops = append(t.ops, op)
}

func (t *txn) User(ctx context.Context) (models.User, error) {
	if t.user != nil {
		return *t.user, nil
	}
	var u models.User
	if err := getJSON(ctx, t.rtx, userKey(t.userID), &u); err != nil {
		return models.User{}, err
	}
	t.user = &u
	return u, nil
}

func (t *txn) SetBalance(ctx context.Context, balance int64) error {
	if balance < 0 {
		return fmt.Errorf("balance must not be negative")
	}
	u, err := t.User(ctx)
	if err != nil {
		return err
	}
	u.Balance = balance
	u.UpdatedAt = time.Now().UTC()
	t.user = &u

	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %v", err)
	}
	t.queue(func(pipe redis.Pipeliner) {
		pipe.Set(ctx, userKey(t.userID), data, 0)
	})
	return nil
}

func (t *txn) Round(ctx context.Context, roundID string) (models.Round, error) {
	if r, ok := t.rounds[roundID]; ok {
		return r, nil
	}
	key := roundKey(roundID)
	if err := t.rtx.Watch(ctx, key).Err(); err != nil {
		return models.Round{}, fmt.Errorf("failed to watch %s: %w", key, err)
	}
	var r models.Round
	if err := getJSON(ctx, t.rtx, key, &r); err != nil {
		return models.Round{}, err
	}
	t.rounds[roundID] = r
	return r, nil
}

func (t *txn) ActiveRoundID(ctx context.Context) (string, error) {
	if t.active != nil {
		return *t.active, nil
	}
	id, err := t.rtx.Get(ctx, activeKey(t.userID)).Result()
	if errors.Is(err, redis.Nil) {
		id = ""
	} else if err != nil {
		return "", fmt.Errorf("failed to get active round: %w", err)
	}
	t.active = &id
	return id, nil
}

func (t *txn) setActive(ctx context.Context, id string) {
	t.active = &id
	key := activeKey(t.userID)
	t.queue(func(pipe redis.Pipeliner) {
		if id == "" {
			pipe.Del(ctx, key)
			return
		}
		pipe.Set(ctx, key, id, 0)
	})
}

func (t *txn) InsertRound(ctx context.Context, r models.Round) error {
	if r.UserID != t.userID {
		return fmt.Errorf("round %s does not belong to transaction user", r.ID)
	}
	if _, err := t.Round(ctx, r.ID); err == nil {
		return storage.ErrAlreadyExists
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if r.Active() {
		current, err := t.ActiveRoundID(ctx)
		if err != nil {
			return err
		}
		if current != "" {
			return storage.ErrAlreadyExists
		}
	}

	if err := t.putRound(ctx, r); err != nil {
		return err
	}
	score := float64(r.CreatedAt.UnixMilli())
	t.queue(func(pipe redis.Pipeliner) {
		pipe.ZAdd(ctx, userRoundsKey(t.userID), redis.Z{Score: score, Member: r.ID})
	})
	if r.Active() {
		t.setActive(ctx, r.ID)
	}
	return nil
}

func (t *txn) UpdateRound(ctx context.Context, r models.Round, expectedNonce int64) error {
	current, err := t.Round(ctx, r.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.ErrConflict
		}
		return err
	}
	if current.UserID != t.userID || !current.Active() || current.Nonce != expectedNonce {
		return storage.ErrConflict
	}
	if err := t.putRound(ctx, r); err != nil {
		return err
	}
	if !r.Active() {
		t.setActive(ctx, "")
	}
	return nil
}

func (t *txn) putRound(ctx context.Context, r models.Round) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal round: %v", err)
	}
	t.rounds[r.ID] = r
	t.queue(func(pipe redis.Pipeliner) {
		pipe.Set(ctx, roundKey(r.ID), data, 0)
	})
	return nil
}

func (t *txn) InsertEntry(ctx context.Context, e models.LedgerEntry) error {
	if e.RoundID != "" {
		key := settleKey(e.RoundID, string(e.Kind))
		if t.settled[key] {
			return storage.ErrAlreadyExists
		}
		if err := t.rtx.Watch(ctx, key).Err(); err != nil {
			return fmt.Errorf("failed to watch %s: %w", key, err)
		}
		n, err := t.rtx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to check %s: %w", key, err)
		}
		if n > 0 {
			return storage.ErrAlreadyExists
		}
		t.settled[key] = true
		t.queue(func(pipe redis.Pipeliner) {
			pipe.Set(ctx, key, e.ID, 0)
		})
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry: %v", err)
	}
	score := float64(e.CreatedAt.UnixMilli())
	t.queue(func(pipe redis.Pipeliner) {
		pipe.Set(ctx, entryKey(e.ID), data, 0)
		pipe.ZAdd(ctx, userLedgerKey(e.UserID), redis.Z{Score: score, Member: e.ID})
	})
	return nil
}

func (t *txn) InsertEvent(ctx context.Context, e models.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %v", err)
	}
	// oldest ids that fall out of the index once this tx's events land
	stale, err := t.rtx.ZRange(ctx, KeyEvents, 0, t.events-maxEvents).Result()
	if err != nil {
		return fmt.Errorf("failed to read event index: %w", err)
	}
	t.events++

	score := float64(e.CreatedAt.UnixMilli())
	t.queue(func(pipe redis.Pipeliner) {
		pipe.Set(ctx, eventKey(e.ID), data, EventTTL)
		pipe.ZAdd(ctx, KeyEvents, redis.Z{Score: score, Member: e.ID})
		if len(stale) > 0 {
			keys := make([]string, len(stale))
			members := make([]any, len(stale))
			for i, id := range stale {
				keys[i] = eventKey(id)
				members[i] = id
			}
			pipe.Del(ctx, keys...)
			pipe.ZRem(ctx, KeyEvents, members...)
		}
		pipe.ZRemRangeByRank(ctx, KeyEvents, 0, -maxEvents-1)
	})
	return nil
}
