// Package redisstore keeps game state in Redis. Per-user transactions use
// WATCH/MULTI: reads happen on the watched connection, writes are queued
// and applied in one MULTI/EXEC at the end of InTx.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"pumpup-backend/internal/models"
	"pumpup-backend/internal/storage"
)

type Store struct {
	client *redis.Client
}

var _ storage.Store = (*Store)(nil)

// Connect opens a client and checks the server is reachable.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %v", err)
	}
	return client, nil
}

func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) CreateUser(ctx context.Context, user models.User) error {
	return s.CreateUserTx(ctx, user, func(storage.Tx) error { return nil })
}

// CreateUserTx writes the user record in the same MULTI/EXEC as the writes
// fn queues. The user key is watched, so a concurrent create of the same id
// aborts the transaction.
func (s *Store) CreateUserTx(ctx context.Context, user models.User, fn func(tx storage.Tx) error) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %v", err)
	}
	return s.watch(ctx, user.ID, func(t *txn) error {
		n, err := t.rtx.Exists(ctx, userKey(user.ID)).Result()
		if err != nil {
			return fmt.Errorf("failed to check user: %w", err)
		}
		if n > 0 {
			return storage.ErrAlreadyExists
		}
		u := user
		t.user = &u
		t.queue(func(pipe redis.Pipeliner) {
			pipe.Set(ctx, userKey(user.ID), data, 0)
		})
		return nil
	}, fn)
}

func (s *Store) GetUser(ctx context.Context, userID string) (models.User, error) {
	var user models.User
	err := getJSON(ctx, s.client, userKey(userID), &user)
	return user, err
}

func (s *Store) GetRound(ctx context.Context, roundID string) (models.Round, error) {
	var round models.Round
	err := getJSON(ctx, s.client, roundKey(roundID), &round)
	return round, err
}

func (s *Store) ListRounds(ctx context.Context, userID string, limit int) ([]models.Round, error) {
	var rounds []models.Round
	err := s.listByIndex(ctx, userRoundsKey(userID), limit, roundKey, func(data []byte) error {
		var r models.Round
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		rounds = append(rounds, r)
		return nil
	})
	return rounds, err
}

func (s *Store) ListEntries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	err := s.listByIndex(ctx, userLedgerKey(userID), limit, entryKey, func(data []byte) error {
		var e models.LedgerEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

func (s *Store) ListEvents(ctx context.Context, limit int) ([]models.Event, error) {
	var events []models.Event
	err := s.listByIndex(ctx, KeyEvents, limit, eventKey, func(data []byte) error {
		var e models.Event
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		events = append(events, e)
		return nil
	})
	return events, err
}

// listByIndex reads the newest ids of a sorted-set index and fetches their
// records in one pipeline.
func (s *Store) listByIndex(ctx context.Context, index string, limit int, key func(string) string, add func([]byte) error) error {
	ids, err := s.client.ZRevRange(ctx, index, 0, int64(storage.ClampLimit(limit))-1).Result()
	if err != nil {
		return fmt.Errorf("failed to read index %s: %w", index, err)
	}
	if len(ids) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("pipeline execution failed: %w", err)
	}

	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return err
		}
		if err := add(data); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", index, err)
		}
	}
	return nil
}

func (s *Store) InTx(ctx context.Context, userID string, fn func(tx storage.Tx) error) error {
	return s.watch(ctx, userID, func(t *txn) error {
		_, err := t.User(ctx)
		return err
	}, fn)
}

// watch runs prepare then fn against a txn watching the user's keys and
// applies the queued writes in one MULTI/EXEC.
func (s *Store) watch(ctx context.Context, userID string, prepare func(t *txn) error, fn func(tx storage.Tx) error) error {
	txf := func(rtx *redis.Tx) error {
		t := &txn{rtx: rtx, userID: userID, rounds: make(map[string]models.Round), settled: make(map[string]bool)}
		if err := prepare(t); err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
		if len(t.ops) == 0 {
			return nil
		}
		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, op := range t.ops {
				op(pipe)
			}
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, userKey(userID), activeKey(userID))
	if errors.Is(err, redis.TxFailedErr) {
		return storage.ErrConflict
	}
	return err
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getJSON(ctx context.Context, c getter, key string, v any) error {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}
