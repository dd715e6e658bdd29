// Package sqlstore provides the SQL-backed storage implementation, shared by
// the embedded SQLite backend and Postgres.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"pumpup-backend/internal/models"
	"pumpup-backend/internal/storage"
	"pumpup-backend/internal/storage/sqlstore/migrations"
)

// Store persists users, rounds, ledger entries and events in SQL.
type Store struct {
	db *sql.DB
	// reader serves reads outside InTx. For SQLite it is a separate pool so
	// reads run against the WAL snapshot instead of waiting on the writer.
	reader  *sql.DB
	dialect dialect
}

var _ storage.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

// OpenSQLite opens (creating if needed) a SQLite database file and applies
// migrations.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := cleanPath + "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	store, err := open(ctx, db, dialectSQLite)
	if err != nil {
		return nil, err
	}

	reader, err := sql.Open("sqlite", cleanPath+"?_pragma=busy_timeout(5000)&_pragma=query_only(1)")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	reader.SetMaxOpenConns(readerConns)
	if err := reader.PingContext(ctx); err != nil {
		_ = reader.Close()
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite reader: %w", err)
	}
	store.reader = reader
	return store, nil
}

const readerConns = 4

// OpenPostgres connects through pgx using the simple protocol, which keeps
// working behind PgBouncer-style poolers.
func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	config.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*config)
	db.SetConnMaxIdleTime(4 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	return open(ctx, db, dialectPostgres)
}

func open(ctx context.Context, db *sql.DB, d dialect) (*Store, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s db: %w", d, err)
	}
	if err := applyMigrations(ctx, db, d, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, reader: db, dialect: d}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var readErr error
	if s.reader != nil && s.reader != s.db {
		readErr = s.reader.Close()
	}
	return errors.Join(s.db.Close(), readErr)
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	return s.reader.PingContext(ctx)
}

func (s *Store) CreateUser(ctx context.Context, user models.User) error {
	return s.CreateUserTx(ctx, user, func(storage.Tx) error { return nil })
}

// CreateUserTx inserts user and runs fn in the same transaction.
func (s *Store) CreateUserTx(ctx context.Context, user models.User, fn func(tx storage.Tx) error) error {
	if strings.TrimSpace(user.ID) == "" {
		return fmt.Errorf("user id is required")
	}
	if user.Balance < 0 {
		return fmt.Errorf("balance must not be negative")
	}
	return s.withTx(ctx, user.ID, func(sqlTx *sql.Tx) error {
		_, err := sqlTx.ExecContext(ctx, s.dialect.rebind(
			`INSERT INTO users (id, username, balance, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`),
			user.ID, user.Username, user.Balance, toMillis(user.CreatedAt), toMillis(user.UpdatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return storage.ErrAlreadyExists
			}
			return fmt.Errorf("create user: %w", err)
		}
		return nil
	}, fn)
}

func (s *Store) GetUser(ctx context.Context, userID string) (models.User, error) {
	return getUser(ctx, s.reader, s.dialect, userID, "")
}

func (s *Store) GetRound(ctx context.Context, roundID string) (models.Round, error) {
	return getRound(ctx, s.reader, s.dialect, roundID)
}

func (s *Store) ListRounds(ctx context.Context, userID string, limit int) ([]models.Round, error) {
	rows, err := s.reader.QueryContext(ctx, s.dialect.rebind(
		`SELECT `+roundColumns+` FROM rounds WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`),
		userID, storage.ClampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	defer rows.Close()

	var rounds []models.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		rounds = append(rounds, r)
	}
	return rounds, rows.Err()
}

func (s *Store) ListEntries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	rows, err := s.reader.QueryContext(ctx, s.dialect.rebind(
		`SELECT id, user_id, round_id, kind, amount, balance_before, balance_after, description, created_at
		   FROM ledger_entries WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`),
		userID, storage.ClampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var kind string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.RoundID, &kind, &e.Amount,
			&e.BalanceBefore, &e.BalanceAfter, &e.Description, &createdAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Kind = models.EntryKind(kind)
		e.CreatedAt = fromMillis(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) ListEvents(ctx context.Context, limit int) ([]models.Event, error) {
	rows, err := s.reader.QueryContext(ctx, s.dialect.rebind(
		`SELECT id, round_id, user_id, event_type, payload, created_at
		   FROM events ORDER BY created_at DESC, id DESC LIMIT ?`),
		storage.ClampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var e models.Event
		var eventType string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.RoundID, &e.UserID, &eventType, &e.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = models.EventType(eventType)
		e.CreatedAt = fromMillis(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) InTx(ctx context.Context, userID string, fn func(tx storage.Tx) error) error {
	return s.withTx(ctx, userID, func(sqlTx *sql.Tx) error {
		// lock the user row first so every writer of this user queues here
		_, err := getUser(ctx, sqlTx, s.dialect, userID, s.dialect.lockSuffix())
		return err
	}, fn)
}

// withTx runs prepare then fn in one transaction scoped to userID.
func (s *Store) withTx(ctx context.Context, userID string, prepare func(*sql.Tx) error, fn func(tx storage.Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if isConflict(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = prepare(sqlTx); err != nil {
		return err
	}
	if err = fn(&txn{tx: sqlTx, dialect: s.dialect, userID: userID}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		if isConflict(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const roundColumns = `id, user_id, stake, difficulty, step, multiplier, status, payout,
	server_seed, server_seed_hash, client_seed, nonce, created_at, updated_at, ended_at`

func getUser(ctx context.Context, q querier, d dialect, userID, suffix string) (models.User, error) {
	var u models.User
	var createdAt, updatedAt int64
	err := q.QueryRowContext(ctx, d.rebind(
		`SELECT id, username, balance, created_at, updated_at FROM users WHERE id = ?`+suffix), userID,
	).Scan(&u.ID, &u.Username, &u.Balance, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, storage.ErrNotFound
		}
		if isConflict(err) {
			return models.User{}, storage.ErrConflict
		}
		return models.User{}, fmt.Errorf("get user: %w", err)
	}
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return u, nil
}

func getRound(ctx context.Context, q querier, d dialect, roundID string) (models.Round, error) {
	row := q.QueryRowContext(ctx, d.rebind(`SELECT `+roundColumns+` FROM rounds WHERE id = ?`), roundID)
	r, err := scanRound(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Round{}, storage.ErrNotFound
		}
		return models.Round{}, fmt.Errorf("get round: %w", err)
	}
	return r, nil
}

func scanRound(row scanner) (models.Round, error) {
	var r models.Round
	var difficulty, status string
	var createdAt, updatedAt, endedAt int64
	err := row.Scan(&r.ID, &r.UserID, &r.Stake, &difficulty, &r.Step, &r.Multiplier, &status, &r.Payout,
		&r.ServerSeed, &r.ServerSeedHash, &r.ClientSeed, &r.Nonce, &createdAt, &updatedAt, &endedAt)
	if err != nil {
		return models.Round{}, err
	}
	r.Difficulty = models.Difficulty(difficulty)
	r.Status = models.RoundStatus(status)
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	r.EndedAt = fromMillis(endedAt)
	return r, nil
}
