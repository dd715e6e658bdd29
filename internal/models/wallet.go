package models

import "time"

type EntryKind string

const (
	EntryKindReserve EntryKind = "reserve"
	EntryKindSettle  EntryKind = "settle"
	EntryKindCredit  EntryKind = "credit"
)

// LedgerEntry records one balance mutation. (RoundID, Kind) is unique for
// round-scoped entries.
type LedgerEntry struct {
	ID            string    `json:"id" redis:"id"`
	UserID        string    `json:"user_id" redis:"user_id"`
	RoundID       string    `json:"round_id,omitempty" redis:"round_id"`
	Kind          EntryKind `json:"kind" redis:"kind"`
	Amount        int64     `json:"amount" redis:"amount"`
	BalanceBefore int64     `json:"balance_before" redis:"balance_before"`
	BalanceAfter  int64     `json:"balance_after" redis:"balance_after"`
	Description   string    `json:"description" redis:"description"`
	CreatedAt     time.Time `json:"created_at" redis:"created_at"`
}

type EventType string

const (
	EventRoundStarted EventType = "round_started"
	EventStep         EventType = "step"
	EventExploded     EventType = "exploded"
	EventCashout      EventType = "cashout"
)

// Event is an audit log record of a round transition.
type Event struct {
	ID        string    `json:"id"`
	RoundID   string    `json:"round_id"`
	UserID    string    `json:"user_id"`
	Type      EventType `json:"event_type"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}
