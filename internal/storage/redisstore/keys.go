package redisstore

import (
	"fmt"
	"time"
)

const (
	KeyUser        = "user:%s"
	KeyUserActive  = "user:%s:active_round"
	KeyUserRounds  = "user:%s:rounds"
	KeyUserLedger  = "user:%s:ledger"
	KeyRound       = "round:%s"
	KeyLedgerEntry = "ledger:%s"
	KeyRoundSettle = "ledger:round:%s:%s"
	KeyEvent       = "event:%s"
	KeyEvents      = "events"
	KeyRateLimit   = "ratelimit:%s:%s"

	MaxEvents = 1000
	// EventTTL expires event records a concurrent trim dropped from the
	// index without deleting.
	EventTTL = 30 * 24 * time.Hour
)

func userKey(userID string) string { return fmt.Sprintf(KeyUser, userID) }

func activeKey(userID string) string { return fmt.Sprintf(KeyUserActive, userID) }

func userRoundsKey(userID string) string { return fmt.Sprintf(KeyUserRounds, userID) }

func userLedgerKey(userID string) string { return fmt.Sprintf(KeyUserLedger, userID) }

func roundKey(roundID string) string { return fmt.Sprintf(KeyRound, roundID) }

func entryKey(entryID string) string { return fmt.Sprintf(KeyLedgerEntry, entryID) }

func eventKey(eventID string) string { return fmt.Sprintf(KeyEvent, eventID) }

func settleKey(roundID, kind string) string { return fmt.Sprintf(KeyRoundSettle, roundID, kind) }
