package services

import "pumpup-backend/internal/models"

// Broadcaster pushes committed state changes to connected clients.
type Broadcaster interface {
	BroadcastRoundUpdate(userID string, round models.Round)
	BroadcastBalanceUpdate(userID string, balance int64)
}

type nopBroadcaster struct{}

func (nopBroadcaster) BroadcastRoundUpdate(string, models.Round) {}

func (nopBroadcaster) BroadcastBalanceUpdate(string, int64) {}
