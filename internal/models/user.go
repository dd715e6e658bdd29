package models

import "time"

type User struct {
	ID        string    `json:"id" redis:"id"`
	Username  string    `json:"username" redis:"username"`
	Balance   int64     `json:"balance" redis:"balance"`
	CreatedAt time.Time `json:"created_at" redis:"created_at"`
	UpdatedAt time.Time `json:"updated_at" redis:"updated_at"`
}
