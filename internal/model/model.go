// Package model defines the core domain types shared across the result engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/teerpro/result-engine/internal/draw"
)

// Result holds the declared numbers of one game on one draw date.
// Keyed by (Game, Date). Once FR or SR is set it is never overwritten.
type Result struct {
	Game         draw.Game  `json:"game" db:"game"`
	Date         string     `json:"date" db:"date"` // YYYY-MM-DD
	FR           string     `json:"fr,omitempty" db:"fr_number"`
	SR           string     `json:"sr,omitempty" db:"sr_number"`
	FRDeclaredAt *time.Time `json:"fr_declared_at,omitempty" db:"fr_declared_at"`
	SRDeclaredAt *time.Time `json:"sr_declared_at,omitempty" db:"sr_declared_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// Number returns the declared number for a round, or "" if still pending.
func (r *Result) Number(round draw.Round) string {
	if round == draw.SecondRound {
		return r.SR
	}
	return r.FR
}

// Declared reports whether the round has a number.
func (r *Result) Declared(round draw.Round) bool {
	return r.Number(round) != ""
}

// WagerStatus is the lifecycle state of a wager.
type WagerStatus string

const (
	StatusActive WagerStatus = "active"
	StatusWon    WagerStatus = "won"
	StatusLost   WagerStatus = "lost"
)

// Terminal reports whether the status can no longer change.
func (s WagerStatus) Terminal() bool {
	return s == StatusWon || s == StatusLost
}

// ParseWagerStatus validates a status filter value.
func ParseWagerStatus(s string) (WagerStatus, bool) {
	switch WagerStatus(s) {
	case StatusActive, StatusWon, StatusLost:
		return WagerStatus(s), true
	}
	return "", false
}

// Wager is a single-number bet on one round of one game day.
// Created active by the placement API; settled exactly once.
type Wager struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Game          draw.Game       `json:"game" db:"game"`
	Round         draw.Round      `json:"round" db:"round"`
	Number        string          `json:"number" db:"number"` // zero-padded
	Stake         decimal.Decimal `json:"stake" db:"stake"`
	Date          string          `json:"date" db:"date"`
	Status        WagerStatus     `json:"status" db:"status"`
	SettledNumber string          `json:"settled_number,omitempty" db:"settled_number"`
	Payout        decimal.Decimal `json:"payout" db:"payout"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	SettledAt     *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
}

// Settlement is the terminal transition applied to one wager.
type Settlement struct {
	Status        WagerStatus
	SettledNumber string
	Payout        decimal.Decimal
	SettledAt     time.Time
}

// UserStats is the per-user aggregate maintained by atomic increments.
type UserStats struct {
	UserID      string          `json:"user_id" db:"user_id"`
	Placed      int64           `json:"total_bets" db:"placed"`
	Won         int64           `json:"won_bets" db:"won"`
	TotalStaked decimal.Decimal `json:"total_invested" db:"total_staked"`
	TotalPayout decimal.Decimal `json:"total_won" db:"total_payout"`
}

// Trigger is one row of the polling schedule.
type Trigger struct {
	Game     draw.Game
	Round    draw.Round
	At       draw.Clock
	Location *time.Location
}

// ResultQuery filters result history. Zero values mean "no filter".
type ResultQuery struct {
	Game  draw.Game
	From  string
	To    string
	Limit int
}

// WagerQuery filters a user's wagers. Zero values mean "no filter".
type WagerQuery struct {
	Status WagerStatus
	Game   draw.Game
	From   string
	To     string
}

// InRange reports whether date falls within [from, to]; empty bounds are open.
// Dates compare lexically because of the YYYY-MM-DD layout.
func InRange(date, from, to string) bool {
	if from != "" && date < from {
		return false
	}
	if to != "" && date > to {
		return false
	}
	return true
}
