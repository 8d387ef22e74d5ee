package model

import (
	"github.com/shopspring/decimal"

	"github.com/teerpro/result-engine/internal/draw"
)

// Event names on the wire.
const (
	EventResultUpdate = "result-update"
	EventWagerWon     = "wager-won"
)

// ResultDeclared is broadcast to every subscriber when a round is declared.
type ResultDeclared struct {
	Game   draw.Game  `json:"game"`
	Round  draw.Round `json:"round"`
	Number string     `json:"number"`
	Date   string     `json:"date"`
}

// WagerWon is delivered only to the owning user's subscriptions.
// UserID routes the event and is not part of the payload.
type WagerWon struct {
	UserID  string          `json:"-"`
	WagerID string          `json:"wagerId"`
	Game    draw.Game       `json:"game"`
	Round   draw.Round      `json:"round"`
	Number  string          `json:"number"`
	Stake   decimal.Decimal `json:"stake"`
	Payout  decimal.Decimal `json:"payout"`
}
