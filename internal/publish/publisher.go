// Package publish fans declared results and wins out to subscribers: local
// WebSocket clients, other instances through Redis, and downstream
// consumers through Kafka. Delivery is best effort; no publisher reports
// errors to its caller.
package publish

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teerpro/result-engine/internal/draw"
	"github.com/teerpro/result-engine/internal/model"
)

// Publisher is the outbound notification port used by ingestion and
// settlement.
type Publisher interface {
	PublishResultDeclared(ctx context.Context, ev model.ResultDeclared)
	PublishWagerWon(ctx context.Context, ev model.WagerWon)
}

// Envelope is the wire format every subscriber receives.
type Envelope struct {
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	ID     string          `json:"id"`
	SentAt time.Time       `json:"sent_at"`
}

// Message is an envelope together with its routing. Game scopes result
// updates; UserID, when set, restricts delivery to that user's clients.
type Message struct {
	Envelope Envelope  `json:"envelope"`
	Game     draw.Game `json:"game"`
	UserID   string    `json:"user_id,omitempty"`
}

func newMessage(event string, data any, game draw.Game, userID string) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Envelope: Envelope{
			Event:  event,
			Data:   raw,
			ID:     uuid.NewString(),
			SentAt: time.Now().UTC(),
		},
		Game:   game,
		UserID: userID,
	}, nil
}

func resultMessage(ev model.ResultDeclared) (Message, error) {
	return newMessage(model.EventResultUpdate, ev, ev.Game, "")
}

func wonMessage(ev model.WagerWon) (Message, error) {
	return newMessage(model.EventWagerWon, ev, ev.Game, ev.UserID)
}

// Multi publishes to every contained publisher in order.
type Multi []Publisher

func (m Multi) PublishResultDeclared(ctx context.Context, ev model.ResultDeclared) {
	for _, p := range m {
		p.PublishResultDeclared(ctx, ev)
	}
}

func (m Multi) PublishWagerWon(ctx context.Context, ev model.WagerWon) {
	for _, p := range m {
		p.PublishWagerWon(ctx, ev)
	}
}
