// Package store defines the persistence interface for the result engine.
// Implementations include PostgreSQL and MongoDB (sources of truth), Redis
// (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/teerpro/result-engine/internal/draw"
	"github.com/teerpro/result-engine/internal/model"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("store: not found")

// Error is a failure to read or persist state. Callers treat it as fatal
// for the single operation that produced it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// wrap tags err with the failing operation. ErrNotFound passes through
// untagged: a missing record is not a backend failure.
func wrap(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// IsStoreError reports whether err came from a store backend.
func IsStoreError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

// ResultStore persists declared results keyed by (game, date).
type ResultStore interface {
	// EnsureResult returns the result for (game, date), creating an empty
	// one if none exists yet.
	EnsureResult(ctx context.Context, game draw.Game, date string) (*model.Result, error)

	// GetResult returns the result for (game, date) or ErrNotFound. It may
	// be served from a cache.
	GetResult(ctx context.Context, game draw.Game, date string) (*model.Result, error)

	// FreshResult is GetResult against the system of record, never a
	// cache. Declaration and settlement decisions read through it.
	FreshResult(ctx context.Context, game draw.Game, date string) (*model.Result, error)

	// DeclareRound atomically sets the round's number and declaration time
	// only if the round is still absent. declared is false when another
	// writer got there first; the returned result is the stored state either way.
	DeclareRound(ctx context.Context, game draw.Game, date string, round draw.Round, number string, at time.Time) (res *model.Result, declared bool, err error)

	// ListResultsByDate returns every game's result for one date.
	ListResultsByDate(ctx context.Context, date string) ([]model.Result, error)

	// ListResults returns results matching q, newest date first.
	ListResults(ctx context.Context, q model.ResultQuery) ([]model.Result, error)
}

// WagerStore persists wagers and per-user aggregates.
type WagerStore interface {
	// InsertWager stores a new active wager and increments the owner's
	// placed count and total stake in the same unit.
	InsertWager(ctx context.Context, w *model.Wager) error

	// GetWager returns a wager by ID or ErrNotFound.
	GetWager(ctx context.Context, id string) (*model.Wager, error)

	// ListActiveWagers returns active wagers for one round of one game day.
	ListActiveWagers(ctx context.Context, game draw.Game, round draw.Round, date string) ([]model.Wager, error)

	// ListUserWagers returns a user's wagers matching q, newest first.
	ListUserWagers(ctx context.Context, userID string, q model.WagerQuery) ([]model.Wager, error)

	// SettleWager moves an active wager to a terminal status and, for a win,
	// increments the owner's won count and payout total, as one atomic unit.
	// applied is false (and nothing changes) if the wager was already terminal.
	SettleWager(ctx context.Context, id string, s model.Settlement) (applied bool, err error)

	// GetUserStats returns the user's aggregates; zero stats if none exist.
	GetUserStats(ctx context.Context, userID string) (*model.UserStats, error)
}

// Store is the full persistence interface.
type Store interface {
	ResultStore
	WagerStore

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return 30
	}
	return n
}
