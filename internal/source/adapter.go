// Package source fetches candidate round numbers from external result
// publishers. Nothing returned by a source is trusted: every number is
// validated here before it reaches the ingestion coordinator.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/teerpro/result-engine/internal/draw"
)

// Adapter returns the currently published numbers for a game.
type Adapter interface {
	Fetch(ctx context.Context, game draw.Game) (Pair, error)
}

// Pair holds the published numbers for both rounds. An empty field means
// the round is not (validly) published yet.
type Pair struct {
	FR string
	SR string
}

// NewPair validates each field independently. Anything that is not a two
// digit number, such as "--", "XX" or "123", is treated as absent.
func NewPair(fr, sr string) Pair {
	return Pair{FR: clean(fr), SR: clean(sr)}
}

func clean(s string) string {
	s = strings.TrimSpace(s)
	if !draw.ValidNumber(s) {
		return ""
	}
	return s
}

// Number returns the published number for round, or "" when absent.
func (p Pair) Number(round draw.Round) string {
	if round == draw.SecondRound {
		return p.SR
	}
	return p.FR
}

// Empty reports whether neither round is published.
func (p Pair) Empty() bool {
	return p.FR == "" && p.SR == ""
}

// Kind classifies a source failure.
type Kind string

const (
	KindNetwork      Kind = "network"
	KindTimeout      Kind = "timeout"
	KindStatus       Kind = "status"
	KindMalformed    Kind = "malformed"
	KindUnconfigured Kind = "unconfigured"
)

// Error is returned for any failure to obtain a pair from a source.
type Error struct {
	Game draw.Game
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("source %s (%s): %v", e.Game, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Func adapts a plain function to the Adapter interface.
type Func func(ctx context.Context, game draw.Game) (Pair, error)

func (f Func) Fetch(ctx context.Context, game draw.Game) (Pair, error) {
	return f(ctx, game)
}

// Fallback tries each adapter in order and returns the first pair that has
// at least one usable number. If every adapter fails, the last error is
// returned, preferring a real failure over an adapter with no page for the
// game. If some succeeded with nothing published, an empty pair is.
type Fallback []Adapter

func (f Fallback) Fetch(ctx context.Context, game draw.Game) (Pair, error) {
	var (
		lastErr error
		anyOK   bool
	)
	for _, a := range f {
		p, err := a.Fetch(ctx, game)
		if err != nil {
			if se, ok := AsError(err); !ok || se.Kind != KindUnconfigured || lastErr == nil {
				lastErr = err
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}
		anyOK = true
		if !p.Empty() {
			return p, nil
		}
	}
	if anyOK {
		return Pair{}, nil
	}
	if lastErr == nil {
		lastErr = &Error{Game: game, Kind: KindUnconfigured, Err: errors.New("no adapters")}
	}
	return Pair{}, lastErr
}
