// Package draw holds the teer draw vocabulary: games, rounds, result numbers,
// draw dates and trigger clocks, along with their validation rules.
package draw

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Game identifies an independent teer game.
type Game string

// Supported games.
const (
	Shillong  Game = "shillong"
	Khanapara Game = "khanapara"
	Juwai     Game = "juwai"
	Night     Game = "night"
)

// Round is one of the two daily draws of a game.
type Round string

// Rounds of a game day.
const (
	FirstRound  Round = "FR"
	SecondRound Round = "SR"
)

// PayoutMultiplier is applied to the stake of a winning single-round wager.
const PayoutMultiplier = 80

// DateLayout is the canonical draw date format.
const DateLayout = "2006-01-02"

var validGames = map[Game]bool{
	Shillong:  true,
	Khanapara: true,
	Juwai:     true,
	Night:     true,
}

var (
	numberRegex = regexp.MustCompile(`^\d{2}$`)
	clockRegex  = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)
)

var (
	// ErrInvalid is wrapped by every validation failure in this package.
	ErrInvalid = errors.New("draw: invalid input")

	ErrInvalidGame   = fmt.Errorf("%w: unknown game", ErrInvalid)
	ErrInvalidRound  = fmt.Errorf("%w: unknown round", ErrInvalid)
	ErrInvalidNumber = fmt.Errorf("%w: number must be two digits", ErrInvalid)
	ErrInvalidDate   = fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalid)
	ErrInvalidClock  = fmt.Errorf("%w: time must be HH:MM", ErrInvalid)
)

// ParseGame normalises and validates a game name.
func ParseGame(s string) (Game, error) {
	g := Game(strings.ToLower(strings.TrimSpace(s)))
	if !validGames[g] {
		return "", fmt.Errorf("%w: %q", ErrInvalidGame, s)
	}
	return g, nil
}

// ParseRound normalises and validates a round name ("fr", "SR", ...).
func ParseRound(s string) (Round, error) {
	r := Round(strings.ToUpper(strings.TrimSpace(s)))
	if r != FirstRound && r != SecondRound {
		return "", fmt.Errorf("%w: %q", ErrInvalidRound, s)
	}
	return r, nil
}

// ValidNumber reports whether s is a declared-result shaped number.
func ValidNumber(s string) bool {
	return numberRegex.MatchString(s)
}

// ParseNumber validates a two-digit result number. No trimming or padding
// is applied: "7", " 07" and "123" are all rejected.
func ParseNumber(s string) (string, error) {
	if !ValidNumber(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return s, nil
}

// ParseDate validates a YYYY-MM-DD draw date and returns it unchanged.
func ParseDate(s string) (string, error) {
	if _, err := time.Parse(DateLayout, s); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return s, nil
}

// DateOf returns the draw date of t in its own location.
func DateOf(t time.Time) string {
	return t.Format(DateLayout)
}

// Clock is a local wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

// ClockOf returns the wall-clock time of t in its own location.
func ClockOf(t time.Time) Clock {
	return Clock{Hour: t.Hour(), Minute: t.Minute()}
}

// ParseClock parses "HH:MM" (24h).
func ParseClock(s string) (Clock, error) {
	m := clockRegex.FindStringSubmatch(s)
	if m == nil {
		return Clock{}, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	var c Clock
	fmt.Sscanf(m[1], "%d", &c.Hour)
	fmt.Sscanf(m[2], "%d", &c.Minute)
	return c, nil
}

// Before reports whether c is earlier in the day than o.
func (c Clock) Before(o Clock) bool {
	if c.Hour != o.Hour {
		return c.Hour < o.Hour
	}
	return c.Minute < o.Minute
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// IsInvalid reports whether err is a validation failure from this package.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalid)
}
