// Package ingest turns a trigger or an admin entry into at most one
// declaration per round, then settles and announces it.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teerpro/result-engine/internal/draw"
	"github.com/teerpro/result-engine/internal/metrics"
	"github.com/teerpro/result-engine/internal/model"
	"github.com/teerpro/result-engine/internal/publish"
	"github.com/teerpro/result-engine/internal/settlement"
	"github.com/teerpro/result-engine/internal/source"
	"github.com/teerpro/result-engine/internal/store"
)

const (
	defaultSourceTimeout = 15 * time.Second
	defaultSettleTimeout = 5 * time.Minute
)

// Outcome of an ingestion attempt.
type Outcome string

const (
	Declared        Outcome = "declared"
	AlreadyDeclared Outcome = "already_declared"
	NoResultYet     Outcome = "no_result_yet"
)

var (
	// ErrOutOfOrder rejects a second-round declaration while the first
	// round of the same game day is still pending.
	ErrOutOfOrder = fmt.Errorf("%w: SR cannot be declared before FR", draw.ErrInvalid)

	// ErrNotDeclared is returned when settling a round that has no number.
	ErrNotDeclared = errors.New("ingest: round not declared")
)

// Result describes what an ingestion attempt did.
type Result struct {
	Outcome Outcome            `json:"outcome"`
	Result  *model.Result      `json:"result,omitempty"`
	Report  *settlement.Report `json:"settlement,omitempty"`

	// SourceErr is set when the source could not be read. The attempt
	// still reports NoResultYet; the next trigger tries again.
	SourceErr error `json:"-"`

	// SettleErr is set when the round was declared but its wagers could
	// not be listed. The round needs a Resettle.
	SettleErr error `json:"-"`
}

// Settler settles a declared round.
type Settler interface {
	Settle(ctx context.Context, game draw.Game, round draw.Round, date, number string) (*settlement.Report, error)
}

// Coordinator orchestrates fetch, declaration, settlement and broadcast.
type Coordinator struct {
	results       store.ResultStore
	source        source.Adapter
	settler       Settler
	pub           publish.Publisher
	log           *zap.Logger
	sourceTimeout time.Duration
	settleTimeout time.Duration
	now           func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSourceTimeout bounds each source fetch.
func WithSourceTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.sourceTimeout = d
		}
	}
}

// WithSettleTimeout bounds the settlement and broadcast that follow a
// winning declaration. They are detached from the caller's context.
func WithSettleTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.settleTimeout = d
		}
	}
}

// WithClock overrides the declaration timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator creates a coordinator.
func NewCoordinator(results store.ResultStore, src source.Adapter, settler Settler, pub publish.Publisher, log *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		results:       results,
		source:        src,
		settler:       settler,
		pub:           pub,
		log:           log,
		sourceTimeout: defaultSourceTimeout,
		settleTimeout: defaultSettleTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ingest polls the source for (game, round, date) and declares the round
// if a valid number is published. Calling it again for a declared round is
// a no-op that reports AlreadyDeclared. Only store failures are returned
// as errors.
func (c *Coordinator) Ingest(ctx context.Context, game draw.Game, round draw.Round, date string) (*Result, error) {
	if err := validate(game, round, date); err != nil {
		return nil, err
	}

	current, err := c.results.EnsureResult(ctx, game, date)
	if err != nil {
		return nil, err
	}
	if current.Declared(round) {
		return c.done(game, round, &Result{Outcome: AlreadyDeclared, Result: current}), nil
	}
	if round == draw.SecondRound && !current.Declared(draw.FirstRound) {
		c.log.Info("second round waits for first",
			zap.String("game", string(game)),
			zap.String("date", date),
		)
		return c.done(game, round, &Result{Outcome: NoResultYet, Result: current}), nil
	}

	pair, err := c.fetch(ctx, game)
	if err != nil {
		kind := "unknown"
		if se, ok := source.AsError(err); ok {
			kind = string(se.Kind)
		}
		metrics.SourceErrors.WithLabelValues(string(game), kind).Inc()
		c.log.Warn("source unavailable",
			zap.String("game", string(game)),
			zap.String("round", string(round)),
			zap.String("date", date),
			zap.String("kind", kind),
			zap.Error(err),
		)
		return c.done(game, round, &Result{Outcome: NoResultYet, Result: current, SourceErr: err}), nil
	}

	number := pair.Number(round)
	if number == "" {
		c.log.Info("result not published yet",
			zap.String("game", string(game)),
			zap.String("round", string(round)),
			zap.String("date", date),
		)
		return c.done(game, round, &Result{Outcome: NoResultYet, Result: current}), nil
	}

	res, err := c.declare(ctx, game, round, date, number)
	if err != nil {
		return nil, err
	}
	return c.done(game, round, res), nil
}

// Declare is the operator entry: it validates the number and date first,
// so a rejected request never touches the store, then declares with the
// same idempotent semantics as Ingest.
func (c *Coordinator) Declare(ctx context.Context, game draw.Game, round draw.Round, date, number string) (*Result, error) {
	if err := validate(game, round, date); err != nil {
		return nil, err
	}
	if _, err := draw.ParseNumber(number); err != nil {
		return nil, err
	}

	if round == draw.SecondRound {
		current, err := c.results.FreshResult(ctx, game, date)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, ErrOutOfOrder
		case err != nil:
			return nil, err
		case !current.Declared(draw.FirstRound):
			return nil, ErrOutOfOrder
		}
	}

	res, err := c.declare(ctx, game, round, date, number)
	if err != nil {
		return nil, err
	}
	c.log.Info("result entered by operator",
		zap.String("game", string(game)),
		zap.String("round", string(round)),
		zap.String("date", date),
		zap.String("number", number),
		zap.String("outcome", string(res.Outcome)),
	)
	return c.done(game, round, res), nil
}

// Resettle re-runs settlement for an already declared round. Wagers that
// were settled before are skipped, so this is safe to repeat.
func (c *Coordinator) Resettle(ctx context.Context, game draw.Game, round draw.Round, date string) (*settlement.Report, error) {
	if err := validate(game, round, date); err != nil {
		return nil, err
	}
	current, err := c.results.FreshResult(ctx, game, date)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotDeclared
	}
	if err != nil {
		return nil, err
	}
	number := current.Number(round)
	if number == "" {
		return nil, ErrNotDeclared
	}
	return c.settler.Settle(ctx, game, round, date, number)
}

// declare performs the conditional write. Only the writer that wins it
// settles and broadcasts, in that order.
func (c *Coordinator) declare(ctx context.Context, game draw.Game, round draw.Round, date, number string) (*Result, error) {
	stored, declared, err := c.results.DeclareRound(ctx, game, date, round, number, c.now().UTC())
	if err != nil {
		return nil, err
	}
	if !declared {
		return &Result{Outcome: AlreadyDeclared, Result: stored}, nil
	}

	c.log.Info("round declared",
		zap.String("game", string(game)),
		zap.String("round", string(round)),
		zap.String("date", date),
		zap.String("number", number),
	)

	// Once the write has won, nothing else will settle this round, so a
	// disconnecting caller or an expiring firing must not cut it short.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.settleTimeout)
	defer cancel()

	res := &Result{Outcome: Declared, Result: stored}
	report, err := c.settler.Settle(sctx, game, round, date, number)
	if err != nil {
		res.SettleErr = err
		c.log.Error("settlement did not run, round needs resettle",
			zap.String("game", string(game)),
			zap.String("round", string(round)),
			zap.String("date", date),
			zap.Error(err),
		)
	}
	res.Report = report

	c.pub.PublishResultDeclared(sctx, model.ResultDeclared{
		Game:   game,
		Round:  round,
		Number: number,
		Date:   date,
	})
	return res, nil
}

func (c *Coordinator) fetch(ctx context.Context, game draw.Game) (source.Pair, error) {
	fctx, cancel := context.WithTimeout(ctx, c.sourceTimeout)
	defer cancel()

	pair, err := c.source.Fetch(fctx, game)
	if err == nil {
		return pair, nil
	}
	if _, ok := source.AsError(err); ok {
		return source.Pair{}, err
	}
	kind := source.KindNetwork
	if errors.Is(fctx.Err(), context.DeadlineExceeded) {
		kind = source.KindTimeout
	}
	return source.Pair{}, &source.Error{Game: game, Kind: kind, Err: err}
}

func (c *Coordinator) done(game draw.Game, round draw.Round, res *Result) *Result {
	metrics.IngestOutcomes.WithLabelValues(string(game), string(round), string(res.Outcome)).Inc()
	return res
}

// validate requires canonical game and round values.
func validate(game draw.Game, round draw.Round, date string) error {
	if g, err := draw.ParseGame(string(game)); err != nil || g != game {
		return fmt.Errorf("%w: %q", draw.ErrInvalidGame, game)
	}
	if r, err := draw.ParseRound(string(round)); err != nil || r != round {
		return fmt.Errorf("%w: %q", draw.ErrInvalidRound, round)
	}
	_, err := draw.ParseDate(date)
	return err
}
