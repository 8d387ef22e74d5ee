// Package settlement resolves every active wager on a declared round.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teerpro/result-engine/internal/draw"
	"github.com/teerpro/result-engine/internal/metrics"
	"github.com/teerpro/result-engine/internal/model"
	"github.com/teerpro/result-engine/internal/publish"
	"github.com/teerpro/result-engine/internal/store"
)

const defaultWorkers = 8

// Outcome of settling one wager.
type Outcome string

const (
	Won     Outcome = "won"
	Lost    Outcome = "lost"
	Skipped Outcome = "skipped" // already terminal, nothing changed
	Failed  Outcome = "failed"  // store error, wager still active
)

// WagerOutcome records what happened to one wager.
type WagerOutcome struct {
	WagerID string          `json:"wager_id"`
	UserID  string          `json:"user_id"`
	Outcome Outcome         `json:"outcome"`
	Payout  decimal.Decimal `json:"payout"`
	Error   string          `json:"error,omitempty"`
}

// Report summarises one settlement run.
type Report struct {
	Game        draw.Game       `json:"game"`
	Round       draw.Round      `json:"round"`
	Date        string          `json:"date"`
	Number      string          `json:"number"`
	Wagers      []WagerOutcome  `json:"wagers"`
	TotalPayout decimal.Decimal `json:"total_payout"`
	Duration    time.Duration   `json:"duration_ns"`
}

// Count returns how many wagers ended with outcome o.
func (r *Report) Count(o Outcome) int {
	n := 0
	for _, w := range r.Wagers {
		if w.Outcome == o {
			n++
		}
	}
	return n
}

// Failed returns the wagers that must be re-run.
func (r *Report) Failed() []WagerOutcome {
	var out []WagerOutcome
	for _, w := range r.Wagers {
		if w.Outcome == Failed {
			out = append(out, w)
		}
	}
	return out
}

// Engine settles wagers against declared numbers.
type Engine struct {
	store   store.WagerStore
	pub     publish.Publisher
	log     *zap.Logger
	workers int
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers bounds how many wagers are settled concurrently.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithClock overrides the settlement timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates a settlement engine.
func NewEngine(st store.WagerStore, pub publish.Publisher, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		pub:     pub,
		log:     log,
		workers: defaultWorkers,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Settle resolves every active wager on (game, round, date) against number.
// Each wager transitions independently; a failure on one never stops the
// others. It returns an error only when the wager list could not be read,
// in which case nothing was touched.
func (e *Engine) Settle(ctx context.Context, game draw.Game, round draw.Round, date, number string) (*Report, error) {
	if _, err := draw.ParseNumber(number); err != nil {
		return nil, err
	}
	start := time.Now()

	wagers, err := e.store.ListActiveWagers(ctx, game, round, date)
	if err != nil {
		return nil, fmt.Errorf("list active wagers: %w", err)
	}

	report := &Report{
		Game:        game,
		Round:       round,
		Date:        date,
		Number:      number,
		Wagers:      make([]WagerOutcome, len(wagers)),
		TotalPayout: decimal.Zero,
	}

	var g errgroup.Group
	g.SetLimit(e.workers)
	for i := range wagers {
		i := i
		g.Go(func() error {
			report.Wagers[i] = e.settleOne(ctx, &wagers[i], number)
			return nil
		})
	}
	g.Wait()

	for _, w := range report.Wagers {
		metrics.SettlementOutcomes.WithLabelValues(string(game), string(round), string(w.Outcome)).Inc()
		if w.Outcome == Won {
			report.TotalPayout = report.TotalPayout.Add(w.Payout)
		}
	}
	report.Duration = time.Since(start)
	metrics.SettlementLatency.WithLabelValues(string(game), string(round)).Observe(report.Duration.Seconds())

	e.log.Info("round settled",
		zap.String("game", string(game)),
		zap.String("round", string(round)),
		zap.String("date", date),
		zap.String("number", number),
		zap.Int("won", report.Count(Won)),
		zap.Int("lost", report.Count(Lost)),
		zap.Int("skipped", report.Count(Skipped)),
		zap.Int("failed", report.Count(Failed)),
		zap.String("total_payout", report.TotalPayout.String()),
	)
	return report, nil
}

func (e *Engine) settleOne(ctx context.Context, w *model.Wager, number string) WagerOutcome {
	out := WagerOutcome{WagerID: w.ID, UserID: w.UserID, Payout: decimal.Zero}

	st := model.Settlement{
		Status:        model.StatusLost,
		SettledNumber: number,
		Payout:        decimal.Zero,
		SettledAt:     e.now().UTC(),
	}
	if w.Number == number {
		st.Status = model.StatusWon
		st.Payout = Payout(w.Stake)
	}

	applied, err := e.store.SettleWager(ctx, w.ID, st)
	switch {
	case err != nil:
		out.Outcome = Failed
		out.Error = err.Error()
		e.log.Error("settle wager failed",
			zap.String("wager_id", w.ID),
			zap.String("game", string(w.Game)),
			zap.String("round", string(w.Round)),
			zap.Error(err),
		)
		return out
	case !applied:
		out.Outcome = Skipped
		return out
	}

	if st.Status != model.StatusWon {
		out.Outcome = Lost
		return out
	}

	out.Outcome = Won
	out.Payout = st.Payout
	e.pub.PublishWagerWon(ctx, model.WagerWon{
		UserID:  w.UserID,
		WagerID: w.ID,
		Game:    w.Game,
		Round:   w.Round,
		Number:  number,
		Stake:   w.Stake,
		Payout:  st.Payout,
	})
	return out
}

// Payout is the amount credited for a winning stake.
func Payout(stake decimal.Decimal) decimal.Decimal {
	return stake.Mul(decimal.NewFromInt(draw.PayoutMultiplier))
}
