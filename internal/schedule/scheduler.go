// Package schedule fires ingestion at each configured draw time.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teerpro/result-engine/internal/draw"
	"github.com/teerpro/result-engine/internal/ingest"
	"github.com/teerpro/result-engine/internal/metrics"
	"github.com/teerpro/result-engine/internal/model"
)

const defaultFiringTimeout = 2 * time.Minute

// Ingester is the part of the coordinator the scheduler drives.
type Ingester interface {
	Ingest(ctx context.Context, game draw.Game, round draw.Round, date string) (*ingest.Result, error)
}

// Scheduler owns one cron entry per trigger. Firings that happen while the
// process is down are not replayed.
type Scheduler struct {
	cron     *cron.Cron
	ingester Ingester
	triggers []model.Trigger
	frClock  map[draw.Game]draw.Clock
	log      *zap.Logger
	timeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithFiringTimeout bounds a single firing.
func WithFiringTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New registers every trigger. It fails if a trigger cannot be expressed
// as a daily cron entry.
func New(ingester Ingester, triggers []model.Trigger, log *zap.Logger, opts ...Option) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{log.Sugar()}
	s := &Scheduler{
		cron:     cron.New(cron.WithLogger(cl)),
		ingester: ingester,
		triggers: triggers,
		frClock:  make(map[draw.Game]draw.Clock),
		log:      log,
		timeout:  defaultFiringTimeout,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, t := range triggers {
		if t.Round == draw.FirstRound {
			s.frClock[t.Game] = t.At
		}
	}
	for _, t := range triggers {
		t := t
		job := cron.NewChain(cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
			s.Fire(s.ctx, t, time.Now())
		}))
		if _, err := s.cron.AddJob(CronExpr(t), job); err != nil {
			cancel()
			return nil, fmt.Errorf("schedule %s %s at %s: %w", t.Game, t.Round, t.At, err)
		}
	}
	return s, nil
}

// CronExpr renders a trigger as a cron expression in its own time zone.
func CronExpr(t model.Trigger) string {
	return fmt.Sprintf("CRON_TZ=%s %d %d * * *", locationOf(t).String(), t.At.Minute, t.At.Hour)
}

// NextRun returns the first firing of t strictly after after.
func NextRun(t model.Trigger, after time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(CronExpr(t))
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// Start begins firing triggers.
func (s *Scheduler) Start() {
	s.cron.Start()
	for _, t := range s.triggers {
		next, _ := NextRun(t, time.Now())
		s.log.Info("trigger scheduled",
			zap.String("game", string(t.Game)),
			zap.String("round", string(t.Round)),
			zap.String("at", t.At.String()),
			zap.String("tz", locationOf(t).String()),
			zap.Time("next", next),
		)
	}
}

// Stop prevents new firings, cancels running ones and waits for them to
// return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	s.cancel()

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fire runs one ingestion for t as if it fired at at. Errors and panics are
// logged and counted, never retried and never propagated to other triggers.
func (s *Scheduler) Fire(ctx context.Context, t model.Trigger, at time.Time) {
	date := s.DrawDate(t, at)
	log := s.log.With(
		zap.String("game", string(t.Game)),
		zap.String("round", string(t.Round)),
		zap.String("date", date),
	)
	defer func() {
		if r := recover(); r != nil {
			metrics.SchedulerFirings.WithLabelValues(string(t.Game), string(t.Round), "panic").Inc()
			log.Error("ingestion panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	fctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.ingester.Ingest(fctx, t.Game, t.Round, date)
	if err != nil {
		metrics.SchedulerFirings.WithLabelValues(string(t.Game), string(t.Round), "error").Inc()
		log.Error("scheduled ingestion failed", zap.Error(err))
		return
	}
	metrics.SchedulerFirings.WithLabelValues(string(t.Game), string(t.Round), "ok").Inc()
	log.Info("scheduled ingestion finished", zap.String("outcome", string(res.Outcome)))
}

// DrawDate is the game day that a firing, or any poll at at, belongs to:
// the local date in the trigger's zone, except that a second round
// scheduled past midnight belongs to the previous day until the next
// first round comes due.
func (s *Scheduler) DrawDate(t model.Trigger, at time.Time) string {
	local := at.In(locationOf(t))
	if t.Round == draw.SecondRound {
		if fr, ok := s.frClock[t.Game]; ok && t.At.Before(fr) && draw.ClockOf(local).Before(fr) {
			local = local.AddDate(0, 0, -1)
		}
	}
	return draw.DateOf(local)
}

// DrawDateFor applies DrawDate with the registered trigger for (game,
// round). ok is false when no trigger covers the round.
func (s *Scheduler) DrawDateFor(game draw.Game, round draw.Round, at time.Time) (string, bool) {
	for _, t := range s.triggers {
		if t.Game == game && t.Round == round {
			return s.DrawDate(t, at), true
		}
	}
	return "", false
}

// Triggers returns the registered triggers.
func (s *Scheduler) Triggers() []model.Trigger {
	return s.triggers
}

func locationOf(t model.Trigger) *time.Location {
	if t.Location == nil {
		return time.UTC
	}
	return t.Location
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
