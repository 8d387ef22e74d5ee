package schedule_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/teerpro/result-engine/internal/draw"
	"github.com/teerpro/result-engine/internal/ingest"
	"github.com/teerpro/result-engine/internal/model"
	"github.com/teerpro/result-engine/internal/schedule"
)

func kolkata(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}

func trigger(t *testing.T, game draw.Game, round draw.Round, at string) model.Trigger {
	t.Helper()
	c, err := draw.ParseClock(at)
	if err != nil {
		t.Fatalf("clock %s: %v", at, err)
	}
	return model.Trigger{Game: game, Round: round, At: c, Location: kolkata(t)}
}

type call struct {
	game  draw.Game
	round draw.Round
	date  string
}

// fakeIngester records calls; per-game behaviour is configurable.
type fakeIngester struct {
	mu     sync.Mutex
	calls  []call
	failOn map[draw.Game]string // "error" or "panic"
}

func (f *fakeIngester) Ingest(_ context.Context, game draw.Game, round draw.Round, date string) (*ingest.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{game, round, date})
	mode := f.failOn[game]
	f.mu.Unlock()

	switch mode {
	case "panic":
		panic("source parser blew up")
	case "error":
		return nil, errors.New("store unavailable")
	}
	return &ingest.Result{Outcome: ingest.NoResultYet}, nil
}

func (f *fakeIngester) called(game draw.Game) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.game == game {
			out = append(out, c)
		}
	}
	return out
}

func TestNextRun_UsesTriggerZone(t *testing.T) {
	tr := trigger(t, draw.Shillong, draw.FirstRound, "15:35")

	// 15:30 IST on 1 Jan.
	after := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	next, err := schedule.NextRun(tr, after)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("expected %s, got %s", want, next.UTC())
	}

	// Just after the firing, the next one is a day later.
	next, _ = schedule.NextRun(tr, want)
	if !next.Equal(want.Add(24 * time.Hour)) {
		t.Errorf("expected next day, got %s", next.UTC())
	}
}

func TestNextRun_PastMidnight(t *testing.T) {
	tr := trigger(t, draw.Night, draw.SecondRound, "00:15")
	after := time.Date(2024, 1, 1, 18, 0, 0, 0, time.UTC) // 23:30 IST
	next, _ := schedule.NextRun(tr, after)
	want := time.Date(2024, 1, 1, 18, 45, 0, 0, time.UTC) // 00:15 IST on 2 Jan
	if !next.Equal(want) {
		t.Errorf("expected %s, got %s", want, next.UTC())
	}
}

func TestCronExpr(t *testing.T) {
	got := schedule.CronExpr(trigger(t, draw.Juwai, draw.SecondRound, "14:35"))
	if got != "CRON_TZ=Asia/Kolkata 35 14 * * *" {
		t.Errorf("unexpected cron expression %q", got)
	}
}

func TestDrawDate(t *testing.T) {
	loc := kolkata(t)
	triggers := []model.Trigger{
		trigger(t, draw.Shillong, draw.FirstRound, "15:35"),
		trigger(t, draw.Shillong, draw.SecondRound, "16:35"),
		trigger(t, draw.Night, draw.FirstRound, "23:15"),
		trigger(t, draw.Night, draw.SecondRound, "00:15"),
	}
	s, err := schedule.New(&fakeIngester{}, triggers, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	tests := []struct {
		name string
		tr   model.Trigger
		at   time.Time
		want string
	}{
		{"shillong FR", triggers[0], time.Date(2024, 3, 5, 15, 35, 0, 0, loc), "2024-03-05"},
		{"shillong SR", triggers[1], time.Date(2024, 3, 5, 16, 35, 0, 0, loc), "2024-03-05"},
		{"night FR", triggers[2], time.Date(2024, 3, 5, 23, 15, 0, 0, loc), "2024-03-05"},
		{"night SR past midnight", triggers[3], time.Date(2024, 3, 6, 0, 15, 0, 0, loc), "2024-03-05"},
		{"night SR across month", triggers[3], time.Date(2024, 3, 1, 0, 15, 0, 0, loc), "2024-02-29"},
		{"night SR polled before midnight", triggers[3], time.Date(2024, 3, 5, 23, 30, 0, 0, loc), "2024-03-05"},
		// 23:00 UTC is already the next day in Kolkata.
		{"zone not UTC", triggers[0], time.Date(2024, 3, 5, 23, 0, 0, 0, time.UTC), "2024-03-06"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.DrawDate(tt.tr, tt.at); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestDrawDateFor(t *testing.T) {
	loc := kolkata(t)
	triggers := []model.Trigger{
		trigger(t, draw.Night, draw.FirstRound, "23:15"),
		trigger(t, draw.Night, draw.SecondRound, "00:15"),
	}
	s, err := schedule.New(&fakeIngester{}, triggers, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	at := time.Date(2024, 3, 6, 0, 40, 0, 0, loc)
	if got, ok := s.DrawDateFor(draw.Night, draw.SecondRound, at); !ok || got != "2024-03-05" {
		t.Errorf("expected night SR on 2024-03-05, got %s ok=%v", got, ok)
	}
	if got, ok := s.DrawDateFor(draw.Night, draw.FirstRound, at); !ok || got != "2024-03-06" {
		t.Errorf("expected night FR on 2024-03-06, got %s ok=%v", got, ok)
	}
	if _, ok := s.DrawDateFor(draw.Juwai, draw.FirstRound, at); ok {
		t.Error("no trigger covers juwai")
	}
}

func TestFire_TriggersAreIndependent(t *testing.T) {
	loc := kolkata(t)
	triggers := []model.Trigger{
		trigger(t, draw.Shillong, draw.FirstRound, "15:35"),
		trigger(t, draw.Khanapara, draw.FirstRound, "15:50"),
		trigger(t, draw.Juwai, draw.FirstRound, "13:50"),
	}
	ing := &fakeIngester{failOn: map[draw.Game]string{
		draw.Shillong:  "panic",
		draw.Khanapara: "error",
	}}
	s, err := schedule.New(ing, triggers, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	at := time.Date(2024, 1, 1, 16, 0, 0, 0, loc)
	var wg sync.WaitGroup
	for _, tr := range triggers {
		wg.Add(1)
		go func(tr model.Trigger) {
			defer wg.Done()
			s.Fire(context.Background(), tr, at)
		}(tr)
	}
	wg.Wait()

	for _, g := range []draw.Game{draw.Shillong, draw.Khanapara, draw.Juwai} {
		calls := ing.called(g)
		if len(calls) != 1 {
			t.Errorf("%s: expected one call, got %d", g, len(calls))
			continue
		}
		if calls[0].date != "2024-01-01" {
			t.Errorf("%s: expected date 2024-01-01, got %s", g, calls[0].date)
		}
	}
}

func TestFire_TimeoutReachesIngester(t *testing.T) {
	var deadline time.Time
	ing := ingesterFunc(func(ctx context.Context) {
		deadline, _ = ctx.Deadline()
	})
	s, _ := schedule.New(ing, nil, zaptest.NewLogger(t), schedule.WithFiringTimeout(time.Second))

	start := time.Now()
	s.Fire(context.Background(), trigger(t, draw.Juwai, draw.FirstRound, "13:50"), start)
	if deadline.IsZero() || deadline.Sub(start) > 2*time.Second {
		t.Errorf("expected a bounded firing, got deadline %v", deadline)
	}
}

type ingesterFunc func(ctx context.Context)

func (f ingesterFunc) Ingest(ctx context.Context, _ draw.Game, _ draw.Round, _ string) (*ingest.Result, error) {
	f(ctx)
	return &ingest.Result{Outcome: ingest.NoResultYet}, nil
}

func TestStartStop(t *testing.T) {
	triggers := []model.Trigger{
		trigger(t, draw.Shillong, draw.FirstRound, "15:35"),
		trigger(t, draw.Shillong, draw.SecondRound, "16:35"),
	}
	s, err := schedule.New(&fakeIngester{}, triggers, zap.NewNop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if len(s.Triggers()) != 2 {
		t.Errorf("expected 2 triggers, got %d", len(s.Triggers()))
	}
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("stop: %v", err)
	}
}
