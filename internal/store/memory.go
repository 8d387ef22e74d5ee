package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/teerpro/result-engine/internal/draw"
	"github.com/teerpro/result-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	results map[resultKey]*model.Result
	wagers  map[string]*model.Wager
	stats   map[string]*model.UserStats

	// FailSettle, when set, is consulted before each SettleWager and lets
	// tests inject per-wager store failures.
	FailSettle func(wagerID string) error
}

type resultKey struct {
	game draw.Game
	date string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		results: make(map[resultKey]*model.Result),
		wagers:  make(map[string]*model.Wager),
		stats:   make(map[string]*model.UserStats),
	}
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) EnsureResult(_ context.Context, game draw.Game, date string) (*model.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := resultKey{game, date}
	r, ok := s.results[k]
	if !ok {
		r = &model.Result{Game: game, Date: date, CreatedAt: time.Now().UTC()}
		s.results[k] = r
	}
	return copyResult(r), nil
}

func (s *MemoryStore) GetResult(_ context.Context, game draw.Game, date string) (*model.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.results[resultKey{game, date}]
	if !ok {
		return nil, fmt.Errorf("result %s/%s: %w", game, date, ErrNotFound)
	}
	return copyResult(r), nil
}

func (s *MemoryStore) FreshResult(ctx context.Context, game draw.Game, date string) (*model.Result, error) {
	return s.GetResult(ctx, game, date)
}

// DeclareRound performs the check and the write under one lock, so two
// concurrent declarations can never both succeed.
func (s *MemoryStore) DeclareRound(_ context.Context, game draw.Game, date string, round draw.Round, number string, at time.Time) (*model.Result, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := resultKey{game, date}
	r, ok := s.results[k]
	if !ok {
		r = &model.Result{Game: game, Date: date, CreatedAt: at}
		s.results[k] = r
	}
	if r.Declared(round) {
		return copyResult(r), false, nil
	}

	ts := at
	if round == draw.SecondRound {
		r.SR = number
		r.SRDeclaredAt = &ts
	} else {
		r.FR = number
		r.FRDeclaredAt = &ts
	}
	return copyResult(r), true, nil
}

func (s *MemoryStore) ListResultsByDate(_ context.Context, date string) ([]model.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Result
	for k, r := range s.results {
		if k.date == date {
			out = append(out, *copyResult(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Game < out[j].Game })
	return out, nil
}

func (s *MemoryStore) ListResults(_ context.Context, q model.ResultQuery) ([]model.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Result
	for k, r := range s.results {
		if q.Game != "" && k.game != q.Game {
			continue
		}
		if !model.InRange(k.date, q.From, q.To) {
			continue
		}
		out = append(out, *copyResult(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date > out[j].Date
		}
		return out[i].Game < out[j].Game
	})
	if limit := limitOrDefault(q.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) InsertWager(_ context.Context, w *model.Wager) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.wagers[w.ID]; exists {
		return &Error{Op: "insert wager", Err: fmt.Errorf("wager %s already exists", w.ID)}
	}

	// Store a copy to avoid external mutation.
	copy := *w
	if copy.Status == "" {
		copy.Status = model.StatusActive
	}
	s.wagers[w.ID] = &copy

	st := s.statsLocked(w.UserID)
	st.Placed++
	st.TotalStaked = st.TotalStaked.Add(w.Stake)
	return nil
}

func (s *MemoryStore) GetWager(_ context.Context, id string) (*model.Wager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wagers[id]
	if !ok {
		return nil, fmt.Errorf("wager %s: %w", id, ErrNotFound)
	}
	return copyWager(w), nil
}

func (s *MemoryStore) ListActiveWagers(_ context.Context, game draw.Game, round draw.Round, date string) ([]model.Wager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Wager
	for _, w := range s.wagers {
		if w.Game == game && w.Round == round && w.Date == date && w.Status == model.StatusActive {
			out = append(out, *copyWager(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListUserWagers(_ context.Context, userID string, q model.WagerQuery) ([]model.Wager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Wager
	for _, w := range s.wagers {
		if w.UserID != userID {
			continue
		}
		if q.Status != "" && w.Status != q.Status {
			continue
		}
		if q.Game != "" && w.Game != q.Game {
			continue
		}
		if !model.InRange(w.Date, q.From, q.To) {
			continue
		}
		out = append(out, *copyWager(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// SettleWager applies the status change and the stats increment under a
// single lock acquisition.
func (s *MemoryStore) SettleWager(_ context.Context, id string, st model.Settlement) (bool, error) {
	if s.FailSettle != nil {
		if err := s.FailSettle(id); err != nil {
			return false, &Error{Op: "settle wager", Err: err}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wagers[id]
	if !ok {
		return false, fmt.Errorf("wager %s: %w", id, ErrNotFound)
	}
	if w.Status.Terminal() {
		return false, nil
	}

	at := st.SettledAt
	w.Status = st.Status
	w.SettledNumber = st.SettledNumber
	w.Payout = st.Payout
	w.SettledAt = &at

	if st.Status == model.StatusWon {
		agg := s.statsLocked(w.UserID)
		agg.Won++
		agg.TotalPayout = agg.TotalPayout.Add(st.Payout)
	}
	return true, nil
}

func (s *MemoryStore) GetUserStats(_ context.Context, userID string) (*model.UserStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stats[userID]
	if !ok {
		return &model.UserStats{UserID: userID, TotalStaked: decimal.Zero, TotalPayout: decimal.Zero}, nil
	}
	copy := *st
	return &copy, nil
}

func (s *MemoryStore) statsLocked(userID string) *model.UserStats {
	st, ok := s.stats[userID]
	if !ok {
		st = &model.UserStats{UserID: userID, TotalStaked: decimal.Zero, TotalPayout: decimal.Zero}
		s.stats[userID] = st
	}
	return st
}

func copyResult(r *model.Result) *model.Result {
	c := *r
	if r.FRDeclaredAt != nil {
		t := *r.FRDeclaredAt
		c.FRDeclaredAt = &t
	}
	if r.SRDeclaredAt != nil {
		t := *r.SRDeclaredAt
		c.SRDeclaredAt = &t
	}
	return &c
}

func copyWager(w *model.Wager) *model.Wager {
	c := *w
	if w.SettledAt != nil {
		t := *w.SettledAt
		c.SettledAt = &t
	}
	return &c
}
