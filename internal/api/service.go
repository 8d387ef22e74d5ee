// Package api provides the HTTP handlers for result queries, wager
// history, and operator actions (manual entry, manual ingest, resettle).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/teerpro/result-engine/internal/auth"
	"github.com/teerpro/result-engine/internal/draw"
	"github.com/teerpro/result-engine/internal/ingest"
	"github.com/teerpro/result-engine/internal/model"
	"github.com/teerpro/result-engine/internal/settlement"
	"github.com/teerpro/result-engine/internal/store"
)

const (
	defaultHistoryLimit = 30
	maxHistoryLimit     = 365
)

var validate = validator.New()

// Coordinator is the ingestion surface the operator endpoints drive.
type Coordinator interface {
	Ingest(ctx context.Context, game draw.Game, round draw.Round, date string) (*ingest.Result, error)
	Declare(ctx context.Context, game draw.Game, round draw.Round, date, number string) (*ingest.Result, error)
	Resettle(ctx context.Context, game draw.Game, round draw.Round, date string) (*settlement.Report, error)
}

// Calendar resolves which game day a round polled at at belongs to.
type Calendar interface {
	DrawDateFor(game draw.Game, round draw.Round, at time.Time) (string, bool)
}

// Service serves the HTTP API.
type Service struct {
	store    store.Store
	coord    Coordinator
	calendar Calendar
	loc      *time.Location
	log      *zap.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock used to resolve "today".
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithCalendar makes operator requests without a date target the same game
// day the scheduler would.
func WithCalendar(c Calendar) Option {
	return func(s *Service) { s.calendar = c }
}

// NewService creates the API service. loc is the draw time zone used to
// resolve "today".
func NewService(st store.Store, coord Coordinator, loc *time.Location, log *zap.Logger, opts ...Option) *Service {
	if loc == nil {
		loc = time.UTC
	}
	s := &Service{
		store: st,
		coord: coord,
		loc:   loc,
		log:   log,
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// --- Request/Response types ---

// DeclareRequest is the JSON body for POST /admin/results.
type DeclareRequest struct {
	Game   string `json:"game" validate:"required"`
	Round  string `json:"round" validate:"required"`
	Number string `json:"number" validate:"required,len=2,numeric"`
	Date   string `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

// RoundRequest is the JSON body for POST /admin/ingest and /admin/settle.
type RoundRequest struct {
	Game  string `json:"game" validate:"required"`
	Round string `json:"round" validate:"required"`
	Date  string `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

// IngestResponse reports what a declaration or ingestion did.
type IngestResponse struct {
	Status      ingest.Outcome     `json:"status"`
	Result      *model.Result      `json:"result,omitempty"`
	Settlement  *settlement.Report `json:"settlement,omitempty"`
	SourceError string             `json:"source_error,omitempty"`
	SettleError string             `json:"settle_error,omitempty"`
}

func newIngestResponse(res *ingest.Result) IngestResponse {
	resp := IngestResponse{
		Status:     res.Outcome,
		Result:     res.Result,
		Settlement: res.Report,
	}
	if res.SourceErr != nil {
		resp.SourceError = res.SourceErr.Error()
	}
	if res.SettleErr != nil {
		resp.SettleError = res.SettleErr.Error()
	}
	return resp
}

// --- HTTP Handlers ---

// Health handles GET /health. It reports 503 when the store is unreachable.
func (s *Service) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "up", http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn("health check failed", zap.Error(err))
		status, code = "down", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"service": "result-engine",
		"store":   status,
	})
}

// TodayResults handles GET /api/v1/results/today?game=
func (s *Service) TodayResults(w http.ResponseWriter, r *http.Request) {
	today := s.today()
	results, err := s.store.ListResultsByDate(r.Context(), today)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	if g := r.URL.Query().Get("game"); g != "" {
		game, err := draw.ParseGame(g)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		var filtered []model.Result
		for _, res := range results {
			if res.Game == game {
				filtered = append(filtered, res)
			}
		}
		results = filtered
	}
	if results == nil {
		results = []model.Result{}
	}
	writeJSON(w, http.StatusOK, results)
}

// ResultHistory handles GET /api/v1/results/history?game=&startDate=&endDate=&limit=
func (s *Service) ResultHistory(w http.ResponseWriter, r *http.Request) {
	q, err := parseResultQuery(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	results, err := s.store.ListResults(r.Context(), q)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if results == nil {
		results = []model.Result{}
	}
	writeJSON(w, http.StatusOK, results)
}

// ListWagers handles GET /api/v1/wagers for the authenticated user.
func (s *Service) ListWagers(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, auth.ErrMissingToken.Error(), http.StatusUnauthorized)
		return
	}
	q, err := parseWagerQuery(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	wagers, err := s.store.ListUserWagers(r.Context(), claims.User(), q)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if wagers == nil {
		wagers = []model.Wager{}
	}
	writeJSON(w, http.StatusOK, wagers)
}

// WagerStats handles GET /api/v1/wagers/stats for the authenticated user.
func (s *Service) WagerStats(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, auth.ErrMissingToken.Error(), http.StatusUnauthorized)
		return
	}
	st, err := s.store.GetUserStats(r.Context(), claims.User())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// DeclareResult handles POST /api/v1/admin/results.
// 201 when this request declared the round, 200 when it already was.
func (s *Service) DeclareResult(w http.ResponseWriter, r *http.Request) {
	var req DeclareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	game, round, date, err := s.parseRound(req.Game, req.Round, req.Date)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.coord.Declare(r.Context(), game, round, date, req.Number)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	code := http.StatusOK
	if res.Outcome == ingest.Declared {
		code = http.StatusCreated
	}
	writeJSON(w, code, newIngestResponse(res))
}

// TriggerIngest handles POST /api/v1/admin/ingest: an out-of-schedule poll.
func (s *Service) TriggerIngest(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRound(w, r)
	if !ok {
		return
	}
	game, round, date, err := s.parseRound(req.Game, req.Round, req.Date)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.coord.Ingest(r.Context(), game, round, date)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newIngestResponse(res))
}

// Resettle handles POST /api/v1/admin/settle: re-runs settlement for a
// declared round and returns the report.
func (s *Service) Resettle(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRound(w, r)
	if !ok {
		return
	}
	game, round, date, err := s.parseRound(req.Game, req.Round, req.Date)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	report, err := s.coord.Resettle(r.Context(), game, round, date)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- helpers ---

func (s *Service) today() string {
	return draw.DateOf(s.now().In(s.loc))
}

func (s *Service) drawDate(game draw.Game, round draw.Round) string {
	if s.calendar != nil {
		if d, ok := s.calendar.DrawDateFor(game, round, s.now()); ok {
			return d
		}
	}
	return s.today()
}

func (s *Service) decodeRound(w http.ResponseWriter, r *http.Request) (RoundRequest, bool) {
	var req RoundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// parseRound canonicalises game and round and defaults date to the
// round's current game day.
func (s *Service) parseRound(g, rd, date string) (draw.Game, draw.Round, string, error) {
	game, err := draw.ParseGame(g)
	if err != nil {
		return "", "", "", err
	}
	round, err := draw.ParseRound(rd)
	if err != nil {
		return "", "", "", err
	}
	if date == "" {
		date = s.drawDate(game, round)
	}
	if _, err := draw.ParseDate(date); err != nil {
		return "", "", "", err
	}
	return game, round, date, nil
}

func parseResultQuery(r *http.Request) (model.ResultQuery, error) {
	v := r.URL.Query()
	q := model.ResultQuery{Limit: defaultHistoryLimit}

	if g := v.Get("game"); g != "" {
		game, err := draw.ParseGame(g)
		if err != nil {
			return q, err
		}
		q.Game = game
	}
	from, to, err := parseDateRange(v.Get("startDate"), v.Get("endDate"))
	if err != nil {
		return q, err
	}
	q.From, q.To = from, to

	if l := v.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			return q, errors.New("limit must be a positive integer")
		}
		if n > maxHistoryLimit {
			n = maxHistoryLimit
		}
		q.Limit = n
	}
	return q, nil
}

func parseWagerQuery(r *http.Request) (model.WagerQuery, error) {
	v := r.URL.Query()
	var q model.WagerQuery

	if st := v.Get("status"); st != "" {
		status, ok := model.ParseWagerStatus(st)
		if !ok {
			return q, errors.New("status must be active, won or lost")
		}
		q.Status = status
	}
	if g := v.Get("game"); g != "" {
		game, err := draw.ParseGame(g)
		if err != nil {
			return q, err
		}
		q.Game = game
	}
	from, to, err := parseDateRange(v.Get("startDate"), v.Get("endDate"))
	if err != nil {
		return q, err
	}
	q.From, q.To = from, to
	return q, nil
}

func parseDateRange(from, to string) (string, string, error) {
	if from != "" {
		if _, err := draw.ParseDate(from); err != nil {
			return "", "", err
		}
	}
	if to != "" {
		if _, err := draw.ParseDate(to); err != nil {
			return "", "", err
		}
	}
	if from != "" && to != "" && from > to {
		return "", "", errors.New("startDate must not be after endDate")
	}
	return from, to, nil
}

// writeDomainError maps domain and store errors to status codes.
func (s *Service) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case draw.IsInvalid(err):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "not found", http.StatusNotFound)
	case errors.Is(err, ingest.ErrNotDeclared):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
