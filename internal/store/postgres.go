package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/teerpro/result-engine/internal/draw"
	"github.com/teerpro/result-engine/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		sql, err := migrations.ReadFile("migrations/" + e.Name())
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, string(sql)); err != nil {
			return wrap("migrate "+e.Name(), err)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return wrap("ping", s.pool.Ping(ctx))
}

const resultCols = `game, date::TEXT, fr_number, sr_number, fr_declared_at, sr_declared_at, created_at`

func (s *PostgresStore) EnsureResult(ctx context.Context, game draw.Game, date string) (*model.Result, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO results (game, date, created_at) VALUES ($1, $2::DATE, $3)
		 ON CONFLICT (game, date) DO NOTHING`,
		string(game), date, time.Now().UTC())
	if err != nil {
		return nil, wrap("ensure result", err)
	}
	return s.GetResult(ctx, game, date)
}

// FreshResult reads the table directly; PostgresStore has no cache.
func (s *PostgresStore) FreshResult(ctx context.Context, game draw.Game, date string) (*model.Result, error) {
	return s.GetResult(ctx, game, date)
}

func (s *PostgresStore) GetResult(ctx context.Context, game draw.Game, date string) (*model.Result, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+resultCols+` FROM results WHERE game = $1 AND date = $2::DATE`,
		string(game), date)
	r, err := scanResult(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("result %s/%s: %w", game, date, ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get result", err)
	}
	return r, nil
}

// Conditional declaration statements. The IS NULL predicate makes the
// UPDATE itself the compare-and-swap; no prior read is involved.
const (
	declareFR = `UPDATE results SET fr_number = $3, fr_declared_at = $4
		 WHERE game = $1 AND date = $2::DATE AND fr_number IS NULL
		 RETURNING ` + resultCols
	declareSR = `UPDATE results SET sr_number = $3, sr_declared_at = $4
		 WHERE game = $1 AND date = $2::DATE AND sr_number IS NULL
		 RETURNING ` + resultCols
)

func (s *PostgresStore) DeclareRound(ctx context.Context, game draw.Game, date string, round draw.Round, number string, at time.Time) (*model.Result, bool, error) {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO results (game, date, created_at) VALUES ($1, $2::DATE, $3)
		 ON CONFLICT (game, date) DO NOTHING`,
		string(game), date, at); err != nil {
		return nil, false, wrap("declare round", err)
	}

	stmt := declareFR
	if round == draw.SecondRound {
		stmt = declareSR
	}

	r, err := scanResult(s.pool.QueryRow(ctx, stmt, string(game), date, number, at))
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the race: the round was already set.
		current, err := s.GetResult(ctx, game, date)
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, wrap("declare round", err)
	}
	return r, true, nil
}

func (s *PostgresStore) ListResultsByDate(ctx context.Context, date string) ([]model.Result, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+resultCols+` FROM results WHERE date = $1::DATE ORDER BY game`, date)
	if err != nil {
		return nil, wrap("list results by date", err)
	}
	defer rows.Close()

	out, err := scanResults(rows)
	return out, wrap("list results by date", err)
}

func (s *PostgresStore) ListResults(ctx context.Context, q model.ResultQuery) ([]model.Result, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.Game != "" {
		args = append(args, string(q.Game))
		where = append(where, fmt.Sprintf("game = $%d", len(args)))
	}
	if q.From != "" {
		args = append(args, q.From)
		where = append(where, fmt.Sprintf("date >= $%d::DATE", len(args)))
	}
	if q.To != "" {
		args = append(args, q.To)
		where = append(where, fmt.Sprintf("date <= $%d::DATE", len(args)))
	}
	args = append(args, limitOrDefault(q.Limit))

	sql := `SELECT ` + resultCols + ` FROM results`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += fmt.Sprintf(` ORDER BY date DESC, game LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrap("list results", err)
	}
	defer rows.Close()

	out, err := scanResults(rows)
	return out, wrap("list results", err)
}

const wagerCols = `id, user_id, game, round, number, stake::TEXT, date::TEXT, status,
	COALESCE(settled_number, ''), payout::TEXT, created_at, settled_at`

func (s *PostgresStore) InsertWager(ctx context.Context, w *model.Wager) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrap("insert wager", err)
	}
	defer tx.Rollback(ctx)

	status := w.Status
	if status == "" {
		status = model.StatusActive
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO wagers (id, user_id, game, round, number, stake, date, status, payout, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::DATE, $8, 0, $9)`,
		w.ID, w.UserID, string(w.Game), string(w.Round), w.Number,
		w.Stake.String(), w.Date, string(status), w.CreatedAt,
	); err != nil {
		return wrap("insert wager", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO user_stats (user_id, placed, total_staked) VALUES ($1, 1, $2::NUMERIC)
		 ON CONFLICT (user_id) DO UPDATE
		 SET placed = user_stats.placed + 1,
		     total_staked = user_stats.total_staked + EXCLUDED.total_staked`,
		w.UserID, w.Stake.String(),
	); err != nil {
		return wrap("insert wager", err)
	}

	return wrap("insert wager", tx.Commit(ctx))
}

func (s *PostgresStore) GetWager(ctx context.Context, id string) (*model.Wager, error) {
	w, err := scanWager(s.pool.QueryRow(ctx, `SELECT `+wagerCols+` FROM wagers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("wager %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get wager", err)
	}
	return w, nil
}

func (s *PostgresStore) ListActiveWagers(ctx context.Context, game draw.Game, round draw.Round, date string) ([]model.Wager, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+wagerCols+` FROM wagers
		 WHERE game = $1 AND round = $2 AND date = $3::DATE AND status = 'active'
		 ORDER BY id`,
		string(game), string(round), date)
	if err != nil {
		return nil, wrap("list active wagers", err)
	}
	defer rows.Close()

	out, err := scanWagers(rows)
	return out, wrap("list active wagers", err)
}

func (s *PostgresStore) ListUserWagers(ctx context.Context, userID string, q model.WagerQuery) ([]model.Wager, error) {
	args := []interface{}{userID}
	where := []string{"user_id = $1"}
	if q.Status != "" {
		args = append(args, string(q.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if q.Game != "" {
		args = append(args, string(q.Game))
		where = append(where, fmt.Sprintf("game = $%d", len(args)))
	}
	if q.From != "" {
		args = append(args, q.From)
		where = append(where, fmt.Sprintf("date >= $%d::DATE", len(args)))
	}
	if q.To != "" {
		args = append(args, q.To)
		where = append(where, fmt.Sprintf("date <= $%d::DATE", len(args)))
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+wagerCols+` FROM wagers WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at DESC`,
		args...)
	if err != nil {
		return nil, wrap("list user wagers", err)
	}
	defer rows.Close()

	out, err := scanWagers(rows)
	return out, wrap("list user wagers", err)
}

// SettleWager runs the status transition and the stats increment in one
// transaction. The status = 'active' predicate makes a repeat a no-op.
func (s *PostgresStore) SettleWager(ctx context.Context, id string, st model.Settlement) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, wrap("settle wager", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE wagers
		 SET status = $2, settled_number = $3, payout = $4::NUMERIC, settled_at = $5
		 WHERE id = $1 AND status = 'active'`,
		id, string(st.Status), st.SettledNumber, st.Payout.String(), st.SettledAt)
	if err != nil {
		return false, wrap("settle wager", err)
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM wagers WHERE id = $1)`, id).Scan(&exists); err != nil {
			return false, wrap("settle wager", err)
		}
		if !exists {
			return false, fmt.Errorf("wager %s: %w", id, ErrNotFound)
		}
		return false, nil
	}

	if st.Status == model.StatusWon {
		if _, err := tx.Exec(ctx,
			`INSERT INTO user_stats (user_id, won, total_payout)
			 SELECT user_id, 1, $2::NUMERIC FROM wagers WHERE id = $1
			 ON CONFLICT (user_id) DO UPDATE
			 SET won = user_stats.won + 1,
			     total_payout = user_stats.total_payout + EXCLUDED.total_payout`,
			id, st.Payout.String()); err != nil {
			return false, wrap("settle wager", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, wrap("settle wager", err)
	}
	return true, nil
}

func (s *PostgresStore) GetUserStats(ctx context.Context, userID string) (*model.UserStats, error) {
	st := model.UserStats{UserID: userID}
	var staked, payout string

	err := s.pool.QueryRow(ctx,
		`SELECT placed, won, total_staked::TEXT, total_payout::TEXT
		 FROM user_stats WHERE user_id = $1`, userID).
		Scan(&st.Placed, &st.Won, &staked, &payout)
	if errors.Is(err, pgx.ErrNoRows) {
		st.TotalStaked, st.TotalPayout = decimal.Zero, decimal.Zero
		return &st, nil
	}
	if err != nil {
		return nil, wrap("get user stats", err)
	}

	st.TotalStaked, _ = decimal.NewFromString(staked)
	st.TotalPayout, _ = decimal.NewFromString(payout)
	return &st, nil
}

// pgxRow is satisfied by both pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

type pgxRows interface {
	pgxRow
	Next() bool
	Err() error
}

func scanResult(row pgxRow) (*model.Result, error) {
	var (
		r      model.Result
		game   string
		fr, sr *string
	)
	if err := row.Scan(&game, &r.Date, &fr, &sr, &r.FRDeclaredAt, &r.SRDeclaredAt, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Game = draw.Game(game)
	if fr != nil {
		r.FR = *fr
	}
	if sr != nil {
		r.SR = *sr
	}
	return &r, nil
}

func scanResults(rows pgxRows) ([]model.Result, error) {
	var out []model.Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanWager(row pgxRow) (*model.Wager, error) {
	var (
		w                   model.Wager
		game, round, status string
		stake, payout       string
	)
	if err := row.Scan(&w.ID, &w.UserID, &game, &round, &w.Number, &stake, &w.Date, &status,
		&w.SettledNumber, &payout, &w.CreatedAt, &w.SettledAt); err != nil {
		return nil, err
	}
	w.Game = draw.Game(game)
	w.Round = draw.Round(round)
	w.Status = model.WagerStatus(status)
	w.Stake, _ = decimal.NewFromString(stake)
	w.Payout, _ = decimal.NewFromString(payout)
	return &w, nil
}

func scanWagers(rows pgxRows) ([]model.Wager, error) {
	var out []model.Wager
	for rows.Next() {
		w, err := scanWager(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}
