// Package results records episode outcomes in SQLite so runs and parameter
// sweeps can be compared afterwards.
package results

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/shopspring/decimal"
)

// Episode is the outcome of one episode of a run.
type Episode struct {
	RunID       string
	Mode        string
	Policy      string
	Param       string // swept parameter name, empty outside optimize modes
	ParamValue  float64
	Episode     int
	Frozen      bool
	Rows        int
	Decisions   int
	Trades      int
	Position    int64
	PnL         decimal.Decimal
	TotalReward float64
	States      int
	StartedAt   time.Time
	FinishedAt  time.Time
}

// ParamResult aggregates the episodes of a run that share a parameter value.
type ParamResult struct {
	Param      string
	ParamValue float64
	Episodes   int
	MeanPnL    float64
	MeanReward float64
}

// Store persists episodes in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS episodes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			policy TEXT NOT NULL,
			param TEXT NOT NULL DEFAULT '',
			param_value REAL NOT NULL DEFAULT 0,
			episode INTEGER NOT NULL,
			frozen INTEGER NOT NULL,
			rows_seen INTEGER NOT NULL,
			decisions INTEGER NOT NULL,
			trades INTEGER NOT NULL,
			position INTEGER NOT NULL,
			pnl TEXT NOT NULL,
			total_reward REAL NOT NULL,
			states INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create episodes table: %w", err)
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS idx_episodes_run ON episodes (run_id, episode);")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create episodes index: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends an episode.
func (s *Store) Record(ctx context.Context, e Episode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO episodes (run_id, mode, policy, param, param_value, episode, frozen,
			rows_seen, decisions, trades, position, pnl, total_reward, states, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Mode, e.Policy, e.Param, e.ParamValue, e.Episode, e.Frozen,
		e.Rows, e.Decisions, e.Trades, e.Position, e.PnL.String(), e.TotalReward, e.States,
		e.StartedAt.UnixNano(), e.FinishedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert episode: %w", err)
	}
	return nil
}

// Episodes returns a run's episodes in the order they were recorded.
func (s *Store) Episodes(ctx context.Context, runID string) ([]Episode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, mode, policy, param, param_value, episode, frozen, rows_seen, decisions,
			trades, position, pnl, total_reward, states, started_at, finished_at
		FROM episodes WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query episodes: %w", err)
	}
	defer rows.Close()

	var out []Episode
	for rows.Next() {
		var (
			e                 Episode
			pnl               string
			started, finished int64
		)
		err := rows.Scan(&e.RunID, &e.Mode, &e.Policy, &e.Param, &e.ParamValue, &e.Episode, &e.Frozen,
			&e.Rows, &e.Decisions, &e.Trades, &e.Position, &pnl, &e.TotalReward, &e.States, &started, &finished)
		if err != nil {
			return nil, fmt.Errorf("failed to scan episode: %w", err)
		}
		if e.PnL, err = decimal.NewFromString(pnl); err != nil {
			return nil, fmt.Errorf("episode %d pnl %q: %w", e.Episode, pnl, err)
		}
		e.StartedAt = time.Unix(0, started).UTC()
		e.FinishedAt = time.Unix(0, finished).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// CompareParams averages the frozen evaluation episodes of a run per
// parameter value, best mean P&L first.
func (s *Store) CompareParams(ctx context.Context, runID string) ([]ParamResult, error) {
	eps, err := s.Episodes(ctx, runID)
	if err != nil {
		return nil, err
	}

	type key struct {
		param string
		value float64
	}
	var order []key
	acc := make(map[key]*ParamResult)
	for _, e := range eps {
		if !e.Frozen {
			continue
		}
		k := key{e.Param, e.ParamValue}
		r, ok := acc[k]
		if !ok {
			r = &ParamResult{Param: e.Param, ParamValue: e.ParamValue}
			acc[k] = r
			order = append(order, k)
		}
		pnl, _ := e.PnL.Float64()
		r.Episodes++
		r.MeanPnL += pnl
		r.MeanReward += e.TotalReward
	}

	out := make([]ParamResult, 0, len(order))
	for _, k := range order {
		r := acc[k]
		r.MeanPnL /= float64(r.Episodes)
		r.MeanReward /= float64(r.Episodes)
		out = append(out, *r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MeanPnL > out[j].MeanPnL })
	return out, nil
}
