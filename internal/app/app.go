// Package app wires configuration, persistence and telemetry around
// sessions and runs the selected option: training, out-of-sample testing
// or a parameter sweep.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nathanyu/qtrader/internal/config"
	"github.com/nathanyu/qtrader/internal/domain"
	"github.com/nathanyu/qtrader/internal/policy"
	"github.com/nathanyu/qtrader/internal/qtable"
	"github.com/nathanyu/qtrader/internal/replay"
	"github.com/nathanyu/qtrader/internal/results"
	"github.com/nathanyu/qtrader/internal/session"
	"github.com/nathanyu/qtrader/internal/state"
	"github.com/nathanyu/qtrader/internal/telemetry"
)

// Parameter values tried by the optimize options.
var (
	SweepK     = []float64{0.3, 0.8, 1.3, 2.0}
	SweepGamma = []float64{0.2, 0.5, 0.8, 1.0}
)

// Archiver uploads a finished value table.
type Archiver interface {
	Upload(ctx context.Context, runID string, t *policy.ValueTable) (string, error)
}

// Deps are the ambient collaborators of a run. Nil values get defaults.
type Deps struct {
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
	Board   *session.StatusBoard
	// Archive overrides the S3 archive built from the configuration.
	Archive Archiver
}

// App runs one option of the configuration.
type App struct {
	cfg     *config.Config
	runID   string
	encoder *state.Encoder

	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	board   *session.StatusBoard

	checkpoint *qtable.Checkpoint
	results    *results.Store
	archive    Archiver

	rows    map[string][]domain.MarketRow
	current atomic.Pointer[policy.ValueTable]
}

// New validates cfg and opens the stores it enables.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	scaler, err := state.NewCentroidScaler(cfg.Scaler.Means, cfg.Scaler.Stds, cfg.Scaler.Centroids)
	if err != nil {
		return nil, err
	}

	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewMetrics()
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("app")
	}
	if deps.Board == nil {
		deps.Board = session.NewStatusBoard()
	}

	a := &App{
		cfg:     cfg,
		runID:   uuid.NewString(),
		encoder: state.NewEncoder(scaler),
		logger:  deps.Logger,
		metrics: deps.Metrics,
		tracer:  deps.Tracer,
		board:   deps.Board,
		archive: deps.Archive,
		rows:    make(map[string][]domain.MarketRow),
	}
	a.logger = a.logger.With("run_id", a.runID, "mode", cfg.Mode)

	if cfg.Checkpoint.Enabled {
		if a.checkpoint, err = qtable.OpenCheckpoint(cfg.Checkpoint.Dir); err != nil {
			a.Close()
			return nil, err
		}
	}
	if cfg.Results.Enabled {
		if a.results, err = results.Open(cfg.Results.Path); err != nil {
			a.Close()
			return nil, err
		}
	}
	if cfg.S3.Enabled && a.archive == nil {
		a.archive, err = qtable.NewArchive(ctx, qtable.ArchiveConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// Close closes the stores opened by New. It is safe to call more than once.
func (a *App) Close() error {
	var errs []error
	if a.checkpoint != nil {
		errs = append(errs, a.checkpoint.Close())
		a.checkpoint = nil
	}
	if a.results != nil {
		errs = append(errs, a.results.Close())
		a.results = nil
	}
	return errors.Join(errs...)
}

// RunID identifies this run in logs, results and the archive.
func (a *App) RunID() string { return a.runID }

// CurrentTable returns the value table of the policy running now, or nil.
func (a *App) CurrentTable() *policy.ValueTable { return a.current.Load() }

// Results returns the results store, or nil when disabled.
func (a *App) Results() *results.Store { return a.results }

// Run executes the configured option.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "run started", "policy", a.cfg.Agent.Policy)
	start := time.Now()

	var err error
	switch a.cfg.Mode {
	case config.ModeTrainLearner:
		err = a.trainLearner(ctx)
	case config.ModeTestLearner:
		err = a.testLearner(ctx)
	case config.ModeTestRandom:
		err = a.testRandom(ctx)
	case config.ModeOptimizeK:
		err = a.optimize(ctx, "k", SweepK)
	case config.ModeOptimizeGamma:
		err = a.optimize(ctx, "gamma", SweepGamma)
	default:
		err = config.ValidateMode(a.cfg.Mode)
	}
	if err != nil {
		return err
	}

	a.logger.InfoContext(ctx, "run finished", "elapsed", time.Since(start))
	return nil
}

// trainLearner trains on in-sample data, persists the table, then replays
// the same data with the policy frozen.
func (a *App) trainLearner(ctx context.Context) error {
	rows, err := a.load(a.cfg.Data.InSample)
	if err != nil {
		return err
	}

	table, first := a.resume(ctx)
	pol, err := a.newPolicy(policy.Kind(a.cfg.Agent.Policy), a.params(), table, 0)
	if err != nil {
		return err
	}
	sess := a.newSession(pol)

	for trial := first; trial <= a.cfg.Session.Trials; trial++ {
		if _, err := a.episode(ctx, sess, trial, "", 0, rows); err != nil {
			return err
		}
		if err := a.saveCheckpoint(ctx, pol.Table(), trial); err != nil {
			return err
		}
	}

	if err := a.saveTable(ctx, pol.Table()); err != nil {
		return err
	}

	pol.Freeze()
	a.logger.InfoContext(ctx, "in-sample test started", "trials", a.cfg.Session.Trials)
	for trial := 1; trial <= a.cfg.Session.Trials; trial++ {
		if _, err := a.episode(ctx, sess, trial, "", 0, rows); err != nil {
			return err
		}
	}
	return nil
}

// testLearner replays out-of-sample data once with a saved, frozen table.
// A frozen learner is deterministic, so repeating the episode adds nothing.
func (a *App) testLearner(ctx context.Context) error {
	kind := policy.Kind(a.cfg.Agent.Policy)
	if kind == policy.KindUniform {
		return fmt.Errorf("test_learner needs a learning policy, got %q: %w", kind, domain.ErrInvalidConfiguration)
	}
	table, err := qtable.Load(a.cfg.QTable.Path)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "value table loaded", "path", a.cfg.QTable.Path, "states", table.Len())

	rows, err := a.load(a.cfg.Data.OutOfSample)
	if err != nil {
		return err
	}
	pol, err := a.newPolicy(kind, a.params(), table, 0)
	if err != nil {
		return err
	}
	pol.Freeze()

	_, err = a.episode(ctx, a.newSession(pol), 1, "", 0, rows)
	return err
}

// testRandom replays out-of-sample data with the uniform baseline.
func (a *App) testRandom(ctx context.Context) error {
	rows, err := a.load(a.cfg.Data.OutOfSample)
	if err != nil {
		return err
	}
	pol, err := a.newPolicy(policy.KindUniform, policy.Params{}, nil, 0)
	if err != nil {
		return err
	}
	sess := a.newSession(pol)
	for trial := 1; trial <= a.cfg.Session.TestTrials; trial++ {
		if _, err := a.episode(ctx, sess, trial, "", 0, rows); err != nil {
			return err
		}
	}
	return nil
}

// optimize trains a fresh table per parameter value and evaluates it
// frozen on the in-sample data.
func (a *App) optimize(ctx context.Context, param string, values []float64) error {
	rows, err := a.load(a.cfg.Data.InSample)
	if err != nil {
		return err
	}

	kind := policy.KindSoftmaxQ
	if param == "gamma" {
		kind = policy.KindDecayingTDQ
	}

	type outcome struct {
		value float64
		pnl   decimal.Decimal
	}
	var best *outcome

	for i, v := range values {
		p := a.params()
		if param == "k" {
			p.K = v
		} else {
			p.Gamma = v
		}
		pol, err := a.newPolicy(kind, p, nil, uint64(i+1))
		if err != nil {
			return err
		}
		sess := a.newSession(pol)
		a.logger.InfoContext(ctx, "sweep value started", "param", param, "value", v)

		for trial := 1; trial <= a.cfg.Session.Trials; trial++ {
			if _, err := a.episode(ctx, sess, trial, param, v, rows); err != nil {
				return err
			}
		}

		pol.Freeze()
		total := decimal.Zero
		for trial := 1; trial <= a.cfg.Session.Trials; trial++ {
			sum, err := a.episode(ctx, sess, trial, param, v, rows)
			if err != nil {
				return err
			}
			total = total.Add(sum.PnL)
		}
		mean := total.Div(decimal.NewFromInt(int64(a.cfg.Session.Trials)))
		a.logger.InfoContext(ctx, "sweep value finished", "param", param, "value", v, "mean_pnl", mean.StringFixed(2))
		if best == nil || mean.GreaterThan(best.pnl) {
			best = &outcome{value: v, pnl: mean}
		}
	}

	if best != nil {
		a.logger.InfoContext(ctx, "sweep finished", "param", param, "best", best.value, "mean_pnl", best.pnl.StringFixed(2))
	}
	if a.results == nil {
		return nil
	}
	ranking, err := a.results.CompareParams(ctx, a.runID)
	if err != nil {
		return err
	}
	for i, r := range ranking {
		a.logger.InfoContext(ctx, "sweep ranking",
			"rank", i+1, "param", r.Param, "value", r.ParamValue,
			"episodes", r.Episodes, "mean_pnl", r.MeanPnL, "mean_reward", r.MeanReward)
	}
	return nil
}

// episode runs one episode and records its outcome.
func (a *App) episode(ctx context.Context, sess *session.Session, trial int, param string, value float64, rows []domain.MarketRow) (session.Summary, error) {
	pol := sess.Policy()
	a.board.SetRun(a.runID, a.cfg.Mode, trial)
	a.current.Store(pol.Table())

	started := time.Now()
	sum, err := sess.RunEpisode(ctx, rows)
	if err != nil {
		return sum, err
	}
	a.metrics.EpisodesTotal.WithLabelValues(a.cfg.Mode).Inc()

	if a.results == nil {
		return sum, nil
	}
	err = a.results.Record(ctx, results.Episode{
		RunID:       a.runID,
		Mode:        a.cfg.Mode,
		Policy:      pol.Name(),
		Param:       param,
		ParamValue:  value,
		Episode:     trial,
		Frozen:      pol.Frozen(),
		Rows:        sum.Rows,
		Decisions:   sum.Decisions,
		Trades:      sum.Trades,
		Position:    sum.Position,
		PnL:         sum.PnL,
		TotalReward: sum.TotalReward,
		States:      sum.States,
		StartedAt:   started,
		FinishedAt:  time.Now(),
	})
	return sum, err
}

// resume returns the checkpointed table and the first trial still to run,
// or an empty table and trial 1.
func (a *App) resume(ctx context.Context) (*policy.ValueTable, int) {
	if a.checkpoint == nil {
		return policy.NewValueTable(), 1
	}
	table, last, err := a.checkpoint.Restore()
	if err != nil {
		if !errors.Is(err, qtable.ErrNoCheckpoint) {
			a.logger.WarnContext(ctx, "checkpoint unusable, training from scratch", "error", err)
		}
		return policy.NewValueTable(), 1
	}
	a.logger.InfoContext(ctx, "training resumed from checkpoint", "episode", last, "states", table.Len())
	return table, last + 1
}

func (a *App) saveCheckpoint(ctx context.Context, t *policy.ValueTable, trial int) error {
	if a.checkpoint == nil {
		return nil
	}
	_, span := a.tracer.Start(ctx, "qtable.checkpoint", trace.WithAttributes(attribute.Int("episode", trial)))
	defer span.End()

	if err := a.checkpoint.Save(t, trial); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// saveTable writes the TSV table and archives it when enabled.
func (a *App) saveTable(ctx context.Context, t *policy.ValueTable) error {
	ctx, span := a.tracer.Start(ctx, "qtable.save", trace.WithAttributes(attribute.Int("states", t.Len())))
	defer span.End()

	if err := qtable.Save(a.cfg.QTable.Path, t); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	a.logger.InfoContext(ctx, "value table saved", "path", a.cfg.QTable.Path, "states", t.Len())

	if a.archive == nil {
		return nil
	}
	key, err := a.archive.Upload(ctx, a.runID, t)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	a.logger.InfoContext(ctx, "value table archived", "key", key)
	return nil
}

func (a *App) load(path string) ([]domain.MarketRow, error) {
	if rows, ok := a.rows[path]; ok {
		return rows, nil
	}
	rows, err := replay.Load(path, a.cfg.Data.Instrument)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s has no rows for %q: %w", path, a.cfg.Data.Instrument, domain.ErrInvalidConfiguration)
	}
	a.rows[path] = rows
	return rows, nil
}

func (a *App) params() policy.Params {
	return policy.Params{Gamma: a.cfg.Agent.Gamma, K: a.cfg.Agent.K}
}

// newPolicy seeds each policy from the configured seed and stream so runs
// are reproducible.
func (a *App) newPolicy(kind policy.Kind, p policy.Params, table *policy.ValueTable, stream uint64) (policy.Engine, error) {
	rng := rand.New(rand.NewPCG(a.cfg.Session.Seed, stream))
	return policy.New(kind, p, table, rng)
}

func (a *App) newSession(pol policy.Engine) *session.Session {
	return session.New(session.Config{
		AgentID:      a.cfg.Agent.ID,
		MaxPosition:  a.cfg.Agent.MaxPosition,
		LotSize:      a.cfg.Agent.LotSize,
		TickOffset:   a.cfg.Agent.TickOffsetPrice(),
		StopLoss:     decimal.NewFromFloat(a.cfg.Agent.StopLoss),
		WarmupRows:   a.cfg.Session.WarmupRows,
		MinInterval:  a.cfg.Session.MinInterval.Duration,
		ReturnWindow: a.cfg.Data.ReturnWindow,
	}, pol, a.encoder, session.Deps{
		Logger:  a.logger,
		Metrics: a.metrics,
		Tracer:  a.tracer,
		Board:   a.board,
	})
}
