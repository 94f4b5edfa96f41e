// Package session drives one simulated trading session: it replays market
// rows through the matching engine and lets the agent observe, act and learn.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nathanyu/qtrader/internal/domain"
	"github.com/nathanyu/qtrader/internal/ledger"
	"github.com/nathanyu/qtrader/internal/marketdata"
	"github.com/nathanyu/qtrader/internal/matching"
	"github.com/nathanyu/qtrader/internal/policy"
	"github.com/nathanyu/qtrader/internal/replay"
	"github.com/nathanyu/qtrader/internal/state"
	"github.com/nathanyu/qtrader/internal/telemetry"
	"github.com/nathanyu/qtrader/internal/translator"
)

// snapshotDepth is the number of levels per side published to the board.
const snapshotDepth = 10

// Config holds the agent limits and pacing of a session.
type Config struct {
	AgentID      string
	MaxPosition  int64
	LotSize      int64
	TickOffset   domain.Price
	StopLoss     decimal.Decimal
	WarmupRows   int
	MinInterval  time.Duration
	ReturnWindow int
}

// Deps are the ambient collaborators every session is handed.
type Deps struct {
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
	Board   *StatusBoard
}

// Summary describes a finished episode.
type Summary struct {
	Rows        int
	Decisions   int
	Trades      int
	Position    int64
	PnL         decimal.Decimal
	TotalReward float64
	States      int
}

// Session is the context object for one simulation. It owns the book, the
// agent's ledger and the policy; nothing in it is shared with other
// sessions and it must be driven from a single goroutine.
type Session struct {
	cfg        Config
	engine     *matching.Engine
	adapter    *replay.Adapter
	tracker    *marketdata.Tracker
	ledger     *ledger.Ledger
	translator *translator.Translator
	encoder    *state.Encoder
	policy     policy.Engine

	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	board   *StatusBoard

	rows          int
	decisions     int
	lastEventTime time.Time
	nextTime      time.Time
	lastPnL       decimal.Decimal
	totalReward   float64

	// the previous decision, updated once the next state is known
	hasPrev    bool
	prevState  state.Key
	prevAction domain.Action
	prevReward float64
}

// New creates a session. The policy's value table survives Reset.
func New(cfg Config, pol policy.Engine, encoder *state.Encoder, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewMetrics()
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("session")
	}
	if deps.Board == nil {
		deps.Board = NewStatusBoard()
	}

	s := &Session{
		cfg:     cfg,
		adapter: replay.NewAdapter(),
		tracker: marketdata.NewTracker(cfg.ReturnWindow),
		translator: translator.New(translator.Config{
			LotSize:     cfg.LotSize,
			TickOffset:  cfg.TickOffset,
			MaxPosition: cfg.MaxPosition,
		}),
		encoder: encoder,
		policy:  pol,
		logger:  deps.Logger.With("agent", cfg.AgentID, "policy", pol.Name()),
		metrics: deps.Metrics,
		tracer:  deps.Tracer,
		board:   deps.Board,
	}
	s.Reset()
	return s
}

// Reset starts a new episode with an empty book and a flat agent.
func (s *Session) Reset() {
	s.engine = matching.NewEngine()
	s.adapter.Reset()
	s.tracker.Reset()
	s.ledger = ledger.New(s.cfg.AgentID)

	s.rows, s.decisions = 0, 0
	s.lastEventTime, s.nextTime = time.Time{}, time.Time{}
	s.lastPnL = decimal.Zero
	s.totalReward = 0
	s.hasPrev = false
}

// Engine returns the matching engine of the current episode.
func (s *Session) Engine() *matching.Engine { return s.engine }

// Ledger returns the agent's ledger for the current episode.
func (s *Session) Ledger() *ledger.Ledger { return s.ledger }

// Policy returns the session's policy.
func (s *Session) Policy() policy.Engine { return s.policy }

// RunEpisode resets the session and replays rows. It stops early when ctx
// is canceled.
func (s *Session) RunEpisode(ctx context.Context, rows []domain.MarketRow) (Summary, error) {
	ctx, span := s.tracer.Start(ctx, "session.episode",
		trace.WithAttributes(
			attribute.String("policy", s.policy.Name()),
			attribute.Bool("frozen", s.policy.Frozen()),
			attribute.Int("rows", len(rows)),
		),
	)
	defer span.End()

	s.Reset()
	start := time.Now()

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "canceled")
			return s.summary(), fmt.Errorf("episode interrupted after %d rows: %w", s.rows, err)
		}
		s.Step(ctx, row)
	}
	s.publish("", "", 0)

	sum := s.summary()
	pnl, _ := sum.PnL.Float64()
	span.SetAttributes(
		attribute.Float64("pnl", pnl),
		attribute.Int("decisions", sum.Decisions),
		attribute.Int("trades", sum.Trades),
	)
	span.SetStatus(codes.Ok, "")

	s.logger.InfoContext(ctx, "episode finished",
		"rows", sum.Rows,
		"decisions", sum.Decisions,
		"trades", sum.Trades,
		"position", sum.Position,
		"pnl", sum.PnL.StringFixed(2),
		"reward", sum.TotalReward,
		"states", sum.States,
		"elapsed", time.Since(start),
	)
	return sum, nil
}

func (s *Session) summary() Summary {
	return Summary{
		Rows:        s.rows,
		Decisions:   s.decisions,
		Trades:      s.ledger.Trades(),
		Position:    s.ledger.Position(),
		PnL:         s.ledger.TotalPnL(),
		TotalReward: s.totalReward,
		States:      s.policy.Table().Len(),
	}
}

// Step processes one market row: the row is applied to the book, the agent
// reacts at once if its resting quote was hit, and otherwise decides when
// warm-up is over and the minimum interval has passed.
func (s *Session) Step(ctx context.Context, row domain.MarketRow) {
	s.rows++
	s.lastEventTime = row.Timestamp

	res := s.adapter.Translate(row, s.engine.Book())
	if res.Dropped {
		s.metrics.DroppedRowsTotal.Inc()
		s.logger.WarnContext(ctx, "trade row inside the spread dropped",
			"time", row.Timestamp, "price", row.Price.String(), "size", row.Size)
	}
	msgs := s.UpdateOrderBook(ctx, res.Events)
	if row.Type == domain.RowTrade && !res.Dropped {
		s.tracker.Trade(res.Aggressor, row.Size)
	}
	s.tracker.Observe(row.Timestamp, s.engine.Book().Top())

	var hits []domain.ExecutionMessage
	for _, m := range msgs {
		if m.Kind == domain.MessageTrade && m.AgentID == s.cfg.AgentID {
			hits = append(hits, m)
		}
	}

	switch {
	case len(hits) > 0:
		s.react(ctx, hits)
	case s.shouldDecide():
		s.decide(ctx)
	}
}

func (s *Session) shouldDecide() bool {
	if s.rows <= s.cfg.WarmupRows {
		return false
	}
	return !s.lastEventTime.Before(s.nextTime)
}

// UpdateOrderBook applies events to the book and returns the resulting
// messages. A successful cancel is reported as a Cancel message; a cancel of
// an order that is no longer resting is logged and otherwise ignored.
func (s *Session) UpdateOrderBook(ctx context.Context, events []domain.OrderEvent) []domain.ExecutionMessage {
	var out []domain.ExecutionMessage
	for _, ev := range events {
		s.metrics.OrdersTotal.WithLabelValues(string(ev.Kind), s.participant(ev.AgentID)).Inc()

		msgs, err := s.engine.HandleOrder(ev)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				s.metrics.NotFoundTotal.Inc()
				s.logger.WarnContext(ctx, "cancel of order no longer resting", "order_id", ev.OrderID, "owner", ev.AgentID)
				continue
			}
			s.logger.WarnContext(ctx, "order event refused", "kind", ev.Kind, "owner", ev.AgentID, "error", err)
			continue
		}
		if ev.Kind == domain.EventCancel {
			msgs = append(msgs, domain.ExecutionMessage{Kind: domain.MessageCancel, OrderID: ev.OrderID, AgentID: ev.AgentID})
		}
		for _, m := range msgs {
			if m.Kind == domain.MessageTrade {
				s.metrics.TradesTotal.WithLabelValues(m.AggressorSide.String()).Inc()
			}
		}
		out = append(out, msgs...)
	}
	return out
}

// Act applies msg to the agent's ledger, revalues the position at the mid
// and returns the change in total P&L since the previous call. A nil msg
// only revalues.
func (s *Session) Act(msg *domain.ExecutionMessage) float64 {
	if msg != nil {
		s.ledger.Apply(*msg)
	}
	pnl := s.ledger.Mark(s.engine.Book().Top())
	reward, _ := pnl.Sub(s.lastPnL).Float64()
	s.lastPnL = pnl
	return reward
}

// react handles fills of the agent's resting quotes. No new action is taken;
// the reward is credited to the quoting action that produced the fill.
func (s *Session) react(ctx context.Context, hits []domain.ExecutionMessage) {
	top := s.engine.Book().Top()
	key := s.encoder.Encode(s.tracker.Sense(top), s.ledger.Position())

	var (
		reward float64
		action domain.Action
	)
	for i := range hits {
		reward += s.Act(&hits[i])
		// the resting side is the opposite of the aggressor
		if hits[i].AggressorSide == domain.SideAsk {
			action = domain.ActionPostBestBid
		} else {
			action = domain.ActionPostBestOffer
		}
	}

	s.logger.DebugContext(ctx, "resting quote filled",
		"time", s.lastEventTime, "state", key.String(), "action", action.String(), "fills", len(hits))
	s.learn(ctx, key, action, reward)
}

// decide selects, translates and executes an action.
func (s *Session) decide(ctx context.Context) {
	top := s.engine.Book().Top()
	key := s.encoder.Encode(s.tracker.Sense(top), s.ledger.Position())
	valid := s.ledger.ValidActions(s.cfg.MaxPosition, s.cfg.StopLoss)
	d := s.policy.Select(key, valid)
	action := d.Action

	touch := translator.Touch{All: top, Market: s.engine.Book().TopWithout(s.cfg.AgentID)}
	events, err := s.translator.Translate(action, touch, s.view())
	if errors.Is(err, domain.ErrActionRejected) {
		s.metrics.RejectedActionsTotal.WithLabelValues(action.String()).Inc()
		s.logger.WarnContext(ctx, "action rejected", "action", action.String(), "position", s.ledger.Position(), "error", err)
		action = domain.ActionNone
		events, _ = s.translator.Translate(action, touch, s.view())
	}

	msgs := s.UpdateOrderBook(ctx, events)
	var reward float64
	acted := false
	for i := range msgs {
		if msgs[i].Involves(s.cfg.AgentID) {
			reward += s.Act(&msgs[i])
			acted = true
		}
	}
	if !acted {
		reward += s.Act(nil)
	}

	s.decisions++
	s.metrics.ActionsTotal.WithLabelValues(action.String()).Inc()
	s.logger.DebugContext(ctx, "agent update",
		"time", s.lastEventTime,
		"state", key.String(),
		"action", action.String(),
		"probability", d.Probability,
		"explored", d.Explored,
		"reward", reward,
	)
	s.learn(ctx, key, action, reward)
}

// learn closes the previous transition with the state now observed, records
// the current one, tracks drawdown and schedules the next decision.
func (s *Session) learn(ctx context.Context, key state.Key, action domain.Action, reward float64) {
	s.nextTime = s.lastEventTime.Add(s.cfg.MinInterval)

	if s.hasPrev && !s.policy.Frozen() {
		s.policy.Update(s.prevState, s.prevAction, s.prevReward, key)
	}
	s.hasPrev = true
	s.prevState, s.prevAction, s.prevReward = key, action, reward
	s.totalReward += reward

	drawdown := s.ledger.TrackDrawdown()
	pnl, _ := s.ledger.TotalPnL().Float64()

	s.metrics.Reward.Observe(reward)
	s.metrics.Position.Set(float64(s.ledger.Position()))
	s.metrics.PnL.Set(pnl)
	s.metrics.ValueTableStates.Set(float64(s.policy.Table().Len()))

	s.logger.DebugContext(ctx, "agent state",
		"position", s.ledger.Position(),
		"pnl", s.ledger.TotalPnL().StringFixed(2),
		"drawdown", drawdown.StringFixed(2),
	)
	s.publish(key.String(), action.String(), reward)
}

func (s *Session) publish(key, action string, reward float64) {
	top := s.engine.Book().Top()
	book := s.engine.Book()
	s.metrics.OrderBookDepth.WithLabelValues(domain.SideBid.String()).Set(float64(book.Bids.Depth()))
	s.metrics.OrderBookDepth.WithLabelValues(domain.SideAsk.String()).Set(float64(book.Asks.Depth()))

	prev := s.board.Status()
	st := Status{
		RunID:         prev.RunID,
		Mode:          prev.Mode,
		Episode:       prev.Episode,
		Policy:        s.policy.Name(),
		Frozen:        s.policy.Frozen(),
		Rows:          s.rows,
		Decisions:     s.decisions,
		LastEventTime: s.lastEventTime,
		LastState:     key,
		LastAction:    action,
		LastReward:    reward,
		Agent:         s.ledger.Snapshot(top),
		States:        s.policy.Table().Len(),
		InboundSeq:    s.engine.Sequencer().CurrentInboundSeq(),
		OutboundSeq:   s.engine.Sequencer().CurrentOutboundSeq(),
	}
	if key == "" {
		st.LastState, st.LastAction, st.LastReward = prev.LastState, prev.LastAction, prev.LastReward
	}
	s.board.Publish(st, s.engine.GetL2Snapshot(snapshotDepth))
}

func (s *Session) view() translator.AgentView {
	return translator.AgentView{
		AgentID:  s.cfg.AgentID,
		Position: s.ledger.Position(),
		Bids:     s.ledger.Resting(domain.SideBid),
		Asks:     s.ledger.Resting(domain.SideAsk),
	}
}

func (s *Session) participant(agentID string) string {
	if agentID == s.cfg.AgentID {
		return "agent"
	}
	return "market"
}
