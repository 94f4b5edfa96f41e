package session

import (
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/qtrader/internal/domain"
	"github.com/nathanyu/qtrader/internal/policy"
	"github.com/nathanyu/qtrader/internal/state"
	"github.com/nathanyu/qtrader/internal/telemetry"
)

var t0 = time.Date(2016, 7, 25, 10, 0, 0, 0, time.UTC)

type zeroScaler struct{}

func (zeroScaler) Transform(state.Features) int { return 0 }

type transition struct {
	prev   state.Key
	action domain.Action
	reward float64
	next   state.Key
}

// scripted returns a fixed sequence of actions and records updates.
type scripted struct {
	actions []domain.Action
	selects int
	updates []transition
	table   *policy.ValueTable
	frozen  bool
}

func newScripted(actions ...domain.Action) *scripted {
	return &scripted{actions: actions, table: policy.NewValueTable()}
}

func (p *scripted) Name() string { return "Scripted" }

func (p *scripted) Select(_ state.Key, _ []domain.Action) policy.Decision {
	a := domain.ActionNone
	if p.selects < len(p.actions) {
		a = p.actions[p.selects]
	}
	p.selects++
	return policy.Decision{Action: a, Probability: 1}
}

func (p *scripted) Update(prev state.Key, a domain.Action, r float64, next state.Key) {
	p.updates = append(p.updates, transition{prev, a, r, next})
}

func (p *scripted) Freeze()                   { p.frozen = true }
func (p *scripted) Frozen() bool              { return p.frozen }
func (p *scripted) Table() *policy.ValueTable { return p.table }

func testConfig() Config {
	return Config{
		AgentID:      "agent",
		MaxPosition:  100,
		LotSize:      100,
		TickOffset:   1,
		StopLoss:     decimal.NewFromInt(4),
		WarmupRows:   5,
		MinInterval:  2 * time.Second,
		ReturnWindow: 10,
	}
}

func newSession(t *testing.T, pol policy.Engine) (*Session, *telemetry.Metrics) {
	t.Helper()
	metrics := telemetry.NewMetrics()
	s := New(testConfig(), pol, state.NewEncoder(zeroScaler{}), Deps{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: metrics,
	})
	return s, metrics
}

func quoteRows(n int) []domain.MarketRow {
	rows := make([]domain.MarketRow, 0, n)
	for i := range n {
		r := domain.MarketRow{Timestamp: t0.Add(time.Duration(i+1) * time.Second), Type: domain.RowBid, Price: 1000, Size: 500}
		if i%2 == 1 {
			r.Type, r.Price = domain.RowAsk, 1004
		}
		rows = append(rows, r)
	}
	return rows
}

func TestStep_WarmupThenDecide(t *testing.T) {
	pol := newScripted(domain.ActionPostBoth)
	s, _ := newSession(t, pol)

	rows := quoteRows(6)
	for _, r := range rows[:5] {
		s.Step(context.Background(), r)
	}
	assert.Zero(t, pol.selects, "no decision during warm-up")

	s.Step(context.Background(), rows[5])
	require.Equal(t, 1, pol.selects)

	top := s.Engine().Book().Top()
	assert.Equal(t, domain.Price(1001), top.Bid.Price, "bid posted one tick inside")
	assert.Equal(t, domain.Price(1003), top.Ask.Price, "offer posted one tick inside")
	assert.Equal(t, 2, s.Ledger().RestingCount())
}

func TestStep_MinInterval(t *testing.T) {
	pol := newScripted()
	s, _ := newSession(t, pol)

	for _, r := range quoteRows(6) {
		s.Step(context.Background(), r)
	}
	require.Equal(t, 1, pol.selects)

	// next decision is due two seconds after the last one
	s.Step(context.Background(), domain.MarketRow{Timestamp: t0.Add(7 * time.Second), Type: domain.RowBid, Price: 1000, Size: 500})
	assert.Equal(t, 1, pol.selects)
	s.Step(context.Background(), domain.MarketRow{Timestamp: t0.Add(8 * time.Second), Type: domain.RowAsk, Price: 1004, Size: 500})
	assert.Equal(t, 2, pol.selects)
}

func TestStep_PassiveFillCreditedToQuote(t *testing.T) {
	pol := newScripted(domain.ActionPostBoth, domain.ActionNone)
	s, _ := newSession(t, pol)

	for _, r := range quoteRows(6) {
		s.Step(context.Background(), r)
	}

	// a seller hits the agent's bid at 10.01
	s.Step(context.Background(), domain.MarketRow{Timestamp: t0.Add(7 * time.Second), Type: domain.RowTrade, Price: 1001, Size: 100})
	assert.Equal(t, int64(100), s.Ledger().Position())
	assert.Equal(t, 1, pol.selects, "a passive fill takes no new action")

	s.Step(context.Background(), domain.MarketRow{Timestamp: t0.Add(10 * time.Second), Type: domain.RowBid, Price: 1000, Size: 500})
	require.Equal(t, 2, pol.selects)

	require.Len(t, pol.updates, 2)
	assert.Equal(t, domain.ActionPostBoth, pol.updates[0].action)
	assert.Equal(t, domain.ActionPostBestBid, pol.updates[1].action, "the fill is credited to the resting quote")
	// long 100 at 10.01 marked at mid (10.00 + 10.03) / 2
	assert.InDelta(t, 0.5, pol.updates[1].reward, 1e-9)
	assert.Equal(t, int64(100), pol.updates[1].next.Position)
}

func TestStep_AggressiveBuyKeepsAction(t *testing.T) {
	pol := newScripted(domain.ActionBuy, domain.ActionNone)
	s, _ := newSession(t, pol)
	for _, r := range quoteRows(6) {
		s.Step(context.Background(), r)
	}
	assert.Equal(t, int64(100), s.Ledger().Position())

	s.Step(context.Background(), domain.MarketRow{Timestamp: t0.Add(9 * time.Second), Type: domain.RowBid, Price: 1000, Size: 500})
	require.Len(t, pol.updates, 1)
	assert.Equal(t, domain.ActionBuy, pol.updates[0].action)
	// bought at 10.04, marked at mid 10.02
	assert.InDelta(t, -2.0, pol.updates[0].reward, 1e-9)
}

func TestStep_RepeatedBidQuoteHoldsItsPrice(t *testing.T) {
	pol := newScripted(
		domain.ActionPostBestBid, domain.ActionPostBestBid, domain.ActionPostBestBid,
		domain.ActionPostBestBid, domain.ActionPostBestBid, domain.ActionPostBestBid,
	)
	s, _ := newSession(t, pol)

	// market bid 10.00, market ask 10.10, one row a second
	for i := range 16 {
		r := domain.MarketRow{Timestamp: t0.Add(time.Duration(i+1) * time.Second), Type: domain.RowBid, Price: 1000, Size: 500}
		if i%2 == 1 {
			r.Type, r.Price = domain.RowAsk, 1010
		}
		before := pol.selects
		s.Step(context.Background(), r)
		if pol.selects == before {
			continue
		}

		bids := s.Ledger().Resting(domain.SideBid)
		require.Len(t, bids, 1, "decision %d", pol.selects)
		order, ok := s.Engine().Book().Get(bids[0])
		require.True(t, ok)
		assert.Equal(t, domain.Price(1001), order.Price, "decision %d", pol.selects)
	}
	assert.Equal(t, 6, pol.selects)
}

func TestStep_RejectedActionBecomesNone(t *testing.T) {
	pol := newScripted(domain.ActionBuy, domain.ActionBuy)
	s, metrics := newSession(t, pol)
	for _, r := range quoteRows(6) {
		s.Step(context.Background(), r)
	}
	require.Equal(t, int64(100), s.Ledger().Position())

	s.Step(context.Background(), domain.MarketRow{Timestamp: t0.Add(9 * time.Second), Type: domain.RowAsk, Price: 1004, Size: 500})

	assert.Equal(t, int64(100), s.Ledger().Position())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RejectedActionsTotal.WithLabelValues("BUY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ActionsTotal.WithLabelValues("None")))
}

func TestUpdateOrderBook_CancelNotFound(t *testing.T) {
	s, metrics := newSession(t, newScripted())

	msgs := s.UpdateOrderBook(context.Background(), []domain.OrderEvent{domain.CancelOrder("agent", "ghost")})

	assert.Empty(t, msgs)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NotFoundTotal))
}

func TestUpdateOrderBook_ReportsCancel(t *testing.T) {
	s, _ := newSession(t, newScripted())
	order := &domain.Order{OrderID: "b1", AgentID: "agent", Side: domain.SideBid, Price: 1000, Quantity: 100}

	msgs := s.UpdateOrderBook(context.Background(), []domain.OrderEvent{domain.NewLimit(order), domain.CancelOrder("agent", "b1")})

	require.Len(t, msgs, 2)
	assert.Equal(t, domain.MessageNew, msgs[0].Kind)
	assert.Equal(t, domain.MessageCancel, msgs[1].Kind)
	assert.Equal(t, "b1", msgs[1].OrderID)
}

func TestAct_RewardIsPnLChange(t *testing.T) {
	s, _ := newSession(t, newScripted())
	ctx := context.Background()
	s.UpdateOrderBook(ctx, []domain.OrderEvent{
		domain.NewLimit(&domain.Order{OrderID: "m1", AgentID: "market", Side: domain.SideAsk, Price: 1002, Quantity: 100}),
		domain.NewLimit(&domain.Order{OrderID: "m2", AgentID: "market", Side: domain.SideBid, Price: 1000, Quantity: 100}),
	})

	msgs := s.UpdateOrderBook(ctx, []domain.OrderEvent{domain.Aggress("agent", domain.SideBid, 0, 100)})
	require.Len(t, msgs, 1)

	// long at 10.02 with only the bid left: no mid yet, nothing marked
	assert.Equal(t, 0.0, s.Act(&msgs[0]))

	s.UpdateOrderBook(ctx, []domain.OrderEvent{
		domain.NewLimit(&domain.Order{OrderID: "m3", AgentID: "market", Side: domain.SideAsk, Price: 1006, Quantity: 100}),
	})
	assert.InDelta(t, 1.0, s.Act(nil), 1e-9, "mid 10.03 against 10.02 on 100 shares")
	assert.Equal(t, 0.0, s.Act(nil))
}

func randomRows(seed uint64, n int) []domain.MarketRow {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	mid := domain.Price(1000)
	rows := make([]domain.MarketRow, 0, n)
	for i := range n {
		mid += domain.Price(rng.IntN(3) - 1)
		r := domain.MarketRow{Timestamp: t0.Add(time.Duration(i) * 700 * time.Millisecond), Size: int64(100 * (1 + rng.IntN(5)))}
		switch rng.IntN(5) {
		case 0, 1:
			r.Type, r.Price = domain.RowBid, mid-domain.Price(1+rng.IntN(2))
		case 2, 3:
			r.Type, r.Price = domain.RowAsk, mid+domain.Price(1+rng.IntN(2))
		default:
			r.Type, r.Price = domain.RowTrade, mid+domain.Price(rng.IntN(5)-2)
		}
		rows = append(rows, r)
	}
	return rows
}

func TestRunEpisode_PositionBound(t *testing.T) {
	for seed := uint64(1); seed <= 5; seed++ {
		pol, err := policy.New(policy.KindUniform, policy.Params{}, nil, rand.New(rand.NewPCG(seed, 99)))
		require.NoError(t, err)
		s, _ := newSession(t, pol)

		s.Reset()
		for _, r := range randomRows(seed, 3000) {
			s.Step(context.Background(), r)
			pos := s.Ledger().Position()
			require.LessOrEqual(t, pos, int64(100), "seed %d", seed)
			require.GreaterOrEqual(t, pos, int64(-100), "seed %d", seed)
			require.False(t, s.Engine().Book().Crossed(), "seed %d", seed)
		}
	}
}

func TestRunEpisode_LearnsAndKeepsTable(t *testing.T) {
	pol, err := policy.New(policy.KindDecayingTDQ, policy.Params{Gamma: 0.5, K: 0.8}, nil, rand.New(rand.NewPCG(3, 4)))
	require.NoError(t, err)
	s, _ := newSession(t, pol)

	rows := randomRows(3, 2000)
	sum, err := s.RunEpisode(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, len(rows), sum.Rows)
	assert.Positive(t, sum.Decisions)
	states := pol.Table().Len()
	assert.Positive(t, states)
	assert.Equal(t, states, sum.States)

	_, err = s.RunEpisode(context.Background(), rows)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pol.Table().Len(), states, "the value table survives a reset")
}

func TestRunEpisode_FrozenDoesNotLearn(t *testing.T) {
	pol, err := policy.New(policy.KindSoftmaxQ, policy.Params{Gamma: 0.5, K: 0.8}, nil, rand.New(rand.NewPCG(5, 6)))
	require.NoError(t, err)
	pol.Freeze()
	s, _ := newSession(t, pol)

	_, err = s.RunEpisode(context.Background(), randomRows(5, 1000))
	require.NoError(t, err)
	assert.Zero(t, pol.Table().Len())
}

func TestRunEpisode_Canceled(t *testing.T) {
	s, _ := newSession(t, newScripted())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.RunEpisode(ctx, quoteRows(10))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStatusBoard(t *testing.T) {
	board := NewStatusBoard()
	board.SetRun("run-1", "train_learner", 2)

	s := New(testConfig(), newScripted(domain.ActionPostBoth), state.NewEncoder(zeroScaler{}), Deps{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Board:  board,
	})
	for _, r := range quoteRows(6) {
		s.Step(context.Background(), r)
	}

	st := board.Status()
	assert.Equal(t, "run-1", st.RunID)
	assert.Equal(t, 2, st.Episode)
	assert.Equal(t, "BEST_BOTH", st.LastAction)
	assert.Equal(t, 6, st.Rows)
	assert.Equal(t, 2, st.Agent.Resting)
	assert.Positive(t, st.InboundSeq)

	book := board.OrderBook(1)
	require.Len(t, book.Bids, 1)
	assert.Equal(t, domain.Price(1001), book.Bids[0].Price)
	assert.Len(t, board.OrderBook(0).Bids, 2)
}
