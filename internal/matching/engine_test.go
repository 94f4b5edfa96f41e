package matching

import (
	"math/rand/v2"
	"strconv"
	"testing"

	"github.com/nathanyu/qtrader/internal/domain"
	"github.com/nathanyu/qtrader/internal/orderbook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrder(id string, side domain.Side, price domain.Price, qty int64) *domain.Order {
	return &domain.Order{
		OrderID:  id,
		AgentID:  "market",
		Side:     side,
		Price:    price,
		Quantity: qty,
	}
}

func place(t *testing.T, e *Engine, o *domain.Order) []domain.ExecutionMessage {
	t.Helper()
	msgs, err := e.HandleOrder(domain.NewLimit(o))
	require.NoError(t, err)
	return msgs
}

func TestEngine_NewOrder_Rests(t *testing.T) {
	engine := NewEngine()

	msgs := place(t, engine, newOrder("o1", domain.SideAsk, 1010, 1000))

	require.Len(t, msgs, 1)
	assert.Equal(t, domain.MessageNew, msgs[0].Kind)
	assert.Equal(t, "o1", msgs[0].Order.OrderID)
	assert.Equal(t, uint64(1), msgs[0].Order.Sequence)

	snap := engine.GetL2Snapshot(5)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, int64(1000), snap.Asks[0].Quantity)
}

func TestEngine_PriceTimePriority(t *testing.T) {
	engine := NewEngine()

	place(t, engine, newOrder("s1", domain.SideAsk, 1010, 100))
	place(t, engine, newOrder("s2", domain.SideAsk, 1010, 100))
	place(t, engine, newOrder("s3", domain.SideAsk, 1009, 50))
	place(t, engine, newOrder("s4", domain.SideAsk, 1010, 100))

	msgs, err := engine.HandleOrder(domain.Aggress("agent", domain.SideBid, 0, 220))
	require.NoError(t, err)

	require.Len(t, msgs, 3)
	assert.Equal(t, "s3", msgs[0].OrderID) // better price first
	assert.Equal(t, domain.OrderStatusFilled, msgs[0].Status)
	assert.Equal(t, "s1", msgs[1].OrderID) // then arrival order
	assert.Equal(t, domain.OrderStatusFilled, msgs[1].Status)
	assert.Equal(t, "s2", msgs[2].OrderID)
	assert.Equal(t, int64(70), msgs[2].Quantity)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, msgs[2].Status)

	for _, m := range msgs {
		assert.Equal(t, domain.MessageTrade, m.Kind)
		assert.Equal(t, "agent", m.AggressorID)
		assert.Equal(t, "market", m.AgentID)
		assert.Equal(t, domain.SideBid, m.AggressorSide)
	}

	s2, ok := engine.Book().Get("s2")
	require.True(t, ok)
	assert.Equal(t, int64(30), s2.Quantity)
	_, ok = engine.Book().Get("s4")
	assert.True(t, ok)
}

func TestEngine_Trade_ExhaustsSideAndDropsExcess(t *testing.T) {
	engine := NewEngine()

	place(t, engine, newOrder("b1", domain.SideBid, 1000, 100))
	place(t, engine, newOrder("b2", domain.SideBid, 999, 200))

	msgs, err := engine.HandleOrder(domain.Aggress("agent", domain.SideAsk, 0, 1000))
	require.NoError(t, err)

	var filled int64
	for _, m := range msgs {
		filled += m.Quantity
	}
	assert.Equal(t, int64(300), filled)
	assert.False(t, engine.Book().Bids.HasOrders())
	assert.False(t, engine.Book().Asks.HasOrders(), "aggressor must not rest")
}

func TestEngine_Trade_EmptyOppositeSide(t *testing.T) {
	engine := NewEngine()

	msgs, err := engine.HandleOrder(domain.Aggress("agent", domain.SideBid, 0, 100))
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, 0, engine.Book().Len())
}

func TestEngine_Trade_LimitStopsWalk(t *testing.T) {
	engine := NewEngine()

	place(t, engine, newOrder("s1", domain.SideAsk, 1010, 100))
	place(t, engine, newOrder("s2", domain.SideAsk, 1012, 100))

	msgs, err := engine.HandleOrder(domain.Aggress("market", domain.SideBid, 1011, 300))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "s1", msgs[0].OrderID)
	assert.Equal(t, domain.Price(1012), engine.Book().Top().Ask.Price)
}

func TestEngine_Trade_ExactFill(t *testing.T) {
	engine := NewEngine()
	place(t, engine, newOrder("s1", domain.SideAsk, 1010, 100))

	msgs, err := engine.HandleOrder(domain.Aggress("agent", domain.SideBid, 0, 100))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.OrderStatusFilled, msgs[0].Status)
	assert.Equal(t, 0, engine.Book().Asks.Depth())
}

func TestEngine_CrossingNewMatchesBeforeResting(t *testing.T) {
	engine := NewEngine()

	place(t, engine, newOrder("s1", domain.SideAsk, 1010, 100))
	msgs := place(t, engine, newOrder("b1", domain.SideBid, 1011, 150))

	require.Len(t, msgs, 2)
	assert.Equal(t, domain.MessageTrade, msgs[0].Kind)
	assert.Equal(t, domain.Price(1010), msgs[0].Price)
	assert.Equal(t, domain.MessageNew, msgs[1].Kind)
	assert.Equal(t, int64(50), msgs[1].Order.Quantity)

	top := engine.Book().Top()
	assert.Equal(t, domain.Price(1011), top.Bid.Price)
	assert.False(t, top.Ask.Ok)
}

func TestEngine_CancelIdempotent(t *testing.T) {
	engine := NewEngine()
	place(t, engine, newOrder("s1", domain.SideAsk, 1010, 1000))
	place(t, engine, newOrder("s2", domain.SideAsk, 1011, 10))

	msgs, err := engine.HandleOrder(domain.CancelOrder("market", "s1"))
	require.NoError(t, err)
	assert.Empty(t, msgs)
	before := engine.GetL2Snapshot(0)

	_, err = engine.HandleOrder(domain.CancelOrder("market", "s1"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, before, engine.GetL2Snapshot(0))
}

func TestEngine_RejectsInvalidQuantity(t *testing.T) {
	engine := NewEngine()

	_, err := engine.HandleOrder(domain.NewLimit(newOrder("s1", domain.SideAsk, 1010, 0)))
	assert.Error(t, err)
	_, err = engine.HandleOrder(domain.Aggress("agent", domain.SideBid, 0, 0))
	assert.Error(t, err)
}

// Random event streams must conserve quantity and never leave a crossed book.
func TestEngine_ConservationAndNoCrossedBook(t *testing.T) {
	engine := NewEngine()
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 2000; i++ {
		side := domain.SideBid
		if rng.IntN(2) == 0 {
			side = domain.SideAsk
		}
		qty := int64(rng.IntN(300) + 1)

		if rng.IntN(4) == 0 {
			before := engine.Book().Side(side.Opposite())
			var available int64
			before.Walk(func(l *orderbook.Level) bool {
				available += l.TotalVolume
				return true
			})
			msgs, err := engine.HandleOrder(domain.Aggress("agent", side, 0, qty))
			require.NoError(t, err)

			var filled int64
			for _, m := range msgs {
				filled += m.Quantity
			}
			assert.Equal(t, min(qty, available), filled)
		} else {
			price := domain.Price(1000 + rng.IntN(20))
			place(t, engine, newOrder("o"+strconv.Itoa(i), side, price, qty))
		}
		require.False(t, engine.Book().Crossed(), "crossed book after event %d", i)
	}
}

func TestEngine_Determinism(t *testing.T) {
	run := func() []domain.ExecutionMessage {
		e := NewEngine()
		var all []domain.ExecutionMessage
		for _, o := range []*domain.Order{
			newOrder("s1", domain.SideAsk, 1010, 100),
			newOrder("s2", domain.SideAsk, 1010, 200),
			newOrder("b1", domain.SideBid, 1010, 150),
		} {
			msgs, err := e.HandleOrder(domain.NewLimit(o))
			require.NoError(t, err)
			all = append(all, msgs...)
		}
		return all
	}

	assert.Equal(t, run(), run())
}
