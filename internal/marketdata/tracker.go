// Package marketdata derives the per-tick market features the agent senses
// from the replayed book.
package marketdata

import (
	"math"
	"time"

	"github.com/nathanyu/qtrader/internal/domain"
)

// Tracker accumulates order flow between two calls to Sense. It is owned by
// one session and is not safe for concurrent use.
type Tracker struct {
	mids *RingBuffer

	prev    domain.Top
	hasPrev bool

	ofi        float64
	traded     int64
	aggressor  int64 // buyer-initiated minus seller-initiated
	lastSensed domain.MarketFeatures
}

// NewTracker creates a tracker whose log return spans window mid samples.
func NewTracker(window int) *Tracker {
	return &Tracker{mids: NewRingBuffer(window)}
}

// Observe records the touch after a book change. The order flow imbalance
// contribution compares it with the previously observed touch.
func (t *Tracker) Observe(ts time.Time, top domain.Top) {
	if t.hasPrev {
		t.ofi += orderFlow(t.prev, top)
	}
	t.prev, t.hasPrev = top, true

	if mid, ok := top.Mid(); ok {
		f, _ := mid.Float64()
		t.mids.Push(MidSample{Time: ts, Mid: f})
	}
}

// Trade records a print with the side that initiated it.
func (t *Tracker) Trade(aggressor domain.Side, qty int64) {
	t.traded += qty
	t.aggressor += aggressor.Sign() * qty
}

// Sense returns the features for the current touch and resets the flow
// accumulators.
func (t *Tracker) Sense(top domain.Top) domain.MarketFeatures {
	f := domain.MarketFeatures{
		BestBid:            top.Bid.Price,
		BestOffer:          top.Ask.Price,
		OrderFlowImbalance: t.ofi,
		TradedQuantity:     t.traded,
		AggressorQuantity:  t.aggressor,
		LogReturn:          t.logReturn(),
		BidQuantity:        top.Bid.Quantity,
		AskQuantity:        top.Ask.Quantity,
	}
	if mid, ok := top.Mid(); ok {
		f.MidPrice, _ = mid.Float64()
	}

	t.ofi, t.traded, t.aggressor = 0, 0, 0
	t.lastSensed = f
	return f
}

// Last returns the features from the most recent Sense.
func (t *Tracker) Last() domain.MarketFeatures { return t.lastSensed }

// Mids returns the buffered mid samples, oldest first.
func (t *Tracker) Mids() []MidSample { return t.mids.GetAll() }

// Reset clears all state for a new episode.
func (t *Tracker) Reset() {
	t.mids.Reset()
	t.prev, t.hasPrev = domain.Top{}, false
	t.ofi, t.traded, t.aggressor = 0, 0, 0
	t.lastSensed = domain.MarketFeatures{}
}

func (t *Tracker) logReturn() float64 {
	first, ok := t.mids.Oldest()
	if !ok || first.Mid <= 0 {
		return 0
	}
	last, _ := t.mids.Latest()
	return math.Log(last.Mid / first.Mid)
}

// orderFlow is the order flow imbalance of one touch change: bid size added
// at an equal or better bid minus size removed, less the same on the ask.
func orderFlow(prev, cur domain.Top) float64 {
	var e float64
	if cur.Bid.Ok && (!prev.Bid.Ok || cur.Bid.Price >= prev.Bid.Price) {
		e += float64(cur.Bid.Quantity)
	}
	if prev.Bid.Ok && (!cur.Bid.Ok || cur.Bid.Price <= prev.Bid.Price) {
		e -= float64(prev.Bid.Quantity)
	}
	if cur.Ask.Ok && (!prev.Ask.Ok || cur.Ask.Price <= prev.Ask.Price) {
		e -= float64(cur.Ask.Quantity)
	}
	if prev.Ask.Ok && (!cur.Ask.Ok || cur.Ask.Price >= prev.Ask.Price) {
		e += float64(prev.Ask.Quantity)
	}
	return e
}
