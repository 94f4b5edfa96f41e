package replay

import (
	"fmt"
	"sort"

	"github.com/nathanyu/qtrader/internal/domain"
	"github.com/nathanyu/qtrader/internal/orderbook"
)

// MarketAgentID owns every order generated from replayed rows.
const MarketAgentID = "market"

// Result is the translation of one row.
type Result struct {
	Events []domain.OrderEvent
	// Aggressor is set for TRADE rows that could be attributed to a side.
	Aggressor domain.Side
	// Dropped reports a TRADE row priced strictly inside the spread.
	Dropped bool
}

// Adapter keeps the market participant's quotes and turns rows into events.
// A quote row replaces the market's stale quotes on both sides so the book
// follows the recorded touch.
type Adapter struct {
	bids map[domain.Price]string
	asks map[domain.Price]string
	next uint64
}

// NewAdapter creates an adapter with no resting quotes.
func NewAdapter() *Adapter {
	return &Adapter{
		bids: make(map[domain.Price]string),
		asks: make(map[domain.Price]string),
	}
}

// Reset forgets every quote.
func (a *Adapter) Reset() {
	clear(a.bids)
	clear(a.asks)
	a.next = 0
}

// Translate returns the events for row against the current book.
func (a *Adapter) Translate(row domain.MarketRow, book *orderbook.OrderBook) Result {
	a.prune(book)

	switch row.Type {
	case domain.RowBid:
		return Result{Events: a.quote(domain.SideBid, row.Price, row.Size)}
	case domain.RowAsk:
		return Result{Events: a.quote(domain.SideAsk, row.Price, row.Size)}
	}

	top := book.Top()
	switch {
	case top.Ask.Ok && row.Price >= top.Ask.Price:
		return Result{Events: []domain.OrderEvent{domain.Aggress(MarketAgentID, domain.SideBid, row.Price, row.Size)}, Aggressor: domain.SideBid}
	case top.Bid.Ok && row.Price <= top.Bid.Price:
		return Result{Events: []domain.OrderEvent{domain.Aggress(MarketAgentID, domain.SideAsk, row.Price, row.Size)}, Aggressor: domain.SideAsk}
	default:
		return Result{Dropped: true}
	}
}

// quote cancels the market's quotes on side that are better than price,
// its quotes on the opposite side that price would cross, and its quote at
// price, then posts the new quote.
func (a *Adapter) quote(side domain.Side, price domain.Price, size int64) []domain.OrderEvent {
	same, opposite := a.bids, a.asks
	if side == domain.SideAsk {
		same, opposite = a.asks, a.bids
	}

	var events []domain.OrderEvent
	for _, p := range sortedPrices(same) {
		if p == price || better(side, p, price) {
			events = append(events, domain.CancelOrder(MarketAgentID, same[p]))
			delete(same, p)
		}
	}
	for _, p := range sortedPrices(opposite) {
		if crosses(side, price, p) {
			events = append(events, domain.CancelOrder(MarketAgentID, opposite[p]))
			delete(opposite, p)
		}
	}

	a.next++
	id := fmt.Sprintf("%s-%d", MarketAgentID, a.next)
	same[price] = id
	order := &domain.Order{OrderID: id, AgentID: MarketAgentID, Side: side, Price: price, Quantity: size}
	return append(events, domain.NewLimit(order))
}

// prune drops quotes the book no longer holds because they were filled.
func (a *Adapter) prune(book *orderbook.OrderBook) {
	for _, quotes := range []map[domain.Price]string{a.bids, a.asks} {
		for p, id := range quotes {
			if _, ok := book.Get(id); !ok {
				delete(quotes, p)
			}
		}
	}
}

// better reports whether p is a more aggressive price than ref on side.
func better(side domain.Side, p, ref domain.Price) bool {
	if side == domain.SideBid {
		return p > ref
	}
	return p < ref
}

// crosses reports whether a quote on side at price trades with an opposite
// quote at p.
func crosses(side domain.Side, price, p domain.Price) bool {
	if side == domain.SideBid {
		return p <= price
	}
	return p >= price
}

func sortedPrices(m map[domain.Price]string) []domain.Price {
	prices := make([]domain.Price, 0, len(m))
	for p := range m {
		prices = append(prices, p)
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i] < prices[j] })
	return prices
}
