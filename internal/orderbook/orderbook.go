package orderbook

import (
	"container/list"
	"errors"
	"fmt"

	"github.com/google/btree"
	"github.com/nathanyu/qtrader/internal/domain"
)

const levelDegree = 32

// ErrDuplicateOrder is returned when an order id is already resting.
var ErrDuplicateOrder = errors.New("duplicate order id")

// orderEntry maps an order to its linked list element for O(1) cancel.
type orderEntry struct {
	order   *domain.Order
	element *list.Element
	level   *Level
}

// Level is a price level in one side of the book.
// It holds a doubly-linked list of orders at this price (FIFO).
type Level struct {
	Price       domain.Price
	TotalVolume int64
	orders      *list.List // of *domain.Order
}

func newLevel(price domain.Price) *Level {
	return &Level{Price: price, orders: list.New()}
}

// Len returns the number of orders queued at this level.
func (l *Level) Len() int {
	return l.orders.Len()
}

// Front returns the oldest order at this level.
func (l *Level) Front() *domain.Order {
	if e := l.orders.Front(); e != nil {
		return e.Value.(*domain.Order)
	}
	return nil
}

// Each visits the orders in arrival order until fn returns false.
func (l *Level) Each(fn func(*domain.Order) bool) {
	for e := l.orders.Front(); e != nil; e = e.Next() {
		if !fn(e.Value.(*domain.Order)) {
			return
		}
	}
}

func levelLess(a, b *Level) bool {
	return a.Price < b.Price
}

// Book represents one side (bid or ask) of an order book.
// Levels are kept in a B-tree ordered by ascending price.
type Book struct {
	Side   domain.Side
	levels *btree.BTreeG[*Level]
}

// NewBook creates a new order book side.
func NewBook(side domain.Side) *Book {
	return &Book{Side: side, levels: btree.NewG(levelDegree, levelLess)}
}

// Best returns the best level: highest bid or lowest ask.
func (b *Book) Best() (*Level, bool) {
	if b.Side == domain.SideBid {
		return b.levels.Max()
	}
	return b.levels.Min()
}

// HasOrders returns whether this side has any resting orders.
func (b *Book) HasOrders() bool {
	return b.levels.Len() > 0
}

// Depth returns the number of distinct price levels.
func (b *Book) Depth() int {
	return b.levels.Len()
}

// Level returns the level at price, or nil.
func (b *Book) Level(price domain.Price) *Level {
	lvl, _ := b.levels.Get(&Level{Price: price})
	return lvl
}

// Walk visits levels from the best price outward until fn returns false.
func (b *Book) Walk(fn func(*Level) bool) {
	if b.Side == domain.SideBid {
		b.levels.Descend(fn)
	} else {
		b.levels.Ascend(fn)
	}
}

// bestWithout returns the best quote formed by orders not owned by agentID.
func (b *Book) bestWithout(agentID string) domain.Quote {
	var q domain.Quote
	b.Walk(func(l *Level) bool {
		l.Each(func(o *domain.Order) bool {
			if o.AgentID != agentID {
				q.Quantity += o.Quantity
			}
			return true
		})
		if q.Quantity == 0 {
			return true
		}
		q.Price, q.Ok = l.Price, true
		return false
	})
	return q
}

func (b *Book) add(order *domain.Order) (*Level, *list.Element) {
	level := b.Level(order.Price)
	if level == nil {
		level = newLevel(order.Price)
		b.levels.ReplaceOrInsert(level)
	}
	level.TotalVolume += order.Quantity
	return level, level.orders.PushBack(order)
}

func (b *Book) remove(entry *orderEntry) {
	level := entry.level
	level.orders.Remove(entry.element)
	level.TotalVolume -= entry.order.Quantity
	if level.orders.Len() == 0 {
		b.levels.Delete(level)
	}
}

// OrderBook holds the two-sided book for the single simulated instrument.
// Every resting order appears in exactly one level on exactly one side.
type OrderBook struct {
	Bids   *Book
	Asks   *Book
	orders map[string]*orderEntry // orderID -> entry for O(1) lookup/cancel
}

// NewOrderBook creates an empty order book.
func NewOrderBook() *OrderBook {
	return &OrderBook{
		Bids:   NewBook(domain.SideBid),
		Asks:   NewBook(domain.SideAsk),
		orders: make(map[string]*orderEntry),
	}
}

// Side returns the book for side.
func (ob *OrderBook) Side(side domain.Side) *Book {
	if side == domain.SideBid {
		return ob.Bids
	}
	return ob.Asks
}

// Best returns the best level on side.
func (ob *OrderBook) Best(side domain.Side) (*Level, bool) {
	return ob.Side(side).Best()
}

// Insert appends an order to the tail of its price level. The caller is
// responsible for matching first; Insert does not check for a crossed book.
func (ob *OrderBook) Insert(order *domain.Order) error {
	if order.Quantity <= 0 {
		return fmt.Errorf("insert %s: non-positive quantity %d", order.OrderID, order.Quantity)
	}
	if _, exists := ob.orders[order.OrderID]; exists {
		return fmt.Errorf("insert %s: %w", order.OrderID, ErrDuplicateOrder)
	}
	level, elem := ob.Side(order.Side).add(order)
	ob.orders[order.OrderID] = &orderEntry{order: order, element: elem, level: level}
	return nil
}

// Remove takes an order out of the book and returns it.
func (ob *OrderBook) Remove(orderID string) (*domain.Order, error) {
	entry, exists := ob.orders[orderID]
	if !exists {
		return nil, fmt.Errorf("remove %s: %w", orderID, domain.ErrNotFound)
	}
	ob.Side(entry.order.Side).remove(entry)
	delete(ob.orders, orderID)
	return entry.order, nil
}

// Reduce shrinks an order by filled and removes it once nothing is left.
// It returns the order with its remaining quantity.
func (ob *OrderBook) Reduce(orderID string, filled int64) (*domain.Order, error) {
	entry, exists := ob.orders[orderID]
	if !exists {
		return nil, fmt.Errorf("reduce %s: %w", orderID, domain.ErrNotFound)
	}
	if filled >= entry.order.Quantity {
		ob.Side(entry.order.Side).remove(entry)
		delete(ob.orders, orderID)
		entry.order.Quantity = 0
		return entry.order, nil
	}
	entry.order.Quantity -= filled
	entry.level.TotalVolume -= filled
	return entry.order, nil
}

// Get returns a resting order by id.
func (ob *OrderBook) Get(orderID string) (*domain.Order, bool) {
	entry, exists := ob.orders[orderID]
	if !exists {
		return nil, false
	}
	return entry.order, true
}

// Len returns the number of resting orders.
func (ob *OrderBook) Len() int {
	return len(ob.orders)
}

// Top returns the touch on both sides.
func (ob *OrderBook) Top() domain.Top {
	var top domain.Top
	if lvl, ok := ob.Bids.Best(); ok {
		top.Bid = domain.Quote{Price: lvl.Price, Quantity: lvl.TotalVolume, Ok: true}
	}
	if lvl, ok := ob.Asks.Best(); ok {
		top.Ask = domain.Quote{Price: lvl.Price, Quantity: lvl.TotalVolume, Ok: true}
	}
	return top
}

// TopWithout returns the touch formed only by orders that agentID does not own.
func (ob *OrderBook) TopWithout(agentID string) domain.Top {
	return domain.Top{Bid: ob.Bids.bestWithout(agentID), Ask: ob.Asks.bestWithout(agentID)}
}

// Crossed reports whether best bid >= best ask.
func (ob *OrderBook) Crossed() bool {
	top := ob.Top()
	return top.Bid.Ok && top.Ask.Ok && top.Bid.Price >= top.Ask.Price
}

// GetL2Snapshot returns an aggregated L2 order book snapshot.
// A depth of zero or less returns every level.
func (ob *OrderBook) GetL2Snapshot(depth int) *domain.L2OrderBook {
	return &domain.L2OrderBook{
		Bids: aggregateLevels(ob.Bids, depth),
		Asks: aggregateLevels(ob.Asks, depth),
	}
}

// aggregateLevels collects price levels from the best price outward.
func aggregateLevels(book *Book, depth int) []domain.PriceLevel {
	levels := make([]domain.PriceLevel, 0, book.Depth())
	book.Walk(func(l *Level) bool {
		if depth > 0 && len(levels) >= depth {
			return false
		}
		levels = append(levels, domain.PriceLevel{Price: l.Price, Quantity: l.TotalVolume, Orders: l.Len()})
		return true
	})
	return levels
}
