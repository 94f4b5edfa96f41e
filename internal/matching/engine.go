package matching

import (
	"fmt"

	"github.com/nathanyu/qtrader/internal/domain"
	"github.com/nathanyu/qtrader/internal/orderbook"
	"github.com/nathanyu/qtrader/internal/sequencer"
)

// Engine applies order events to a single order book under price-time
// priority: better price first, then earlier sequence at equal price.
type Engine struct {
	book *orderbook.OrderBook
	seq  *sequencer.Sequencer
}

// NewEngine creates a matching engine over an empty book.
func NewEngine() *Engine {
	return &Engine{
		book: orderbook.NewOrderBook(),
		seq:  sequencer.New(),
	}
}

// Book returns the underlying order book.
func (e *Engine) Book() *orderbook.OrderBook {
	return e.book
}

// Sequencer returns the sequencer stamping this engine's orders.
func (e *Engine) Sequencer() *sequencer.Sequencer {
	return e.seq
}

// HandleOrder processes an order event and returns the resulting messages.
// A successful cancel returns no messages; a cancel of an unknown order
// returns domain.ErrNotFound and leaves the book untouched.
func (e *Engine) HandleOrder(event domain.OrderEvent) ([]domain.ExecutionMessage, error) {
	switch event.Kind {
	case domain.EventNew:
		return e.handleNew(event.Order)
	case domain.EventCancel:
		return nil, e.handleCancel(event.OrderID)
	case domain.EventTrade:
		return e.handleTrade(event)
	default:
		return nil, fmt.Errorf("unknown event kind %q", event.Kind)
	}
}

// handleNew matches a limit order against the opposite side up to its limit
// price, then rests any remainder at the tail of its level.
func (e *Engine) handleNew(order *domain.Order) ([]domain.ExecutionMessage, error) {
	if order == nil || order.Quantity <= 0 {
		return nil, fmt.Errorf("new order: missing order or non-positive quantity")
	}
	if _, exists := e.book.Get(order.OrderID); exists {
		return nil, fmt.Errorf("new order %s: %w", order.OrderID, orderbook.ErrDuplicateOrder)
	}
	e.seq.Stamp(order)

	msgs, filled := e.match(order.AgentID, order.Side, order.Price, order.Quantity)
	order.Quantity -= filled
	if order.Quantity == 0 {
		return msgs, nil
	}

	if err := e.book.Insert(order); err != nil {
		return msgs, err
	}
	accepted := *order
	msgs = append(msgs, domain.ExecutionMessage{
		Kind:    domain.MessageNew,
		Order:   &accepted,
		OrderID: order.OrderID,
		AgentID: order.AgentID,
		Price:   order.Price,
		Status:  domain.OrderStatusNew,
	})
	return msgs, nil
}

func (e *Engine) handleCancel(orderID string) error {
	if _, err := e.book.Remove(orderID); err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	return nil
}

// handleTrade consumes liquidity only. Quantity left once the opposite side
// is exhausted (or the limit is reached) is dropped; the aggressor never rests.
func (e *Engine) handleTrade(event domain.OrderEvent) ([]domain.ExecutionMessage, error) {
	if event.Quantity <= 0 {
		return nil, fmt.Errorf("trade: non-positive quantity %d", event.Quantity)
	}
	msgs, _ := e.match(event.AgentID, event.Side, event.Price, event.Quantity)
	return msgs, nil
}

// match walks the side opposite to aggressor from the best price outward,
// filling resting orders in FIFO order. A zero limit never stops the walk.
// It emits one Trade per resting order touched and returns the filled total.
func (e *Engine) match(aggressorID string, aggressor domain.Side, limit domain.Price, qty int64) ([]domain.ExecutionMessage, int64) {
	opposite := e.book.Side(aggressor.Opposite())

	var msgs []domain.ExecutionMessage
	remaining := qty
	for remaining > 0 {
		level, ok := opposite.Best()
		if !ok {
			break
		}
		if limit != 0 && !crosses(aggressor, limit, level.Price) {
			break
		}

		// FIFO: consume from the head of the level
		for remaining > 0 && level.Len() > 0 {
			maker := level.Front()
			fillQty := min(remaining, maker.Quantity)

			status := domain.OrderStatusPartiallyFilled
			if fillQty == maker.Quantity {
				status = domain.OrderStatusFilled
			}
			msg := domain.ExecutionMessage{
				Kind:          domain.MessageTrade,
				OrderID:       maker.OrderID,
				AgentID:       maker.AgentID,
				AggressorID:   aggressorID,
				AggressorSide: aggressor,
				Price:         maker.Price, // execute at the resting price
				Quantity:      fillQty,
				Status:        status,
			}
			if _, err := e.book.Reduce(maker.OrderID, fillQty); err != nil {
				// the head of a live level is always indexed
				panic(err)
			}
			e.seq.NextOutbound()
			remaining -= fillQty
			msgs = append(msgs, msg)
		}
	}
	return msgs, qty - remaining
}

func crosses(aggressor domain.Side, limit, resting domain.Price) bool {
	if aggressor == domain.SideBid {
		return limit >= resting
	}
	return limit <= resting
}

// GetL2Snapshot returns an L2 snapshot of the book.
func (e *Engine) GetL2Snapshot(depth int) *domain.L2OrderBook {
	return e.book.GetL2Snapshot(depth)
}
