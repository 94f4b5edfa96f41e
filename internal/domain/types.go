package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Side represents the order side.
type Side int8

const (
	SideBid Side = iota + 1
	SideAsk
)

func (s Side) String() string {
	switch s {
	case SideBid:
		return "BID"
	case SideAsk:
		return "ASK"
	default:
		return "UNKNOWN"
	}
}

// Opposite returns the side an order on s matches against.
func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

// Sign is +1 for bids (buying adds to position) and -1 for asks.
func (s Side) Sign() int64 {
	if s == SideBid {
		return 1
	}
	return -1
}

// PriceScale is the number of decimal places carried by Price.
const PriceScale = 2

// Price is an instrument price in ticks of 0.01, e.g. 1010 = 10.10.
type Price int64

// PriceFromDecimal rounds d to the nearest tick.
func PriceFromDecimal(d decimal.Decimal) Price {
	return Price(d.Shift(PriceScale).Round(0).IntPart())
}

// ParsePrice parses a decimal string such as "10.10".
func ParsePrice(s string) (Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	return PriceFromDecimal(d), nil
}

// Decimal returns the price as an exact decimal.
func (p Price) Decimal() decimal.Decimal {
	return decimal.New(int64(p), -PriceScale)
}

func (p Price) String() string {
	return p.Decimal().StringFixed(PriceScale)
}

// OrderStatus represents the fill state reported for a resting order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
)

// Order is a resting limit order. Once accepted it is owned by the order book.
type Order struct {
	OrderID  string `json:"order_id"`
	AgentID  string `json:"agent_id"`
	Side     Side   `json:"side"`
	Price    Price  `json:"price"`
	Quantity int64  `json:"quantity"` // remaining quantity
	Sequence uint64 `json:"sequence"` // arrival order, breaks ties at equal price
}

// EventKind is the type of an incoming order event.
type EventKind string

const (
	EventNew    EventKind = "new"
	EventCancel EventKind = "cancel"
	EventTrade  EventKind = "trade"
)

// OrderEvent is an instruction for the matching engine.
//
// New carries Order. Cancel carries OrderID. Trade is an aggressive event on
// Side for Quantity; a non-zero Price limits how far it walks the book.
type OrderEvent struct {
	Kind     EventKind
	Order    *Order
	OrderID  string
	AgentID  string
	Side     Side
	Price    Price
	Quantity int64
}

// NewLimit builds a New event.
func NewLimit(order *Order) OrderEvent {
	return OrderEvent{Kind: EventNew, Order: order, AgentID: order.AgentID, Side: order.Side, Price: order.Price, Quantity: order.Quantity}
}

// CancelOrder builds a Cancel event.
func CancelOrder(agentID, orderID string) OrderEvent {
	return OrderEvent{Kind: EventCancel, AgentID: agentID, OrderID: orderID}
}

// Aggress builds an aggressive Trade event. A zero limit walks the whole side.
func Aggress(agentID string, side Side, limit Price, qty int64) OrderEvent {
	return OrderEvent{Kind: EventTrade, AgentID: agentID, Side: side, Price: limit, Quantity: qty}
}

// MessageKind tags an ExecutionMessage.
type MessageKind string

const (
	MessageNew    MessageKind = "new"
	MessageCancel MessageKind = "cancel"
	MessageTrade  MessageKind = "trade"
)

// ExecutionMessage reports the outcome of an order event.
//
// New carries a copy of the accepted Order. Cancel carries the OrderID and
// AgentID of the removed order. Trade reports one fill against one resting
// order: AgentID owns the resting order, AggressorID sent the aggressive side.
type ExecutionMessage struct {
	Kind          MessageKind `json:"kind"`
	Order         *Order      `json:"order,omitempty"`
	OrderID       string      `json:"order_id,omitempty"`
	AgentID       string      `json:"agent_id,omitempty"`
	AggressorID   string      `json:"aggressor_id,omitempty"`
	AggressorSide Side        `json:"aggressor_side,omitempty"`
	Price         Price       `json:"price,omitempty"`
	Quantity      int64       `json:"quantity,omitempty"`
	Status        OrderStatus `json:"status,omitempty"`
}

// Involves reports whether agentID is a party to the message.
func (m *ExecutionMessage) Involves(agentID string) bool {
	return m.AgentID == agentID || m.AggressorID == agentID
}

// L2OrderBook is an aggregated snapshot of the top levels.
type L2OrderBook struct {
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

// PriceLevel is an aggregated price level in the L2 snapshot.
type PriceLevel struct {
	Price    Price `json:"price"`
	Quantity int64 `json:"quantity"`
	Orders   int   `json:"orders"`
}

// Quote is the touch on one side. Ok is false when the side is empty.
type Quote struct {
	Price    Price
	Quantity int64
	Ok       bool
}

// Top is the best bid and offer.
type Top struct {
	Bid Quote
	Ask Quote
}

// Mid returns the mid price, or false when either side is empty.
func (t Top) Mid() (decimal.Decimal, bool) {
	if !t.Bid.Ok || !t.Ask.Ok {
		return decimal.Zero, false
	}
	return t.Bid.Price.Decimal().Add(t.Ask.Price.Decimal()).Div(decimal.NewFromInt(2)), true
}
