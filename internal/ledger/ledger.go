// Package ledger keeps one agent's position, P&L and resting orders, and
// derives the set of actions the agent may take from them.
package ledger

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/nathanyu/qtrader/internal/domain"
)

// drawdownTolerance absorbs rounding when comparing a drawdown to the stop.
var drawdownTolerance = decimal.New(1, -6)

var (
	actionsToOpen           = []domain.Action{domain.ActionNone, domain.ActionPostBestBid, domain.ActionPostBestOffer, domain.ActionPostBoth}
	actionsToCloseWhenShort = []domain.Action{domain.ActionNone, domain.ActionPostBestBid}
	actionsToCloseWhenLong  = []domain.Action{domain.ActionNone, domain.ActionPostBestOffer}
	actionsToStopWhenShort  = []domain.Action{domain.ActionNone, domain.ActionPostBestBid, domain.ActionBuy}
	actionsToStopWhenLong   = []domain.Action{domain.ActionNone, domain.ActionPostBestOffer, domain.ActionSell}
)

// Fill is one trade applied to the agent.
type Fill struct {
	Side     domain.Side
	Price    domain.Price
	Quantity int64
	Passive  bool // the agent's resting order was hit
	OrderID  string
}

// Snapshot is the authoritative view of the agent read by the decision path.
type Snapshot struct {
	Position   int64           `json:"position"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	Realized   decimal.Decimal `json:"realized_pnl"`
	Unrealized decimal.Decimal `json:"unrealized_pnl"`
	PnL        decimal.Decimal `json:"pnl"`
	Drawdown   decimal.Decimal `json:"drawdown"`
	BestBid    domain.Price    `json:"best_bid"`
	BestOffer  domain.Price    `json:"best_offer"`
	Resting    int             `json:"resting_orders"`
	Trades     int             `json:"trades"`
}

// Ledger is mutated only by Apply. It is owned by a single session.
type Ledger struct {
	agentID string

	position   int64
	avgPrice   decimal.Decimal
	realized   decimal.Decimal
	unrealized decimal.Decimal
	resting    map[string]domain.Side
	trades     int

	// P&L peak while a position is held; cleared whenever flat
	peak     decimal.Decimal
	hasPeak  bool
	drawdown decimal.Decimal
}

// New creates an empty ledger for agentID.
func New(agentID string) *Ledger {
	return &Ledger{agentID: agentID, resting: make(map[string]domain.Side)}
}

// AgentID returns the agent the ledger belongs to.
func (l *Ledger) AgentID() string { return l.agentID }

// Position returns the signed net position.
func (l *Ledger) Position() int64 { return l.position }

// AvgPrice returns the average entry price of the open position.
func (l *Ledger) AvgPrice() decimal.Decimal { return l.avgPrice }

// Realized returns P&L locked in by position-reducing fills.
func (l *Ledger) Realized() decimal.Decimal { return l.realized }

// Unrealized returns the P&L of the open position as of the last Mark.
func (l *Ledger) Unrealized() decimal.Decimal { return l.unrealized }

// TotalPnL returns realized plus unrealized P&L as of the last Mark.
func (l *Ledger) TotalPnL() decimal.Decimal { return l.realized.Add(l.unrealized) }

// Drawdown returns the decline from the last P&L peak, zero or negative.
func (l *Ledger) Drawdown() decimal.Decimal { return l.drawdown }

// Trades returns the number of fills applied.
func (l *Ledger) Trades() int { return l.trades }

// Resting returns the agent's resting order ids on side in a stable order.
func (l *Ledger) Resting(side domain.Side) []string {
	var ids []string
	for id, s := range l.resting {
		if s == side {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// RestingCount returns the number of resting orders on both sides.
func (l *Ledger) RestingCount() int { return len(l.resting) }

// Apply updates the ledger from an execution message. Messages that do not
// involve the agent are ignored. The returned fills are the trades that
// changed the position.
func (l *Ledger) Apply(msg domain.ExecutionMessage) []Fill {
	switch msg.Kind {
	case domain.MessageNew:
		if msg.Order != nil && msg.Order.AgentID == l.agentID {
			l.resting[msg.Order.OrderID] = msg.Order.Side
		}
	case domain.MessageCancel:
		if msg.AgentID == l.agentID {
			delete(l.resting, msg.OrderID)
		}
	case domain.MessageTrade:
		var fills []Fill
		if msg.AgentID == l.agentID {
			if msg.Status == domain.OrderStatusFilled {
				delete(l.resting, msg.OrderID)
			}
			fills = append(fills, Fill{
				Side: msg.AggressorSide.Opposite(), Price: msg.Price, Quantity: msg.Quantity,
				Passive: true, OrderID: msg.OrderID,
			})
		}
		if msg.AggressorID == l.agentID {
			fills = append(fills, Fill{Side: msg.AggressorSide, Price: msg.Price, Quantity: msg.Quantity})
		}
		for _, f := range fills {
			l.fill(f.Side, f.Price, f.Quantity)
		}
		return fills
	}
	return nil
}

// fill books a trade: position-increasing fills move the average price and
// position-reducing fills realize (price - avg) on the closed quantity.
func (l *Ledger) fill(side domain.Side, price domain.Price, qty int64) {
	l.trades++
	px := price.Decimal()
	signed := side.Sign() * qty

	if l.position == 0 || (l.position > 0) == (signed > 0) {
		held := decimal.NewFromInt(abs(l.position))
		total := held.Add(decimal.NewFromInt(qty))
		l.avgPrice = l.avgPrice.Mul(held).Add(px.Mul(decimal.NewFromInt(qty))).Div(total)
		l.position += signed
		return
	}

	closing := min(qty, abs(l.position))
	direction := decimal.NewFromInt(sign(l.position))
	l.realized = l.realized.Add(px.Sub(l.avgPrice).Mul(decimal.NewFromInt(closing)).Mul(direction))
	l.position += signed

	switch {
	case l.position == 0:
		l.avgPrice = decimal.Zero
	case qty > closing:
		// flipped through flat; the remainder opens at the fill price
		l.avgPrice = px
	}
}

// Mark revalues the open position at the mid of top and returns the total
// P&L. When either side is empty the previous mark is kept.
func (l *Ledger) Mark(top domain.Top) decimal.Decimal {
	if l.position == 0 {
		l.unrealized = decimal.Zero
	} else if mid, ok := top.Mid(); ok {
		l.unrealized = mid.Sub(l.avgPrice).Mul(decimal.NewFromInt(l.position))
	}
	return l.TotalPnL()
}

// TrackDrawdown updates the P&L peak after an agent update. The peak is only
// tracked while a position is held.
func (l *Ledger) TrackDrawdown() decimal.Decimal {
	if l.position == 0 {
		l.hasPeak = false
		l.peak = decimal.Zero
		l.drawdown = decimal.Zero
		return l.drawdown
	}
	pnl := l.TotalPnL()
	if !l.hasPeak || pnl.GreaterThan(l.peak) {
		l.peak = pnl
		l.hasPeak = true
	}
	l.drawdown = pnl.Sub(l.peak)
	return l.drawdown
}

// ValidActions returns the actions allowed at the current position. At the
// position limit only the closing quote is allowed, plus the aggressive stop
// once the drawdown reaches stopLoss.
func (l *Ledger) ValidActions(maxPosition int64, stopLoss decimal.Decimal) []domain.Action {
	stopped := l.drawdown.Abs().GreaterThanOrEqual(stopLoss.Sub(drawdownTolerance))

	var actions []domain.Action
	switch {
	case l.position <= -maxPosition:
		actions = actionsToCloseWhenShort
		if stopped {
			actions = actionsToStopWhenShort
		}
	case l.position >= maxPosition:
		actions = actionsToCloseWhenLong
		if stopped {
			actions = actionsToStopWhenLong
		}
	default:
		actions = actionsToOpen
	}
	return append([]domain.Action(nil), actions...)
}

// Snapshot returns the agent state with the current touch.
func (l *Ledger) Snapshot(top domain.Top) Snapshot {
	return Snapshot{
		Position:   l.position,
		AvgPrice:   l.avgPrice,
		Realized:   l.realized,
		Unrealized: l.unrealized,
		PnL:        l.TotalPnL(),
		Drawdown:   l.drawdown,
		BestBid:    top.Bid.Price,
		BestOffer:  top.Ask.Price,
		Resting:    len(l.resting),
		Trades:     l.trades,
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v int64) int64 {
	if v < 0 {
		return -1
	}
	return 1
}
