// Package translator turns high-level agent actions into order events.
package translator

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/nathanyu/qtrader/internal/domain"
)

// Config holds the order sizing and risk limits applied to every action.
type Config struct {
	LotSize     int64
	TickOffset  domain.Price // ticks inside the touch for posted quotes
	MaxPosition int64
}

// AgentView is the part of the agent's bookkeeping the translator reads.
type AgentView struct {
	AgentID  string
	Position int64
	Bids     []string // resting bid order ids
	Asks     []string // resting ask order ids
}

// Touch is the top of the book as the agent sees it. All includes the
// agent's own resting quotes; Market excludes them.
type Touch struct {
	All    domain.Top
	Market domain.Top
}

// Translator converts an action plus the current touch into order events.
// It has no state of its own; NewID only mints order ids.
type Translator struct {
	cfg   Config
	NewID func() string
}

// New creates a translator that mints uuid order ids.
func New(cfg Config) *Translator {
	return &Translator{cfg: cfg, NewID: uuid.NewString}
}

// Config returns the translator's configuration.
func (t *Translator) Config() Config {
	return t.cfg
}

// Translate returns the events that carry out action. An action that could
// push |position| past MaxPosition returns domain.ErrActionRejected and no
// events.
//
// Quotes are priced off the market touch, so requoting never steps off the
// agent's own order. Buy and Sell are limited to the opposing market touch.
func (t *Translator) Translate(action domain.Action, touch Touch, view AgentView) ([]domain.OrderEvent, error) {
	lot := t.cfg.LotSize

	switch action {
	case domain.ActionNone:
		events := cancels(view.AgentID, view.Bids)
		return append(events, cancels(view.AgentID, view.Asks)...), nil

	case domain.ActionPostBestBid:
		if err := t.checkBound(action, view.Position+lot); err != nil {
			return nil, err
		}
		events, _ := t.requote(view.AgentID, domain.SideBid, touch.Market.Bid, touch.All.Ask, view.Bids)
		return events, nil

	case domain.ActionPostBestOffer:
		if err := t.checkBound(action, view.Position-lot); err != nil {
			return nil, err
		}
		events, _ := t.requote(view.AgentID, domain.SideAsk, touch.Market.Ask, touch.All.Bid, view.Asks)
		return events, nil

	case domain.ActionPostBoth:
		if err := t.checkBound(action, view.Position+lot); err != nil {
			return nil, err
		}
		if err := t.checkBound(action, view.Position-lot); err != nil {
			return nil, err
		}
		events, bid := t.requote(view.AgentID, domain.SideBid, touch.Market.Bid, touch.Market.Ask, view.Bids)
		// the new offer must not cross the bid posted just before it
		floor := touch.Market.Bid
		if bid.Ok && (!floor.Ok || bid.Price > floor.Price) {
			floor = bid
		}
		asks, _ := t.requote(view.AgentID, domain.SideAsk, touch.Market.Ask, floor, view.Asks)
		return append(events, asks...), nil

	case domain.ActionBuy:
		if err := t.checkBound(action, view.Position+lot); err != nil {
			return nil, err
		}
		// pull our own offers so the market order cannot trade with itself
		events := cancels(view.AgentID, view.Asks)
		if !touch.Market.Ask.Ok {
			return events, nil
		}
		return append(events, domain.Aggress(view.AgentID, domain.SideBid, touch.Market.Ask.Price, lot)), nil

	case domain.ActionSell:
		if err := t.checkBound(action, view.Position-lot); err != nil {
			return nil, err
		}
		events := cancels(view.AgentID, view.Bids)
		if !touch.Market.Bid.Ok {
			return events, nil
		}
		return append(events, domain.Aggress(view.AgentID, domain.SideAsk, touch.Market.Bid.Price, lot)), nil

	default:
		return nil, fmt.Errorf("translate %s: %w", action, domain.ErrActionRejected)
	}
}

func (t *Translator) checkBound(action domain.Action, position int64) error {
	if position > t.cfg.MaxPosition || position < -t.cfg.MaxPosition {
		return fmt.Errorf("%s would reach position %d (max %d): %w", action, position, t.cfg.MaxPosition, domain.ErrActionRejected)
	}
	return nil
}

// requote cancels the agent's resting orders on side and posts a new lot
// one offset inside ref, the best market quote on that side. The quote never
// reaches bound, the nearest opposing price: when the spread is too narrow it
// joins ref instead. Nothing is posted when ref is empty. The posted quote is
// returned alongside the events.
func (t *Translator) requote(agentID string, side domain.Side, ref, bound domain.Quote, resting []string) ([]domain.OrderEvent, domain.Quote) {
	events := cancels(agentID, resting)

	price, ok := t.quotePrice(side, ref, bound)
	if !ok {
		return events, domain.Quote{}
	}
	order := &domain.Order{
		OrderID:  t.NewID(),
		AgentID:  agentID,
		Side:     side,
		Price:    price,
		Quantity: t.cfg.LotSize,
	}
	return append(events, domain.NewLimit(order)), domain.Quote{Price: price, Quantity: order.Quantity, Ok: true}
}

func (t *Translator) quotePrice(side domain.Side, ref, bound domain.Quote) (domain.Price, bool) {
	if !ref.Ok {
		return 0, false
	}
	if side == domain.SideBid {
		price := ref.Price + t.cfg.TickOffset
		if bound.Ok && price >= bound.Price {
			price = ref.Price
		}
		return price, true
	}
	price := ref.Price - t.cfg.TickOffset
	if bound.Ok && price <= bound.Price {
		price = ref.Price
	}
	return price, true
}

func cancels(agentID string, ids []string) []domain.OrderEvent {
	events := make([]domain.OrderEvent, 0, len(ids))
	for _, id := range ids {
		events = append(events, domain.CancelOrder(agentID, id))
	}
	return events
}
