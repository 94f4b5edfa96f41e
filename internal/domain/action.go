package domain

import (
	"fmt"
	"strings"
)

// Action is a high-level agent decision.
type Action uint8

const (
	ActionNone Action = iota
	ActionPostBestBid
	ActionPostBestOffer
	ActionPostBoth
	ActionBuy
	ActionSell
)

// AllActions lists every action in canonical column order.
var AllActions = []Action{ActionNone, ActionPostBestBid, ActionPostBestOffer, ActionPostBoth, ActionBuy, ActionSell}

var actionNames = [...]string{
	ActionNone:          "None",
	ActionPostBestBid:   "BEST_BID",
	ActionPostBestOffer: "BEST_OFFER",
	ActionPostBoth:      "BEST_BOTH",
	ActionBuy:           "BUY",
	ActionSell:          "SELL",
}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf("Action(%d)", a)
}

// IsStop reports whether a is an aggressive stop-loss action.
func (a Action) IsStop() bool {
	return a == ActionBuy || a == ActionSell
}

// ParseAction maps a persisted column name to an Action. The empty name and
// the pandas placeholder "Unnamed: 1" both mean no action.
func ParseAction(name string) (Action, error) {
	name = strings.TrimSpace(name)
	switch name {
	case "", "None", "Unnamed: 1":
		return ActionNone, nil
	}
	for a, n := range actionNames {
		if strings.EqualFold(n, name) {
			return Action(a), nil
		}
	}
	return ActionNone, fmt.Errorf("unknown action %q: %w", name, ErrInvalidConfiguration)
}

// ContainsAction reports whether a is in actions.
func ContainsAction(actions []Action, a Action) bool {
	for _, v := range actions {
		if v == a {
			return true
		}
	}
	return false
}
