// Package state discretizes market features and agent position into the
// keys the value table is indexed by.
package state

import "github.com/nathanyu/qtrader/internal/domain"

// Encoder builds state keys from sensed features.
type Encoder struct {
	scaler Scaler
}

// NewEncoder creates an encoder around scaler.
func NewEncoder(scaler Scaler) *Encoder {
	return &Encoder{scaler: scaler}
}

// FeaturesOf extracts the scaler inputs. The book ratio is bid over ask
// quantity; an empty ask side counts as one share.
func FeaturesOf(m domain.MarketFeatures) Features {
	ask := float64(m.AskQuantity)
	if ask == 0 {
		ask = 1
	}
	return Features{
		OFI:       m.OrderFlowImbalance,
		QBid:      float64(m.BidQuantity),
		BookRatio: float64(m.BidQuantity) / ask,
		LogReturn: m.LogReturn,
	}
}

// Encode returns the state key for the features and the agent position.
func (e *Encoder) Encode(m domain.MarketFeatures, position int64) Key {
	return Key{
		Cluster:   e.scaler.Transform(FeaturesOf(m)),
		Position:  position,
		BestBid:   m.BestBid,
		BestOffer: m.BestOffer,
	}
}
