package domain

import "time"

// RowType is the kind of a replayed market data row.
type RowType string

const (
	RowBid   RowType = "BID"
	RowAsk   RowType = "ASK"
	RowTrade RowType = "TRADE"
)

// MarketRow is one historical market data record.
type MarketRow struct {
	Timestamp  time.Time
	Instrument string
	Type       RowType
	Price      Price
	Size       int64
}

// MarketFeatures is the per-tick view of the market handed to the agent.
type MarketFeatures struct {
	BestBid            Price   `json:"best_bid"`
	BestOffer          Price   `json:"best_offer"`
	MidPrice           float64 `json:"mid_price"`
	OrderFlowImbalance float64 `json:"order_flow_imbalance"`
	TradedQuantity     int64   `json:"traded_quantity"`
	AggressorQuantity  int64   `json:"aggressor_quantity"`
	LogReturn          float64 `json:"log_return"`
	BidQuantity        int64   `json:"bid_quantity"`
	AskQuantity        int64   `json:"ask_quantity"`
}
