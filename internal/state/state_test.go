package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/qtrader/internal/domain"
)

func TestKey_String(t *testing.T) {
	k := Key{Cluster: 3, Position: -100, BestBid: 1010, BestOffer: 1012}
	assert.Equal(t, "cluster=3|position=-100|best_bid=10.10|best_offer=10.12", k.String())
}

func TestParseKey_RoundTrip(t *testing.T) {
	k := Key{Cluster: 7, Position: 100, BestBid: 999, BestOffer: 1001}

	parsed, err := ParseKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)
}

func TestParseKey_Invalid(t *testing.T) {
	for _, s := range []string{
		"",
		"cluster=1|position=0|best_bid=10.00",
		"position=0|cluster=1|best_bid=10.00|best_offer=10.01",
		"cluster=x|position=0|best_bid=10.00|best_offer=10.01",
		"cluster=1|position=0|best_bid=abc|best_offer=10.01",
	} {
		_, err := ParseKey(s)
		assert.ErrorIs(t, err, domain.ErrInvalidConfiguration, s)
	}
}

func TestCentroidScaler_Nearest(t *testing.T) {
	s, err := NewCentroidScaler(nil, nil, [][]float64{
		{0, 0, 0, 0},
		{10, 0, 0, 0},
		{-10, 0, 0, 0},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, s.Transform(Features{OFI: 1}))
	assert.Equal(t, 1, s.Transform(Features{OFI: 7}))
	assert.Equal(t, 2, s.Transform(Features{OFI: -6}))
	assert.Equal(t, 0, s.Transform(Features{OFI: 5}), "ties go to the lower index")
}

func TestCentroidScaler_Standardizes(t *testing.T) {
	s, err := NewCentroidScaler(
		[]float64{0, 1000, 1, 0},
		[]float64{1, 500, 1, 1},
		[][]float64{{0, -1, 0, 0}, {0, 1, 0, 0}},
	)
	require.NoError(t, err)

	assert.Equal(t, 0, s.Transform(Features{QBid: 400, BookRatio: 1}))
	assert.Equal(t, 1, s.Transform(Features{QBid: 1600, BookRatio: 1}))
}

func TestCentroidScaler_Invalid(t *testing.T) {
	_, err := NewCentroidScaler(nil, nil, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)

	_, err = NewCentroidScaler([]float64{0, 0, 0, 0}, []float64{1, 0, 1, 1}, [][]float64{{0, 0, 0, 0}})
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)

	_, err = NewCentroidScaler(nil, nil, [][]float64{{0, 0}})
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

type fixedScaler int

func (f fixedScaler) Transform(Features) int { return int(f) }

func TestEncoder_Encode(t *testing.T) {
	e := NewEncoder(fixedScaler(4))

	k := e.Encode(domain.MarketFeatures{BestBid: 1000, BestOffer: 1002, BidQuantity: 300, AskQuantity: 0}, -100)
	assert.Equal(t, Key{Cluster: 4, Position: -100, BestBid: 1000, BestOffer: 1002}, k)
}

func TestFeaturesOf_BookRatio(t *testing.T) {
	f := FeaturesOf(domain.MarketFeatures{BidQuantity: 300, AskQuantity: 600, OrderFlowImbalance: -2, LogReturn: 0.001})
	assert.InDelta(t, 0.5, f.BookRatio, 1e-12)
	assert.Equal(t, 300.0, f.QBid)
	assert.Equal(t, -2.0, f.OFI)

	f = FeaturesOf(domain.MarketFeatures{BidQuantity: 300})
	assert.Equal(t, 300.0, f.BookRatio)
}
