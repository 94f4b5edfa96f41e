package sequencer

import (
	"testing"

	"github.com/nathanyu/qtrader/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestSequencer_StampsSequenceIDs(t *testing.T) {
	seq := New()

	var stamped []uint64
	for range 3 {
		order := &domain.Order{OrderID: "o", Side: domain.SideAsk, Price: 1010, Quantity: 100}
		seq.Stamp(order)
		stamped = append(stamped, order.Sequence)
	}

	assert.Equal(t, []uint64{1, 2, 3}, stamped)
	assert.Equal(t, uint64(3), seq.CurrentInboundSeq())
}

func TestSequencer_OutboundIndependent(t *testing.T) {
	seq := New()

	seq.Stamp(&domain.Order{})
	assert.Equal(t, uint64(1), seq.NextOutbound())
	assert.Equal(t, uint64(2), seq.NextOutbound())
	assert.Equal(t, uint64(1), seq.CurrentInboundSeq())
	assert.Equal(t, uint64(2), seq.CurrentOutboundSeq())
}
