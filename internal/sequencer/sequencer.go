package sequencer

import (
	"sync/atomic"

	"github.com/nathanyu/qtrader/internal/domain"
)

// Sequencer stamps monotonically increasing sequence IDs on orders entering
// the book and on outbound execution messages. Sequence IDs, not wall-clock
// time, establish time priority among orders resting at the same price.
//
// A session is single-writer; the counters are atomic only so the monitor can
// read them while a session runs.
type Sequencer struct {
	inboundSeq  atomic.Uint64
	outboundSeq atomic.Uint64
}

// New creates a sequencer starting at zero.
func New() *Sequencer {
	return &Sequencer{}
}

// Stamp assigns the next inbound sequence ID to order.
func (s *Sequencer) Stamp(order *domain.Order) uint64 {
	seq := s.inboundSeq.Add(1)
	order.Sequence = seq
	return seq
}

// NextOutbound returns the next outbound message sequence ID.
func (s *Sequencer) NextOutbound() uint64 {
	return s.outboundSeq.Add(1)
}

// CurrentInboundSeq returns the current inbound sequence number.
func (s *Sequencer) CurrentInboundSeq() uint64 {
	return s.inboundSeq.Load()
}

// CurrentOutboundSeq returns the current outbound sequence number.
func (s *Sequencer) CurrentOutboundSeq() uint64 {
	return s.outboundSeq.Load()
}
