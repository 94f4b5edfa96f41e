package session

import (
	"sync"
	"time"

	"github.com/nathanyu/qtrader/internal/domain"
	"github.com/nathanyu/qtrader/internal/ledger"
)

// Status is a point-in-time view of a running session.
type Status struct {
	RunID         string          `json:"run_id"`
	Mode          string          `json:"mode"`
	Episode       int             `json:"episode"`
	Policy        string          `json:"policy"`
	Frozen        bool            `json:"frozen"`
	Rows          int             `json:"rows"`
	Decisions     int             `json:"decisions"`
	LastEventTime time.Time       `json:"last_event_time"`
	LastState     string          `json:"last_state,omitempty"`
	LastAction    string          `json:"last_action,omitempty"`
	LastReward    float64         `json:"last_reward"`
	Agent         ledger.Snapshot `json:"agent"`
	States        int             `json:"value_table_states"`
	InboundSeq    uint64          `json:"inbound_seq"`
	OutboundSeq   uint64          `json:"outbound_seq"`
}

// StatusBoard hands the latest session status and book snapshot to readers
// on other goroutines.
type StatusBoard struct {
	mu     sync.RWMutex
	status Status
	book   *domain.L2OrderBook
}

// NewStatusBoard creates an empty board.
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{book: &domain.L2OrderBook{}}
}

// Publish replaces the current status and book snapshot.
func (b *StatusBoard) Publish(s Status, book *domain.L2OrderBook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = s
	if book != nil {
		b.book = book
	}
}

// SetRun records the run identity shown with every status.
func (b *StatusBoard) SetRun(runID, mode string, episode int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status.RunID, b.status.Mode, b.status.Episode = runID, mode, episode
}

// Status returns the latest status.
func (b *StatusBoard) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// OrderBook returns the latest book snapshot truncated to depth levels per
// side. A depth of zero or less returns every level.
func (b *StatusBoard) OrderBook(depth int) *domain.L2OrderBook {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return &domain.L2OrderBook{
		Bids: truncate(b.book.Bids, depth),
		Asks: truncate(b.book.Asks, depth),
	}
}

func truncate(levels []domain.PriceLevel, depth int) []domain.PriceLevel {
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	return append([]domain.PriceLevel{}, levels...)
}
