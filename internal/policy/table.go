package policy

import (
	"sort"
	"sync"

	"github.com/nathanyu/qtrader/internal/domain"
	"github.com/nathanyu/qtrader/internal/state"
)

// ValueTable maps (state, action) to a value and a visit count. Lookups of
// unset cells read as 0.0. It grows during training and never shrinks.
// The monitor API reads it while a session writes, hence the lock.
type ValueTable struct {
	mu     sync.RWMutex
	values map[state.Key]map[domain.Action]float64
	visits map[state.Key]map[domain.Action]int
}

// NewValueTable creates an empty table.
func NewValueTable() *ValueTable {
	return &ValueTable{
		values: make(map[state.Key]map[domain.Action]float64),
		visits: make(map[state.Key]map[domain.Action]int),
	}
}

// Get returns the value of (k, a), or 0.0 when unset.
func (t *ValueTable) Get(k state.Key, a domain.Action) float64 {
	v, _ := t.Lookup(k, a)
	return v
}

// Lookup returns the value of (k, a) and whether it has been recorded.
func (t *ValueTable) Lookup(k state.Key, a domain.Action) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.values[k][a]
	return v, ok
}

// Set records the value of (k, a).
func (t *ValueTable) Set(k state.Key, a domain.Action, v float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.values[k]
	if !ok {
		row = make(map[domain.Action]float64, len(domain.AllActions))
		t.values[k] = row
	}
	row[a] = v
}

// Max returns the largest recorded value in state k, or 0.0 when nothing is
// recorded. The result may be negative.
func (t *ValueTable) Max(k state.Key) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row := t.values[k]
	if len(row) == 0 {
		return 0
	}
	first := true
	var best float64
	for _, v := range row {
		if first || v > best {
			best, first = v, false
		}
	}
	return best
}

// Row returns a copy of the recorded values in state k.
func (t *ValueTable) Row(k state.Key) map[domain.Action]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row := make(map[domain.Action]float64, len(t.values[k]))
	for a, v := range t.values[k] {
		row[a] = v
	}
	return row
}

// Visits returns how many updates (k, a) has received.
func (t *ValueTable) Visits(k state.Key, a domain.Action) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.visits[k][a]
}

// SetVisits records the visit count of (k, a).
func (t *ValueTable) SetVisits(k state.Key, a domain.Action, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setVisitsLocked(k, a, n)
}

// Visit increments the visit count of (k, a) and returns the new count.
func (t *ValueTable) Visit(k state.Key, a domain.Action) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.visits[k][a] + 1
	t.setVisitsLocked(k, a, n)
	return n
}

func (t *ValueTable) setVisitsLocked(k state.Key, a domain.Action, n int) {
	row, ok := t.visits[k]
	if !ok {
		row = make(map[domain.Action]int, len(domain.AllActions))
		t.visits[k] = row
	}
	row[a] = n
}

// VisitRow returns a copy of the visit counts in state k.
func (t *ValueTable) VisitRow(k state.Key) map[domain.Action]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row := make(map[domain.Action]int, len(t.visits[k]))
	for a, n := range t.visits[k] {
		row[a] = n
	}
	return row
}

// States returns every state with a recorded value, sorted by canonical key.
func (t *ValueTable) States() []state.Key {
	t.mu.RLock()
	keys := make([]state.Key, 0, len(t.values))
	for k := range t.values {
		keys = append(keys, k)
	}
	t.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Len returns the number of states with a recorded value.
func (t *ValueTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.values)
}

// ClampStops records BUY and SELL in every state as at least 0.0, so a
// resumed policy never treats the stop actions as penalized.
func (t *ValueTable) ClampStops() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, row := range t.values {
		for _, a := range []domain.Action{domain.ActionBuy, domain.ActionSell} {
			if v, ok := row[a]; !ok || v < 0 {
				row[a] = 0
			}
		}
	}
}
