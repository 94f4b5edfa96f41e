package state

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nathanyu/qtrader/internal/domain"
)

// Key is the discretized state the value table is indexed by. Two keys are
// equal exactly when their String forms are equal.
type Key struct {
	Cluster   int
	Position  int64
	BestBid   domain.Price
	BestOffer domain.Price
}

// String renders the canonical form
// cluster=<int>|position=<int>|best_bid=<price>|best_offer=<price>.
func (k Key) String() string {
	return fmt.Sprintf("cluster=%d|position=%d|best_bid=%s|best_offer=%s",
		k.Cluster, k.Position, k.BestBid, k.BestOffer)
}

var keyFields = [...]string{"cluster", "position", "best_bid", "best_offer"}

// ParseKey parses the canonical form produced by Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(strings.TrimSpace(s), "|")
	if len(parts) != len(keyFields) {
		return Key{}, fmt.Errorf("state key %q: want %d fields: %w", s, len(keyFields), domain.ErrInvalidConfiguration)
	}

	values := make([]string, len(parts))
	for i, part := range parts {
		name, value, ok := strings.Cut(part, "=")
		if !ok || name != keyFields[i] {
			return Key{}, fmt.Errorf("state key %q: field %d is not %s: %w", s, i, keyFields[i], domain.ErrInvalidConfiguration)
		}
		values[i] = value
	}

	var (
		k   Key
		err error
	)
	if k.Cluster, err = strconv.Atoi(values[0]); err != nil {
		return Key{}, fmt.Errorf("state key %q: cluster: %w", s, domain.ErrInvalidConfiguration)
	}
	if k.Position, err = strconv.ParseInt(values[1], 10, 64); err != nil {
		return Key{}, fmt.Errorf("state key %q: position: %w", s, domain.ErrInvalidConfiguration)
	}
	if k.BestBid, err = domain.ParsePrice(values[2]); err != nil {
		return Key{}, fmt.Errorf("state key %q: best_bid: %w", s, domain.ErrInvalidConfiguration)
	}
	if k.BestOffer, err = domain.ParsePrice(values[3]); err != nil {
		return Key{}, fmt.Errorf("state key %q: best_offer: %w", s, domain.ErrInvalidConfiguration)
	}
	return k, nil
}
