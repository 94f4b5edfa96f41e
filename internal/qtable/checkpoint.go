package qtable

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cockroachdb/pebble"

	"github.com/nathanyu/qtrader/internal/domain"
	"github.com/nathanyu/qtrader/internal/policy"
	"github.com/nathanyu/qtrader/internal/state"
)

// key layout:
//
//	q/<state>/<action> -> float64 bits
//	n/<state>/<action> -> uint64 visit count
//	meta/episode       -> uint64 last completed episode
const (
	valuePrefix = "q/"
	visitPrefix = "n/"
	episodeKey  = "meta/episode"
)

// ErrNoCheckpoint is returned by Restore when nothing has been saved yet.
var ErrNoCheckpoint = errors.New("no checkpoint")

// Checkpoint stores a value table and its visit counts in a pebble database
// so an interrupted training run can resume.
type Checkpoint struct {
	db *pebble.DB
}

// OpenCheckpoint opens or creates the checkpoint database in dir.
func OpenCheckpoint(dir string) (*Checkpoint, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint %s: %w", dir, err)
	}
	return &Checkpoint{db: db}, nil
}

// Close closes the database.
func (c *Checkpoint) Close() error {
	return c.db.Close()
}

// Save writes every recorded cell of t and the episode number in one
// synced batch.
func (c *Checkpoint) Save(t *policy.ValueTable, episode int) error {
	b := c.db.NewBatch()
	defer b.Close()

	for _, k := range t.States() {
		visits := t.VisitRow(k)
		for a, v := range t.Row(k) {
			if err := b.Set(cellKey(valuePrefix, k, a), encodeFloat(v), nil); err != nil {
				return fmt.Errorf("checkpoint value: %w", err)
			}
		}
		for a, n := range visits {
			if err := b.Set(cellKey(visitPrefix, k, a), encodeUint(uint64(n)), nil); err != nil {
				return fmt.Errorf("checkpoint visits: %w", err)
			}
		}
	}
	if err := b.Set([]byte(episodeKey), encodeUint(uint64(episode)), nil); err != nil {
		return fmt.Errorf("checkpoint episode: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// Restore rebuilds the saved table and returns it with the last completed
// episode. It returns ErrNoCheckpoint for an empty database.
func (c *Checkpoint) Restore() (*policy.ValueTable, int, error) {
	val, closer, err := c.db.Get([]byte(episodeKey))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, 0, ErrNoCheckpoint
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read checkpoint episode: %w", err)
	}
	episode, err := decodeUint(val)
	closer.Close()
	if err != nil {
		return nil, 0, err
	}

	t := policy.NewValueTable()
	err = c.scan(valuePrefix, func(k state.Key, a domain.Action, raw []byte) error {
		bits, err := decodeUint(raw)
		if err != nil {
			return err
		}
		t.Set(k, a, math.Float64frombits(bits))
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	err = c.scan(visitPrefix, func(k state.Key, a domain.Action, raw []byte) error {
		n, err := decodeUint(raw)
		if err != nil {
			return err
		}
		t.SetVisits(k, a, int(n))
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return t, int(episode), nil
}

func (c *Checkpoint) scan(prefix string, fn func(state.Key, domain.Action, []byte) error) error {
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix[:len(prefix)-1] + "0"), // '0' sorts right after '/'
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		k, a, err := parseCellKey(prefix, iter.Key())
		if err != nil {
			return err
		}
		if err := fn(k, a, iter.Value()); err != nil {
			return fmt.Errorf("checkpoint cell %s: %w", iter.Key(), err)
		}
	}
	return iter.Error()
}

func cellKey(prefix string, k state.Key, a domain.Action) []byte {
	return []byte(prefix + k.String() + "/" + a.String())
}

func parseCellKey(prefix string, key []byte) (state.Key, domain.Action, error) {
	rest := bytes.TrimPrefix(key, []byte(prefix))
	i := bytes.LastIndexByte(rest, '/')
	if i < 0 {
		return state.Key{}, 0, fmt.Errorf("checkpoint key %q: %w", key, domain.ErrInvalidConfiguration)
	}
	k, err := state.ParseKey(string(rest[:i]))
	if err != nil {
		return state.Key{}, 0, err
	}
	a, err := domain.ParseAction(string(rest[i+1:]))
	if err != nil {
		return state.Key{}, 0, err
	}
	return k, a, nil
}

func encodeFloat(v float64) []byte {
	return encodeUint(math.Float64bits(v))
}

func encodeUint(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("invalid checkpoint value length %d: %w", len(b), domain.ErrInvalidConfiguration)
	}
	return binary.BigEndian.Uint64(b), nil
}
