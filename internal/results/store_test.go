package results

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func episode(run string, n int, frozen bool, param float64, pnl string) Episode {
	start := time.Date(2024, 3, 1, 9, 0, n, 0, time.UTC)
	return Episode{
		RunID:       run,
		Mode:        "optimize_k",
		Policy:      "SoftmaxQ",
		Param:       "k",
		ParamValue:  param,
		Episode:     n,
		Frozen:      frozen,
		Rows:        1000,
		Decisions:   120,
		Trades:      14,
		Position:    -100,
		PnL:         decimal.RequireFromString(pnl),
		TotalReward: 1.25,
		States:      40,
		StartedAt:   start,
		FinishedAt:  start.Add(3 * time.Second),
	}
}

func TestRecordAndList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	want := episode("run-a", 1, false, 0.3, "12.50")
	require.NoError(t, s.Record(ctx, want))
	require.NoError(t, s.Record(ctx, episode("run-a", 2, true, 0.3, "-3")))
	require.NoError(t, s.Record(ctx, episode("run-b", 1, true, 0.8, "1")))

	got, err := s.Episodes(ctx, "run-a")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, want.RunID, got[0].RunID)
	assert.Equal(t, want.Position, got[0].Position)
	assert.True(t, want.PnL.Equal(got[0].PnL))
	assert.False(t, got[0].Frozen)
	assert.True(t, got[1].Frozen)
	assert.True(t, want.StartedAt.Equal(got[0].StartedAt))
	assert.True(t, want.FinishedAt.Equal(got[0].FinishedAt))

	none, err := s.Episodes(ctx, "run-z")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCompareParams(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for _, e := range []Episode{
		episode("sweep", 1, false, 0.3, "100"), // training episodes are ignored
		episode("sweep", 2, true, 0.3, "2"),
		episode("sweep", 3, true, 0.3, "4"),
		episode("sweep", 4, true, 1.3, "10"),
		episode("sweep", 5, true, 2.0, "-5"),
	} {
		require.NoError(t, s.Record(ctx, e))
	}

	got, err := s.CompareParams(ctx, "sweep")
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, 1.3, got[0].ParamValue)
	assert.InDelta(t, 10.0, got[0].MeanPnL, 1e-9)
	assert.Equal(t, 0.3, got[1].ParamValue)
	assert.Equal(t, 2, got[1].Episodes)
	assert.InDelta(t, 3.0, got[1].MeanPnL, 1e-9)
	assert.Equal(t, 2.0, got[2].ParamValue)
	assert.Equal(t, "k", got[2].Param)
}
