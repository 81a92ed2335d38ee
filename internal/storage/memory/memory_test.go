package memory_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/jigsaw/internal/game/result"
	"github.com/cory-johannsen/jigsaw/internal/storage/memory"
)

func TestResultsStore_RoundTrip(t *testing.T) {
	s := memory.NewResultsStore()
	ctx := context.Background()
	e := result.Entry{Username: "Name", Score: 1, Duration: "00:01:00", FinishedAt: time.Now()}

	id, err := s.AddRecord(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	got, err := s.Record(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, e, got)

	_, err = s.Record(ctx, 99)
	assert.ErrorIs(t, err, memory.ErrRecordNotFound)
}

func TestResultsStore_TopRecordsLimitAndOrder(t *testing.T) {
	s := memory.NewResultsStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 12; i++ {
		_, err := s.AddRecord(ctx, result.Entry{
			Username:   fmt.Sprintf("p%d", i),
			Score:      i,
			Duration:   "00:00:30",
			FinishedAt: base,
		})
		require.NoError(t, err)
	}

	top, err := s.TopRecords(ctx)
	require.NoError(t, err)
	require.Len(t, top, result.TopLimit)
	assert.Equal(t, 11, top[0].Score)
	assert.Equal(t, 2, top[9].Score)
}

func TestResultsStore_Closed(t *testing.T) {
	s := memory.NewResultsStore()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.AddRecord(context.Background(), result.Entry{Username: "x"})
	assert.ErrorIs(t, err, memory.ErrClosed)
	_, err = s.TopRecords(context.Background())
	assert.ErrorIs(t, err, memory.ErrClosed)
}

// Property: ids are unique and every record reads back unchanged.
func TestPropertyRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := memory.NewResultsStore()
		ctx := context.Background()
		n := rapid.IntRange(1, 20).Draw(rt, "n")
		ids := make(map[int64]result.Entry, n)
		for i := 0; i < n; i++ {
			e := result.Entry{
				Username:   rapid.StringMatching(`[A-Za-z]{1,12}`).Draw(rt, "username"),
				Score:      rapid.IntRange(0, 81).Draw(rt, "score"),
				Duration:   rapid.StringMatching(`0[0-9]:[0-5][0-9]:[0-5][0-9]`).Draw(rt, "duration"),
				FinishedAt: time.Unix(rapid.Int64Range(0, 1<<34).Draw(rt, "ts"), 0).UTC(),
			}
			id, err := s.AddRecord(ctx, e)
			if err != nil {
				rt.Fatalf("AddRecord: %v", err)
			}
			if _, dup := ids[id]; dup {
				rt.Fatalf("duplicate id %d", id)
			}
			ids[id] = e
		}
		for id, want := range ids {
			got, err := s.Record(ctx, id)
			if err != nil {
				rt.Fatalf("Record(%d): %v", id, err)
			}
			assert.Equal(rt, want, got)
		}
	})
}
