package statedoc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	return Open(path, nil), path
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	store, path := newTestStore(t)

	created := time.Date(2025, 3, 19, 14, 30, 0, 0, time.UTC)
	store.Update(func(d *Document) {
		d.DayBuckets["ORB-15|2025-03-19"] = &CapacityBucket{Fills: 3, Open: 2}
		d.WeekBuckets["SWING-A|2025-03-17"] = &CapacityBucket{Fills: 1, Open: 1, Reserved: 1}
		d.DayBlocks["AAPL|ORB-15|2025-03-19"] = "gap entry failed"
		d.SignalFills["0xdeadbeef"] = true
		d.Candidates["c1"] = &ReentryCandidate{
			ID:        "c1",
			Symbol:    "AAPL",
			Strategy:  "SWING-A",
			Entry:     187.5,
			Stop:      182.0,
			Qty:       100,
			ExitDate:  "2025-03-21",
			Signal:    json.RawMessage(`{"symbol":"AAPL"}`),
			Blockers:  []int64{42},
			Status:    CandidateLinked,
			CreatedAt: created,
		}
		d.PrevCloses["AAPL"] = PrevClose{Price: 186.2, Date: "2025-03-18"}
		d.GapRunDate = "2025-03-19"
	})

	var before Document
	store.View(func(d *Document) { before = *d })

	reloaded := Open(path, nil)
	var after Document
	reloaded.View(func(d *Document) { after = *d })

	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("document changed across reload (-before +after):\n%s", diff)
	}
}

func TestMissingFileStartsEmpty(t *testing.T) {
	t.Parallel()

	store := Open(filepath.Join(t.TempDir(), "absent.json"), nil)
	store.View(func(d *Document) {
		require.Empty(t, d.DayBuckets)
		require.Empty(t, d.Candidates)
		require.NotNil(t, d.SignalFills)
	})
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	store := Open(path, nil)
	store.View(func(d *Document) {
		require.Empty(t, d.DayBuckets)
	})
}

func TestUpdateLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	store, path := newTestStore(t)
	for i := 0; i < 5; i++ {
		store.Update(func(d *Document) { d.GapRunDate = "2025-03-19" })
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, filepath.Base(path), entries[0].Name())
}

func TestCandidateBlockerIndex(t *testing.T) {
	t.Parallel()

	c := &ReentryCandidate{Blockers: []int64{7, 9}}
	require.Equal(t, 1, c.BlockerIndex(9))
	require.Equal(t, -1, c.BlockerIndex(8))
}
