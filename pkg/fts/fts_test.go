package fts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/barthlab/kernel/pkg/store"
	"github.com/barthlab/kernel/pkg/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kernel.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIndex_SearchFindsIndexedMemory(t *testing.T) {
	s := newTestStore(t)
	idx, err := New(context.Background(), s.DB(), "")
	require.NoError(t, err)

	_, err = s.UpsertMemory(context.Background(), types.Memory{Kind: "note", Key: "k1", Value: "the quick brown fox jumps"})
	require.NoError(t, err)

	results, err := idx.Search(context.Background(), "fox", 10, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "k1", results[0].Memory.Key)
}

func TestIndex_TriggersSyncOnUpdateAndDelete(t *testing.T) {
	s := newTestStore(t)
	idx, err := New(context.Background(), s.DB(), "")
	require.NoError(t, err)
	ctx := context.Background()

	m, err := s.UpsertMemory(ctx, types.Memory{Kind: "note", Key: "k1", Value: "alpha content"})
	require.NoError(t, err)

	results, err := idx.Search(ctx, "alpha", 10, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)

	_, err = s.UpsertMemory(ctx, types.Memory{Kind: "note", Key: "k1", Value: "beta content"})
	require.NoError(t, err)

	results, err = idx.Search(ctx, "alpha", 10, 0)
	require.NoError(t, err)
	require.Empty(t, results, "old indexed text must not match after update")

	results, err = idx.Search(ctx, "beta", 10, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)

	require.NoError(t, s.DeleteMemory(ctx, m.ID))
	results, err = idx.Search(ctx, "beta", 10, 0)
	require.NoError(t, err)
	require.Empty(t, results, "deleted memory must not be searchable")
}

func TestIndex_RebuildRestoresDroppedEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertMemory(ctx, types.Memory{Kind: "note", Key: "k1", Value: "needs indexing"})
	require.NoError(t, err)

	idx, err := New(ctx, s.DB(), "")
	require.NoError(t, err)

	// Simulate drift: drop an entry from memory_fts without going through
	// memories, so Rebuild has a missing entry to restore.
	_, err = s.DB().ExecContext(ctx, `DELETE FROM memory_fts WHERE rowid = 1`)
	require.NoError(t, err)

	count, err := idx.Rebuild(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	results, err := idx.Search(ctx, "indexing", 10, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestIndex_ForceFallbackEnvVarUsesMatchinfoPath(t *testing.T) {
	s := newTestStore(t)
	idx, err := New(context.Background(), s.DB(), "")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.UpsertMemory(ctx, types.Memory{Kind: "note", Key: "k1", Value: "gamma delta"})
	require.NoError(t, err)

	require.NoError(t, os.Setenv("BARTHO_FORCE_BM25_FALLBACK", "1"))
	defer os.Unsetenv("BARTHO_FORCE_BM25_FALLBACK")

	results, err := idx.Search(ctx, "gamma", 10, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestIndex_ConsentGateFiltersBeforeTrimmingToLimit(t *testing.T) {
	s := newTestStore(t)
	idx, err := New(context.Background(), s.DB(), "")
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		key := "k" + string(rune('1'+i))
		_, err := s.UpsertMemory(ctx, types.Memory{Kind: "note", Key: key, Value: "shared term entry"})
		require.NoError(t, err)
	}

	var fetchedCount int
	idx.ConsentGate = func(ctx context.Context, results []Result) ([]Result, error) {
		fetchedCount = len(results)
		// Reject the first result indexed ("k1") to prove filtering runs
		// against the over-fetched set, not just the final page.
		out := make([]Result, 0, len(results))
		for _, r := range results {
			if r.Memory.Key != "k1" {
				out = append(out, r)
			}
		}
		return out, nil
	}

	results, err := idx.Search(ctx, "shared", 2, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.NotEqual(t, "k1", r.Memory.Key)
	}
	require.GreaterOrEqual(t, fetchedCount, 4, "gate must see the over-fetched (3x limit) result set")
}

func TestIndex_OptimizeDoesNotError(t *testing.T) {
	s := newTestStore(t)
	idx, err := New(context.Background(), s.DB(), "")
	require.NoError(t, err)
	require.NoError(t, idx.Optimize(context.Background()))
}

func TestIndex_SnippetHighlightsMatch(t *testing.T) {
	s := newTestStore(t)
	idx, err := New(context.Background(), s.DB(), "")
	require.NoError(t, err)
	ctx := context.Background()

	m, err := s.UpsertMemory(ctx, types.Memory{Kind: "note", Key: "k1", Value: "the lazy dog sleeps all day"})
	require.NoError(t, err)

	snip, err := idx.Snippet(ctx, m.ID, "value", 8)
	require.NoError(t, err)
	require.Contains(t, snip, "dog")
}
