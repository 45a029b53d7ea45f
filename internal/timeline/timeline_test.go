package timeline_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/progressdb/openmemory-core/internal/eventbus"
	"github.com/progressdb/openmemory-core/internal/graph"
	"github.com/progressdb/openmemory-core/internal/model"
	"github.com/progressdb/openmemory-core/internal/storage/pebblestore"
	"github.com/progressdb/openmemory-core/internal/timeline"
)

func newTimeline(t *testing.T) (*graph.Store, *timeline.Engine) {
	t.Helper()
	backend, err := pebblestore.Open(filepath.Join(t.TempDir(), "openmemory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	g := graph.New(backend, eventbus.New())
	return g, timeline.New(backend)
}

func Test_GetSubjectTimeline_OrdersEntriesByTimestamp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, tl := newTimeline(t)
	owner := model.OwnerOf("u1")

	_, err := g.InsertFact(ctx, owner, "John", "location", "NY", 1000, 0.8, nil)
	require.NoError(t, err)
	_, err = g.InsertFact(ctx, owner, "John", "location", "Paris", 5000, 0.9, nil)
	require.NoError(t, err)

	entries, err := tl.GetSubjectTimeline(ctx, owner, "John", nil)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, int64(1000), entries[0].Timestamp)
	assert.Equal(t, model.ChangeCreated, entries[0].ChangeType)
	assert.Equal(t, int64(4999), entries[1].Timestamp)
	assert.Equal(t, model.ChangeInvalidated, entries[1].ChangeType)
	assert.Equal(t, int64(5000), entries[2].Timestamp)
	assert.Equal(t, model.ChangeCreated, entries[2].ChangeType)
}

func Test_GetPredicateTimeline_RestrictsToPredicateAndRange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, tl := newTimeline(t)
	owner := model.OwnerOf("u1")

	_, err := g.InsertFact(ctx, owner, "John", "location", "NY", 1000, 0.8, nil)
	require.NoError(t, err)
	_, err = g.InsertFact(ctx, owner, "Jane", "job", "engineer", 1000, 0.8, nil)
	require.NoError(t, err)

	entries, err := tl.GetPredicateTimeline(ctx, owner, "location", nil, nil)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, "location", e.Predicate)
	}
}

func Test_GetChangesInWindow_ExcludesEventsOutsideWindowEvenIfIntervalOverlaps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, tl := newTimeline(t)
	owner := model.OwnerOf("u1")

	_, err := g.InsertFact(ctx, owner, "John", "location", "NY", 1000, 0.8, nil)
	require.NoError(t, err)
	_, err = g.InsertFact(ctx, owner, "John", "location", "Paris", 5000, 0.9, nil)
	require.NoError(t, err)

	// Window [2000, 3000] falls entirely inside NY's interval
	// [1000, 4999] but contains neither the created (1000) nor the
	// invalidated (4999) event, so it must come back empty.
	entries, err := tl.GetChangesInWindow(ctx, owner, 2000, 3000, nil)
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = tl.GetChangesInWindow(ctx, owner, 900, 1100, nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.ChangeCreated, entries[0].ChangeType)
}

// S6 — Two-point diff.
func Test_CompareTimePoints_ChangedBeforeAfterAcrossThreeVersions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, tl := newTimeline(t)
	owner := model.OwnerOf("u1")

	_, err := g.InsertFact(ctx, owner, "K", "power", "low", 1, 0.5, nil)
	require.NoError(t, err)
	_, err = g.InsertFact(ctx, owner, "K", "power", "high", 5, 0.5, nil)
	require.NoError(t, err)
	_, err = g.InsertFact(ctx, owner, "K", "power", "infinite", 10, 0.5, nil)
	require.NoError(t, err)

	diff, err := tl.CompareTimePoints(ctx, owner, "K", 1, 10)
	require.NoError(t, err)

	assert.Empty(t, diff.Added)
	assert.Empty(t, diff.Removed)
	assert.Empty(t, diff.Unchanged)
	require.Len(t, diff.Changed, 1)
	assert.Equal(t, "low", diff.Changed[0].Before.Object)
	assert.Equal(t, "infinite", diff.Changed[0].After.Object)
}

func Test_CompareTimePoints_AddedAcrossPredicates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, tl := newTimeline(t)
	owner := model.OwnerOf("u1")

	id, err := g.InsertFact(ctx, owner, "K", "onlyAtT1", "v1", 1, 0.5, nil)
	require.NoError(t, err)
	require.NoError(t, g.InvalidateFact(ctx, id, owner, 4))

	_, err = g.InsertFact(ctx, owner, "K", "onlyAtT2", "v2", 8, 0.5, nil)
	require.NoError(t, err)

	diff, err := tl.CompareTimePoints(ctx, owner, "K", 2, 9)
	require.NoError(t, err)

	var addedPreds []string
	for _, f := range diff.Added {
		addedPreds = append(addedPreds, f.Predicate)
	}
	assert.Contains(t, addedPreds, "onlyAtT2")
}

func Test_GetChangeFrequency_ComputesVersionCountAndRate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, tl := newTimeline(t)
	owner := model.OwnerOf("u1")

	_, err := g.InsertFact(ctx, owner, "K", "power", "low", 0, 0.5, nil)
	require.NoError(t, err)
	_, err = g.InsertFact(ctx, owner, "K", "power", "high", 86_400_000, 0.5, nil)
	require.NoError(t, err)

	freq, err := tl.GetChangeFrequency(ctx, owner, "K", "power", 2, 172_800_000)
	require.NoError(t, err)
	assert.Equal(t, 2, freq.VersionCount)
	assert.Greater(t, freq.ChangeRatePerDay, 0.0)
}

func Test_GetChangeFrequency_RejectsNonPositiveWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, tl := newTimeline(t)
	owner := model.OwnerOf("u1")

	_, err := tl.GetChangeFrequency(ctx, owner, "K", "power", 0, 1000)
	assert.Error(t, err)
}

func Test_GetVolatileFacts_RanksByVersionCountThenLowestConfidence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, tl := newTimeline(t)
	owner := model.OwnerOf("u1")

	_, err := g.InsertFact(ctx, owner, "Stable", "attr", "a", 0, 0.9, nil)
	require.NoError(t, err)

	_, err = g.InsertFact(ctx, owner, "Volatile", "attr", "a", 0, 0.9, nil)
	require.NoError(t, err)
	_, err = g.InsertFact(ctx, owner, "Volatile", "attr", "b", 1000, 0.5, nil)
	require.NoError(t, err)
	_, err = g.InsertFact(ctx, owner, "Volatile", "attr", "c", 2000, 0.3, nil)
	require.NoError(t, err)

	out, err := tl.GetVolatileFacts(ctx, owner, nil, 10)
	require.NoError(t, err)
	require.NotEmpty(t, out)
	assert.Equal(t, "Volatile", out[0].Subject)
	assert.Equal(t, 3, out[0].VersionCount)
}
