package rowbatch

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/enrich/internal/interfaces"
	"github.com/ternarybob/enrich/internal/models"
)

func patch(rowID, value string) interfaces.RowPatch {
	return interfaces.RowPatch{RowID: rowID, Cells: models.CellMap{"c": {Value: value}}}
}

func TestCoalesce_LastWriteWinsInFirstSeenOrder(t *testing.T) {
	out := Coalesce([]interfaces.RowPatch{
		patch("r1", "a"),
		patch("r2", "b"),
		patch("r1", "c"),
	})

	require.Len(t, out, 2)
	assert.Equal(t, "r1", out[0].RowID)
	assert.Equal(t, "c", out[0].Cells["c"].Value)
	assert.Equal(t, "r2", out[1].RowID)
}

func TestChunk(t *testing.T) {
	patches := make([]interfaces.RowPatch, 7)
	chunks := chunk(patches, 3)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 3)
	assert.Len(t, chunks[2], 1)

	assert.Empty(t, chunk(nil, 3))
}

func TestBatcher_NativeTransportGroupsPatches(t *testing.T) {
	var rows []*models.Row
	var patches []interfaces.RowPatch
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("r%d", i)
		rows = append(rows, &models.Row{ID: id})
		patches = append(patches, patch(id, id))
	}
	store := &batchRows{memRows: newMemRows(rows...)}

	b := NewBatcher(store, Options{ChunkSize: 2, Parallelism: 2}, arbor.NewLogger())
	require.True(t, b.Native())
	require.NoError(t, b.ApplyPatches(context.Background(), patches))

	assert.Len(t, store.groups, 3)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("r%d", i)
		assert.Equal(t, id, store.cells(id)["c"].Value)
	}
}

func TestBatcher_FallbackWritesEveryRow(t *testing.T) {
	store := newMemRows(&models.Row{ID: "r1"}, &models.Row{ID: "r2"}, &models.Row{ID: "r3"})

	b := NewBatcher(store, Options{FallbackChunkSize: 2}, arbor.NewLogger())
	require.False(t, b.Native())

	err := b.ApplyPatches(context.Background(), []interfaces.RowPatch{
		patch("r1", "x"), patch("r2", "y"), patch("r1", "z"), patch("r3", "w"),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, store.writes)
	assert.Equal(t, "z", store.cells("r1")["c"].Value)
	assert.Equal(t, "y", store.cells("r2")["c"].Value)
	assert.Equal(t, "w", store.cells("r3")["c"].Value)
}

func TestBatcher_FailuresAreJoinedAfterAllGroupsRun(t *testing.T) {
	store := newMemRows(&models.Row{ID: "r1"}, &models.Row{ID: "r2"}, &models.Row{ID: "r3"})
	store.failIDs["r2"] = true

	b := NewBatcher(store, Options{FallbackChunkSize: 1}, arbor.NewLogger())
	err := b.ApplyPatches(context.Background(), []interfaces.RowPatch{
		patch("r1", "a"), patch("r2", "b"), patch("r3", "c"),
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "r2")
	assert.Equal(t, "a", store.cells("r1")["c"].Value)
	assert.Equal(t, "c", store.cells("r3")["c"].Value)
}

func TestBatcher_EmptyPatchesIsNoop(t *testing.T) {
	store := newMemRows()
	b := NewBatcher(store, Options{}, arbor.NewLogger())
	require.NoError(t, b.ApplyPatches(context.Background(), nil))
	assert.Zero(t, store.writes)
}
