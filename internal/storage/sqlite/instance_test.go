package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driftdb/internal/storage"
	"driftdb/pkg/model"
	"driftdb/pkg/revision"
)

func openTestInstance(t *testing.T) *Instance {
	t.Helper()
	db, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	inst, err := NewInstance(context.Background(), db, "heroes", 0)
	require.NoError(t, err)
	t.Cleanup(func() { inst.Close(context.Background()) })
	return inst
}

func write(t *testing.T, inst *Instance, prev *model.DocumentData, doc model.DocumentData) model.DocumentData {
	t.Helper()
	resp, err := inst.BulkWrite(context.Background(), []storage.BulkWriteRow{
		{Previous: prev, Document: doc},
	}, "test")
	require.NoError(t, err)
	require.Empty(t, resp.Errors)

	docs, err := inst.FindDocumentsByID(context.Background(), []string{doc.ID}, true)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	return docs[0]
}

func TestTableNameValidation(t *testing.T) {
	name, err := tableName("heroes", 3)
	require.NoError(t, err)
	assert.Equal(t, "heroes-3", name)

	_, err = tableName(`heroes"; DROP TABLE x; --`, 0)
	assert.Error(t, err)
}

func TestBulkWriteRoundTrip(t *testing.T) {
	inst := openTestInstance(t)

	doc := write(t, inst, nil, model.DocumentData{
		ID:   "alpha",
		Data: map[string]interface{}{"hp": float64(100), "name": "ann"},
	})
	h, err := revision.Height(doc.Rev)
	require.NoError(t, err)
	assert.Equal(t, int64(1), h)
	assert.Equal(t, float64(100), doc.Data["hp"])

	prev := doc.Clone()
	doc = write(t, inst, &prev, model.DocumentData{
		ID:   "alpha",
		Data: map[string]interface{}{"hp": float64(90), "name": "ann"},
	})
	h, err = revision.Height(doc.Rev)
	require.NoError(t, err)
	assert.Equal(t, int64(2), h)
}

func TestStaleWriteConflicts(t *testing.T) {
	inst := openTestInstance(t)

	base := write(t, inst, nil, model.DocumentData{ID: "alpha", Data: map[string]interface{}{"v": float64(1)}})

	prev := base.Clone()
	write(t, inst, &prev, model.DocumentData{ID: "alpha", Data: map[string]interface{}{"v": float64(2)}})

	// Second writer still holds the original state.
	stale := base.Clone()
	resp, err := inst.BulkWrite(context.Background(), []storage.BulkWriteRow{
		{Previous: &stale, Document: model.DocumentData{ID: "alpha", Data: map[string]interface{}{"v": float64(3)}}},
	}, "test")
	require.NoError(t, err)
	require.Len(t, resp.Errors, 1)
	assert.True(t, resp.Errors[0].IsConflict())
	require.NotNil(t, resp.Errors[0].DocumentInDB)
	assert.Equal(t, float64(2), resp.Errors[0].DocumentInDB.Data["v"])
}

func TestConflictDoesNotAbortBatch(t *testing.T) {
	inst := openTestInstance(t)
	write(t, inst, nil, model.DocumentData{ID: "taken", Data: map[string]interface{}{"v": float64(1)}})

	resp, err := inst.BulkWrite(context.Background(), []storage.BulkWriteRow{
		{Document: model.DocumentData{ID: "taken"}},
		{Document: model.DocumentData{ID: "fresh", Data: map[string]interface{}{"v": float64(9)}}},
	}, "test")
	require.NoError(t, err)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "taken", resp.Errors[0].DocumentID)

	docs, err := inst.FindDocumentsByID(context.Background(), []string{"fresh"}, false)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestGetChangedDocumentsSinceKeyset(t *testing.T) {
	inst := openTestInstance(t)

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		write(t, inst, nil, model.DocumentData{ID: id, Data: map[string]interface{}{"k": id}})
	}

	var got []string
	var checkpoint storage.Checkpoint
	for {
		changed, err := inst.GetChangedDocumentsSince(context.Background(), 2, checkpoint)
		require.NoError(t, err)
		if len(changed.Documents) == 0 {
			break
		}
		for _, doc := range changed.Documents {
			got = append(got, doc.ID)
		}
		checkpoint = changed.Checkpoint
	}
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, got)
	assert.Len(t, got, 5)
}

func TestChangedDocumentsIncludeTombstones(t *testing.T) {
	inst := openTestInstance(t)

	doc := write(t, inst, nil, model.DocumentData{ID: "alpha", Data: map[string]interface{}{"v": float64(1)}})
	prev := doc.Clone()
	write(t, inst, &prev, model.DocumentData{ID: "alpha", Data: doc.Data, Deleted: true})

	changed, err := inst.GetChangedDocumentsSince(context.Background(), 0, storage.Checkpoint{})
	require.NoError(t, err)
	require.Len(t, changed.Documents, 1)
	assert.True(t, changed.Documents[0].Deleted)
}

func TestCleanupPurgesOldTombstones(t *testing.T) {
	inst := openTestInstance(t)

	doc := write(t, inst, nil, model.DocumentData{ID: "alpha", Data: map[string]interface{}{"v": float64(1)}})
	prev := doc.Clone()
	write(t, inst, &prev, model.DocumentData{ID: "alpha", Data: doc.Data, Deleted: true})
	write(t, inst, nil, model.DocumentData{ID: "beta", Data: map[string]interface{}{"v": float64(2)}})

	time.Sleep(2 * time.Millisecond)
	done, err := inst.Cleanup(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, done)

	docs, err := inst.FindDocumentsByID(context.Background(), []string{"alpha", "beta"}, true)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "beta", docs[0].ID)
}

func TestQuerySelectorAndSort(t *testing.T) {
	inst := openTestInstance(t)

	write(t, inst, nil, model.DocumentData{ID: "a", Data: map[string]interface{}{"hp": float64(10)}})
	write(t, inst, nil, model.DocumentData{ID: "b", Data: map[string]interface{}{"hp": float64(30)}})
	write(t, inst, nil, model.DocumentData{ID: "c", Data: map[string]interface{}{"hp": float64(20)}})

	docs, err := inst.Query(context.Background(), model.Query{
		Selector: model.Filters{{Field: "hp", Op: model.OpGt, Value: float64(10)}},
		Sort:     []model.Order{{Field: "hp", Direction: "asc"}},
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "c", docs[0].ID)
	assert.Equal(t, "b", docs[1].ID)

	count, err := inst.Count(context.Background(), model.Query{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count.Count)
}

func TestAttachmentsNotSupported(t *testing.T) {
	inst := openTestInstance(t)
	_, err := inst.GetAttachmentData(context.Background(), "a", "b")
	assert.ErrorIs(t, err, model.ErrAttachmentsNotSupported)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "driftdb.sqlite")

	db, err := Open(path)
	require.NoError(t, err)
	inst, err := NewInstance(context.Background(), db, "heroes", 0)
	require.NoError(t, err)
	write(t, inst, nil, model.DocumentData{ID: "alpha", Data: map[string]interface{}{"v": float64(1)}})
	require.NoError(t, inst.Close(context.Background()))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	inst, err = NewInstance(context.Background(), db, "heroes", 0)
	require.NoError(t, err)
	defer inst.Close(context.Background())

	docs, err := inst.FindDocumentsByID(context.Background(), []string{"alpha"}, false)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, float64(1), docs[0].Data["v"])
}

func TestRemoveDropsTable(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	inst, err := NewInstance(context.Background(), db, "heroes", 0)
	require.NoError(t, err)
	write(t, inst, nil, model.DocumentData{ID: "alpha", Data: map[string]interface{}{"v": float64(1)}})
	require.NoError(t, inst.Remove(context.Background()))

	_, err = inst.FindDocumentsByID(context.Background(), []string{"alpha"}, true)
	assert.ErrorIs(t, err, model.ErrRemoved)

	// A fresh instance of the same collection starts empty.
	inst, err = NewInstance(context.Background(), db, "heroes", 0)
	require.NoError(t, err)
	defer inst.Close(context.Background())

	docs, err := inst.FindDocumentsByID(context.Background(), []string{"alpha"}, true)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestCheckpointNeverSkipsSameMillisecondWrites(t *testing.T) {
	inst := openTestInstance(t)

	// "zzz" first: a later same-millisecond "aaa" would sort below the
	// checkpoint id and fall out of the keyset window if stamps could repeat.
	write(t, inst, nil, model.DocumentData{ID: "zzz", Data: map[string]interface{}{"v": float64(1)}})
	first, err := inst.GetChangedDocumentsSince(context.Background(), 0, storage.Checkpoint{})
	require.NoError(t, err)
	require.Len(t, first.Documents, 1)

	aaa := write(t, inst, nil, model.DocumentData{ID: "aaa", Data: map[string]interface{}{"v": float64(2)}})
	assert.Greater(t, aaa.Meta.LWT, first.Checkpoint.LWT)

	resumed, err := inst.GetChangedDocumentsSince(context.Background(), 0, first.Checkpoint)
	require.NoError(t, err)
	require.Len(t, resumed.Documents, 1)
	assert.Equal(t, "aaa", resumed.Documents[0].ID)
}
