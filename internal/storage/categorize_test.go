package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driftdb/pkg/model"
	"driftdb/pkg/revision"
)

func newDoc(id string, data map[string]interface{}) model.DocumentData {
	return model.DocumentData{ID: id, Data: data}
}

func storedDoc(t *testing.T, id string, data map[string]interface{}, height int64, lwt int64) model.DocumentData {
	t.Helper()
	doc := newDoc(id, data)
	doc.Meta.LWT = lwt
	hash, err := revision.ContentHash(doc)
	require.NoError(t, err)
	doc.Rev = revision.Revision{Height: height, Hash: hash}.String()
	return doc
}

func TestCategorizeInsert(t *testing.T) {
	rows := []BulkWriteRow{
		{Document: newDoc("alpha", map[string]interface{}{"v": float64(1)})},
	}

	cat, err := CategorizeBulkWriteRows(map[string]model.DocumentData{}, rows, "test", 1000)
	require.NoError(t, err)

	require.Len(t, cat.BulkInsertDocs, 1)
	assert.Empty(t, cat.BulkUpdateDocs)
	assert.Empty(t, cat.Errors)

	doc := cat.BulkInsertDocs[0].Document
	parsed, err := revision.Parse(doc.Rev)
	require.NoError(t, err)
	assert.Equal(t, int64(1), parsed.Height)
	assert.Equal(t, int64(1000), doc.Meta.LWT)

	require.Len(t, cat.EventBulk.Events, 1)
	assert.Equal(t, OperationInsert, cat.EventBulk.Events[0].Operation)
	assert.Nil(t, cat.EventBulk.Events[0].Previous)
	assert.Equal(t, Checkpoint{ID: "alpha", LWT: 1000}, cat.EventBulk.Checkpoint)
	assert.Equal(t, "test", cat.EventBulk.Context)
	assert.NotEmpty(t, cat.EventBulk.ID)
}

func TestCategorizeUpdateIncrementsHeight(t *testing.T) {
	stored := storedDoc(t, "alpha", map[string]interface{}{"v": float64(1)}, 1, 500)
	prev := stored.Clone()

	rows := []BulkWriteRow{{
		Previous: &prev,
		Document: newDoc("alpha", map[string]interface{}{"v": float64(2)}),
	}}

	cat, err := CategorizeBulkWriteRows(
		map[string]model.DocumentData{"alpha": stored}, rows, "test", 1000)
	require.NoError(t, err)

	require.Len(t, cat.BulkUpdateDocs, 1)
	assert.Empty(t, cat.Errors)

	doc := cat.BulkUpdateDocs[0].Document
	parsed, err := revision.Parse(doc.Rev)
	require.NoError(t, err)
	assert.Equal(t, int64(2), parsed.Height)

	require.Len(t, cat.EventBulk.Events, 1)
	event := cat.EventBulk.Events[0]
	assert.Equal(t, OperationUpdate, event.Operation)
	require.NotNil(t, event.Previous)
	assert.Equal(t, stored.Rev, event.Previous.Rev)
}

func TestCategorizeStaleRevisionConflict(t *testing.T) {
	stored := storedDoc(t, "alpha", map[string]interface{}{"v": float64(2)}, 2, 500)
	stale := storedDoc(t, "alpha", map[string]interface{}{"v": float64(1)}, 1, 400)

	rows := []BulkWriteRow{{
		Previous: &stale,
		Document: newDoc("alpha", map[string]interface{}{"v": float64(3)}),
	}}

	cat, err := CategorizeBulkWriteRows(
		map[string]model.DocumentData{"alpha": stored}, rows, "test", 1000)
	require.NoError(t, err)

	assert.Empty(t, cat.BulkInsertDocs)
	assert.Empty(t, cat.BulkUpdateDocs)
	assert.Empty(t, cat.EventBulk.Events)
	assert.Nil(t, cat.NewestRow)

	require.Len(t, cat.Errors, 1)
	werr := cat.Errors[0]
	assert.True(t, werr.IsConflict())
	assert.Equal(t, "alpha", werr.DocumentID)
	require.NotNil(t, werr.DocumentInDB)
	assert.Equal(t, stored.Rev, werr.DocumentInDB.Rev)
}

func TestCategorizeInsertOverExistingConflicts(t *testing.T) {
	stored := storedDoc(t, "alpha", map[string]interface{}{"v": float64(1)}, 1, 500)

	rows := []BulkWriteRow{{
		Document: newDoc("alpha", map[string]interface{}{"v": float64(9)}),
	}}

	cat, err := CategorizeBulkWriteRows(
		map[string]model.DocumentData{"alpha": stored}, rows, "test", 1000)
	require.NoError(t, err)

	require.Len(t, cat.Errors, 1)
	assert.True(t, cat.Errors[0].IsConflict())
	require.NotNil(t, cat.Errors[0].DocumentInDB)
}

func TestCategorizePreviousWithoutStoredConflicts(t *testing.T) {
	ghost := storedDoc(t, "alpha", map[string]interface{}{"v": float64(1)}, 1, 400)

	rows := []BulkWriteRow{{
		Previous: &ghost,
		Document: newDoc("alpha", map[string]interface{}{"v": float64(2)}),
	}}

	cat, err := CategorizeBulkWriteRows(map[string]model.DocumentData{}, rows, "test", 1000)
	require.NoError(t, err)

	require.Len(t, cat.Errors, 1)
	assert.True(t, cat.Errors[0].IsConflict())
	assert.Nil(t, cat.Errors[0].DocumentInDB)
}

func TestCategorizeDuplicateIDInBatch(t *testing.T) {
	rows := []BulkWriteRow{
		{Document: newDoc("alpha", map[string]interface{}{"v": float64(1)})},
		{Document: newDoc("alpha", map[string]interface{}{"v": float64(2)})},
	}

	cat, err := CategorizeBulkWriteRows(map[string]model.DocumentData{}, rows, "test", 1000)
	require.NoError(t, err)

	require.Len(t, cat.BulkInsertDocs, 1)
	assert.Equal(t, float64(1), cat.BulkInsertDocs[0].Document.Data["v"])

	require.Len(t, cat.Errors, 1)
	assert.True(t, cat.Errors[0].IsConflict())
	// The conflict reports the first row's uncommitted result as current state.
	require.NotNil(t, cat.Errors[0].DocumentInDB)
	assert.Equal(t, float64(1), cat.Errors[0].DocumentInDB.Data["v"])
	assert.NotEmpty(t, cat.Errors[0].DocumentInDB.Rev)

	require.Len(t, cat.EventBulk.Events, 1)
}

func TestCategorizeDirectTombstoneInsert(t *testing.T) {
	doc := newDoc("alpha", map[string]interface{}{"v": float64(1)})
	doc.Deleted = true

	cat, err := CategorizeBulkWriteRows(
		map[string]model.DocumentData{}, []BulkWriteRow{{Document: doc}}, "test", 1000)
	require.NoError(t, err)

	// Stored as an insert, but the change event reports a delete.
	require.Len(t, cat.BulkInsertDocs, 1)
	assert.True(t, cat.BulkInsertDocs[0].Document.Deleted)

	require.Len(t, cat.EventBulk.Events, 1)
	assert.Equal(t, OperationDelete, cat.EventBulk.Events[0].Operation)
}

func TestCategorizeDeleteEmitsDeleteEvent(t *testing.T) {
	stored := storedDoc(t, "alpha", map[string]interface{}{"v": float64(1)}, 1, 500)
	prev := stored.Clone()

	doc := newDoc("alpha", map[string]interface{}{"v": float64(1)})
	doc.Deleted = true

	cat, err := CategorizeBulkWriteRows(
		map[string]model.DocumentData{"alpha": stored},
		[]BulkWriteRow{{Previous: &prev, Document: doc}}, "test", 1000)
	require.NoError(t, err)

	require.Len(t, cat.EventBulk.Events, 1)
	event := cat.EventBulk.Events[0]
	assert.Equal(t, OperationDelete, event.Operation)
	require.NotNil(t, event.Previous)
	assert.False(t, event.Previous.Deleted)
}

func TestCategorizeClaimedRevision(t *testing.T) {
	t.Run("higher height accepted", func(t *testing.T) {
		doc := newDoc("alpha", map[string]interface{}{"v": float64(1)})
		doc.Rev = "7-remotehash"

		cat, err := CategorizeBulkWriteRows(
			map[string]model.DocumentData{}, []BulkWriteRow{{Document: doc}}, "pull", 1000)
		require.NoError(t, err)

		require.Len(t, cat.BulkInsertDocs, 1)
		assert.Equal(t, "7-remotehash", cat.BulkInsertDocs[0].Document.Rev)
		assert.Empty(t, cat.Errors)
	})

	t.Run("lower height rejected", func(t *testing.T) {
		stored := storedDoc(t, "alpha", map[string]interface{}{"v": float64(1)}, 3, 500)
		prev := stored.Clone()

		doc := newDoc("alpha", map[string]interface{}{"v": float64(2)})
		doc.Rev = "2-oldhash"

		cat, err := CategorizeBulkWriteRows(
			map[string]model.DocumentData{"alpha": stored},
			[]BulkWriteRow{{Previous: &prev, Document: doc}}, "pull", 1000)
		require.NoError(t, err)

		assert.Empty(t, cat.BulkUpdateDocs)
		require.Len(t, cat.Errors, 1)
		assert.True(t, cat.Errors[0].IsConflict())
		require.NotNil(t, cat.Errors[0].DocumentInDB)
	})
}

func TestCategorizeMalformedStoredRevisionAborts(t *testing.T) {
	stored := newDoc("alpha", map[string]interface{}{"v": float64(1)})
	stored.Rev = "garbage"
	prev := stored.Clone()

	_, err := CategorizeBulkWriteRows(
		map[string]model.DocumentData{"alpha": stored},
		[]BulkWriteRow{{Previous: &prev, Document: newDoc("alpha", nil)}}, "test", 1000)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrMalformedRevision)
}

func TestCategorizeNewestRowTieBreak(t *testing.T) {
	rows := []BulkWriteRow{
		{Document: newDoc("bravo", nil)},
		{Document: newDoc("alpha", nil)},
	}

	cat, err := CategorizeBulkWriteRows(map[string]model.DocumentData{}, rows, "test", 1000)
	require.NoError(t, err)

	// Equal timestamps: the lexicographically larger id wins.
	require.NotNil(t, cat.NewestRow)
	assert.Equal(t, "bravo", cat.NewestRow.Document.ID)
	assert.Equal(t, Checkpoint{ID: "bravo", LWT: 1000}, cat.EventBulk.Checkpoint)
}

func TestCategorizeDoesNotMutateInput(t *testing.T) {
	doc := newDoc("alpha", map[string]interface{}{"v": float64(1)})
	rows := []BulkWriteRow{{Document: doc}}

	_, err := CategorizeBulkWriteRows(map[string]model.DocumentData{}, rows, "test", 1000)
	require.NoError(t, err)

	assert.Empty(t, doc.Rev)
	assert.Zero(t, doc.Meta.LWT)
}
