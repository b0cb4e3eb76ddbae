package multiinstance

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pubsubmemory "driftdb/internal/pubsub/memory"
	"driftdb/internal/storage"
	storagememory "driftdb/internal/storage/memory"
	"driftdb/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recvBulk(t *testing.T, ch <-chan storage.EventBulk) storage.EventBulk {
	t.Helper()
	select {
	case bulk, ok := <-ch:
		require.True(t, ok, "stream closed before delivery")
		return bulk
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event bulk")
		return storage.EventBulk{}
	}
}

func TestSiblingSeesRemoteBulks(t *testing.T) {
	bus := pubsubmemory.NewBus()
	defer bus.Close()

	a, err := Wrap(context.Background(), storagememory.NewInstance("heroes"), bus, "db", testLogger())
	require.NoError(t, err)
	defer a.Close(context.Background())

	b, err := Wrap(context.Background(), storagememory.NewInstance("heroes"), bus, "db", testLogger())
	require.NoError(t, err)
	defer b.Close(context.Background())

	chA, cancelA, err := a.ChangeStream(context.Background())
	require.NoError(t, err)
	defer cancelA()
	chB, cancelB, err := b.ChangeStream(context.Background())
	require.NoError(t, err)
	defer cancelB()

	resp, err := a.BulkWrite(context.Background(), []storage.BulkWriteRow{
		{Document: model.DocumentData{ID: "alpha", Data: map[string]interface{}{"v": float64(1)}}},
	}, "test")
	require.NoError(t, err)
	require.Empty(t, resp.Errors)

	bulkA := recvBulk(t, chA)
	bulkB := recvBulk(t, chB)
	assert.Equal(t, bulkA.ID, bulkB.ID)
	require.Len(t, bulkB.Events, 1)
	assert.Equal(t, "alpha", bulkB.Events[0].DocumentID)

	// The remote bulk must not be written into b's store.
	docs, err := b.FindDocumentsByID(context.Background(), []string{"alpha"}, true)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestOwnBulksNotDuplicated(t *testing.T) {
	bus := pubsubmemory.NewBus()
	defer bus.Close()

	a, err := Wrap(context.Background(), storagememory.NewInstance("heroes"), bus, "db", testLogger())
	require.NoError(t, err)
	defer a.Close(context.Background())

	ch, cancel, err := a.ChangeStream(context.Background())
	require.NoError(t, err)
	defer cancel()

	_, err = a.BulkWrite(context.Background(), []storage.BulkWriteRow{
		{Document: model.DocumentData{ID: "alpha"}},
	}, "test")
	require.NoError(t, err)

	first := recvBulk(t, ch)
	select {
	case dup := <-ch:
		t.Fatalf("bulk %s delivered twice (echo %s)", first.ID, dup.ID)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDuplicateBusDeliveryDropped(t *testing.T) {
	bus := pubsubmemory.NewBus()
	defer bus.Close()

	a, err := Wrap(context.Background(), storagememory.NewInstance("heroes"), bus, "db", testLogger())
	require.NoError(t, err)
	defer a.Close(context.Background())

	ch, cancel, err := a.ChangeStream(context.Background())
	require.NoError(t, err)
	defer cancel()

	payload := []byte(`{"instanceId":"other","bulk":{"id":"bulk-1","events":[{"operation":1,"documentId":"x","document":{"id":"x","data":null,"_deleted":false,"_rev":"1-h","_meta":{"lwt":1}}}],"checkpoint":{"id":"x","lwt":1},"context":"test"}}`)
	require.NoError(t, bus.Publish(context.Background(), "driftdb.db.heroes", payload))
	require.NoError(t, bus.Publish(context.Background(), "driftdb.db.heroes", payload))

	got := recvBulk(t, ch)
	assert.Equal(t, "bulk-1", got.ID)

	select {
	case dup := <-ch:
		t.Fatalf("duplicate bulk %s re-emitted", dup.ID)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSubjectScoping(t *testing.T) {
	bus := pubsubmemory.NewBus()
	defer bus.Close()

	heroes, err := Wrap(context.Background(), storagememory.NewInstance("heroes"), bus, "db", testLogger())
	require.NoError(t, err)
	defer heroes.Close(context.Background())

	villains, err := Wrap(context.Background(), storagememory.NewInstance("villains"), bus, "db", testLogger())
	require.NoError(t, err)
	defer villains.Close(context.Background())

	ch, cancel, err := villains.ChangeStream(context.Background())
	require.NoError(t, err)
	defer cancel()

	_, err = heroes.BulkWrite(context.Background(), []storage.BulkWriteRow{
		{Document: model.DocumentData{ID: "alpha"}},
	}, "test")
	require.NoError(t, err)

	select {
	case bulk := <-ch:
		t.Fatalf("bulk %s crossed collection boundary", bulk.ID)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCloseStopsForwarding(t *testing.T) {
	bus := pubsubmemory.NewBus()
	defer bus.Close()

	a, err := Wrap(context.Background(), storagememory.NewInstance("heroes"), bus, "db", testLogger())
	require.NoError(t, err)

	ch, cancel, err := a.ChangeStream(context.Background())
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, a.Close(context.Background()))

	_, ok := <-ch
	assert.False(t, ok)
}
