// Package mongo implements the storage instance contract on a MongoDB
// collection. Each logical collection maps to one MongoDB collection per
// schema version.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"driftdb/internal/storage"
	"driftdb/pkg/model"
)

const cleanupBatchSize = 1000

// Provider owns the client connection shared by all instances of one
// database.
type Provider struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewProvider connects to MongoDB and verifies the connection.
func NewProvider(ctx context.Context, uri string, dbName string) (*Provider, error) {
	clientOpts := options.Client().ApplyURI(uri)
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	return &Provider{client: client, db: client.Database(dbName)}, nil
}

// Close disconnects the shared client. Instances must be closed first.
func (p *Provider) Close(ctx context.Context) error {
	return p.client.Disconnect(ctx)
}

// Instance persists one collection. Bulk writes are serialized per instance;
// updates compare-and-swap on the stored revision so concurrent writers from
// other processes surface as conflicts instead of lost updates.
type Instance struct {
	provider      *Provider
	collection    string
	schemaVersion int
	coll          *mongo.Collection

	life        *storage.Lifecycle
	broadcaster *storage.ChangeBroadcaster
	clock       storage.Clock
	writeMu     sync.Mutex

	// Set once a write learns the deployment has no transaction support
	// (standalone mongod). Later batches then commit per statement.
	txUnsupported atomic.Bool
}

// NewInstance binds the collection at the given schema version and ensures
// its indexes.
func NewInstance(ctx context.Context, provider *Provider, collection string, schemaVersion int) (*Instance, error) {
	coll := provider.db.Collection(fmt.Sprintf("%s-%d", collection, schemaVersion))

	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "meta.lwt", Value: 1}, {Key: "_id", Value: 1}},
	})
	if err != nil {
		return nil, err
	}

	return &Instance{
		provider:      provider,
		collection:    collection,
		schemaVersion: schemaVersion,
		coll:          coll,
		life:          storage.NewLifecycle(),
		broadcaster:   storage.NewChangeBroadcaster(),
	}, nil
}

func (i *Instance) Collection() string { return i.collection }

func (i *Instance) BulkWrite(ctx context.Context, rows []storage.BulkWriteRow, writeContext string) (*storage.BulkWriteResponse, error) {
	if err := i.life.BeginWrite(); err != nil {
		return nil, err
	}
	defer i.life.EndWrite()

	i.writeMu.Lock()
	defer i.writeMu.Unlock()

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.Document.ID)
	}

	docsInDB, err := i.findByIDs(ctx, ids, true)
	if err != nil {
		return nil, model.NewStorageError("bulkWrite", err)
	}
	byID := make(map[string]model.DocumentData, len(docsInDB))
	for _, doc := range docsInDB {
		byID[doc.ID] = doc
	}

	categorized, err := storage.CategorizeBulkWriteRows(byID, rows, writeContext, i.clock.Now())
	if err != nil {
		return nil, model.NewStorageError("bulkWrite", err)
	}

	if err := i.commitBatch(ctx, categorized); err != nil {
		return nil, err
	}

	if len(categorized.EventBulk.Events) > 0 {
		i.broadcaster.Publish(categorized.EventBulk)
	}

	return &storage.BulkWriteResponse{Errors: categorized.Errors}, nil
}

// commitBatch persists the accepted rows, inside a transaction where the
// deployment supports one so readers never observe a partial batch. On a
// standalone mongod statements commit individually; that weaker guarantee is
// remembered so later batches skip the failed transaction attempt.
func (i *Instance) commitBatch(ctx context.Context, categorized *storage.Categorized) error {
	if i.txUnsupported.Load() {
		return i.applyWrites(ctx, categorized)
	}

	session, err := i.provider.client.StartSession()
	if err != nil {
		return model.NewStorageError("bulkWrite", model.WrapError(err))
	}
	defer session.EndSession(ctx)

	_, txErr := session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, i.applyWrites(sc, categorized)
	})
	if txErr != nil && isTransactionUnsupported(txErr) {
		i.txUnsupported.Store(true)
		return i.applyWrites(ctx, categorized)
	}
	return txErr
}

func (i *Instance) applyWrites(ctx context.Context, categorized *storage.Categorized) error {
	if len(categorized.BulkInsertDocs) > 0 {
		inserts := make([]interface{}, 0, len(categorized.BulkInsertDocs))
		for _, row := range categorized.BulkInsertDocs {
			inserts = append(inserts, stripAttachmentData(row.Document))
		}
		if _, err := i.coll.InsertMany(ctx, inserts); err != nil {
			return model.NewStorageError("bulkWrite", model.WrapError(err))
		}
	}

	for _, row := range categorized.BulkUpdateDocs {
		doc := stripAttachmentData(row.Document)
		// CAS on the stored revision guards against writers in other
		// processes that bypass this instance's write queue.
		filter := bson.M{"_id": doc.ID, "rev": row.Previous.Rev}
		result, err := i.coll.ReplaceOne(ctx, filter, doc)
		if err != nil {
			return model.NewStorageError("bulkWrite", model.WrapError(err))
		}
		if result.MatchedCount == 0 {
			return model.NewStorageError("bulkWrite",
				fmt.Errorf("concurrent external write on %q", doc.ID))
		}
	}
	return nil
}

// isTransactionUnsupported matches the IllegalOperation error a standalone
// mongod returns for transactional commands.
func isTransactionUnsupported(err error) bool {
	if err == nil {
		return false
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Code == 20 {
		return true
	}
	return strings.Contains(err.Error(), "Transaction numbers")
}

func (i *Instance) FindDocumentsByID(ctx context.Context, ids []string, withDeleted bool) ([]model.DocumentData, error) {
	if err := i.life.EnsureReadable(); err != nil {
		return nil, err
	}
	docs, err := i.findByIDs(ctx, ids, withDeleted)
	if err != nil {
		return nil, model.NewStorageError("findDocumentsById", err)
	}
	return docs, nil
}

func (i *Instance) findByIDs(ctx context.Context, ids []string, withDeleted bool) ([]model.DocumentData, error) {
	if len(ids) == 0 {
		return []model.DocumentData{}, nil
	}
	filter := bson.M{"_id": bson.M{"$in": ids}}
	if !withDeleted {
		filter["deleted"] = bson.M{"$ne": true}
	}
	cursor, err := i.coll.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []model.DocumentData
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []model.DocumentData{}
	}
	return docs, nil
}

func (i *Instance) Query(ctx context.Context, q model.Query) ([]model.DocumentData, error) {
	if err := i.life.EnsureReadable(); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	filter := bson.M{}
	if !q.WithDeleted {
		filter["deleted"] = bson.M{"$ne": true}
	}
	cursor, err := i.coll.Find(ctx, filter)
	if err != nil {
		return nil, model.NewStorageError("query", model.WrapError(err))
	}
	defer cursor.Close(ctx)

	var docs []model.DocumentData
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, model.NewStorageError("query", model.WrapError(err))
	}
	return storage.ApplyQuery(docs, q), nil
}

func (i *Instance) Count(ctx context.Context, q model.Query) (storage.CountResult, error) {
	docs, err := i.Query(ctx, model.Query{
		Selector:    q.Selector,
		WithDeleted: q.WithDeleted,
	})
	if err != nil {
		return storage.CountResult{}, err
	}
	return storage.CountResult{Count: int64(len(docs)), Mode: "fast"}, nil
}

func (i *Instance) GetChangedDocumentsSince(ctx context.Context, limit int, since storage.Checkpoint) (storage.ChangedDocuments, error) {
	if err := i.life.EnsureReadable(); err != nil {
		return storage.ChangedDocuments{}, err
	}

	filter := bson.M{"$or": bson.A{
		bson.M{"meta.lwt": bson.M{"$gt": since.LWT}},
		bson.M{"meta.lwt": since.LWT, "_id": bson.M{"$gt": since.ID}},
	}}
	findOpts := options.Find().SetSort(bson.D{{Key: "meta.lwt", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}

	cursor, err := i.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return storage.ChangedDocuments{}, model.NewStorageError("getChangedDocumentsSince", model.WrapError(err))
	}
	defer cursor.Close(ctx)

	var docs []model.DocumentData
	if err := cursor.All(ctx, &docs); err != nil {
		return storage.ChangedDocuments{}, model.NewStorageError("getChangedDocumentsSince", model.WrapError(err))
	}
	if docs == nil {
		docs = []model.DocumentData{}
	}

	checkpoint := since
	if len(docs) > 0 {
		last := docs[len(docs)-1]
		checkpoint = storage.Checkpoint{ID: last.ID, LWT: last.Meta.LWT}
	}
	return storage.ChangedDocuments{Documents: docs, Checkpoint: checkpoint}, nil
}

func (i *Instance) ChangeStream(ctx context.Context) (<-chan storage.EventBulk, func(), error) {
	if err := i.life.EnsureReadable(); err != nil {
		return nil, nil, err
	}
	ch, cancel := i.broadcaster.Subscribe(ctx)
	return ch, cancel, nil
}

func (i *Instance) Cleanup(ctx context.Context, minimumDeletedTime time.Duration) (bool, error) {
	if err := i.life.EnsureReadable(); err != nil {
		return false, err
	}

	cutoff := time.Now().Add(-minimumDeletedTime).UnixMilli()
	filter := bson.M{"deleted": true, "meta.lwt": bson.M{"$lt": cutoff}}

	// Deleting in bounded batches keeps a large backlog from starving other
	// callers; the contract lets us report false and be called again.
	cursor, err := i.coll.Find(ctx, filter,
		options.Find().SetProjection(bson.M{"_id": 1}).SetLimit(cleanupBatchSize))
	if err != nil {
		return false, model.NewStorageError("cleanup", model.WrapError(err))
	}
	var victims []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &victims); err != nil {
		return false, model.NewStorageError("cleanup", model.WrapError(err))
	}
	if len(victims) == 0 {
		return true, nil
	}

	ids := make([]string, len(victims))
	for n, v := range victims {
		ids[n] = v.ID
	}
	if _, err := i.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}, "deleted": true}); err != nil {
		return false, model.NewStorageError("cleanup", model.WrapError(err))
	}

	remaining, err := i.coll.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, model.NewStorageError("cleanup", model.WrapError(err))
	}
	return remaining == 0, nil
}

func (i *Instance) GetAttachmentData(ctx context.Context, documentID string, attachmentID string) ([]byte, error) {
	return nil, model.ErrAttachmentsNotSupported
}

func (i *Instance) Remove(ctx context.Context) error {
	if err := i.life.EnsureReadable(); err != nil {
		return err
	}
	if err := i.coll.Drop(ctx); err != nil && !errors.Is(err, mongo.ErrNilDocument) {
		return model.NewStorageError("remove", model.WrapError(err))
	}
	i.life.MarkRemoved()
	return i.Close(ctx)
}

func (i *Instance) Close(ctx context.Context) error {
	if !i.life.BeginClose() {
		return nil
	}
	i.broadcaster.Close()
	i.life.MarkClosed()
	return nil
}

func stripAttachmentData(doc model.DocumentData) model.DocumentData {
	if len(doc.Attachments) == 0 {
		return doc
	}
	out := doc.Clone()
	for id, att := range out.Attachments {
		att.Data = ""
		out.Attachments[id] = att
	}
	return out
}

var _ storage.Instance = (*Instance)(nil)
