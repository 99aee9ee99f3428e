// Package mongostore wires history.Store to MongoDB, as an alternative to
// the default file-backed store for deployments that already run a Mongo
// cluster for other services.
package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/deskrun/orchestrator/history"
	"github.com/deskrun/orchestrator/orcherr"
	"github.com/deskrun/orchestrator/session"
)

const (
	defaultRecordsCollection = "orchestrator_history_records"
	defaultFinalCollection   = "orchestrator_history_final"
	defaultOpenedCollection  = "orchestrator_history_opened"
	defaultOpTimeout         = 5 * time.Second
)

// Client exposes the Mongo operations the store needs, kept separate from
// Store so tests can substitute an in-memory fake.
type Client interface {
	UpsertOpen(ctx context.Context, sessionID, instruction string, createdAt time.Time) error
	UpsertRecord(ctx context.Context, r history.Record) error
	UpsertFinal(ctx context.Context, sessionID string, final session.Snapshot, at time.Time) error
	ListRecords(ctx context.Context, sessionID string) ([]history.Record, error)
	ListFinal(ctx context.Context, sessionID string) (session.Snapshot, bool, error)
	ListSummaries(ctx context.Context, limit int, before *time.Time) ([]history.Summary, error)
	Close(ctx context.Context) error
}

// Options configures the Mongo-backed client.
type Options struct {
	Client            *mongodriver.Client
	Database          string
	RecordsCollection string
	FinalCollection   string
	OpenedCollection  string
	Timeout           time.Duration
}

type client struct {
	records *mongodriver.Collection
	final   *mongodriver.Collection
	opened  *mongodriver.Collection
	mongo   *mongodriver.Client
	timeout time.Duration
}

// New returns a Client backed by MongoDB, creating the indexes it relies on
// for idempotent append and ordered replay.
func New(ctx context.Context, opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	recordsName := opts.RecordsCollection
	if recordsName == "" {
		recordsName = defaultRecordsCollection
	}
	finalName := opts.FinalCollection
	if finalName == "" {
		finalName = defaultFinalCollection
	}
	openedName := opts.OpenedCollection
	if openedName == "" {
		openedName = defaultOpenedCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	records := db.Collection(recordsName)
	final := db.Collection(finalName)
	opened := db.Collection(openedName)

	idxCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := records.Indexes().CreateOne(idxCtx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "sequence", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindInfrastructure, orcherr.ReasonHistoryIO, "create history index", err)
	}

	return &client{records: records, final: final, opened: opened, mongo: opts.Client, timeout: timeout}, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

type recordDoc struct {
	SessionID  string            `bson:"session_id"`
	Sequence   uint64            `bson:"sequence"`
	Kind       session.EventKind `bson:"kind"`
	Snapshot   snapshotDoc       `bson:"snapshot"`
	Message    string            `bson:"message"`
	AppendedAt time.Time         `bson:"appended_at"`
}

type snapshotDoc struct {
	ID          string         `bson:"id"`
	Instruction string         `bson:"instruction"`
	State       session.State  `bson:"state"`
	CreatedAt   time.Time      `bson:"created_at"`
	UpdatedAt   time.Time      `bson:"updated_at"`
	CompletedAt *time.Time     `bson:"completed_at,omitempty"`
}

func toSnapshotDoc(s session.Snapshot) snapshotDoc {
	return snapshotDoc{
		ID:          s.ID,
		Instruction: s.Instruction,
		State:       s.State,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		CompletedAt: s.CompletedAt,
	}
}

func fromSnapshotDoc(d snapshotDoc) session.Snapshot {
	return session.Snapshot{
		ID:          d.ID,
		Instruction: d.Instruction,
		State:       d.State,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
		CompletedAt: d.CompletedAt,
	}
}

// UpsertOpen implements Client. The upsert is idempotent on session_id: a
// second Open call for the same session is a no-op via $setOnInsert.
func (c *client) UpsertOpen(ctx context.Context, sessionID, instruction string, createdAt time.Time) error {
	opCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.D{{Key: "session_id", Value: sessionID}}
	update := bson.D{{Key: "$setOnInsert", Value: bson.D{
		{Key: "session_id", Value: sessionID},
		{Key: "instruction", Value: instruction},
		{Key: "created_at", Value: createdAt},
	}}}
	_, err := c.opened.UpdateOne(opCtx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return orcherr.Wrap(orcherr.KindInfrastructure, orcherr.ReasonHistoryIO, "open history record", err)
	}
	return nil
}

// UpsertRecord implements Client. The unique (session_id, sequence) index
// makes this idempotent: a duplicate insert is reported as a duplicate-key
// error, which this method treats as success.
func (c *client) UpsertRecord(ctx context.Context, r history.Record) error {
	opCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	doc := recordDoc{
		SessionID:  r.SessionID,
		Sequence:   r.Sequence,
		Kind:       r.Kind,
		Snapshot:   toSnapshotDoc(r.Snapshot),
		Message:    r.Message,
		AppendedAt: r.AppendedAt,
	}
	_, err := c.records.InsertOne(opCtx, doc)
	if mongodriver.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return orcherr.Wrap(orcherr.KindInfrastructure, orcherr.ReasonHistoryIO, "insert history record", err)
	}
	return nil
}

// UpsertFinal implements Client.
func (c *client) UpsertFinal(ctx context.Context, sessionID string, final session.Snapshot, at time.Time) error {
	opCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.D{{Key: "session_id", Value: sessionID}}
	update := bson.D{{Key: "$setOnInsert", Value: bson.D{
		{Key: "session_id", Value: sessionID},
		{Key: "snapshot", Value: toSnapshotDoc(final)},
		{Key: "finalized_at", Value: at},
	}}}
	_, err := c.final.UpdateOne(opCtx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return orcherr.Wrap(orcherr.KindInfrastructure, orcherr.ReasonHistoryIO, "finalize history", err)
	}
	return nil
}

// ListRecords implements Client.
func (c *client) ListRecords(ctx context.Context, sessionID string) ([]history.Record, error) {
	opCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.records.Find(opCtx,
		bson.D{{Key: "session_id", Value: sessionID}},
		options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}))
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindInfrastructure, orcherr.ReasonHistoryIO, "list history records", err)
	}
	defer cur.Close(opCtx)

	var recs []history.Record
	for cur.Next(opCtx) {
		var doc recordDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, orcherr.Wrap(orcherr.KindInfrastructure, orcherr.ReasonHistoryIO, "decode history record", err)
		}
		recs = append(recs, history.Record{
			SessionID:  doc.SessionID,
			Sequence:   doc.Sequence,
			Kind:       doc.Kind,
			Snapshot:   fromSnapshotDoc(doc.Snapshot),
			Message:    doc.Message,
			AppendedAt: doc.AppendedAt,
		})
	}
	return recs, cur.Err()
}

// ListFinal implements Client.
func (c *client) ListFinal(ctx context.Context, sessionID string) (session.Snapshot, bool, error) {
	opCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc struct {
		Snapshot snapshotDoc `bson:"snapshot"`
	}
	err := c.final.FindOne(opCtx, bson.D{{Key: "session_id", Value: sessionID}}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return session.Snapshot{}, false, nil
	}
	if err != nil {
		return session.Snapshot{}, false, orcherr.Wrap(orcherr.KindInfrastructure, orcherr.ReasonHistoryIO, "load final snapshot", err)
	}
	return fromSnapshotDoc(doc.Snapshot), true, nil
}

// ListSummaries implements Client.
func (c *client) ListSummaries(ctx context.Context, limit int, before *time.Time) ([]history.Summary, error) {
	opCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.D{{Key: "sequence", Value: 1}}
	if before != nil {
		filter = bson.D{{Key: "sequence", Value: 1}, {Key: "appended_at", Value: bson.D{{Key: "$lt", Value: *before}}}}
	}
	opts := options.Find().SetSort(bson.D{{Key: "appended_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := c.records.Find(opCtx, filter, opts)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindInfrastructure, orcherr.ReasonHistoryIO, "list history summaries", err)
	}
	defer cur.Close(opCtx)

	var summaries []history.Summary
	for cur.Next(opCtx) {
		var doc recordDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, orcherr.Wrap(orcherr.KindInfrastructure, orcherr.ReasonHistoryIO, "decode history summary", err)
		}
		summaries = append(summaries, history.Summary{
			SessionID:   doc.SessionID,
			Instruction: doc.Snapshot.Instruction,
			State:       doc.Snapshot.State,
			CreatedAt:   doc.Snapshot.CreatedAt,
			UpdatedAt:   doc.Snapshot.UpdatedAt,
			CompletedAt: doc.Snapshot.CompletedAt,
		})
	}
	return summaries, cur.Err()
}

// Close implements Client.
func (c *client) Close(ctx context.Context) error {
	return c.mongo.Disconnect(ctx)
}
