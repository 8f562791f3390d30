// Package mongo provides a MongoDB implementation of store.Opener.
//
// All mailboxes share one database. Every document carries the mailbox
// path, and ids are allocated per mailbox from a counter document.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rbaliyan/exmdb/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Collection names.
const (
	colFolders  = "folders"
	colMessages = "messages"
	colResults  = "search_results"
	colCriteria = "search_criteria"
	colCounters = "counters"
)

// Compile-time checks
var (
	_ store.Opener  = (*Opener)(nil)
	_ store.Mailbox = (*Mailbox)(nil)
)

// Opener opens mailboxes stored in MongoDB.
type Opener struct {
	client  *mongo.Client
	db      *mongo.Database
	opts    *options
	logger  *slog.Logger
	indexed sync.Once
	idxErr  error
}

// New creates an opener using client. The caller owns the client.
func New(client *mongo.Client, opts ...Option) *Opener {
	o := newOptions(opts...)
	return &Opener{
		client: client,
		db:     client.Database(o.database),
		opts:   o,
		logger: o.logger,
	}
}

// Open pings the server, makes sure the indexes exist and returns the
// mailbox for path.
func (o *Opener) Open(ctx context.Context, path string) (store.Mailbox, error) {
	if path == "" {
		return nil, store.ErrInvalidPath
	}
	ctx, cancel := context.WithTimeout(ctx, o.opts.timeout)
	defer cancel()

	if err := o.client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	o.indexed.Do(func() { o.idxErr = o.ensureIndexes(ctx) })
	if o.idxErr != nil {
		return nil, fmt.Errorf("ensure indexes: %w", o.idxErr)
	}
	return &Mailbox{
		path:   path,
		client: o.client,
		db:     o.db,
		opts:   o.opts,
		logger: o.logger.With("path", path),
	}, nil
}

func (o *Opener) ensureIndexes(ctx context.Context) error {
	unique := mongoopts.Index().SetUnique(true)
	specs := map[string][]mongo.IndexModel{
		colFolders: {
			{Keys: bson.D{{Key: "mailbox", Value: 1}, {Key: "fid", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "mailbox", Value: 1}, {Key: "parent_id", Value: 1}}},
		},
		colMessages: {
			{Keys: bson.D{{Key: "mailbox", Value: 1}, {Key: "mid", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "mailbox", Value: 1}, {Key: "folder_id", Value: 1}}},
		},
		colResults: {
			{Keys: bson.D{{Key: "mailbox", Value: 1}, {Key: "folder_id", Value: 1}, {Key: "message_id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "mailbox", Value: 1}, {Key: "message_id", Value: 1}}},
		},
		colCriteria: {
			{Keys: bson.D{{Key: "mailbox", Value: 1}, {Key: "folder_id", Value: 1}}, Options: unique},
		},
	}
	for name, models := range specs {
		if _, err := o.db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Mailbox implements store.Mailbox on MongoDB collections.
type Mailbox struct {
	path   string
	client *mongo.Client
	db     *mongo.Database
	opts   *options
	closed atomic.Bool
	logger *slog.Logger
}

type folderDoc struct {
	Mailbox  string `bson:"mailbox"`
	ID       int64  `bson:"fid"`
	ParentID int64  `bson:"parent_id"`
	Type     int32  `bson:"folder_type"`
	Props    string `bson:"props"`
	Rules    string `bson:"rules"`
}

type messageDoc struct {
	Mailbox     string `bson:"mailbox"`
	ID          int64  `bson:"mid"`
	FolderID    int64  `bson:"folder_id"`
	Associated  bool   `bson:"is_associated"`
	Props       string `bson:"props"`
	Recipients  string `bson:"recipients"`
	Attachments string `bson:"attachments"`
}

type resultDoc struct {
	FolderID  int64 `bson:"folder_id"`
	MessageID int64 `bson:"message_id"`
}

type criteriaDoc struct {
	Mailbox     string  `bson:"mailbox"`
	FolderID    int64   `bson:"folder_id"`
	Flags       int64   `bson:"flags"`
	Restriction string  `bson:"restriction,omitempty"`
	Scope       []int64 `bson:"scope"`
}

// Path returns the mailbox path.
func (m *Mailbox) Path() string { return m.path }

// Ping checks the server connection.
func (m *Mailbox) Ping(ctx context.Context) error {
	if err := m.checkConnected(); err != nil {
		return err
	}
	if err := m.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("%w: %v", store.ErrNotConnected, err)
	}
	return nil
}

// Close marks the mailbox closed. The client stays open.
func (m *Mailbox) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *Mailbox) checkConnected() error {
	if m.closed.Load() {
		return store.ErrNotConnected
	}
	return nil
}

func (m *Mailbox) col(name string) *mongo.Collection { return m.db.Collection(name) }

func (m *Mailbox) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.opts.timeout)
}

func (m *Mailbox) nextID(ctx context.Context) (uint64, error) {
	var doc struct {
		Value int64 `bson:"value"`
	}
	opts := mongoopts.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(mongoopts.After)
	err := m.col(colCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": m.path},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		opts,
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("allocate id: %w", err)
	}
	return uint64(doc.Value), nil
}

func (m *Mailbox) folderExists(ctx context.Context, id uint64) (bool, error) {
	n, err := m.col(colFolders).CountDocuments(ctx, bson.M{"mailbox": m.path, "fid": int64(id)})
	if err != nil {
		return false, fmt.Errorf("check folder: %w", err)
	}
	return n > 0, nil
}

// =============================================================================
// Folder Operations
// =============================================================================

func (m *Mailbox) CreateFolder(ctx context.Context, f *store.Folder) (uint64, error) {
	if err := m.checkConnected(); err != nil {
		return 0, err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	if f.ParentID != 0 {
		ok, err := m.folderExists(ctx, f.ParentID)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, store.ErrNotFound
		}
	}
	props, err := store.EncodeProps(f.Props)
	if err != nil {
		return 0, err
	}
	rules, err := store.EncodePropList(f.Rules)
	if err != nil {
		return 0, err
	}
	id, err := m.nextID(ctx)
	if err != nil {
		return 0, err
	}
	typ := f.Type
	if typ == 0 {
		typ = store.FolderGeneric
	}
	doc := folderDoc{
		Mailbox:  m.path,
		ID:       int64(id),
		ParentID: int64(f.ParentID),
		Type:     int32(typ),
		Props:    string(props),
		Rules:    string(rules),
	}
	if _, err := m.col(colFolders).InsertOne(ctx, doc); err != nil {
		return 0, fmt.Errorf("insert folder: %w", err)
	}
	return id, nil
}

func (m *Mailbox) GetFolder(ctx context.Context, id uint64) (*store.Folder, error) {
	if err := m.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	var doc folderDoc
	err := m.col(colFolders).FindOne(ctx, bson.M{"mailbox": m.path, "fid": int64(id)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get folder: %w", err)
	}
	props, err := store.DecodeProps([]byte(doc.Props))
	if err != nil {
		return nil, err
	}
	rules, err := store.DecodePropList([]byte(doc.Rules))
	if err != nil {
		return nil, err
	}
	return &store.Folder{
		ID:       uint64(doc.ID),
		ParentID: uint64(doc.ParentID),
		Type:     store.FolderType(doc.Type),
		Props:    props,
		Rules:    rules,
	}, nil
}

func (m *Mailbox) UpdateFolder(ctx context.Context, id uint64, changes store.PropValues) error {
	f, err := m.GetFolder(ctx, id)
	if err != nil {
		return err
	}
	f.Props.Merge(changes)
	data, err := store.EncodeProps(f.Props)
	if err != nil {
		return err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()
	return m.updateOne(ctx, colFolders, bson.M{"mailbox": m.path, "fid": int64(id)}, bson.M{"props": string(data)})
}

func (m *Mailbox) MoveFolder(ctx context.Context, id, parentID uint64) error {
	if err := m.checkConnected(); err != nil {
		return err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	ok, err := m.folderExists(ctx, parentID)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNotFound
	}
	return m.updateOne(ctx, colFolders, bson.M{"mailbox": m.path, "fid": int64(id)}, bson.M{"parent_id": int64(parentID)})
}

func (m *Mailbox) DeleteFolder(ctx context.Context, id uint64) error {
	if err := m.checkConnected(); err != nil {
		return err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	res, err := m.col(colFolders).DeleteOne(ctx, bson.M{"mailbox": m.path, "fid": int64(id)})
	if err != nil {
		return fmt.Errorf("delete folder: %w", err)
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	filter := bson.M{"mailbox": m.path, "folder_id": int64(id)}
	if _, err := m.col(colResults).DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("delete search results: %w", err)
	}
	if _, err := m.col(colCriteria).DeleteOne(ctx, filter); err != nil {
		return fmt.Errorf("delete search criteria: %w", err)
	}
	return nil
}

func (m *Mailbox) ChildFolders(ctx context.Context, parentID uint64) ([]uint64, error) {
	if err := m.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	var docs []folderDoc
	if err := m.findAll(ctx, colFolders, bson.M{"mailbox": m.path, "parent_id": int64(parentID)}, "fid", &docs); err != nil {
		return nil, err
	}
	ids := make([]uint64, len(docs))
	for i, d := range docs {
		ids[i] = uint64(d.ID)
	}
	return ids, nil
}

// =============================================================================
// Message Operations
// =============================================================================

func (m *Mailbox) CreateMessage(ctx context.Context, msg *store.Message) (uint64, error) {
	if err := m.checkConnected(); err != nil {
		return 0, err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	ok, err := m.folderExists(ctx, msg.FolderID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, store.ErrNotFound
	}
	props, err := store.EncodeProps(msg.Props)
	if err != nil {
		return 0, err
	}
	rcpts, err := store.EncodePropList(msg.Recipients)
	if err != nil {
		return 0, err
	}
	atts, err := store.EncodePropList(msg.Attachments)
	if err != nil {
		return 0, err
	}
	id, err := m.nextID(ctx)
	if err != nil {
		return 0, err
	}
	doc := messageDoc{
		Mailbox:     m.path,
		ID:          int64(id),
		FolderID:    int64(msg.FolderID),
		Associated:  msg.Associated,
		Props:       string(props),
		Recipients:  string(rcpts),
		Attachments: string(atts),
	}
	if _, err := m.col(colMessages).InsertOne(ctx, doc); err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return id, nil
}

func (m *Mailbox) GetMessage(ctx context.Context, id uint64) (*store.Message, error) {
	if err := m.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	var doc messageDoc
	err := m.col(colMessages).FindOne(ctx, bson.M{"mailbox": m.path, "mid": int64(id)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	props, err := store.DecodeProps([]byte(doc.Props))
	if err != nil {
		return nil, err
	}
	rcpts, err := store.DecodePropList([]byte(doc.Recipients))
	if err != nil {
		return nil, err
	}
	atts, err := store.DecodePropList([]byte(doc.Attachments))
	if err != nil {
		return nil, err
	}
	return &store.Message{
		ID:          uint64(doc.ID),
		FolderID:    uint64(doc.FolderID),
		Associated:  doc.Associated,
		Props:       props,
		Recipients:  rcpts,
		Attachments: atts,
	}, nil
}

func (m *Mailbox) UpdateMessage(ctx context.Context, id uint64, changes store.PropValues) error {
	msg, err := m.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	msg.Props.Merge(changes)
	data, err := store.EncodeProps(msg.Props)
	if err != nil {
		return err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()
	return m.updateOne(ctx, colMessages, bson.M{"mailbox": m.path, "mid": int64(id)}, bson.M{"props": string(data)})
}

func (m *Mailbox) MoveMessage(ctx context.Context, id, folderID uint64) error {
	if err := m.checkConnected(); err != nil {
		return err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	ok, err := m.folderExists(ctx, folderID)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNotFound
	}
	return m.updateOne(ctx, colMessages, bson.M{"mailbox": m.path, "mid": int64(id)}, bson.M{"folder_id": int64(folderID)})
}

func (m *Mailbox) DeleteMessage(ctx context.Context, id uint64) error {
	if err := m.checkConnected(); err != nil {
		return err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	res, err := m.col(colMessages).DeleteOne(ctx, bson.M{"mailbox": m.path, "mid": int64(id)})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	if _, err := m.col(colResults).DeleteMany(ctx, bson.M{"mailbox": m.path, "message_id": int64(id)}); err != nil {
		return fmt.Errorf("delete search results: %w", err)
	}
	return nil
}

func (m *Mailbox) FolderMessages(ctx context.Context, folderID uint64) ([]uint64, error) {
	if err := m.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	var docs []messageDoc
	if err := m.findAll(ctx, colMessages, bson.M{"mailbox": m.path, "folder_id": int64(folderID)}, "mid", &docs); err != nil {
		return nil, err
	}
	ids := make([]uint64, len(docs))
	for i, d := range docs {
		ids[i] = uint64(d.ID)
	}
	return ids, nil
}

// =============================================================================
// Search Operations
// =============================================================================

func (m *Mailbox) SearchResults(ctx context.Context, folderID uint64) ([]uint64, error) {
	return m.results(ctx, bson.M{"mailbox": m.path, "folder_id": int64(folderID)}, "message_id", func(d resultDoc) int64 { return d.MessageID })
}

func (m *Mailbox) SearchFoldersOf(ctx context.Context, messageID uint64) ([]uint64, error) {
	return m.results(ctx, bson.M{"mailbox": m.path, "message_id": int64(messageID)}, "folder_id", func(d resultDoc) int64 { return d.FolderID })
}

func (m *Mailbox) results(ctx context.Context, filter bson.M, sortKey string, pick func(resultDoc) int64) ([]uint64, error) {
	if err := m.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	var docs []resultDoc
	if err := m.findAll(ctx, colResults, filter, sortKey, &docs); err != nil {
		return nil, err
	}
	ids := make([]uint64, len(docs))
	for i, d := range docs {
		ids[i] = uint64(pick(d))
	}
	return ids, nil
}

func (m *Mailbox) AddSearchResult(ctx context.Context, folderID, messageID uint64) (bool, error) {
	if err := m.checkConnected(); err != nil {
		return false, err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	filter := bson.M{"mailbox": m.path, "folder_id": int64(folderID), "message_id": int64(messageID)}
	res, err := m.col(colResults).UpdateOne(ctx, filter,
		bson.M{"$setOnInsert": filter},
		mongoopts.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert search result: %w", err)
	}
	return res.UpsertedCount > 0, nil
}

func (m *Mailbox) RemoveSearchResult(ctx context.Context, folderID, messageID uint64) (bool, error) {
	if err := m.checkConnected(); err != nil {
		return false, err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	res, err := m.col(colResults).DeleteOne(ctx, bson.M{"mailbox": m.path, "folder_id": int64(folderID), "message_id": int64(messageID)})
	if err != nil {
		return false, fmt.Errorf("delete search result: %w", err)
	}
	return res.DeletedCount > 0, nil
}

func (m *Mailbox) ClearSearchResults(ctx context.Context, folderID uint64) error {
	if err := m.checkConnected(); err != nil {
		return err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	if _, err := m.col(colResults).DeleteMany(ctx, bson.M{"mailbox": m.path, "folder_id": int64(folderID)}); err != nil {
		return fmt.Errorf("clear search results: %w", err)
	}
	return nil
}

func (m *Mailbox) SaveSearchCriteria(ctx context.Context, c *store.SearchCriteria) error {
	if err := m.checkConnected(); err != nil {
		return err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	ok, err := m.folderExists(ctx, c.FolderID)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNotFound
	}
	doc := criteriaDoc{
		Mailbox:  m.path,
		FolderID: int64(c.FolderID),
		Flags:    int64(c.Flags),
		Scope:    make([]int64, len(c.Scope)),
	}
	for i, id := range c.Scope {
		doc.Scope[i] = int64(id)
	}
	if c.Restriction != nil {
		data, err := json.Marshal(c.Restriction)
		if err != nil {
			return fmt.Errorf("marshal restriction: %w", err)
		}
		doc.Restriction = string(data)
	}
	_, err = m.col(colCriteria).ReplaceOne(ctx,
		bson.M{"mailbox": m.path, "folder_id": doc.FolderID},
		doc,
		mongoopts.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("save search criteria: %w", err)
	}
	return nil
}

func (m *Mailbox) LoadSearchCriteria(ctx context.Context, folderID uint64) (*store.SearchCriteria, error) {
	if err := m.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	var doc criteriaDoc
	err := m.col(colCriteria).FindOne(ctx, bson.M{"mailbox": m.path, "folder_id": int64(folderID)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("load search criteria: %w", err)
	}
	return doc.criteria()
}

func (m *Mailbox) AllSearchCriteria(ctx context.Context) ([]*store.SearchCriteria, error) {
	if err := m.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	var docs []criteriaDoc
	if err := m.findAll(ctx, colCriteria, bson.M{"mailbox": m.path}, "folder_id", &docs); err != nil {
		return nil, err
	}
	out := make([]*store.SearchCriteria, 0, len(docs))
	for _, d := range docs {
		c, err := d.criteria()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *Mailbox) DeleteSearchCriteria(ctx context.Context, folderID uint64) error {
	if err := m.checkConnected(); err != nil {
		return err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	if _, err := m.col(colCriteria).DeleteOne(ctx, bson.M{"mailbox": m.path, "folder_id": int64(folderID)}); err != nil {
		return fmt.Errorf("delete search criteria: %w", err)
	}
	return nil
}

func (d *criteriaDoc) criteria() (*store.SearchCriteria, error) {
	c := &store.SearchCriteria{
		FolderID: uint64(d.FolderID),
		Flags:    store.SearchFlags(d.Flags),
	}
	if len(d.Scope) > 0 {
		c.Scope = make([]uint64, len(d.Scope))
		for i, id := range d.Scope {
			c.Scope[i] = uint64(id)
		}
	}
	if d.Restriction != "" {
		if err := json.Unmarshal([]byte(d.Restriction), &c.Restriction); err != nil {
			return nil, fmt.Errorf("decode restriction: %w", err)
		}
	}
	return c, nil
}

// =============================================================================
// Helpers
// =============================================================================

func (m *Mailbox) updateOne(ctx context.Context, col string, filter, set bson.M) error {
	res, err := m.col(col).UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update %s: %w", col, err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (m *Mailbox) findAll(ctx context.Context, col string, filter bson.M, sortKey string, out any) error {
	cursor, err := m.col(col).Find(ctx, filter, mongoopts.Find().SetSort(bson.D{{Key: sortKey, Value: 1}}))
	if err != nil {
		return fmt.Errorf("find %s: %w", col, err)
	}
	if err := cursor.All(ctx, out); err != nil {
		return fmt.Errorf("decode %s: %w", col, err)
	}
	return nil
}
