// Package exmdb provides a mailbox store engine for Go.
//
// A mailbox is a tree of folders holding messages, addressed by a
// filesystem-like path. The service keeps a bounded registry of open
// mailbox handles, serializes access to each one, and evicts handles that
// have been idle for a while. On top of a handle it offers live tables
// (sorted, restricted and optionally categorized views of folder
// contents), search folders whose membership is maintained as messages
// change, and object notifications for subscribed observers.
//
// # Basic Usage
//
//	svc, err := exmdb.NewService(
//	    exmdb.WithOpener(sqlstore.NewSQLite()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Connect starts the eviction scanner and the population workers
//	if err := svc.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close(ctx)
//
//	inbox, _ := svc.CreateFolder(ctx, "/var/mail/alice", &store.Folder{
//	    Props: store.PropValues{store.TagDisplayName: "Inbox"},
//	})
//	id, _ := svc.CreateMessage(ctx, "/var/mail/alice", &store.Message{
//	    FolderID: inbox,
//	    Props:    store.PropValues{store.TagSubject: "Hello"},
//	})
//
// # Tables
//
// LoadContentTable, LoadHierarchyTable and the sub-object table loaders
// return a table ID. Rows are read with QueryTable, categories are
// expanded and collapsed with ExpandRow and CollapseRow, and the table
// stays live: every mutation on the mailbox updates loaded tables and
// reports row changes to the table's observer.
//
// # Search Folders
//
// A search folder is created with store.FolderSearch and configured with
// SetSearchCriteria. Population runs in the background on a worker pool;
// IsPopulating reports progress. Afterwards, membership is kept in sync
// with message changes, including chains of search folders that use each
// other as scope.
//
// # Storage Backends
//
//   - SQLite and PostgreSQL (store/sqlstore) - accepts *sqlx.DB for Postgres
//   - MongoDB (store/mongo) - accepts *mongo.Client
//   - In-memory (store/memory) - for testing
//
// # Events
//
// Notifications are delivered to a notify.Sink. Unless WithSink replaces
// it, the sink publishes typed events using github.com/rbaliyan/event/v3,
// which supports Redis Streams and in-memory channel transports:
//
//	svc, err := exmdb.NewService(
//	    exmdb.WithOpener(opener),
//	    exmdb.WithRedisClient(redisClient),
//	)
//
// Events are registered during Connect. Access them via the Events method:
//
//	events := svc.Events()
//	events.ObjectNotification.Subscribe(ctx, handler)
//	events.TableNotification.Subscribe(ctx, handler)
//	events.SearchCompleted.Subscribe(ctx, handler)
package exmdb
