// Package storetest holds behavior tests shared by every store.Opener
// implementation.
package storetest

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/rbaliyan/exmdb/store"
)

// Run exercises the store.Mailbox contract against mailboxes from o.
// Each subtest opens its own path below base.
func Run(t *testing.T, o store.Opener, base string) {
	t.Helper()
	ctx := context.Background()

	open := func(t *testing.T, name string) store.Mailbox {
		t.Helper()
		mb, err := o.Open(ctx, base+"/"+name)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { _ = mb.Close() })
		return mb
	}

	t.Run("folders", func(t *testing.T) {
		mb := open(t, "folders")
		root, err := mb.CreateFolder(ctx, &store.Folder{Props: store.PropValues{store.TagDisplayName: "root"}})
		if err != nil {
			t.Fatalf("CreateFolder: %v", err)
		}
		a, err := mb.CreateFolder(ctx, &store.Folder{ParentID: root, Props: store.PropValues{store.TagDisplayName: "a"}})
		if err != nil {
			t.Fatalf("CreateFolder: %v", err)
		}
		b, err := mb.CreateFolder(ctx, &store.Folder{ParentID: a, Type: store.FolderSearch})
		if err != nil {
			t.Fatalf("CreateFolder: %v", err)
		}
		if _, err := mb.CreateFolder(ctx, &store.Folder{ParentID: 9999}); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("create under missing parent: got %v, want ErrNotFound", err)
		}

		f, err := mb.GetFolder(ctx, b)
		if err != nil {
			t.Fatalf("GetFolder: %v", err)
		}
		if !f.IsSearch() || f.ParentID != a {
			t.Errorf("GetFolder = %+v", f)
		}

		anc, err := store.Ancestors(ctx, mb, b)
		if err != nil {
			t.Fatalf("Ancestors: %v", err)
		}
		if !slices.Equal(anc, []uint64{a, root}) {
			t.Errorf("Ancestors = %v, want [%d %d]", anc, a, root)
		}

		if err := mb.UpdateFolder(ctx, a, store.PropValues{store.TagDisplayName: "renamed"}); err != nil {
			t.Fatalf("UpdateFolder: %v", err)
		}
		f, _ = mb.GetFolder(ctx, a)
		if f.Props[store.TagDisplayName] != "renamed" {
			t.Errorf("display name = %v", f.Props[store.TagDisplayName])
		}

		if err := mb.MoveFolder(ctx, b, root); err != nil {
			t.Fatalf("MoveFolder: %v", err)
		}
		kids, err := mb.ChildFolders(ctx, root)
		if err != nil {
			t.Fatalf("ChildFolders: %v", err)
		}
		if !slices.Equal(kids, []uint64{a, b}) {
			t.Errorf("ChildFolders = %v", kids)
		}

		if err := mb.DeleteFolder(ctx, b); err != nil {
			t.Fatalf("DeleteFolder: %v", err)
		}
		if _, err := mb.GetFolder(ctx, b); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("deleted folder: got %v, want ErrNotFound", err)
		}
		if err := mb.DeleteFolder(ctx, b); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("second delete: got %v, want ErrNotFound", err)
		}
	})

	t.Run("messages", func(t *testing.T) {
		mb := open(t, "messages")
		inbox, _ := mb.CreateFolder(ctx, &store.Folder{})
		other, _ := mb.CreateFolder(ctx, &store.Folder{})

		id, err := mb.CreateMessage(ctx, &store.Message{
			FolderID:   inbox,
			Props:      store.PropValues{store.TagSubject: "hello", store.TagMessageFlags: int32(0)},
			Recipients: []store.PropValues{{store.TagDisplayName: "bob"}},
		})
		if err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
		if _, err := mb.CreateMessage(ctx, &store.Message{FolderID: 9999}); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("create in missing folder: got %v, want ErrNotFound", err)
		}

		if err := mb.UpdateMessage(ctx, id, store.PropValues{store.TagMessageFlags: store.MessageFlagRead, store.TagSubject: nil}); err != nil {
			t.Fatalf("UpdateMessage: %v", err)
		}
		msg, err := mb.GetMessage(ctx, id)
		if err != nil {
			t.Fatalf("GetMessage: %v", err)
		}
		if !msg.Props.IsRead() {
			t.Error("expected read flag")
		}
		if _, ok := msg.Props[store.TagSubject]; ok {
			t.Error("nil value should remove the subject")
		}
		if len(msg.Recipients) != 1 || msg.Recipients[0][store.TagDisplayName] != "bob" {
			t.Errorf("recipients = %v", msg.Recipients)
		}

		if err := mb.MoveMessage(ctx, id, other); err != nil {
			t.Fatalf("MoveMessage: %v", err)
		}
		ids, _ := mb.FolderMessages(ctx, inbox)
		if len(ids) != 0 {
			t.Errorf("source folder still lists %v", ids)
		}
		ids, _ = mb.FolderMessages(ctx, other)
		if !slices.Equal(ids, []uint64{id}) {
			t.Errorf("FolderMessages = %v", ids)
		}

		if err := mb.DeleteMessage(ctx, id); err != nil {
			t.Fatalf("DeleteMessage: %v", err)
		}
		if _, err := mb.GetMessage(ctx, id); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("deleted message: got %v, want ErrNotFound", err)
		}
	})

	t.Run("search results", func(t *testing.T) {
		mb := open(t, "search")
		inbox, _ := mb.CreateFolder(ctx, &store.Folder{})
		sf, _ := mb.CreateFolder(ctx, &store.Folder{Type: store.FolderSearch})
		m1, _ := mb.CreateMessage(ctx, &store.Message{FolderID: inbox})
		m2, _ := mb.CreateMessage(ctx, &store.Message{FolderID: inbox})

		added, err := mb.AddSearchResult(ctx, sf, m1)
		if err != nil || !added {
			t.Fatalf("AddSearchResult = %v, %v", added, err)
		}
		added, err = mb.AddSearchResult(ctx, sf, m1)
		if err != nil || added {
			t.Errorf("duplicate AddSearchResult = %v, %v; want false, nil", added, err)
		}
		_, _ = mb.AddSearchResult(ctx, sf, m2)

		ids, _ := mb.SearchResults(ctx, sf)
		if !slices.Equal(ids, []uint64{m1, m2}) {
			t.Errorf("SearchResults = %v", ids)
		}
		folders, _ := mb.SearchFoldersOf(ctx, m2)
		if !slices.Equal(folders, []uint64{sf}) {
			t.Errorf("SearchFoldersOf = %v", folders)
		}

		removed, err := mb.RemoveSearchResult(ctx, sf, m2)
		if err != nil || !removed {
			t.Errorf("RemoveSearchResult = %v, %v", removed, err)
		}
		removed, _ = mb.RemoveSearchResult(ctx, sf, m2)
		if removed {
			t.Error("second RemoveSearchResult should report false")
		}

		if err := mb.DeleteMessage(ctx, m1); err != nil {
			t.Fatalf("DeleteMessage: %v", err)
		}
		ids, _ = mb.SearchResults(ctx, sf)
		if len(ids) != 0 {
			t.Errorf("deleting a message should drop its search rows, got %v", ids)
		}

		_, _ = mb.AddSearchResult(ctx, sf, m2)
		if err := mb.ClearSearchResults(ctx, sf); err != nil {
			t.Fatalf("ClearSearchResults: %v", err)
		}
		ids, _ = mb.SearchResults(ctx, sf)
		if len(ids) != 0 {
			t.Errorf("ClearSearchResults left %v", ids)
		}
	})

	t.Run("search criteria", func(t *testing.T) {
		mb := open(t, "criteria")
		inbox, _ := mb.CreateFolder(ctx, &store.Folder{})
		sf, _ := mb.CreateFolder(ctx, &store.Folder{Type: store.FolderSearch})

		if _, err := mb.LoadSearchCriteria(ctx, sf); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("LoadSearchCriteria before save: got %v, want ErrNotFound", err)
		}
		in := &store.SearchCriteria{
			FolderID:    sf,
			Flags:       store.SearchRecursive,
			Restriction: store.And(store.Unread(), store.Contains(store.TagSubject, "x")),
			Scope:       []uint64{inbox},
		}
		if err := mb.SaveSearchCriteria(ctx, in); err != nil {
			t.Fatalf("SaveSearchCriteria: %v", err)
		}
		in.Flags |= store.SearchStopped
		if err := mb.SaveSearchCriteria(ctx, in); err != nil {
			t.Fatalf("SaveSearchCriteria replace: %v", err)
		}

		got, err := mb.LoadSearchCriteria(ctx, sf)
		if err != nil {
			t.Fatalf("LoadSearchCriteria: %v", err)
		}
		if got.Flags != store.SearchRecursive|store.SearchStopped || got.Live() {
			t.Errorf("flags = %v", got.Flags)
		}
		if !slices.Equal(got.Scope, []uint64{inbox}) {
			t.Errorf("scope = %v", got.Scope)
		}
		if !got.Restriction.Evaluate(store.PropValues{store.TagSubject: "xyz", store.TagMessageFlags: int32(0)}) {
			t.Error("decoded restriction should match")
		}

		all, err := mb.AllSearchCriteria(ctx)
		if err != nil || len(all) != 1 {
			t.Fatalf("AllSearchCriteria = %v, %v", all, err)
		}
		if err := mb.SaveSearchCriteria(ctx, &store.SearchCriteria{FolderID: 9999}); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("criteria for missing folder: got %v, want ErrNotFound", err)
		}
		if err := mb.DeleteSearchCriteria(ctx, sf); err != nil {
			t.Fatalf("DeleteSearchCriteria: %v", err)
		}
		if _, err := mb.LoadSearchCriteria(ctx, sf); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("after delete: got %v, want ErrNotFound", err)
		}
	})

	t.Run("reopen keeps data", func(t *testing.T) {
		mb := open(t, "reopen")
		id, err := mb.CreateFolder(ctx, &store.Folder{Props: store.PropValues{store.TagDisplayName: "keep"}})
		if err != nil {
			t.Fatalf("CreateFolder: %v", err)
		}
		if err := mb.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if err := mb.Ping(ctx); !errors.Is(err, store.ErrNotConnected) {
			t.Errorf("Ping after Close: got %v, want ErrNotConnected", err)
		}

		again := open(t, "reopen")
		f, err := again.GetFolder(ctx, id)
		if err != nil {
			t.Fatalf("GetFolder after reopen: %v", err)
		}
		if f.Props[store.TagDisplayName] != "keep" {
			t.Errorf("display name = %v", f.Props[store.TagDisplayName])
		}
	})
}
