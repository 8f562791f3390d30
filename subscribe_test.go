package exmdb

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/rbaliyan/exmdb/notify"
	"github.com/rbaliyan/exmdb/store"
)

func eventsOf(rec *notify.Recorder, observer string) []notify.Event {
	var out []notify.Event
	for _, n := range rec.Notifications() {
		if n.Observer == observer {
			out = append(out, n.Event)
		}
	}
	return out
}

func TestSubscribeValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	f := mkFolder(t, svc, 0, "F")

	tests := []struct {
		name string
		sub  notify.Subscription
		want error
	}{
		{"missing observer", notify.Subscription{Path: testPath, Types: notify.AllEvents, Folder: f}, notify.ErrInvalidSubscription},
		{"no types", notify.Subscription{Observer: "obs", Path: testPath, Folder: f}, notify.ErrInvalidSubscription},
		{"no scope", notify.Subscription{Observer: "obs", Path: testPath, Types: notify.AllEvents}, notify.ErrInvalidSubscription},
		{"bad path", notify.Subscription{Observer: "obs", Path: " ", Types: notify.AllEvents, Folder: f}, ErrInvalidPath},
		{"missing folder", notify.Subscription{Observer: "obs", Path: testPath, Types: notify.AllEvents, Folder: 404}, ErrNotFound},
		{"missing message", notify.Subscription{Observer: "obs", Path: testPath, Types: notify.AllEvents, Message: 404}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Subscribe(ctx, tt.sub); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if n := svc.Stats().Subscriptions; n != 0 {
		t.Errorf("expected no subscriptions, got %d", n)
	}
}

func TestFolderSubscription(t *testing.T) {
	svc, rec := newTestService(t)
	ctx := context.Background()
	inbox := mkFolder(t, svc, 0, "inbox")
	archive := mkFolder(t, svc, 0, "archive")

	id, err := svc.Subscribe(ctx, notify.Subscription{
		Observer: "obs",
		Path:     testPath,
		Types:    notify.AllEvents,
		Folder:   inbox,
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if id == "" {
		t.Fatal("expected subscription id")
	}

	m := mkMessage(t, svc, inbox, "hello")
	mkMessage(t, svc, archive, "elsewhere")
	evs := eventsOf(rec, "obs")
	if len(evs) != 1 || evs[0].Type != notify.ObjectCreated || evs[0].Message != m || evs[0].Folder != inbox {
		t.Fatalf("expected one created event for %d, got %+v", m, evs)
	}
	if evs[0].Path != testPath || evs[0].Time.IsZero() {
		t.Errorf("expected path and time to be set, got %+v", evs[0])
	}

	t.Run("modify carries tags", func(t *testing.T) {
		rec.Reset()
		if err := svc.ModifyMessage(ctx, testPath, m, store.PropValues{store.TagSubject: "hi", store.TagImportance: int32(2)}); err != nil {
			t.Fatalf("modify: %v", err)
		}
		evs := eventsOf(rec, "obs")
		if len(evs) != 1 || evs[0].Type != notify.ObjectModified {
			t.Fatalf("expected one modified event, got %+v", evs)
		}
		want := []store.PropTag{store.TagImportance, store.TagSubject}
		slices.Sort(want)
		if !slices.Equal(evs[0].Tags, want) {
			t.Errorf("expected tags %v, got %v", want, evs[0].Tags)
		}
	})

	t.Run("move out matches old folder", func(t *testing.T) {
		rec.Reset()
		if err := svc.MoveMessage(ctx, testPath, m, archive); err != nil {
			t.Fatalf("move: %v", err)
		}
		evs := eventsOf(rec, "obs")
		if len(evs) != 1 || evs[0].Type != notify.ObjectMoved || evs[0].Folder != archive || evs[0].OldFolder != inbox {
			t.Fatalf("expected moved event, got %+v", evs)
		}
	})

	t.Run("subfolder events", func(t *testing.T) {
		rec.Reset()
		child := mkFolder(t, svc, inbox, "child")
		evs := eventsOf(rec, "obs")
		if len(evs) != 1 || evs[0].Type != notify.ObjectCreated || evs[0].Folder != child || evs[0].Parent != inbox {
			t.Fatalf("expected folder created event, got %+v", evs)
		}
	})

	t.Run("unsubscribe", func(t *testing.T) {
		if err := svc.Unsubscribe(ctx, id); err != nil {
			t.Fatalf("unsubscribe: %v", err)
		}
		rec.Reset()
		mkMessage(t, svc, inbox, "after")
		if evs := eventsOf(rec, "obs"); len(evs) != 0 {
			t.Errorf("expected no events after unsubscribe, got %+v", evs)
		}
		if err := svc.Unsubscribe(ctx, id); !errors.Is(err, notify.ErrSubscriptionNotFound) {
			t.Errorf("expected ErrSubscriptionNotFound, got %v", err)
		}
	})
}

func TestMessageSubscription(t *testing.T) {
	svc, rec := newTestService(t)
	ctx := context.Background()
	f := mkFolder(t, svc, 0, "F")
	m1 := mkMessage(t, svc, f, "one")
	m2 := mkMessage(t, svc, f, "two")

	if _, err := svc.Subscribe(ctx, notify.Subscription{
		Observer: "obs",
		Path:     testPath,
		Types:    notify.ObjectModified | notify.ObjectDeleted,
		Message:  m1,
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := svc.SetMessageRead(ctx, testPath, m2, true); err != nil {
		t.Fatalf("set read: %v", err)
	}
	if err := svc.SetMessageRead(ctx, testPath, m1, true); err != nil {
		t.Fatalf("set read: %v", err)
	}
	if err := svc.DeleteMessage(ctx, testPath, m1); err != nil {
		t.Fatalf("delete: %v", err)
	}

	evs := eventsOf(rec, "obs")
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %+v", evs)
	}
	if evs[0].Type != notify.ObjectModified || !slices.Contains(evs[0].Tags, store.TagMessageFlags) {
		t.Errorf("expected flags modification, got %+v", evs[0])
	}
	if evs[1].Type != notify.ObjectDeleted || evs[1].Message != m1 {
		t.Errorf("expected deletion of %d, got %+v", m1, evs[1])
	}
}

func TestDeliverMessage(t *testing.T) {
	svc, rec := newTestService(t)
	ctx := context.Background()
	inbox := mkFolder(t, svc, 0, "inbox")
	if _, err := svc.Subscribe(ctx, notify.Subscription{
		Observer:   "obs",
		Path:       testPath,
		Types:      notify.NewMail,
		WholeStore: true,
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	mkMessage(t, svc, inbox, "draft")
	id, err := svc.DeliverMessage(ctx, testPath, &store.Message{
		FolderID: inbox,
		Props:    store.PropValues{store.TagSubject: "incoming"},
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}

	evs := eventsOf(rec, "obs")
	if len(evs) != 1 || evs[0].Type != notify.NewMail || evs[0].Message != id {
		t.Fatalf("expected one new-mail event for %d, got %+v", id, evs)
	}
}

func TestSearchMembershipNotifications(t *testing.T) {
	svc, rec := newTestService(t)
	ctx := context.Background()
	f := mkFolder(t, svc, 0, "F")
	s := mkSearchFolder(t, svc, 0, "S")
	setCriteria(t, svc, &store.SearchCriteria{
		FolderID:    s,
		Restriction: store.Contains(store.TagSubject, "x"),
		Scope:       []uint64{f},
	})
	if _, err := svc.Subscribe(ctx, notify.Subscription{
		Observer: "obs",
		Path:     testPath,
		Types:    notify.ObjectCreated | notify.ObjectDeleted,
		Folder:   s,
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	m := mkMessage(t, svc, f, "x-1")
	if err := svc.ModifyMessage(ctx, testPath, m, store.PropValues{store.TagSubject: "plain"}); err != nil {
		t.Fatalf("modify: %v", err)
	}

	evs := eventsOf(rec, "obs")
	if len(evs) != 2 {
		t.Fatalf("expected join and leave events, got %+v", evs)
	}
	if evs[0].Type != notify.ObjectCreated || evs[0].Folder != s || evs[0].Message != m {
		t.Errorf("unexpected join event %+v", evs[0])
	}
	if evs[1].Type != notify.ObjectDeleted || evs[1].Folder != s || evs[1].Message != m {
		t.Errorf("unexpected leave event %+v", evs[1])
	}
}
