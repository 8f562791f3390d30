package exmdb

import (
	"context"
	"slices"

	"github.com/rbaliyan/exmdb/notify"
)

// Subscribe registers a subscription and returns its id. The mailbox is
// loaded and stays loaded while it has subscriptions.
func (s *service) Subscribe(ctx context.Context, sub notify.Subscription) (string, error) {
	p, err := normalizePath(sub.Path)
	if err != nil {
		return "", err
	}
	sub.Path = p
	if err := sub.Validate(); err != nil {
		return "", err
	}

	var id string
	err = s.withHandle(ctx, p, func(h *handle) error {
		switch {
		case sub.WholeStore:
		case sub.Message != 0:
			if _, err := h.mb.GetMessage(ctx, sub.Message); err != nil {
				return wrapStore(err)
			}
		default:
			if _, err := h.mb.GetFolder(ctx, sub.Folder); err != nil {
				return wrapStore(err)
			}
		}
		var err error
		if id, err = s.subs.Add(sub); err != nil {
			return err
		}
		h.subs = slices.DeleteFunc(h.subs, func(old string) bool {
			_, ok := s.subs.Get(old)
			return !ok
		})
		h.subs = append(h.subs, id)
		return nil
	})
	if err != nil {
		return "", err
	}
	s.logger.Debug("subscription added", "path", p, "observer", sub.Observer, "subscription", id)
	return id, nil
}

// Unsubscribe removes a subscription.
func (s *service) Unsubscribe(_ context.Context, id string) error {
	return s.subs.Remove(id)
}
