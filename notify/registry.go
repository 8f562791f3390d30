package notify

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry holds the subscriptions of every mailbox.
type Registry struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	byPath map[string][]*Subscription
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		subs:   make(map[string]*Subscription),
		byPath: make(map[string][]*Subscription),
	}
}

// Add validates sub, assigns it an id and stores it.
func (r *Registry) Add(sub Subscription) (string, error) {
	if err := sub.Validate(); err != nil {
		return "", err
	}
	sub.ID = uuid.NewString()
	sub.Created = time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &sub
	r.subs[s.ID] = s
	r.byPath[s.Path] = append(r.byPath[s.Path], s)
	return s.ID, nil
}

// Remove deletes a subscription.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	delete(r.subs, id)
	r.byPath[s.Path] = slices.DeleteFunc(r.byPath[s.Path], func(x *Subscription) bool { return x.ID == id })
	if len(r.byPath[s.Path]) == 0 {
		delete(r.byPath, s.Path)
	}
	return nil
}

// RemoveIDs deletes the given subscriptions and returns how many existed.
func (r *Registry) RemoveIDs(ids ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range ids {
		s, ok := r.subs[id]
		if !ok {
			continue
		}
		delete(r.subs, id)
		r.byPath[s.Path] = slices.DeleteFunc(r.byPath[s.Path], func(x *Subscription) bool { return x.ID == id })
		if len(r.byPath[s.Path]) == 0 {
			delete(r.byPath, s.Path)
		}
		n++
	}
	return n
}

// RemoveObserver deletes every subscription of an observer.
func (r *Registry) RemoveObserver(observer string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for path, subs := range r.byPath {
		kept := slices.DeleteFunc(subs, func(s *Subscription) bool {
			if s.Observer == observer {
				delete(r.subs, s.ID)
				n++
				return true
			}
			return false
		})
		if len(kept) == 0 {
			delete(r.byPath, path)
		} else {
			r.byPath[path] = kept
		}
	}
	return n
}

// Get returns a copy of a subscription.
func (r *Registry) Get(id string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[id]
	if !ok {
		return Subscription{}, false
	}
	return *s, true
}

// Len returns the number of subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// PathLen returns the number of subscriptions of a mailbox.
func (r *Registry) PathLen(path string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPath[path])
}

// Match returns one notification per observer holding a subscription that
// matches ev, in subscription order.
func (r *Registry) Match(ev Event) []Notification {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Notification
	seen := make(map[string]bool)
	for _, s := range r.byPath[ev.Path] {
		if seen[s.Observer] || !s.Matches(ev) {
			continue
		}
		seen[s.Observer] = true
		out = append(out, Notification{Observer: s.Observer, SubscriptionID: s.ID, Event: ev})
	}
	return out
}

// Paths lists the mailboxes that have subscriptions.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byPath))
	for p := range r.byPath {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
