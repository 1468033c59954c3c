package hub

import (
	"encoding/json"
	"sort"
	"sync"
)

// EventHandler receives the raw event payload of a subscription's frames.
type EventHandler func(event json.RawMessage)

// SubscriptionManager routes event frames to handlers by correlation id.
// One session owns one manager; ids come from the session's codec.
type SubscriptionManager struct {
	mu   sync.Mutex
	subs map[int64]EventHandler
}

// NewSubscriptionManager creates an empty manager.
func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{subs: make(map[int64]EventHandler)}
}

// Subscribe registers a handler for events carrying the given id.
func (s *SubscriptionManager) Subscribe(id int64, h EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[id] = h
}

// Cancel removes a subscription. Unknown ids are a no-op.
func (s *SubscriptionManager) Cancel(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

// Dispatch invokes the handler registered for id, reporting whether one
// existed. The handler runs without the lock held.
func (s *SubscriptionManager) Dispatch(id int64, event json.RawMessage) bool {
	s.mu.Lock()
	h, ok := s.subs[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	h(event)
	return true
}

// List returns the active subscription ids in ascending order.
func (s *SubscriptionManager) List() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Count returns the number of active subscriptions.
func (s *SubscriptionManager) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
