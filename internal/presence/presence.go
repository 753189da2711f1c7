// Package presence tracks which peers are online, as of the last broadcast.
package presence

import (
	"slices"
	"sync"
)

type Tracker struct {
	mu       sync.RWMutex
	online   map[string]struct{}
	onChange func([]string)
}

// New returns an empty tracker. onChange may be nil; it receives the sorted
// online set after every Replace or Reset.
func New(onChange func([]string)) *Tracker {
	return &Tracker{online: make(map[string]struct{}), onChange: onChange}
}

// Replace swaps in the broadcast set wholesale.
func (t *Tracker) Replace(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			next[id] = struct{}{}
		}
	}

	t.mu.Lock()
	t.online = next
	t.mu.Unlock()
	t.notify()
}

// Reset forgets everyone, e.g. when the channel drops.
func (t *Tracker) Reset() {
	t.Replace(nil)
}

func (t *Tracker) IsOnline(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[id]
	return ok
}

// Online returns the online ids in sorted order.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

func (t *Tracker) notify() {
	if t.onChange != nil {
		t.onChange(t.Online())
	}
}
