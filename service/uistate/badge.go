// Package uistate holds the small pieces of UI state that outlive a single
// request: observable badge counters and nudge timestamps.
package uistate

import "sync"

// Badge is an observable non-negative counter. Subscribers are called with the
// new value after every change, outside the badge's lock.
type Badge struct {
	mu     sync.Mutex
	value  int
	nextID int
	subs   map[int]func(int)
}

// NewBadge creates a Badge at zero.
func NewBadge() *Badge {
	return &Badge{subs: make(map[int]func(int))}
}

// Value returns the current count.
func (b *Badge) Value() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

// Set replaces the count. Negative values are stored as zero.
func (b *Badge) Set(v int) {
	if v < 0 {
		v = 0
	}
	b.mu.Lock()
	changed := b.value != v
	b.value = v
	subs := b.snapshotLocked()
	b.mu.Unlock()

	if changed {
		notify(subs, v)
	}
}

// Add adjusts the count by delta, never going below zero, and returns the new
// value.
func (b *Badge) Add(delta int) int {
	b.mu.Lock()
	old := b.value
	b.value += delta
	if b.value < 0 {
		b.value = 0
	}
	v := b.value
	subs := b.snapshotLocked()
	b.mu.Unlock()

	if v != old {
		notify(subs, v)
	}
	return v
}

// Subscribe registers fn for changes and returns a func that removes it.
func (b *Badge) Subscribe(fn func(int)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *Badge) snapshotLocked() []func(int) {
	subs := make([]func(int), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	return subs
}

func notify(subs []func(int), v int) {
	for _, fn := range subs {
		fn(v)
	}
}

// Badges keeps one Badge per user.
type Badges struct {
	mu     sync.Mutex
	badges map[string]*Badge
}

// NewBadges creates an empty set.
func NewBadges() *Badges {
	return &Badges{badges: make(map[string]*Badge)}
}

// For returns the user's badge, creating it on first use.
func (s *Badges) For(userID string) *Badge {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.badges[userID]
	if !ok {
		b = NewBadge()
		s.badges[userID] = b
	}
	return b
}
