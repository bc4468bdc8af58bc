package bridge

import (
	"sync"

	"murmur/internal/store"
)

// EventType names a live-update notification kind as delivered on the SSE
// stream.
type EventType string

const (
	EventNewComment    EventType = "new_comment"
	EventUpdateComment EventType = "update_comment"
	EventDeleteComment EventType = "delete_comment"
)

// Notification is one fan-out entry. Comment is nil for deletions.
type Notification struct {
	Type      EventType
	Tenant    string
	Slug      string
	CommentID string
	Comment   *store.Comment
}

// Broadcaster fans notifications out to live subscribers. Delivery is
// best-effort: a subscriber with a full channel misses the entry and must
// re-fetch via the query path.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan Notification]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Notification]struct{})}
}

// Subscribe registers a listener. The returned cancel func must be called
// when the listener goes away.
func (b *Broadcaster) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Broadcaster) Publish(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Subscribers reports the current listener count.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
