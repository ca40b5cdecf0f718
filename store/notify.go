package store

import (
	"sync"

	"github.com/samihult/xjog/chart"
)

// Notification channels used by the engine.
const (
	ChannelNewJournalEntry = "new-journal-entry"
	ChannelNewDigestEntry  = "new-digest-entry"
)

// Notification is one message on a named channel.
type Notification struct {
	Channel string
	ID      int64
	Ref     chart.Reference
}

// Notifier is a best-effort in-process notification hub. Databases with a
// native listen/notify mechanism would replace it; without one,
// subscribers combine these notifications with polling at the store's
// poll interval, so a dropped notification delays delivery but never
// loses it.
type Notifier struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan Notification
	nextID int
	closed bool
}

// NewNotifier returns an empty hub.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[string]map[int]chan Notification)}
}

// Subscribe returns a channel of notifications on the named channel and a
// cancel function. The channel is buffered; a full buffer drops the
// notification (polling recovers it).
func (n *Notifier) Subscribe(channel string) (<-chan Notification, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var ch = make(chan Notification, 16)
	if n.closed {
		close(ch)
		return ch, func() {}
	}

	var id = n.nextID
	n.nextID++
	if n.subs[channel] == nil {
		n.subs[channel] = make(map[int]chan Notification)
	}
	n.subs[channel][id] = ch

	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if sub, ok := n.subs[channel][id]; ok {
			delete(n.subs[channel], id)
			close(sub)
		}
	}
}

// Publish delivers a notification to current subscribers without
// blocking.
func (n *Notifier) Publish(note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs[note.Channel] {
		select {
		case ch <- note:
		default:
		}
	}
}

// Close detaches all subscribers.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for _, subs := range n.subs {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
	}
}
