package engine

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/samihult/xjog/chart"
)

// broadcast fans StateChanges out to engine-wide observers. Publishing
// never blocks the send path: a subscriber whose buffer is full is
// detached and its channel closed, which the subscriber observes as a
// terminal condition.
type broadcast struct {
	mu     sync.Mutex
	subs   map[int]chan chart.StateChange
	nextID int
	closed bool
}

func newBroadcast() *broadcast {
	return &broadcast{subs: make(map[int]chan chart.StateChange)}
}

func (b *broadcast) subscribe() (<-chan chart.StateChange, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ch = make(chan chart.StateChange, 64)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	var id = b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

func (b *broadcast) publish(change chart.StateChange) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- change:
		default:
			delete(b.subs, id)
			close(ch)
			log.WithFields(log.Fields{
				"chart": change.Ref,
			}).Warn("dropped slow state change subscriber")
		}
	}
}

func (b *broadcast) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
