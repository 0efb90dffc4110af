package live

import (
	"log/slog"
	"sync"
)

// Feed is an ordered publish/subscribe stream of pipeline events.
// Every subscriber observes events in the order they were published.
// A subscriber that falls behind its buffer loses events rather than
// stalling the pipeline.
type Feed struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
	logger *slog.Logger
}

type subscriber struct {
	ch      chan Event
	dropped int
}

// NewFeed creates an event feed.
func NewFeed(logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		subs:   make(map[int]*subscriber),
		logger: logger,
	}
}

// Subscribe registers a new subscriber with the given channel buffer and
// returns the event channel plus a cancel function. The channel is closed
// when the subscription is cancelled or the feed itself closes.
func (f *Feed) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan Event, buffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}

	id := f.nextID
	f.nextID++
	f.subs[id] = &subscriber{ch: ch}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if s, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(s.ch)
			}
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber. Publishing under the lock
// keeps the per-subscriber order identical to the publish order.
func (f *Feed) Publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	for _, s := range f.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped++
			if s.dropped == 1 || s.dropped%100 == 0 {
				f.logger.Warn("feed subscriber lagging, dropping events",
					"event_type", ev.EventType(),
					"dropped", s.dropped)
			}
		}
	}
}

// Close closes the feed and all subscriber channels. Publish becomes a no-op.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for id, s := range f.subs {
		delete(f.subs, id)
		close(s.ch)
	}
}

// SubscriberCount returns the number of active subscribers.
func (f *Feed) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
