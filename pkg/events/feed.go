// Package events relays the ledger's event log to external observers. The
// durable log inside the ledger store is the source of truth; this feed is
// the ordered, at-least-once delivery channel layered on top of it.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/blocknet-labs/poc-core/pkg/ledger"
)

// Sink receives every published event, in commit order. Sink errors are
// logged and do not stall the feed.
type Sink interface {
	Publish(ctx context.Context, ev ledger.Event) error
}

// Feed fans ledger events out to in-process subscribers and configured
// sinks. Publishing never blocks the application path: a subscriber that
// falls behind loses events and must re-read the durable log.
type Feed struct {
	mu     sync.Mutex
	subs   map[int]chan ledger.Event
	nextID int
	sinks  []Sink
	logger *slog.Logger
}

// NewFeed creates a feed with the given sinks.
func NewFeed(logger *slog.Logger, sinks ...Sink) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		subs:   make(map[int]chan ledger.Event),
		sinks:  sinks,
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers an in-process consumer. The returned cancel function
// unregisters it and closes the channel.
func (f *Feed) Subscribe(buffer int) (<-chan ledger.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan ledger.Event, buffer)

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close unregisters and closes every subscriber channel.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, sub := range f.subs {
		delete(f.subs, id)
		close(sub)
	}
}

// Publish relays events in order to every subscriber and sink.
func (f *Feed) Publish(ctx context.Context, events ...ledger.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range events {
		for _, sub := range f.subs {
			select {
			case sub <- ev:
			default:
				f.logger.Warn("subscriber behind, dropping event",
					"event_id", ev.ID, "kind", ev.Kind, "height", ev.Height)
			}
		}
		for _, sink := range f.sinks {
			if err := sink.Publish(ctx, ev); err != nil {
				f.logger.Error("sink publish failed",
					"event_id", ev.ID, "kind", ev.Kind, "error", err)
			}
		}
	}
}
