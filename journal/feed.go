package journal

import (
	"sync"

	"github.com/driftline/perpsweep/core"
)

// FeedConsumer is a function that processes lifecycle events
type FeedConsumer func(event core.Event)

// Feed fans position lifecycle events out to the journal writer,
// notifiers and metrics. Publishing never blocks the trading path: a
// full buffer drops the delivery rather than stall a monitor tick.
type Feed struct {
	mu            sync.RWMutex
	events        chan core.Event
	subscriptions []FeedConsumer
	started       bool
}

// NewFeed creates a new event feed
func NewFeed() *Feed {
	return &Feed{
		events: make(chan core.Event, 100),
	}
}

// Subscribe registers a consumer to receive every published event
func (f *Feed) Subscribe(consumer FeedConsumer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions = append(f.subscriptions, consumer)
}

// Publish sends an event to all subscribers without blocking
func (f *Feed) Publish(event core.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.started {
		return
	}

	select {
	case f.events <- event:
	default:
		// Buffer full, consumers are too slow; drop rather than block
	}
}

// Start begins dispatching events to subscribers
func (f *Feed) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.started {
		return
	}
	f.started = true

	go func() {
		for event := range f.events {
			f.mu.RLock()
			subscriptions := f.subscriptions
			f.mu.RUnlock()

			for _, consumer := range subscriptions {
				consumer(event)
			}
		}
	}()
}

// Stop shuts the dispatch loop down after draining pending events
func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.started {
		return
	}
	f.started = false
	close(f.events)
	f.events = make(chan core.Event, 100)
}
