package journal

import (
	"testing"
	"time"

	"github.com/driftline/perpsweep/core"
	"github.com/stretchr/testify/require"
)

func TestFeedDeliversToSubscriber(t *testing.T) {
	feed := NewFeed()
	received := make(chan core.Event, 1)

	feed.Subscribe(func(event core.Event) {
		received <- event
	})

	feed.Start()
	defer feed.Stop()

	feed.Publish(core.Event{Type: core.EventFilled, Pair: "SOLUSDT"})

	select {
	case event := <-received:
		require.Equal(t, core.EventFilled, event.Type)
		require.Equal(t, "SOLUSDT", event.Pair)
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestFeedFansOutToEverySubscriber(t *testing.T) {
	feed := NewFeed()
	first := make(chan core.Event, 1)
	second := make(chan core.Event, 1)

	feed.Subscribe(func(event core.Event) { first <- event })
	feed.Subscribe(func(event core.Event) { second <- event })

	feed.Start()
	defer feed.Stop()

	feed.Publish(core.Event{Type: core.EventClosed, Pair: "ETHUSDT"})

	for _, ch := range []chan core.Event{first, second} {
		select {
		case event := <-ch:
			require.Equal(t, "ETHUSDT", event.Pair)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the event")
		}
	}
}

func TestFeedDropsEventsBeforeStart(t *testing.T) {
	feed := NewFeed()
	received := make(chan core.Event, 2)

	feed.Subscribe(func(event core.Event) { received <- event })

	// nothing is queued before the dispatch loop runs
	feed.Publish(core.Event{Type: core.EventCreated, Pair: "DROPPED"})

	feed.Start()
	defer feed.Stop()

	feed.Publish(core.Event{Type: core.EventFilled, Pair: "KEPT"})

	select {
	case event := <-received:
		require.Equal(t, "KEPT", event.Pair)
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestFeedRestartsAfterStop(t *testing.T) {
	feed := NewFeed()
	received := make(chan core.Event, 2)

	feed.Subscribe(func(event core.Event) { received <- event })

	feed.Start()
	feed.Publish(core.Event{Pair: "FIRST"})

	select {
	case event := <-received:
		require.Equal(t, "FIRST", event.Pair)
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}

	feed.Stop()
	feed.Publish(core.Event{Pair: "WHILE_STOPPED"})

	feed.Start()
	defer feed.Stop()
	feed.Publish(core.Event{Pair: "SECOND"})

	select {
	case event := <-received:
		require.Equal(t, "SECOND", event.Pair)
	case <-time.After(time.Second):
		t.Fatal("event was not delivered after restart")
	}
}

func TestFeedStartIsIdempotent(t *testing.T) {
	feed := NewFeed()
	received := make(chan core.Event, 4)

	feed.Subscribe(func(event core.Event) { received <- event })

	feed.Start()
	feed.Start()
	defer feed.Stop()

	feed.Publish(core.Event{Pair: "ONCE"})

	select {
	case event := <-received:
		require.Equal(t, "ONCE", event.Pair)
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}

	// one publish, one delivery
	select {
	case event := <-received:
		t.Fatalf("event %q delivered twice", event.Pair)
	case <-time.After(50 * time.Millisecond):
	}
}
