package sessionbroker

import (
	"context"
	"testing"
)

type gatedSink struct {
	entered chan struct{}
	release chan struct{}
	seen    chan Event
}

func newGatedSink(buffer int) *gatedSink {
	return &gatedSink{
		entered: make(chan struct{}, buffer),
		release: make(chan struct{}),
		seen:    make(chan Event, buffer),
	}
}

func (s *gatedSink) Emit(_ context.Context, event Event) {
	s.entered <- struct{}{}
	<-s.release
	s.seen <- event
}

func TestDispatcherDrainsBufferOnClose(t *testing.T) {
	sink := NewChannelSink(8)
	d := newEventDispatcher(EventsConfig{Enabled: true, BufferSize: 8}, sink)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		d.Emit(ctx, Event{Type: EventSignedIn, SessionID: "sid"})
	}
	d.Close()

	// Every buffered event must reach the sink before Close returns.
	for i := 0; i < 5; i++ {
		select {
		case <-sink.Events():
		default:
			t.Fatalf("event %d not delivered before Close returned", i)
		}
	}
}

func TestDispatcherDropAccounting(t *testing.T) {
	sink := newGatedSink(16)
	d := newEventDispatcher(EventsConfig{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	ctx := context.Background()

	// First event is taken by the consumer, which then parks inside the sink.
	d.Emit(ctx, Event{Type: EventSignedIn})
	<-sink.entered

	// One more fits the buffer; everything past that is dropped.
	d.Emit(ctx, Event{Type: EventRefreshed})
	d.Emit(ctx, Event{Type: EventRefreshed})
	d.Emit(ctx, Event{Type: EventRefreshed})

	if got := d.Dropped(); got != 2 {
		t.Fatalf("expected 2 dropped events, got %d", got)
	}

	close(sink.release)
	d.Close()
}

func TestDispatcherCloseIdempotent(t *testing.T) {
	d := newEventDispatcher(EventsConfig{Enabled: true, BufferSize: 1}, NoOpSink{})
	d.Close()
	d.Close()

	// Emit after Close is a silent no-op.
	d.Emit(context.Background(), Event{Type: EventSignedOut})
	if got := d.Dropped(); got != 0 {
		t.Fatalf("post-close emit must not count as dropped, got %d", got)
	}
}

func TestDispatcherDisabledIsNil(t *testing.T) {
	d := newEventDispatcher(EventsConfig{Enabled: false}, NoOpSink{})
	if d != nil {
		t.Fatal("disabled dispatcher must be nil")
	}
	d.Emit(context.Background(), Event{Type: EventSignedIn})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher reports drops")
	}
}
