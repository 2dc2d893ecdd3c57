package sessionbroker

import (
	"context"
	"sync"
	"sync/atomic"
)

// eventDispatcher decouples broker operations from sink latency. Events are
// handed to a single consumer goroutine; Close drains the buffer before
// returning.
type eventDispatcher struct {
	cfg     EventsConfig
	sink    Sink
	ch      chan Event
	idle    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

func newEventDispatcher(cfg EventsConfig, sink Sink) *eventDispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &eventDispatcher{
		cfg:  cfg,
		sink: sink,
		ch:   make(chan Event, cfg.BufferSize),
		idle: make(chan struct{}),
	}

	go d.run()

	return d
}

// run consumes until the channel is closed. Closing the channel is the only
// shutdown signal, so events still sitting in the buffer are delivered before
// idle is reported.
func (d *eventDispatcher) run() {
	for event := range d.ch {
		d.sink.Emit(context.Background(), event)
	}
	close(d.idle)
}

func (d *eventDispatcher) Emit(ctx context.Context, event Event) {
	if d == nil {
		return
	}

	// The read lock keeps Close from closing the channel mid-send.
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	if d.cfg.DropIfFull {
		select {
		case d.ch <- event:
		default:
			d.dropped.Add(1)
		}
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case d.ch <- event:
	case <-ctx.Done():
	}
}

func (d *eventDispatcher) Close() {
	if d == nil {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.ch)
	<-d.idle
}

func (d *eventDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
