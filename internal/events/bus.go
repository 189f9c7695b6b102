// Package events fans engine events out to the websocket hub, the AMQP
// publisher and any other subscriber.
package events

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/0x6d61/proctor/internal/engine"
)

// Multi delivers each event to every notifier in order, synchronously.
// Use it only for notifiers that never block.
type Multi []engine.Notifier

// Notify implements engine.Notifier.
func (m Multi) Notify(ev engine.Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ev)
		}
	}
}

// Bus decouples slow subscribers from the caller. Events are queued and
// delivered in order by a single goroutine; when the queue is full the
// event is dropped and counted rather than blocking the caller.
type Bus struct {
	sinks   []engine.Notifier
	queue   chan engine.Event
	logger  *slog.Logger
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewBus starts a bus with a queue of size capacity.
func NewBus(capacity int, logger *slog.Logger, sinks ...engine.Notifier) *Bus {
	if capacity <= 0 {
		capacity = 1024
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	b := &Bus{
		sinks:  sinks,
		queue:  make(chan engine.Event, capacity),
		logger: logger,
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

// Notify implements engine.Notifier. It never blocks.
func (b *Bus) Notify(ev engine.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- ev:
	default:
		n := b.dropped.Add(1)
		b.logger.Warn("event queue full, event dropped",
			"type", ev.Type,
			"session", ev.SessionID,
			"dropped_total", n,
		)
	}
}

// Dropped returns the number of events dropped so far.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops accepting events, delivers what is queued and returns.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()
	<-b.done
}

func (b *Bus) run() {
	defer close(b.done)
	for ev := range b.queue {
		for _, s := range b.sinks {
			b.deliver(s, ev)
		}
	}
}

func (b *Bus) deliver(s engine.Notifier, ev engine.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber recovered from panic",
				"type", ev.Type,
				"panic", fmt.Sprintf("%v", r),
			)
		}
	}()
	s.Notify(ev)
}
