package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/0x6d61/proctor/internal/engine"
)

// Recorder is an engine.Notifier that persists the session snapshot carried
// by each event. Notify never blocks: snapshots are coalesced per session
// and written by a background goroutine, so only the newest pending
// snapshot of a session is saved.
type Recorder struct {
	store   Store
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*engine.Session
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderLogger sets the logger used for save failures.
func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		r.logger = l
	}
}

// NewRecorder starts a recorder that writes to store.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:   store,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		timeout: 5 * time.Second,
		pending: make(map[string]*engine.Session),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

// Notify implements engine.Notifier.
func (r *Recorder) Notify(ev engine.Event) {
	if ev.Session == nil {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if cur, ok := r.pending[ev.SessionID]; !ok || cur.Version < ev.Session.Version {
		r.pending[ev.SessionID] = ev.Session
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
	r.mu.Unlock()
}

// Close flushes pending snapshots and stops the background writer.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.wake)
	r.mu.Unlock()

	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for range r.wake {
		r.flush()
	}
	r.flush()
}

func (r *Recorder) flush() {
	r.mu.Lock()
	batch := r.pending
	r.pending = make(map[string]*engine.Session)
	r.mu.Unlock()

	for id, sess := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := r.store.Save(ctx, sess)
		cancel()
		if err != nil {
			r.logger.Error("failed to persist session",
				"session", id,
				"version", sess.Version,
				"error", err,
			)
		}
	}
}
