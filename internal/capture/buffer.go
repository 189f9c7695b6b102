// Package capture buffers client-pushed frames for scheduled verification
// cycles.
package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/0x6d61/proctor/internal/engine"
)

// ErrNoCapture is returned when no fresh frame is buffered for a session.
var ErrNoCapture = errors.New("capture: no fresh capture")

// Buffer keeps the latest capture per session. Each capture is handed out
// at most once, so a stalled client cannot have an old frame re-verified.
type Buffer struct {
	mu     sync.Mutex
	maxAge time.Duration
	now    func() time.Time
	frames map[string]*engine.Capture
}

var _ engine.Capturer = (*Buffer)(nil)

// NewBuffer returns a buffer that discards captures older than maxAge
// (0 keeps them until consumed).
func NewBuffer(maxAge time.Duration) *Buffer {
	return &Buffer{
		maxAge: maxAge,
		now:    time.Now,
		frames: make(map[string]*engine.Capture),
	}
}

// Push stores a capture for sessionID, replacing any unconsumed one.
func (b *Buffer) Push(sessionID string, snapshot, audioClip []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames[sessionID] = &engine.Capture{
		Snapshot:   snapshot,
		AudioClip:  audioClip,
		CapturedAt: b.now(),
	}
}

// Capture implements engine.Capturer.
func (b *Buffer) Capture(_ context.Context, sessionID string) (*engine.Capture, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.frames[sessionID]
	if !ok {
		return nil, ErrNoCapture
	}
	delete(b.frames, sessionID)
	if b.maxAge > 0 && b.now().Sub(c.CapturedAt) > b.maxAge {
		return nil, ErrNoCapture
	}
	return c, nil
}

// Drop discards any buffered capture for sessionID.
func (b *Buffer) Drop(sessionID string) {
	b.mu.Lock()
	delete(b.frames, sessionID)
	b.mu.Unlock()
}

// Notify implements engine.Notifier, dropping buffers of finished sessions.
func (b *Buffer) Notify(ev engine.Event) {
	switch ev.Type {
	case engine.EventSessionCompleted, engine.EventSessionTerminated:
		b.Drop(ev.SessionID)
	}
}
