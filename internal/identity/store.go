// Package identity stores the face and voice reference samples captured
// before an interview starts.
package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/0x6d61/proctor/internal/engine"
)

// ErrEmptyPhoto is returned when a sample has no face image.
var ErrEmptyPhoto = errors.New("identity: photo is required")

// Sample is one stored reference.
type Sample struct {
	UserID    string
	Face      []byte
	Voice     []byte
	UpdatedAt time.Time
}

// Store persists identity samples. Reference returns (nil, nil) when the user
// has no sample on file.
type Store interface {
	engine.IdentitySource
	Put(ctx context.Context, userID string, face, voice []byte) error
	Close() error
}

func validate(userID string, face []byte) error {
	if userID == "" {
		return errors.New("identity: user id is required")
	}
	if len(face) == 0 {
		return ErrEmptyPhoto
	}
	return nil
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	samples map[string]Sample
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{samples: make(map[string]Sample)}
}

// Put replaces the user's sample.
func (m *MemoryStore) Put(_ context.Context, userID string, face, voice []byte) error {
	if err := validate(userID, face); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[userID] = Sample{
		UserID:    userID,
		Face:      append([]byte(nil), face...),
		Voice:     append([]byte(nil), voice...),
		UpdatedAt: time.Now(),
	}
	return nil
}

// Reference returns a copy of the user's sample.
func (m *MemoryStore) Reference(_ context.Context, userID string) (*engine.IdentityReference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.samples[userID]
	if !ok {
		return nil, nil
	}
	return &engine.IdentityReference{
		Face:  append([]byte(nil), s.Face...),
		Voice: append([]byte(nil), s.Voice...),
	}, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
