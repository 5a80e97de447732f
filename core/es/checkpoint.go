package es

import (
	"errors"
	"sync"
)

var (
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// CpStore persists the cursor of the last event a consumer handled. The
// cursor is a global position for AllTarget consumers and an event number
// within the stream otherwise.
type CpStore interface {
	Get() (cursor int64, err error)
	Set(cursor int64) error
}

type InMemCpStore struct {
	mu  sync.RWMutex
	v   int64
	set bool
}

func NewInMemCpStore() *InMemCpStore {
	return &InMemCpStore{}
}

func (s *InMemCpStore) Get() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.set {
		return 0, ErrCheckpointNotFound
	}
	return s.v, nil
}

func (s *InMemCpStore) Set(v int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v = v
	s.set = true
	return nil
}

var _ CpStore = (*InMemCpStore)(nil)
