// Package perkey serializes work per key while letting work for different
// keys run concurrently.
//
// The repository uses it to run read-modify-save cycles for one aggregate
// at a time.
package perkey

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Do once the Locker is closed.
var ErrClosed = errors.New("perkey: closed")

// Locker runs functions under a per-key lock on the caller's goroutine.
// Keys hold no resources while nobody uses them.
type Locker[K comparable] struct {
	mu     sync.Mutex
	slots  map[K]*slot
	closed bool
	wg     sync.WaitGroup
}

type slot struct {
	sem  chan struct{}
	refs int
}

func New[K comparable]() *Locker[K] {
	return &Locker[K]{slots: make(map[K]*slot)}
}

// Do runs fn while holding the lock for key. It returns ctx.Err() if ctx
// ends before the lock is acquired; fn is then not run.
func (l *Locker[K]) Do(ctx context.Context, key K, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s, err := l.acquire(key)
	if err != nil {
		return err
	}
	defer l.release(key, s)

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.sem }()

	return fn()
}

func (l *Locker[K]) acquire(key K) (*slot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	s, ok := l.slots[key]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.wg.Add(1)
	return s, nil
}

func (l *Locker[K]) release(key K, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
	l.wg.Done()
}

// Len returns the number of keys currently in use.
func (l *Locker[K]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

// Close rejects new work and waits for running and waiting calls to finish.
func (l *Locker[K]) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.wg.Wait()
}
