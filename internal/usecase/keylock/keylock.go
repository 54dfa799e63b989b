// Package keylock provides mutual exclusion per key, so operations on
// different keys never contend on a shared mutex.
package keylock

import (
	"context"
	"fmt"
	"sync"
)

// Locker hands out one mutex per key, created on demand and dropped once no
// caller holds or waits for it.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*keyMutex
}

type keyMutex struct {
	mu       sync.Mutex
	refCount int
}

// New creates a Locker.
func New() *Locker {
	return &Locker{locks: make(map[string]*keyMutex)}
}

func (l *Locker) acquire(key string) *keyMutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	km, ok := l.locks[key]
	if !ok {
		km = &keyMutex{}
		l.locks[key] = km
	}
	km.refCount++
	return km
}

func (l *Locker) release(key string, km *keyMutex) {
	km.mu.Unlock()
	l.mu.Lock()
	km.refCount--
	if km.refCount == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// Lock blocks until the key's lock is acquired or ctx is cancelled. The
// returned unlock function must be called exactly once.
func (l *Locker) Lock(ctx context.Context, key string) (unlock func(), err error) {
	km := l.acquire(key)

	acquired := make(chan struct{})
	go func() {
		km.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		var once sync.Once
		return func() { once.Do(func() { l.release(key, km) }) }, nil
	case <-ctx.Done():
		// The pending acquisition still completes; hand the lock straight back.
		go func() {
			<-acquired
			l.release(key, km)
		}()
		return nil, fmt.Errorf("lock %q: %w", key, ctx.Err())
	}
}

// TryLock acquires the key's lock only if it is free.
func (l *Locker) TryLock(key string) (unlock func(), ok bool) {
	km := l.acquire(key)
	if !km.mu.TryLock() {
		l.mu.Lock()
		km.refCount--
		if km.refCount == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
		return nil, false
	}
	var once sync.Once
	return func() { once.Do(func() { l.release(key, km) }) }, true
}

// ActiveCount returns the number of keys with held or pending locks.
func (l *Locker) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
