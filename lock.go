package redelivery

import (
	"context"
	"sync"
)

var _ KeyLocker = (*LocalLocker)(nil)

// LocalLocker is an in-process KeyLocker: one mutex per key, created on demand
// and dropped once no goroutine holds or waits for it. Different keys never
// contend.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewLocalLocker creates an empty lock arena.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

func (l *LocalLocker) ref(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (l *LocalLocker) unref(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// WithLock blocks until the lock for key is free or ctx is done.
func (l *LocalLocker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	kl := l.ref(key)
	defer l.unref(key, kl)

	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		return &LockError{Key: key, Err: ctx.Err()}
	}
	defer func() { <-kl.sem }()

	return fn(ctx)
}

// Len returns the number of keys currently held or awaited.
func (l *LocalLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
