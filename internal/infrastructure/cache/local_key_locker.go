package cache

import (
	"context"
	"sync"

	"github.com/erp/marketsync/internal/domain/marketsync"
)

// keySlot is a one-token semaphore shared by everyone waiting on the same key
type keySlot struct {
	token chan struct{}
	refs  int
}

// LocalKeyLocker implements KeyLocker within one process.
// Slots are reference counted and removed once nobody holds or waits on them.
type LocalKeyLocker struct {
	mu    sync.Mutex
	slots map[string]*keySlot
}

// NewLocalKeyLocker creates a new in-process key locker
func NewLocalKeyLocker() *LocalKeyLocker {
	return &LocalKeyLocker{slots: make(map[string]*keySlot)}
}

// Lock blocks until key is free or ctx is done
func (l *LocalKeyLocker) Lock(ctx context.Context, key string) (func(), error) {
	slot := l.acquire(key)

	select {
	case slot.token <- struct{}{}:
	case <-ctx.Done():
		l.release(key, slot)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.token
			l.release(key, slot)
		})
	}, nil
}

func (l *LocalKeyLocker) acquire(key string) *keySlot {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot, ok := l.slots[key]
	if !ok {
		slot = &keySlot{token: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	return slot
}

func (l *LocalKeyLocker) release(key string, slot *keySlot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
}

// Size returns the number of keys currently held or waited on (for testing/monitoring)
func (l *LocalKeyLocker) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

// Ensure LocalKeyLocker implements KeyLocker
var _ marketsync.KeyLocker = (*LocalKeyLocker)(nil)
