package lock

import (
	"context"
	"sync"

	"github.com/example/guidebook/internal/booking/domain"
)

// KeyedLocker is an in-process lock table keyed by slot. It serves a
// single-instance deployment; different slots never contend.
type KeyedLocker struct {
	mu    sync.Mutex
	slots map[string]*slotEntry
}

type slotEntry struct {
	held chan struct{}
	refs int
}

// NewKeyedLocker constructs an empty lock table.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{slots: make(map[string]*slotEntry)}
}

// Acquire blocks until the slot is free or ctx is done.
func (l *KeyedLocker) Acquire(ctx context.Context, slot domain.Slot) (func(), error) {
	key := slot.Key()
	l.mu.Lock()
	entry, ok := l.slots[key]
	if !ok {
		entry = &slotEntry{held: make(chan struct{}, 1)}
		l.slots[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.held <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, entry)
		lockWaits.WithLabelValues("memory", "cancelled").Inc()
		return nil, ctx.Err()
	}
	lockWaits.WithLabelValues("memory", "acquired").Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.held
			l.drop(key, entry)
		})
	}, nil
}

func (l *KeyedLocker) drop(key string, entry *slotEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.slots, key)
	}
}

// Len reports how many slots currently have holders or waiters.
func (l *KeyedLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
