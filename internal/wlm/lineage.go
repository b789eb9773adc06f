package wlm

import (
	"fmt"
	"sync"
	"time"

	"github.com/im7mortal/kmutex"
)

// LineageKey names the lineage of one virtual disk across snapshots.
func LineageKey(vmID, stableID string) string {
	return vmID + "/" + stableID
}

// LineageLocker serializes capture, compaction and deletion on one lineage.
// Holders in this process queue on a keyed mutex; other processes are kept
// out by a lease row in the registry. Long operations keep the lease alive
// with Renew.
type LineageLocker struct {
	keys     *kmutex.Kmutex
	registry Registry
	holder   string
	ttl      time.Duration
	clock    Clock

	mu   sync.Mutex
	held map[string]time.Time // key -> last time the lease was written
}

func NewLineageLocker(registry Registry, holder string, ttl time.Duration, clock Clock) *LineageLocker {
	return &LineageLocker{
		keys:     kmutex.New(),
		registry: registry,
		holder:   holder,
		ttl:      ttl,
		clock:    clock,
		held:     make(map[string]time.Time),
	}
}

// Lock takes the lineage. It waits for other holders in this process and
// fails with KindInvalidState if another process holds an unexpired lease.
// The returned function releases the lineage.
func (l *LineageLocker) Lock(key string) (func() error, error) {
	l.keys.Lock(key)

	now := l.clock.Now()
	ok, err := l.registry.AcquireLease(key, l.holder, now, l.ttl)
	if err != nil {
		l.keys.Unlock(key)
		return nil, fmt.Errorf("acquiring lease on lineage %s: %w", key, err)
	}
	if !ok {
		l.keys.Unlock(key)
		return nil, InvalidState("lineage %s is locked by another process", key)
	}
	l.mu.Lock()
	l.held[key] = now
	l.mu.Unlock()

	released := false
	return func() error {
		if released {
			return nil
		}
		released = true
		defer l.keys.Unlock(key)
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
		if err := l.registry.ReleaseLease(key, l.holder); err != nil {
			return fmt.Errorf("releasing lease on lineage %s: %w", key, err)
		}
		return nil
	}, nil
}

// Renew extends the lease on a lineage this process holds once half of its
// TTL has passed. It fails with KindInvalidState when the lease was taken
// over by another process, in which case the caller no longer has the
// lineage to itself. Keys not held here are ignored.
func (l *LineageLocker) Renew(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	last, ok := l.held[key]
	if !ok {
		return nil
	}
	now := l.clock.Now()
	if now.Sub(last) < l.ttl/2 {
		return nil
	}
	renewed, err := l.registry.RenewLease(key, l.holder, now, l.ttl)
	if err != nil {
		return fmt.Errorf("renewing lease on lineage %s: %w", key, err)
	}
	if !renewed {
		return InvalidState("lease on lineage %s was taken over by another process", key)
	}
	l.held[key] = now
	return nil
}
