package orchestrator

import "sync"

// keyedLocks provides per-finding mutual exclusion. A worker that cannot
// take the lock skips the finding; another worker already owns its
// lifecycle for this cycle.
type keyedLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{held: make(map[string]struct{})}
}

// TryLock acquires the lock for key without blocking. Returns false when
// the key is already held.
func (k *keyedLocks) TryLock(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.held[key]; ok {
		return false
	}
	k.held[key] = struct{}{}
	return true
}

// Unlock releases the lock for key.
func (k *keyedLocks) Unlock(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.held, key)
}
