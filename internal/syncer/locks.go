package syncer

import "sync"

// TriggerLocks keeps two workers from evaluating the same trigger at once.
// Items are processed only when every trigger depending on them can be
// locked by the worker; the others stay cached for a later pass.
type TriggerLocks struct {
	mu     sync.Mutex
	owners map[uint64]int
}

// NewTriggerLocks creates an empty lock table.
func NewTriggerLocks() *TriggerLocks {
	return &TriggerLocks{owners: make(map[uint64]int)}
}

// TryLock locks all of ids for worker, or none of them. Triggers already
// held by the same worker count as lockable.
func (l *TriggerLocks) TryLock(worker int, ids []uint64) bool {
	if len(ids) == 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, id := range ids {
		if owner, ok := l.owners[id]; ok && owner != worker {
			return false
		}
	}
	for _, id := range ids {
		l.owners[id] = worker
	}
	return true
}

// UnlockAll releases every trigger held by worker.
func (l *TriggerLocks) UnlockAll(worker int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, owner := range l.owners {
		if owner == worker {
			delete(l.owners, id)
		}
	}
}

// Held returns the number of locked triggers.
func (l *TriggerLocks) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.owners)
}
