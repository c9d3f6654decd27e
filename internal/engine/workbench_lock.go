package engine

import (
	"sync"

	"keenbench/engine/internal/errinfo"
)

// workbenchRWLock guards a single workbench's on-disk state. Mutating
// operations take it exclusively; reads take it shared. Acquisition never
// blocks: a busy lock surfaces as errinfo.Busy so the caller can retry.
type workbenchRWLock struct {
	mu sync.RWMutex
}

func (e *Engine) lockFor(workbenchID string) *workbenchRWLock {
	e.workbenchLocksMu.Lock()
	defer e.workbenchLocksMu.Unlock()
	lock, ok := e.workbenchLocks[workbenchID]
	if !ok {
		lock = &workbenchRWLock{}
		e.workbenchLocks[workbenchID] = lock
	}
	return lock
}

// acquireWorkbenchLock acquires the lock for workbenchID without blocking.
// exclusive covers {add, remove, delete, apply_proposal, publish, discard,
// restore_checkpoint, run_agent, set_context, process_context,
// delete_context}; everything else takes the shared form. The returned
// release func must be deferred by the caller on success.
func (e *Engine) acquireWorkbenchLock(workbenchID string, exclusive bool) (func(), *errinfo.ErrorInfo) {
	lock := e.lockFor(workbenchID)
	if exclusive {
		if !lock.mu.TryLock() {
			return nil, errinfo.Busy(errinfo.PhaseWorkbench, "workbench has a conflicting operation in progress")
		}
		return lock.mu.Unlock, nil
	}
	if !lock.mu.TryRLock() {
		return nil, errinfo.Busy(errinfo.PhaseWorkbench, "workbench has a conflicting operation in progress")
	}
	return lock.mu.RUnlock, nil
}
