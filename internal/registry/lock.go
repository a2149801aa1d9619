// Package registry holds the process-wide state a pool.Pool coordinates:
// pool status, counters, init hooks, the custom-notification table, and the
// cross-process shared state map. It is deliberately not exposed as a
// package-level singleton — callers construct one Registry per Pool so a
// fake facade can be injected in tests, per the library's own design notes
// about not relying on module-import side effects.
package registry

import "sync"

// LockToken identifies one logical holder of a ReentrantLock. A goroutine
// that needs to re-enter a lock it already holds (a compound read-modify-
// write that calls into a helper which itself locks) passes the same token
// down the call chain.
type LockToken struct {
	id uint64
}

var tokenSeq struct {
	mu   sync.Mutex
	next uint64
}

// NewLockToken allocates a token unique to the calling goroutine's logical
// operation. Create one per top-level call into SharedState, and thread it
// through any nested calls that must re-enter the same lock.
func NewLockToken() *LockToken {
	tokenSeq.mu.Lock()
	tokenSeq.next++
	id := tokenSeq.next
	tokenSeq.mu.Unlock()
	return &LockToken{id: id}
}

// ReentrantLock is the cross-process lock referenced by spec.md: reentrant
// within a process (a token may re-lock while already holding it), but with
// no cross-process counterpart — see SharedState for why. Built on
// sync.Mutex + sync.Cond because no library in the example corpus offers a
// reentrant-lock primitive (stdlib is the correct tool here, not a gap).
type ReentrantLock struct {
	mu     sync.Mutex
	cond   *sync.Cond
	holder uint64 // 0 means unlocked
	depth  int
}

// NewReentrantLock constructs an unlocked lock.
func NewReentrantLock() *ReentrantLock {
	l := &ReentrantLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Lock acquires the lock for tok, blocking while a different token holds it.
// Calling Lock again with the same tok while it already holds the lock
// increments the reentrancy depth instead of deadlocking.
func (l *ReentrantLock) Lock(tok *LockToken) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.holder != 0 && l.holder != tok.id {
		l.cond.Wait()
	}
	l.holder = tok.id
	l.depth++
}

// Unlock releases one level of tok's hold. Panics if tok is not the current
// holder — callers must not hold this lock across a blocking IPC send, per
// spec.md §5; doing so risks the same deadlock a cross-process lock would
// have if two peers each waited on the other while holding it.
func (l *ReentrantLock) Unlock(tok *LockToken) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != tok.id {
		panic("offloadpool: Unlock called by a token that does not hold the lock")
	}
	l.depth--
	if l.depth == 0 {
		l.holder = 0
		l.cond.Signal()
	}
}
