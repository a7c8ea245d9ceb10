package dispatch

import "sync"

// UnitOfWork binds message writes to the caller's transaction and collects
// hooks that must only run once that transaction has committed.
type UnitOfWork struct {
	writer MessageWriter

	mu    sync.Mutex
	hooks []func()
	done  bool
}

// NewUnitOfWork creates a unit of work writing through w.
func NewUnitOfWork(w MessageWriter) *UnitOfWork {
	return &UnitOfWork{writer: w}
}

// Writer returns the transaction-bound writer, or nil if none was given.
func (u *UnitOfWork) Writer() MessageWriter {
	return u.writer
}

// AfterCommit registers fn to run after commit. Hooks run in registration
// order. A hook registered after Committed runs immediately.
func (u *UnitOfWork) AfterCommit(fn func()) {
	u.mu.Lock()
	if u.done {
		u.mu.Unlock()
		fn()
		return
	}
	u.hooks = append(u.hooks, fn)
	u.mu.Unlock()
}

// Committed runs the registered hooks. Calling it again is a no-op.
func (u *UnitOfWork) Committed() {
	u.mu.Lock()
	if u.done {
		u.mu.Unlock()
		return
	}
	u.done = true
	hooks := u.hooks
	u.hooks = nil
	u.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// Discard drops the registered hooks after a rollback.
func (u *UnitOfWork) Discard() {
	u.mu.Lock()
	u.hooks = nil
	u.mu.Unlock()
}
