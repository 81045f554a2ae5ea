package xa

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// XAResource is the narrow contract this proxy consumes from a backend XA driver
// (spec.md §1: "the backend database drivers themselves consumed only via a narrow
// connection/XA-resource contract"). A real deployment plugs in an adapter built
// around its vendor driver; this package never talks to a backend directly.
type XAResource interface {
	Start(ctx context.Context, xid XidKey, flags int32) error
	End(ctx context.Context, xid XidKey, flags int32) error
	Prepare(ctx context.Context, xid XidKey) (ok bool, err error)
	Commit(ctx context.Context, xid XidKey, onePhase bool) error
	Rollback(ctx context.Context, xid XidKey) error
	Forget(ctx context.Context, xid XidKey) error
	Recover(ctx context.Context, flags int32) ([]XidKey, error)
	SetTransactionTimeout(seconds int) error
}

// LogicalConnection is the narrow contract for the session-visible connection
// handle a BackendSession wraps; sanitizeAfterTransaction resets it in place rather
// than replacing it; spec.md §4.3 forbids obtaining a fresh handle there.
type LogicalConnection interface {
	SetIsolationLevel(ctx context.Context, level int) error
	ClearWarnings(ctx context.Context) error
	Close() error
}

// BackendSession wraps a single physical XA connection (spec.md §3). It lives in
// the XA pool (pool.XAProvider) and is bound to a logical Session (session.Session)
// for the life of a branch, or for the life of the logical session when reused
// across sequential branches per spec.md §4.3's binding rules.
type BackendSession struct {
	SessionID string

	XAConn  XAResource
	Logical LogicalConnection

	// Conn is the physical connection statement execution runs against; the
	// XAResource/LogicalConnection pair above cover only the narrow XA
	// protocol (start/end/prepare/commit, isolation, warnings), not query
	// execution itself, so the adapter that builds a BackendSession dials
	// this alongside them.
	Conn *sql.Conn

	CreatedAt     time.Time
	LastBorrowAt  time.Time
	LastReturnAt  time.Time

	mu             sync.Mutex
	pinned         bool // true while any bound branch is PREPARED
	borrowingOwner string
	borrowStack    []uintptr // only populated when enhanced leak detection is on
}

// Pin marks the session ineligible for pool return, reset, or eviction — spec.md
// §4.3's "Session pinning" invariant while a branch is PREPARED.
func (b *BackendSession) Pin() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pinned = true
}

// Unpin releases the pin after COMMITTED/ROLLEDBACK.
func (b *BackendSession) Unpin() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pinned = false
}

// IsPinned reports whether the session currently must not be touched by pool
// housekeeping.
func (b *BackendSession) IsPinned() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pinned
}

// SanitizeAfterTransaction resets isolation/warnings on the *same* logical handle
// the client already holds (never obtaining a new one — see spec.md §4.3 "Known
// issue with enterprise TMs"). Called after COMMITTED/ROLLEDBACK; does not return
// the session to the pool.
func (b *BackendSession) SanitizeAfterTransaction(ctx context.Context, defaultIsolation int) error {
	if err := b.Logical.SetIsolationLevel(ctx, defaultIsolation); err != nil {
		return err
	}
	return b.Logical.ClearWarnings(ctx)
}

// Reset is the ordinary-pool passivation path (spec.md §4.2): rollback any open
// local transaction is the caller's responsibility (it owns the *sql.Tx, this type
// doesn't); Reset only restores isolation/warnings, exactly like
// SanitizeAfterTransaction. Per the Open Question in spec.md §9, both paths are
// preserved as distinct methods, and Reset is invoked unconditionally on pool
// return whether or not any XA activity occurred on this session, so an isolation
// change made via the "bridge" case (changing isolation on a borrowed XA logical
// connection with no started branch) never leaks to the next borrower.
func (b *BackendSession) Reset(ctx context.Context, defaultIsolation int) error {
	return b.SanitizeAfterTransaction(ctx, defaultIsolation)
}

// MarkBorrowed records borrow-time bookkeeping for leak detection.
func (b *BackendSession) MarkBorrowed(owner string, stack []uintptr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.LastBorrowAt = time.Now()
	b.borrowingOwner = owner
	b.borrowStack = stack
}

// MarkReturned records return-time bookkeeping.
func (b *BackendSession) MarkReturned() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.LastReturnAt = time.Now()
	b.borrowingOwner = ""
	b.borrowStack = nil
}

// BorrowedFor reports how long the session has been continuously borrowed, for
// leak detection (spec.md §4.2).
func (b *BackendSession) BorrowedFor() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.LastBorrowAt.IsZero() || (!b.LastReturnAt.IsZero() && b.LastReturnAt.After(b.LastBorrowAt)) {
		return 0
	}
	return time.Since(b.LastBorrowAt)
}
