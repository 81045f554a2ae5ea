package xa

import (
	"context"
	"sync"
	"time"

	"github.com/ojpio/ojp-go/ojperr"
)

// TxState is a branch's position in the XA state machine (spec.md §4.3).
type TxState int

const (
	StateNonexistent TxState = iota
	StateActive
	StateEnded
	StatePrepared
	StateCommitted
	StateRolledBack
)

func (s TxState) String() string {
	switch s {
	case StateNonexistent:
		return "NONEXISTENT"
	case StateActive:
		return "ACTIVE"
	case StateEnded:
		return "ENDED"
	case StatePrepared:
		return "PREPARED"
	case StateCommitted:
		return "COMMITTED"
	case StateRolledBack:
		return "ROLLEDBACK"
	default:
		return "UNKNOWN"
	}
}

// XA flag constants, same bit values as the X/Open XA specification.
const (
	TMNOFLAGS int32 = 0x00000000
	TMJOIN    int32 = 0x00200000
	TMRESUME  int32 = 0x08000000
	TMSUCCESS int32 = 0x04000000
	TMFAIL    int32 = 0x20000000
	TMSUSPEND int32 = 0x02000000
)

// TxContext is the registry's record for one XA branch (spec.md §3). It is
// guarded by its own mutex so concurrent start/end calls on the same xid from
// different goroutines linearize without holding the registry's lock.
type TxContext struct {
	mu sync.Mutex

	Xid     XidKey
	state   TxState
	session *BackendSession

	associationCount int
	timeoutSeconds    int
	readOnlyHint      bool
	transactionComplete bool // spec.md §9 dual-condition lifecycle

	createdAt    time.Time
	lastAccessAt time.Time
	deadline     time.Time
}

func (tc *TxContext) State() TxState {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.state
}

func (tc *TxContext) touch() {
	tc.lastAccessAt = time.Now()
}

// Registry implements the XA branch lifecycle described in spec.md §4.3: state
// transitions, backend-session binding/reuse, and PREPARED pinning. It is
// grounded on the teacher's TransactionManager (server/transactions.go) — a
// map guarded by a mutex, generalized from a single commit/rollback flag to the
// full branch state machine.
type Registry struct {
	mu       sync.Mutex
	branches map[XidKey]*TxContext

	// sessionBackend maps a logical session id to the BackendSession it has
	// bound for XA use, so sequential transactions on one logical session
	// reuse the same physical connection (spec.md §4.3 binding rules).
	sessionBackend map[string]*BackendSession

	defaultIsolation int
}

// NewRegistry constructs an empty branch registry.
func NewRegistry(defaultIsolation int) *Registry {
	return &Registry{
		branches:         make(map[XidKey]*TxContext),
		sessionBackend:   make(map[string]*BackendSession),
		defaultIsolation: defaultIsolation,
	}
}

// BindSession associates a logical session with the BackendSession it should
// reuse across sequential XA branches. Called by the session engine at
// connect time for XA sessions (spec.md §4.1: "XA sessions are created eagerly
// at connect time").
func (r *Registry) BindSession(sessionID string, backend *BackendSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionBackend[sessionID] = backend
}

// UnbindSession removes the logical session's backend binding; called on
// session termination, after which the BackendSession is returned to its pool.
func (r *Registry) UnbindSession(sessionID string) *BackendSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.sessionBackend[sessionID]
	delete(r.sessionBackend, sessionID)
	return b
}

func (r *Registry) lookup(xid XidKey) *TxContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.branches[xid]
}

// Start implements xaStart (spec.md §4.3). sessionID identifies the logical
// session issuing the call; it is only consulted for TMNOFLAGS, to find the
// BackendSession already bound to that session. Start does not allocate one.
func (r *Registry) Start(ctx context.Context, sessionID string, xid XidKey, flags int32) error {
	switch flags {
	case TMNOFLAGS:
		return r.startNew(ctx, sessionID, xid)
	case TMJOIN:
		return r.joinOrResume(ctx, xid, StateActive, true)
	case TMRESUME:
		return r.joinOrResume(ctx, xid, StateEnded, false)
	default:
		return ojperr.New(ojperr.KindProtocolError, "xa: start called with unsupported flags %#x", flags)
	}
}

func (r *Registry) startNew(ctx context.Context, sessionID string, xid XidKey) error {
	r.mu.Lock()
	if _, exists := r.branches[xid]; exists {
		r.mu.Unlock()
		return ojperr.New(ojperr.KindProtocolError, "xa: start(TMNOFLAGS) on already-known xid %s", xid)
	}
	backend := r.sessionBackend[sessionID]
	r.mu.Unlock()

	if backend == nil {
		return ojperr.New(ojperr.KindNotAssociated, "xa: no backend session bound to session %s", sessionID)
	}
	if err := backend.XAConn.Start(ctx, xid, TMNOFLAGS); err != nil {
		return ojperr.Wrap(ojperr.KindBackendError, err, "xa: backend start failed for %s", xid)
	}

	tc := &TxContext{
		Xid:              xid,
		state:            StateActive,
		session:          backend,
		associationCount: 1,
		createdAt:        time.Now(),
		lastAccessAt:     time.Now(),
	}

	r.mu.Lock()
	r.branches[xid] = tc
	r.mu.Unlock()
	return nil
}

func (r *Registry) joinOrResume(ctx context.Context, xid XidKey, expect TxState, isJoin bool) error {
	tc := r.lookup(xid)
	if tc == nil {
		return ojperr.New(ojperr.KindNotAssociated, "xa: unknown xid %s", xid)
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.state != expect {
		return ojperr.New(ojperr.KindProtocolError, "xa: start(%s) invalid from state %s", flagName(isJoin), tc.state)
	}

	flags := TMRESUME
	if isJoin {
		flags = TMJOIN
	}
	if err := tc.session.XAConn.Start(ctx, xid, flags); err != nil {
		return ojperr.Wrap(ojperr.KindBackendError, err, "xa: backend start(%s) failed for %s", flagName(isJoin), xid)
	}

	tc.state = StateActive
	tc.associationCount++
	tc.touch()
	return nil
}

func flagName(isJoin bool) string {
	if isJoin {
		return "TMJOIN"
	}
	return "TMRESUME"
}

// End implements xaEnd.
func (r *Registry) End(ctx context.Context, xid XidKey, flags int32) error {
	tc := r.lookup(xid)
	if tc == nil {
		return ojperr.New(ojperr.KindNotAssociated, "xa: unknown xid %s", xid)
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.state != StateActive {
		return ojperr.New(ojperr.KindProtocolError, "xa: end invalid from state %s", tc.state)
	}
	switch flags {
	case TMSUCCESS, TMFAIL, TMSUSPEND:
	default:
		return ojperr.New(ojperr.KindProtocolError, "xa: end called with unsupported flags %#x", flags)
	}

	if err := tc.session.XAConn.End(ctx, xid, flags); err != nil {
		return ojperr.Wrap(ojperr.KindBackendError, err, "xa: backend end failed for %s", xid)
	}
	tc.state = StateEnded
	tc.touch()
	return nil
}

// Prepare implements xaPrepare. A branch reaching PREPARED pins its
// BackendSession against pool housekeeping (spec.md §4.3, §8).
func (r *Registry) Prepare(ctx context.Context, xid XidKey) error {
	tc := r.lookup(xid)
	if tc == nil {
		return ojperr.New(ojperr.KindNotAssociated, "xa: unknown xid %s", xid)
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.state != StateEnded {
		return ojperr.New(ojperr.KindProtocolError, "xa: prepare invalid from state %s", tc.state)
	}

	ok, err := tc.session.XAConn.Prepare(ctx, xid)
	if err != nil {
		return ojperr.Wrap(ojperr.KindBackendError, err, "xa: backend prepare failed for %s", xid)
	}
	if !ok {
		return ojperr.New(ojperr.KindProtocolError, "xa: backend declined prepare (read-only vote) for %s", xid)
	}

	tc.state = StatePrepared
	tc.session.Pin()
	tc.touch()
	return nil
}

// Commit implements xaCommit. onePhase allows ENDED→COMMITTED directly;
// two-phase commit requires PREPARED→COMMITTED.
func (r *Registry) Commit(ctx context.Context, xid XidKey, onePhase bool) error {
	tc := r.lookup(xid)
	if tc == nil {
		return ojperr.New(ojperr.KindNotAssociated, "xa: unknown xid %s", xid)
	}

	tc.mu.Lock()
	switch {
	case onePhase && tc.state != StateEnded:
		tc.mu.Unlock()
		return ojperr.New(ojperr.KindProtocolError, "xa: one-phase commit invalid from state %s", tc.state)
	case !onePhase && tc.state != StatePrepared:
		tc.mu.Unlock()
		return ojperr.New(ojperr.KindProtocolError, "xa: two-phase commit invalid from state %s", tc.state)
	}

	if err := tc.session.XAConn.Commit(ctx, xid, onePhase); err != nil {
		tc.mu.Unlock()
		return ojperr.Wrap(ojperr.KindBackendError, err, "xa: backend commit failed for %s", xid)
	}

	tc.state = StateCommitted
	tc.transactionComplete = true
	wasPinned := !onePhase
	tc.touch()
	backend := tc.session
	tc.mu.Unlock()

	if wasPinned {
		backend.Unpin()
	}
	r.sanitize(ctx, backend)
	r.forget(xid)
	return nil
}

// Rollback implements xaRollback; reachable from ACTIVE, ENDED, or PREPARED.
func (r *Registry) Rollback(ctx context.Context, xid XidKey) error {
	tc := r.lookup(xid)
	if tc == nil {
		return ojperr.New(ojperr.KindNotAssociated, "xa: unknown xid %s", xid)
	}

	tc.mu.Lock()
	switch tc.state {
	case StateActive, StateEnded, StatePrepared:
	default:
		tc.mu.Unlock()
		return ojperr.New(ojperr.KindProtocolError, "xa: rollback invalid from state %s", tc.state)
	}

	wasPinned := tc.state == StatePrepared
	if err := tc.session.XAConn.Rollback(ctx, xid); err != nil {
		tc.mu.Unlock()
		return ojperr.Wrap(ojperr.KindBackendError, err, "xa: backend rollback failed for %s", xid)
	}

	tc.state = StateRolledBack
	tc.transactionComplete = true
	tc.touch()
	backend := tc.session
	tc.mu.Unlock()

	if wasPinned {
		backend.Unpin()
	}
	r.sanitize(ctx, backend)
	r.forget(xid)
	return nil
}

// RollbackActiveForSession rolls back every non-terminal branch bound to
// sessionID's backend. spec.md §4.1 requires the registry's rollback path run
// before a session's backend is returned to its pool; without this, a branch
// left ACTIVE/ENDED/PREPARED at session termination would leave its
// BackendSession pinned (or mid-transaction) forever, violating the §8
// invariant that no pool's idle set may ever hold a PREPARED branch's
// session.
func (r *Registry) RollbackActiveForSession(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	backend := r.sessionBackend[sessionID]
	var xids []XidKey
	if backend != nil {
		for xid, tc := range r.branches {
			tc.mu.Lock()
			live := tc.session == backend &&
				tc.state != StateCommitted &&
				tc.state != StateRolledBack &&
				tc.state != StateNonexistent
			tc.mu.Unlock()
			if live {
				xids = append(xids, xid)
			}
		}
	}
	r.mu.Unlock()

	var firstErr error
	for _, xid := range xids {
		if err := r.Rollback(ctx, xid); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// sanitize runs the post-transaction cleanup described in spec.md §4.3: reset
// isolation/warnings on the same logical handle the client already holds, and
// never return the BackendSession to the pool here — it stays bound to the
// logical session until that session terminates.
func (r *Registry) sanitize(ctx context.Context, backend *BackendSession) {
	_ = backend.SanitizeAfterTransaction(ctx, r.defaultIsolation)
}

// Forget implements xaForget: drops a heuristically-completed branch's record.
func (r *Registry) Forget(ctx context.Context, xid XidKey) error {
	tc := r.lookup(xid)
	if tc == nil {
		return ojperr.New(ojperr.KindNotAssociated, "xa: unknown xid %s", xid)
	}
	tc.mu.Lock()
	if tc.state != StateCommitted && tc.state != StateRolledBack {
		tc.mu.Unlock()
		return ojperr.New(ojperr.KindProtocolError, "xa: forget invalid from state %s", tc.state)
	}
	backend := tc.session
	tc.mu.Unlock()

	if err := backend.XAConn.Forget(ctx, xid); err != nil {
		return ojperr.Wrap(ojperr.KindBackendError, err, "xa: backend forget failed for %s", xid)
	}
	r.forget(xid)
	return nil
}

func (r *Registry) forget(xid XidKey) {
	r.mu.Lock()
	delete(r.branches, xid)
	r.mu.Unlock()
}

// Recover implements xaRecover against this node's backend only; a multinode
// deployment broadcasts to every node and unions the results (spec.md §4.3 —
// no shared durable store, so a crash while a branch is PREPARED on a node that
// is down requires manual resolution, per the documented Open Question).
func (r *Registry) Recover(ctx context.Context, backend *BackendSession, flags int32) ([]XidKey, error) {
	xids, err := backend.XAConn.Recover(ctx, flags)
	if err != nil {
		return nil, ojperr.Wrap(ojperr.KindBackendError, err, "xa: backend recover failed")
	}
	return xids, nil
}

// SetTransactionTimeout implements xaSetTransactionTimeout; 0 clears any
// existing deadline, matching the X/Open convention.
func (r *Registry) SetTransactionTimeout(xid XidKey, seconds int) error {
	tc := r.lookup(xid)
	if tc == nil {
		return ojperr.New(ojperr.KindNotAssociated, "xa: unknown xid %s", xid)
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.timeoutSeconds = seconds
	if seconds > 0 {
		tc.deadline = time.Now().Add(time.Duration(seconds) * time.Second)
	} else {
		tc.deadline = time.Time{}
	}
	if err := tc.session.XAConn.SetTransactionTimeout(seconds); err != nil {
		return ojperr.Wrap(ojperr.KindBackendError, err, "xa: backend setTransactionTimeout failed for %s", xid)
	}
	return nil
}

// CheckDeadline returns TransactionTimeout if xid's deadline has passed. No
// periodic sweep calls it; the check happens only when a caller invokes it.
func (r *Registry) CheckDeadline(xid XidKey) error {
	tc := r.lookup(xid)
	if tc == nil {
		return ojperr.New(ojperr.KindNotAssociated, "xa: unknown xid %s", xid)
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.deadline.IsZero() || time.Now().Before(tc.deadline) {
		return nil
	}
	return ojperr.New(ojperr.KindTransactionTimeout, "xa: branch %s exceeded %ds timeout", xid, tc.timeoutSeconds)
}

// IsPinned reports whether xid's BackendSession must not be touched by pool
// housekeeping right now (spec.md §8 invariant).
func (r *Registry) IsPinned(xid XidKey) bool {
	tc := r.lookup(xid)
	if tc == nil {
		return false
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.session.IsPinned()
}

// Len reports the number of branches currently tracked, for diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.branches)
}
