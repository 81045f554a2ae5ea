// Package session implements the per-client logical session: lazy backend
// acquisition, statement/result-set/LOB bookkeeping, and the reaper that
// terminates sessions abandoned by a client (spec.md §4.1). Grounded on the
// teacher's TransactionManager registry (server/transactions.go) — a
// map[string]*Transaction guarded by a RWMutex, with LastUsed bookkeeping for
// staleness — generalized from a single SQL transaction to the full session
// lifecycle spec.md §3 describes.
package session

import (
	"context"
	"database/sql"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ojpio/ojp-go/ojperr"
	"github.com/ojpio/ojp-go/xa"
)

// Session is the process-wide per-client state described in spec.md §3.
// init = create-on-first-use, teardown = terminate-on-reaper-or-close.
type Session struct {
	UUID       uuid.UUID
	ClientUUID uuid.UUID
	ConnHash   string
	IsXA       bool

	mu sync.Mutex

	conn       *sql.Conn // the session's single backend connection, ordinary mode
	tx         *sql.Tx   // non-nil while a local transaction is open
	xaBackend  *xa.BackendSession

	autoCommit       bool
	isolationLevel   sql.IsolationLevel
	createdAt        time.Time
	lastActivityAt   time.Time
	closed           bool

	// resources is the per-session arena from spec.md §9: statements, result
	// sets, and LOBs are all io.Closer and keyed by UUID so the reaper can
	// free the whole arena atomically on termination.
	resources map[uuid.UUID]io.Closer
}

// New constructs a Session in its initial, connection-less state; the backend
// connection is acquired lazily on first use per spec.md §4.1.
func New(clientUUID uuid.UUID, connHash string, isXA bool) *Session {
	now := time.Now()
	return &Session{
		UUID:           uuid.New(),
		ClientUUID:     clientUUID,
		ConnHash:       connHash,
		IsXA:           isXA,
		autoCommit:     true,
		createdAt:      now,
		lastActivityAt: now,
		resources:      make(map[uuid.UUID]io.Closer),
	}
}

// Touch records activity so the reaper never preempts a session mid-call
// (spec.md §4.3's cancellation rule: "lastActivityAt is updated before the
// operation runs").
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivityAt = time.Now()
}

// IdleFor reports how long the session has gone without activity, for the
// reaper's sweep (spec.md §4.1).
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	return time.Since(s.lastActivityAt)
}

// Closed reports whether Terminate has already run.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Conn returns the session's backend connection, failing StaleSession if the
// session was terminated or never acquired a connection (spec.md §4.1 step 1:
// "if the session already has a valid backend connection, reuse it; if
// closed, fail StaleSession").
func (s *Session) Conn() (*sql.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ojperr.New(ojperr.KindStaleSession, "session %s was terminated", s.UUID)
	}
	if s.conn == nil {
		return nil, ojperr.New(ojperr.KindStaleSession, "session %s has no acquired connection", s.UUID)
	}
	return s.conn, nil
}

// SetConn records the connection acquired by the lazy-acquisition algorithm
// (spec.md §4.1 step 3).
func (s *Session) SetConn(conn *sql.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

// XABackend returns the session's bound XA backend session, if any.
func (s *Session) XABackend() *xa.BackendSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.xaBackend
}

// SetXABackend binds the backend session an XA session acquires eagerly at
// connect time (spec.md §4.1 step 2: "XA sessions are created eagerly at
// connect time").
func (s *Session) SetXABackend(b *xa.BackendSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.xaBackend = b
}

// Tx returns the session's open local transaction, if any.
func (s *Session) Tx() *sql.Tx {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx
}

// SetTx records a newly-begun local transaction, or clears it (pass nil)
// after commit/rollback.
func (s *Session) SetTx(tx *sql.Tx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tx = tx
}

// PutResource adds a statement/result-set/LOB to the session's arena and
// returns its UUID handle, per spec.md §4.1: "Result objects ... are returned
// by UUID; the engine tracks them per session."
func (s *Session) PutResource(r io.Closer) uuid.UUID {
	id := uuid.New()
	s.mu.Lock()
	s.resources[id] = r
	s.mu.Unlock()
	return id
}

// Resource retrieves a previously stored resource by UUID.
func (s *Session) Resource(id uuid.UUID) (io.Closer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[id]
	return r, ok
}

// CloseResource closes and forgets one resource by UUID.
func (s *Session) CloseResource(id uuid.UUID) error {
	s.mu.Lock()
	r, ok := s.resources[id]
	delete(s.resources, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return r.Close()
}

// Terminate implements spec.md §4.1's termination sequence: roll back any
// open local transaction, close every open statement/result-set/LOB
// (best-effort, logged), and mark the session closed. It does not return or
// close the backend connection itself — the caller (the engine, which knows
// whether the connHash is pooled or unpooled) does that after Terminate
// reports the resources it was holding.
func (s *Session) Terminate(ctx context.Context) (conn *sql.Conn, xaBackend *xa.BackendSession, errs []error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, nil
	}

	if s.tx != nil {
		if err := s.tx.Rollback(); err != nil && err != sql.ErrTxDone {
			errs = append(errs, err)
		}
		s.tx = nil
	}

	for id, r := range s.resources {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.resources, id)
	}

	s.closed = true
	return s.conn, s.xaBackend, errs
}
