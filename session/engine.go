package session

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ojpio/ojp-go/ojperr"
	"github.com/ojpio/ojp-go/xa"
)

// BackendResolver is the narrow seam the engine uses to reach pool providers
// without importing a concrete server wiring package, matching how the
// teacher's Handler keeps pool construction separate from transaction
// handling (server/server.go vs server/transactions.go).
type BackendResolver interface {
	OrdinaryConn(ctx context.Context, connHash string) (*sql.Conn, error)
	BorrowXA(ctx context.Context, connHash string) (*xa.BackendSession, error)
	ReturnXA(ctx context.Context, connHash string, b *xa.BackendSession)
}

// Engine owns every live Session, process-wide (spec.md §4.1: "the session is
// process-wide state with init = create-on-first-use, teardown =
// terminate-on-reaper-or-close"). Grounded on the teacher's TransactionManager
// (server/transactions.go), generalized from one sql.Tx per id to a full
// Session per id.
type Engine struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session

	backend BackendResolver
	xaReg   *xa.Registry

	sessionTimeout time.Duration
	reaperDaemon   chan struct{}
	reaperWg       sync.WaitGroup
}

// NewEngine constructs an Engine and, if cleanupInterval > 0, starts the
// reaper loop immediately.
func NewEngine(backend BackendResolver, xaReg *xa.Registry, sessionTimeout, cleanupInterval time.Duration) *Engine {
	e := &Engine{
		sessions:       make(map[uuid.UUID]*Session),
		backend:        backend,
		xaReg:          xaReg,
		sessionTimeout: sessionTimeout,
	}
	if cleanupInterval > 0 {
		e.reaperDaemon = make(chan struct{})
		e.reaperWg.Add(1)
		go e.reapLoop(cleanupInterval)
	}
	return e
}

// Stop halts the reaper loop; used at server shutdown.
func (e *Engine) Stop() {
	if e.reaperDaemon == nil {
		return
	}
	select {
	case <-e.reaperDaemon:
	default:
		close(e.reaperDaemon)
	}
	e.reaperWg.Wait()
}

func (e *Engine) reapLoop(interval time.Duration) {
	defer e.reaperWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.reapOnce()
		case <-e.reaperDaemon:
			return
		}
	}
}

// reapOnce implements spec.md §4.1's reaper: "a periodic task scans all
// sessions and terminates any whose now - lastActivityAt > sessionTimeout."
func (e *Engine) reapOnce() {
	e.mu.RLock()
	stale := make([]*Session, 0)
	for _, s := range e.sessions {
		if s.IdleFor() > e.sessionTimeout {
			stale = append(stale, s)
		}
	}
	e.mu.RUnlock()

	for _, s := range stale {
		if err := e.Terminate(context.Background(), s.UUID); err != nil {
			log.Printf("session: reaper failed to terminate %s: %v", s.UUID, err)
		}
	}
}

// Create registers a brand-new Session and returns it; the caller fills in
// the backend connection via Acquire on first use.
func (e *Engine) Create(clientUUID uuid.UUID, connHash string, isXA bool) *Session {
	s := New(clientUUID, connHash, isXA)
	e.mu.Lock()
	e.sessions[s.UUID] = s
	e.mu.Unlock()
	return s
}

// Get looks up a session by UUID, failing StaleSession if unknown (spec.md
// §7: "Session unknown, closed, or routed to a sticky server that failed").
func (e *Engine) Get(id uuid.UUID) (*Session, error) {
	e.mu.RLock()
	s, ok := e.sessions[id]
	e.mu.RUnlock()
	if !ok {
		return nil, ojperr.New(ojperr.KindStaleSession, "session %s is unknown", id)
	}
	return s, nil
}

// Acquire implements the lazy-acquisition algorithm from spec.md §4.1.
func (e *Engine) Acquire(ctx context.Context, s *Session) error {
	if s.Closed() {
		return ojperr.New(ojperr.KindStaleSession, "session %s was terminated", s.UUID)
	}
	if _, err := s.Conn(); err == nil {
		return nil // step 1: already has a valid connection
	}

	if s.IsXA {
		// Step 2: "it is an error to reach here without an existing session
		// (XA sessions are created eagerly at connect time)".
		if s.XABackend() == nil {
			return ojperr.New(ojperr.KindStaleSession, "XA session %s has no backend bound at connect time", s.UUID)
		}
		return nil
	}

	conn, err := e.backend.OrdinaryConn(ctx, s.ConnHash)
	if err != nil {
		return err
	}
	s.SetConn(conn)
	return nil
}

// Terminate implements spec.md §4.1's full termination sequence: rolling back
// any active local transaction, invoking the XA registry's rollback path
// first for a session with an active branch, closing resources, and
// returning the backend connection to its pool (or closing it if unpooled).
func (e *Engine) Terminate(ctx context.Context, id uuid.UUID) error {
	e.mu.Lock()
	s, ok := e.sessions[id]
	if ok {
		delete(e.sessions, id)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}

	if s.IsXA {
		if b := s.XABackend(); b != nil {
			if err := e.xaReg.RollbackActiveForSession(ctx, s.UUID.String()); err != nil {
				log.Printf("session: terminate(%s) rollback of active XA branch failed: %v", id, err)
			}
			e.xaReg.UnbindSession(s.UUID.String())
		}
	}

	conn, xaBackend, errs := s.Terminate(ctx)
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if xaBackend != nil {
		e.backend.ReturnXA(ctx, s.ConnHash, xaBackend)
	}
	for _, err := range errs {
		log.Printf("session: terminate(%s) best-effort cleanup error: %v", id, err)
	}
	return nil
}
