package server

import (
	"context"
	"database/sql"
	"sync"

	"github.com/jackc/puddle/v2"

	"github.com/ojpio/ojp-go/ojperr"
	"github.com/ojpio/ojp-go/xa"
)

// connHashRegistry tracks, for every connHash a client has connected with, the
// pool backing it (ordinary vs XA) and — for XA — the puddle resource handles
// currently on loan, so ReturnXA can hand the exact resource back to the pool
// it was borrowed from. Grounded on the teacher's Handler fields (one mysqlDSN/
// mode/poolConf per process); generalized here to one entry per connHash.
type connHashRegistry struct {
	mu sync.Mutex

	isXA map[string]bool

	// on-loan XA resources, keyed by the BackendSession they wrap.
	loaned map[*xa.BackendSession]*puddle.Resource[*xa.BackendSession]
}

func newConnHashRegistry() *connHashRegistry {
	return &connHashRegistry{
		isXA:   make(map[string]bool),
		loaned: make(map[*xa.BackendSession]*puddle.Resource[*xa.BackendSession]),
	}
}

func (c *connHashRegistry) markXA(connHash string, isXA bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isXA[connHash] = isXA
}

// isXAFor reports whether connHash was connected in XA mode, so a resize
// instruction (spec.md §4.4) knows which pool provider owns it.
func (c *connHashRegistry) isXAFor(connHash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isXA[connHash]
}

// OrdinaryConn implements session.BackendResolver for the non-XA path.
func (r *connHashResolver) OrdinaryConn(ctx context.Context, connHash string) (*sql.Conn, error) {
	db, ok := r.h.ordinary.DB(connHash)
	if !ok {
		return nil, ojperr.New(ojperr.KindStaleSession, "server: no ordinary pool for connHash %s", connHash)
	}
	return db.Conn(ctx)
}

// BorrowXA implements session.BackendResolver: borrows a BackendSession from
// the XA pool and remembers the puddle resource so ReturnXA can release it
// exactly, without leaking the pool's internal handle type into the session
// package.
func (r *connHashResolver) BorrowXA(ctx context.Context, connHash string) (*xa.BackendSession, error) {
	res, err := r.h.xaPool.Borrow(ctx, connHash)
	if err != nil {
		return nil, err
	}
	b := res.Value()
	r.h.resolver.mu.Lock()
	r.h.resolver.loaned[b] = res
	r.h.resolver.mu.Unlock()
	return b, nil
}

// ReturnXA hands a borrowed BackendSession back to its pool.
func (r *connHashResolver) ReturnXA(ctx context.Context, connHash string, b *xa.BackendSession) {
	r.h.resolver.mu.Lock()
	res, ok := r.h.resolver.loaned[b]
	delete(r.h.resolver.loaned, b)
	r.h.resolver.mu.Unlock()
	if !ok {
		return
	}
	r.h.xaPool.Return(ctx, connHash, res)
}
