package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/puddle/v2"

	"github.com/ojpio/ojp-go/ojperr"
	"github.com/ojpio/ojp-go/xa"
)

// XADataSourceFactory builds a backend XA connection from a Config (spec.md
// §4.2's "vendor XADataSource instantiated and configured by reflective
// property setters"). This proxy rejects the reflective approach (spec.md
// §9) in favor of a small per-driver adapter registered here. Factories are
// looked up by the exact XADataSourceClassName; there is no fallback that
// probes field-name aliases (URL vs url, user vs username).
type XADataSourceFactory func(ctx context.Context, cfg Config) (*xa.BackendSession, error)

var xaFactories = struct {
	mu sync.RWMutex
	m  map[string]XADataSourceFactory
}{m: make(map[string]XADataSourceFactory)}

// RegisterXADataSource registers the constructor for a vendor's XADataSource,
// keyed by cfg.XADataSourceClassName. Drivers call this from an init() in an
// optional, build-tag-gated module, per spec.md §9's plugin-discovery guidance.
func RegisterXADataSource(className string, factory XADataSourceFactory) {
	xaFactories.mu.Lock()
	defer xaFactories.mu.Unlock()
	xaFactories.m[className] = factory
}

func lookupXADataSource(className string) (XADataSourceFactory, bool) {
	xaFactories.mu.RLock()
	defer xaFactories.mu.RUnlock()
	f, ok := xaFactories.m[className]
	return f, ok
}

// xaPool wraps one puddle.Pool[*xa.BackendSession] for a single connHash, plus
// its housekeeping daemon. Pin state is not kept here; each BackendSession
// carries its own (IsPinned).
type xaPool struct {
	cfg    Config
	pool   *puddle.Pool[*xa.BackendSession]
	daemon *daemon
}

// XAProvider is the universal XA pool family (spec.md §4.2): a generic
// object-pool per connHash, grounded on puddle's resource lifecycle (the same
// shape jackc/pgxpool builds its connection pool on) rather than reflection.
type XAProvider struct {
	mu    sync.RWMutex
	pools map[string]*xaPool
}

// NewXAProvider constructs an empty XA pool provider.
func NewXAProvider() *XAProvider {
	return &XAProvider{pools: make(map[string]*xaPool)}
}

func (p *XAProvider) ID() string      { return "puddle-xa" }
func (p *XAProvider) Priority() int   { return 100 }
func (p *XAProvider) Available() bool { return true }

// Create builds the puddle pool for cfg.ConnHash using the registered
// XADataSource factory for cfg.XADataSourceClassName.
func (p *XAProvider) Create(ctx context.Context, cfg Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.pools[cfg.ConnHash]; exists {
		return nil
	}

	factory, ok := lookupXADataSource(cfg.XADataSourceClassName)
	if !ok {
		return ojperr.New(ojperr.KindDriverMissing, "pool: no XA datasource registered for %q", cfg.XADataSourceClassName)
	}

	constructor := func(ctx context.Context) (*xa.BackendSession, error) {
		b, err := factory(ctx, cfg)
		if err != nil {
			return nil, ojperr.Wrap(ojperr.KindBackendError, err, "pool: creating XA backend session for %s", cfg.ConnHash)
		}
		b.CreatedAt = time.Now()
		return b, nil
	}
	destructor := func(b *xa.BackendSession) {
		_ = b.Logical.Close()
	}

	maxSize := int32(cfg.XAMaxPoolSize)
	if maxSize <= 0 {
		maxSize = 1
	}
	pp, err := puddle.NewPool(&puddle.Config[*xa.BackendSession]{
		Constructor: constructor,
		Destructor:  destructor,
		MaxSize:     maxSize,
	})
	if err != nil {
		return ojperr.Wrap(ojperr.KindBackendError, err, "pool: creating puddle pool for %s", cfg.ConnHash)
	}

	xp := &xaPool{cfg: cfg, pool: pp}
	p.pools[cfg.ConnHash] = xp

	connHash := cfg.ConnHash
	xp.daemon = startDaemon(cfg.LeakDetectionInterval, func() {
		p.housekeep(connHash)
	})

	if cfg.XAMinIdle > 0 {
		if err := p.preWarm(ctx, xp, cfg.XAMinIdle); err != nil {
			return ojperr.Wrap(ojperr.KindPoolResizeFailed, err, "pool: pre-warming %d idle XA sessions for %s", cfg.XAMinIdle, cfg.ConnHash)
		}
	}
	return nil
}

func (p *XAProvider) preWarm(ctx context.Context, xp *xaPool, minIdle int) error {
	var created []*puddle.Resource[*xa.BackendSession]
	for i := 0; i < minIdle; i++ {
		res, err := xp.pool.Acquire(ctx)
		if err != nil {
			for _, r := range created {
				r.Release()
			}
			return err
		}
		created = append(created, res)
	}
	for _, r := range created {
		r.Release()
	}
	return nil
}

// Borrow blocks up to cfg.XAConnectionTimeout for a BackendSession, returning
// PoolExhausted on timeout (spec.md §4.2).
func (p *XAProvider) Borrow(ctx context.Context, connHash string) (*puddle.Resource[*xa.BackendSession], error) {
	p.mu.RLock()
	xp, ok := p.pools[connHash]
	p.mu.RUnlock()
	if !ok {
		return nil, ojperr.New(ojperr.KindPoolExhausted, "pool: no XA pool for %s", connHash)
	}

	timeout := xp.cfg.XAConnectionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	bctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := xp.pool.Acquire(bctx)
	if err != nil {
		stat := xp.pool.Stat()
		return nil, ojperr.Wrap(ojperr.KindPoolExhausted, err,
			"pool: borrow timed out for %s (acquired=%d idle=%d max=%d)",
			connHash, stat.AcquiredResources(), stat.IdleResources(), stat.MaxResources())
	}

	res.Value().MarkBorrowed(connHash, nil)
	return res, nil
}

// Return releases a BackendSession back to the pool after resetting it
// (spec.md §4.2: "return validates and resets the session; on reset failure
// the session is destroyed, not reused"). A pinned (PREPARED) session must
// never reach this call; callers honor that via xa.Registry.IsPinned.
func (p *XAProvider) Return(ctx context.Context, connHash string, res *puddle.Resource[*xa.BackendSession]) {
	b := res.Value()
	if b.IsPinned() {
		// A caller should never return a pinned session, but releasing the
		// puddle slot here would put it in the idle set despite the pin
		// (spec.md §8: no pool's idle set may ever hold a PREPARED branch's
		// session). Leave the resource acquired; housekeep already skips
		// pinned resources in both its acquired and idle scans, so it is
		// safe to sit here until the branch resolves and unpins it.
		logWarn("pool[%s] XA session %s returned while pinned, refusing to release into idle set", connHash, b.SessionID)
		return
	}

	p.mu.RLock()
	xp, ok := p.pools[connHash]
	p.mu.RUnlock()
	if !ok {
		res.Destroy()
		return
	}

	if err := b.Reset(ctx, xp.cfg.DefaultIsolation); err != nil {
		res.Destroy()
		return
	}
	b.MarkReturned()
	res.Release()
}

// Invalidate unconditionally destroys a BackendSession (spec.md §4.2).
func (p *XAProvider) Invalidate(res *puddle.Resource[*xa.BackendSession]) {
	res.Destroy()
}

func (p *XAProvider) housekeep(connHash string) {
	p.mu.RLock()
	xp, ok := p.pools[connHash]
	p.mu.RUnlock()
	if !ok {
		return
	}

	stat := xp.pool.Stat()
	if xp.cfg.DiagnosticsEnabled {
		fmt.Printf("pool[%s] xa diagnostics: acquired=%d idle=%d constructing=%d\n",
			connHash, stat.AcquiredResources(), stat.IdleResources(), stat.ConstructingResources())
	}

	for _, res := range xp.pool.AcquiredResources() {
		b := res.Value()
		if b.IsPinned() {
			continue // spec.md §8: PREPARED sessions are never touched by housekeeping
		}
		if xp.cfg.LeakDetectionEnabled && b.BorrowedFor() > xp.cfg.LeakDetectionTimeout && xp.cfg.LeakDetectionTimeout > 0 {
			logWarn("pool[%s] XA session %s held %s, longer than leakDetection.timeoutMs=%s",
				connHash, b.SessionID, b.BorrowedFor(), xp.cfg.LeakDetectionTimeout)
		}
	}

	for _, res := range xp.pool.IdleResources() {
		b := res.Value()
		if b.IsPinned() {
			continue
		}
		idleFor := time.Since(b.LastReturnAt)
		expired := xp.cfg.XAIdleTimeout > 0 && idleFor > xp.cfg.XAIdleTimeout
		pastLifetime := xp.cfg.XAMaxLifetime > 0 && time.Since(b.CreatedAt) > xp.cfg.XAMaxLifetime && idleFor > 0
		if expired || pastLifetime {
			res.Destroy()
		}
	}
}

func (p *XAProvider) Close(ctx context.Context, connHash string) error {
	p.mu.Lock()
	xp, ok := p.pools[connHash]
	delete(p.pools, connHash)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if xp.daemon != nil {
		xp.daemon.stop()
	}
	xp.pool.Close()
	return nil
}

func (p *XAProvider) Statistics(connHash string) (Stats, error) {
	p.mu.RLock()
	xp, ok := p.pools[connHash]
	p.mu.RUnlock()
	if !ok {
		return Stats{}, fmt.Errorf("pool: no XA pool for %s", connHash)
	}
	stat := xp.pool.Stat()
	return Stats{
		Active: int(stat.AcquiredResources()),
		Idle:   int(stat.IdleResources()),
		Max:    int(stat.MaxResources()),
	}, nil
}

// Resize implements spec.md §4.2's dynamic resize for XA pools.
func (p *XAProvider) Resize(ctx context.Context, connHash string, maxTotal, minIdle int) error {
	p.mu.RLock()
	xp, ok := p.pools[connHash]
	p.mu.RUnlock()
	if !ok {
		return ojperr.New(ojperr.KindPoolResizeFailed, "pool: no XA pool for %s", connHash)
	}
	xp.pool.SetMaxSize(int32(maxTotal))
	if minIdle > int(xp.pool.Stat().IdleResources()) {
		if err := p.preWarm(ctx, xp, minIdle-int(xp.pool.Stat().IdleResources())); err != nil {
			return ojperr.Wrap(ojperr.KindPoolResizeFailed, err, "pool: resize could not reach minIdle=%d for %s", minIdle, connHash)
		}
	}
	return nil
}
