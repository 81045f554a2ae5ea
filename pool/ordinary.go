package pool

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"

	"github.com/ojpio/ojp-go/ojperr"
)

// OrdinaryProvider is the universal non-XA pool family (spec.md §4.2): one
// database/sql.DB per connHash. Grounded on the teacher's Handler.Start "open"
// mode (server/server.go), which opens a single *sql.DB and tunes it with
// SetMaxIdleConns/SetMaxOpenConns/SetConnMaxLifetime; here that is generalized
// to one DB per connHash instead of one per process.
type OrdinaryProvider struct {
	mu      sync.RWMutex
	dbs     map[string]*sql.DB
	daemons map[string]*daemon
}

// NewOrdinaryProvider constructs an empty provider; Create registers a pool
// per connHash on first use.
func NewOrdinaryProvider() *OrdinaryProvider {
	return &OrdinaryProvider{
		dbs:     make(map[string]*sql.DB),
		daemons: make(map[string]*daemon),
	}
}

func (p *OrdinaryProvider) ID() string     { return "ordinary-sql" }
func (p *OrdinaryProvider) Priority() int  { return 100 }
func (p *OrdinaryProvider) Available() bool { return true }

// Create opens the pool's *sql.DB for cfg.ConnHash and starts its leak/diagnostics
// daemon, exactly as the teacher configures its single pool at startup.
func (p *OrdinaryProvider) Create(ctx context.Context, cfg Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.dbs[cfg.ConnHash]; exists {
		return nil
	}

	db, err := sql.Open(cfg.DriverName, cfg.DSN)
	if err != nil {
		return ojperr.Wrap(ojperr.KindDriverMissing, err, "pool: opening %s pool for %s", cfg.DriverName, cfg.ConnHash)
	}
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	p.dbs[cfg.ConnHash] = db

	interval := cfg.LeakDetectionInterval
	if !cfg.LeakDetectionEnabled && !cfg.DiagnosticsEnabled {
		interval = 0
	} else if cfg.DiagnosticsEnabled && (interval <= 0 || (cfg.DiagnosticsInterval > 0 && cfg.DiagnosticsInterval < interval)) {
		interval = cfg.DiagnosticsInterval
	}
	connHash := cfg.ConnHash
	p.daemons[cfg.ConnHash] = startDaemon(interval, func() {
		p.housekeep(connHash, cfg)
	})

	log.Printf("pool: ordinary pool ready for %s (idle=%d open=%d lifetime=%s)",
		cfg.ConnHash, cfg.MaxIdleConns, cfg.MaxOpenConns, cfg.ConnMaxLifetime)
	return nil
}

func (p *OrdinaryProvider) housekeep(connHash string, cfg Config) {
	p.mu.RLock()
	db, ok := p.dbs[connHash]
	p.mu.RUnlock()
	if !ok {
		return
	}

	stats := db.Stats()
	if cfg.DiagnosticsEnabled {
		log.Printf("pool[%s] diagnostics: open=%d idle=%d inUse=%d waitCount=%d",
			connHash, stats.OpenConnections, stats.Idle, stats.InUse, stats.WaitCount)
	}
	if cfg.LeakDetectionEnabled && stats.WaitDuration > cfg.LeakDetectionTimeout && cfg.LeakDetectionTimeout > 0 {
		logWarn("pool[%s] connections have been waiting %s, longer than leakDetection.timeoutMs=%s",
			connHash, stats.WaitDuration, cfg.LeakDetectionTimeout)
	}
}

// DB returns the underlying *sql.DB for connHash, for the session engine's
// lazy-acquisition path (spec.md §4.1).
func (p *OrdinaryProvider) DB(connHash string) (*sql.DB, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	db, ok := p.dbs[connHash]
	return db, ok
}

func (p *OrdinaryProvider) Close(ctx context.Context, connHash string) error {
	p.mu.Lock()
	db, ok := p.dbs[connHash]
	d := p.daemons[connHash]
	delete(p.dbs, connHash)
	delete(p.daemons, connHash)
	p.mu.Unlock()

	if d != nil {
		d.stop()
	}
	if !ok {
		return nil
	}
	return db.Close()
}

func (p *OrdinaryProvider) Statistics(connHash string) (Stats, error) {
	p.mu.RLock()
	db, ok := p.dbs[connHash]
	p.mu.RUnlock()
	if !ok {
		return Stats{}, fmt.Errorf("pool: no ordinary pool for %s", connHash)
	}
	s := db.Stats()
	return Stats{
		Active:  s.InUse,
		Idle:    s.Idle,
		Waiters: int(s.WaitCount),
		Max:     s.MaxOpenConnections,
	}, nil
}

// Resize implements dynamic resize for the ordinary pool. MaxOpenConns maps to
// maxTotal; database/sql has no minIdle knob, so minIdle only affects
// MaxIdleConns (the nearest available lever) per spec.md §4.2.
func (p *OrdinaryProvider) Resize(ctx context.Context, connHash string, maxTotal, minIdle int) error {
	p.mu.RLock()
	db, ok := p.dbs[connHash]
	p.mu.RUnlock()
	if !ok {
		return ojperr.New(ojperr.KindPoolResizeFailed, "pool: no ordinary pool for %s", connHash)
	}
	db.SetMaxOpenConns(maxTotal)
	db.SetMaxIdleConns(minIdle)
	return nil
}
