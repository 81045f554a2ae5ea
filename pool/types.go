// Package pool implements the two pluggable connection-pool provider families:
// ordinary pools backed by database/sql, and XA pools backed by a generic
// object pool of xa.BackendSession values. It is grounded on the teacher's
// PoolConfig/Handler (server/types.go, server/server.go) for the ordinary side,
// and on jackc/puddle-style generic pooling for the XA side.
package pool

import (
	"context"
	"time"
)

// Config mirrors spec.md §4.2's canonical XA datasource keys plus the ordinary
// pool's sql.DB knobs. Not every field applies to every provider.
type Config struct {
	ConnHash string

	// Ordinary pool (database/sql) knobs.
	DriverName      string
	DSN             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnTimeout     time.Duration

	// XA pool knobs (spec.md §4.2's canonical config map).
	XADataSourceClassName string
	XAURL                 string
	XAUsername            string
	XAPassword            string
	XAMaxPoolSize         int
	XAMinIdle             int
	XAConnectionTimeout   time.Duration
	XAIdleTimeout         time.Duration
	XAMaxLifetime         time.Duration

	LeakDetectionEnabled  bool
	LeakDetectionInterval time.Duration
	LeakDetectionTimeout  time.Duration
	LeakDetectionEnhanced bool

	DiagnosticsEnabled  bool
	DiagnosticsInterval time.Duration

	DefaultIsolation int
}

// Stats is the map a provider's statistics() call returns (spec.md §4.2).
type Stats struct {
	Active    int
	Idle      int
	Waiters   int
	Max       int
	Created   int64
	Destroyed int64
	Borrowed  int64
	Returned  int64
}

// Provider is the pluggable interface both ordinary and XA pool families
// implement (spec.md §4.2). Providers are discovered at startup; the
// highest-priority available one wins for a given connHash (spec.md §9:
// "explicit provider list ordered by priority, first isAvailable() &&
// matches(config) wins").
type Provider interface {
	ID() string
	Priority() int
	Available() bool

	Create(ctx context.Context, cfg Config) error
	Close(ctx context.Context, connHash string) error
	Statistics(connHash string) (Stats, error)

	// Resize implements spec.md §4.2's dynamic resize: setMaxTotal/setMinIdle
	// callable at runtime. Returns PoolResizeFailed if the required idle
	// sessions cannot be eagerly created.
	Resize(ctx context.Context, connHash string, maxTotal, minIdle int) error
}

// Registry picks the highest-priority available provider, per spec.md §9's
// deterministic selection rule. Selection does not look at a connHash or a
// Config: Provider has no matches() check, only Available().
type Registry struct {
	providers []Provider
}

// NewRegistry orders providers by descending priority at registration time so
// selection only ever needs a linear scan.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: append([]Provider{}, providers...)}
	for i := 1; i < len(r.providers); i++ {
		for j := i; j > 0 && r.providers[j].Priority() > r.providers[j-1].Priority(); j-- {
			r.providers[j], r.providers[j-1] = r.providers[j-1], r.providers[j]
		}
	}
	return r
}

// Select returns the first available provider, highest priority first.
func (r *Registry) Select() (Provider, bool) {
	for _, p := range r.providers {
		if p.Available() {
			return p, true
		}
	}
	return nil, false
}
