// Package dispatcher implements the client-side multinode connection
// distribution described in spec.md §4.4: endpoint health tracking, lowest-
// active-count-plus-round-robin selection, and session stickiness. Grounded
// on the teacher's ConnectionManager (client/reconnect.go), whose exponential
// backoff and health-monitoring goroutine are generalized here from a single
// RabbitMQ connection to N independent server endpoints.
package dispatcher

import (
	"sync"
	"sync/atomic"
	"time"
)

// Health is an endpoint's current reachability state.
type Health int32

const (
	HealthUnknown Health = iota
	HealthUp
	HealthDown
)

// Endpoint is one host:port of a proxy server cluster (spec.md glossary).
// Counters are atomic per spec.md §4.3's shared-resource policy ("Endpoint
// counters: atomic ints").
type Endpoint struct {
	Host string
	Port int

	health          atomic.Int32
	lastFailureAt   atomic.Int64 // unix nanos; 0 if never failed
	activeConnCount atomic.Int64
	targetPoolSize  atomic.Int64

	backoff *backoffState
}

// NewEndpoint constructs an Endpoint starting in HealthUnknown, grounded on
// the teacher's ConnectionManager starting disconnected before its first
// Connect call.
func NewEndpoint(host string, port int, initial ReconnectConfig) *Endpoint {
	e := &Endpoint{Host: host, Port: port}
	e.health.Store(int32(HealthUnknown))
	e.backoff = newBackoffState(initial)
	return e
}

func (e *Endpoint) Health() Health { return Health(e.health.Load()) }

func (e *Endpoint) MarkUp() {
	e.health.Store(int32(HealthUp))
	e.backoff.reset()
}

func (e *Endpoint) MarkDown() {
	e.health.Store(int32(HealthDown))
	e.lastFailureAt.Store(time.Now().UnixNano())
}

// FailedRecently reports whether the endpoint failed within the last d,
// i.e., whether a normal retry should still honor its backoff delay.
func (e *Endpoint) FailedRecently(d time.Duration) bool {
	last := e.lastFailureAt.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) < d
}

func (e *Endpoint) IncActive() int64 { return e.activeConnCount.Add(1) }
func (e *Endpoint) DecActive() int64 { return e.activeConnCount.Add(-1) }
func (e *Endpoint) ActiveCount() int64 { return e.activeConnCount.Load() }

func (e *Endpoint) SetTargetPoolSize(n int64) { e.targetPoolSize.Store(n) }
func (e *Endpoint) TargetPoolSize() int64      { return e.targetPoolSize.Load() }

// Backoff exposes the endpoint's reconnect backoff state to the dispatcher's
// connection-establishment loop.
func (e *Endpoint) Backoff() *backoffState { return e.backoff }

// ReconnectConfig mirrors the teacher's ReconnectConfig (client/reconnect.go),
// generalized to per-endpoint backoff state instead of a single broker
// connection's.
type ReconnectConfig struct {
	Enabled           bool
	MaxAttempts       int
	InitialInterval   time.Duration
	MaxInterval       time.Duration
	BackoffMultiplier float64
	ResetInterval     time.Duration
}

// DefaultReconnectConfig mirrors the teacher's defaults.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Enabled:           true,
		MaxAttempts:       10,
		InitialInterval:   1 * time.Second,
		MaxInterval:       60 * time.Second,
		BackoffMultiplier: 2.0,
		ResetInterval:     5 * time.Minute,
	}
}

type backoffState struct {
	mu       sync.Mutex
	cfg      ReconnectConfig
	attempts int
	next     time.Duration
}

func newBackoffState(cfg ReconnectConfig) *backoffState {
	return &backoffState{cfg: cfg, next: cfg.InitialInterval}
}

func (b *backoffState) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
	b.next = b.cfg.InitialInterval
}

// NextDelay returns the delay the caller should wait before the next retry,
// and advances the exponential backoff state (client/reconnect.go's
// reconnectLoop idiom).
func (b *backoffState) NextDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	delay := b.next
	b.attempts++
	b.next = time.Duration(float64(b.next) * b.cfg.BackoffMultiplier)
	if b.next > b.cfg.MaxInterval {
		b.next = b.cfg.MaxInterval
	}
	return delay
}

func (b *backoffState) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

func (b *backoffState) ExceededMax() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.MaxAttempts > 0 && b.attempts >= b.cfg.MaxAttempts
}
