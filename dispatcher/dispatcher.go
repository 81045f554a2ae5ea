package dispatcher

import (
	"context"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ojpio/ojp-go/ojperr"
)

// Dialer opens a connection to one endpoint; supplied by the caller so this
// package stays transport-agnostic (the real client dials the wire protocol
// from spec.md §6 over this endpoint).
type Dialer func(ctx context.Context, addr EndpointAddr) error

// PoolResizer delivers a resize instruction for every connHash currently
// tracked against this dispatcher to one endpoint. The client package
// implements this over the same per-request RPC idiom as a normal session
// call (spec.md §4.4: "the dispatcher reissues resize instructions").
type PoolResizer func(ctx context.Context, ep *Endpoint, connHashes []string, targetSize int64) error

// Dispatcher selects an endpoint for each new session and pins existing
// sessions to the endpoint they first connected to (spec.md §4.4: sticky
// sessions). Grounded on the teacher's ConnectionManager (client/reconnect.go)
// for the backoff/retry shape, generalized from one broker connection to a
// load-balanced set of endpoints.
type Dispatcher struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	nextRR    int // round-robin tiebreak cursor

	sticky *lru.Cache[string, *Endpoint] // sessionUUID -> pinned endpoint

	dial Dialer

	globalMaxPoolSize int64
	resizer           PoolResizer
	connHashes        map[string]struct{}  // every connHash ever seen on this dispatcher
	resizeFailed      map[*Endpoint]bool   // endpoints whose last resize attempt failed, retried on the next health tick
}

// New constructs a Dispatcher over addrs, each starting HealthUnknown.
// stickyCacheSize bounds the session-stickiness cache (spec.md §9: bounded
// caches, not unbounded maps).
func New(addrs []EndpointAddr, stickyCacheSize int, dial Dialer) (*Dispatcher, error) {
	if stickyCacheSize <= 0 {
		stickyCacheSize = 8192
	}
	cache, err := lru.New[string, *Endpoint](stickyCacheSize)
	if err != nil {
		return nil, err
	}

	eps := make([]*Endpoint, 0, len(addrs))
	for _, a := range addrs {
		eps = append(eps, NewEndpoint(a.Host, a.Port, DefaultReconnectConfig()))
	}
	return &Dispatcher{
		endpoints:    eps,
		sticky:       cache,
		dial:         dial,
		connHashes:   make(map[string]struct{}),
		resizeFailed: make(map[*Endpoint]bool),
	}, nil
}

// ConfigurePoolSizing arms spec.md §4.4's dynamic per-endpoint pool sizing:
// globalMaxPoolSize is divided across however many endpoints are currently
// healthy, and resizer is invoked to carry that instruction to each one
// whenever health changes.
func (d *Dispatcher) ConfigurePoolSizing(globalMaxPoolSize int64, resizer PoolResizer) {
	d.mu.Lock()
	d.globalMaxPoolSize = globalMaxPoolSize
	d.resizer = resizer
	d.mu.Unlock()
}

// TrackConnHash records a connHash that has connected through this
// dispatcher, so a later resize instruction knows which of the server's
// pools to resize.
func (d *Dispatcher) TrackConnHash(connHash string) {
	d.mu.Lock()
	d.connHashes[connHash] = struct{}{}
	d.mu.Unlock()
}

// Endpoints returns the dispatcher's configured endpoints (for tests and
// diagnostics).
func (d *Dispatcher) Endpoints() []*Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Endpoint{}, d.endpoints...)
}

// ConnectAll implements scenario 4 from spec.md §8: connect concurrently to
// every configured endpoint at startup. A per-endpoint probe failure ignores
// its backoff delay and retries once immediately, "so the first two
// connections are distributed one to A and one to B".
func (d *Dispatcher) ConnectAll(ctx context.Context) (connected int, total int) {
	total = len(d.endpoints)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, ep := range d.endpoints {
		wg.Add(1)
		go func(ep *Endpoint) {
			defer wg.Done()
			if d.connectWithImmediateRetry(ctx, ep) {
				mu.Lock()
				connected++
				mu.Unlock()
			}
		}(ep)
	}
	wg.Wait()
	log.Printf("dispatcher: connected to %d out of %d servers", connected, total)
	return connected, total
}

// connectWithImmediateRetry dials ep once; on failure it retries immediately
// rather than honoring the endpoint's backoff delay, since this is an
// explicit initial connect, not a background reconnect sweep (spec.md §8
// scenario 4).
func (d *Dispatcher) connectWithImmediateRetry(ctx context.Context, ep *Endpoint) bool {
	addr := EndpointAddr{Host: ep.Host, Port: ep.Port}
	if err := d.dial(ctx, addr); err == nil {
		d.MarkEndpointUp(ep)
		return true
	}
	d.MarkEndpointDown(ep)

	if err := d.dial(ctx, addr); err == nil {
		d.MarkEndpointUp(ep)
		return true
	}
	d.MarkEndpointDown(ep)
	return false
}

// MarkEndpointUp records ep as reachable and reissues per-endpoint pool
// resize instructions across the whole cluster, since a newly healthy
// endpoint shrinks every other endpoint's fair share.
func (d *Dispatcher) MarkEndpointUp(ep *Endpoint) {
	ep.MarkUp()
	go d.rebalanceAll(context.Background())
}

// MarkEndpointDown records ep as unreachable and reissues per-endpoint pool
// resize instructions across the remaining healthy endpoints.
func (d *Dispatcher) MarkEndpointDown(ep *Endpoint) {
	ep.MarkDown()
	go d.rebalanceAll(context.Background())
}

// healthyEndpointCount counts endpoints not known to be down; HealthUnknown
// endpoints are treated as healthy, matching SelectForNewSession's candidate
// filter.
func (d *Dispatcher) healthyEndpointCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, ep := range d.endpoints {
		if ep.Health() != HealthDown {
			n++
		}
	}
	return n
}

// ceilDiv computes ceil(a/b) for positive b, spec.md §4.4's
// target = ceil(globalMaxPoolSize / healthyEndpointCount).
func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}

// rebalanceAll implements spec.md §4.4: "When endpoint health changes, the
// dispatcher reissues resize instructions to bring each server's pool to its
// share." A failed resize is retried on the next call to rebalanceAll, i.e.
// the next health-change tick, via resizeFailed.
func (d *Dispatcher) rebalanceAll(ctx context.Context) {
	d.mu.Lock()
	resizer := d.resizer
	globalMax := d.globalMaxPoolSize
	if resizer == nil || globalMax <= 0 {
		d.mu.Unlock()
		return
	}
	connHashes := make([]string, 0, len(d.connHashes))
	for h := range d.connHashes {
		connHashes = append(connHashes, h)
	}
	endpoints := append([]*Endpoint{}, d.endpoints...)
	d.mu.Unlock()

	if len(connHashes) == 0 {
		return
	}

	healthy := d.healthyEndpointCount()
	target := ceilDiv(globalMax, int64(healthy))

	for _, ep := range endpoints {
		d.mu.Lock()
		previouslyFailed := d.resizeFailed[ep]
		d.mu.Unlock()

		if ep.Health() == HealthDown && !previouslyFailed {
			continue
		}

		ep.SetTargetPoolSize(target)
		rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := resizer(rctx, ep, connHashes, target)
		cancel()

		d.mu.Lock()
		d.resizeFailed[ep] = err != nil
		d.mu.Unlock()

		if err != nil {
			log.Printf("dispatcher: resize of %s:%d to %d failed, retrying on next health change: %v", ep.Host, ep.Port, target, err)
		}
	}
}

// SelectForNewSession implements spec.md §4.4's selection algorithm: lowest
// active connection count, with a round-robin tiebreak among equals, skipping
// unhealthy endpoints. The chosen endpoint is pinned to sessionUUID in the
// stickiness cache.
func (d *Dispatcher) SelectForNewSession(sessionUUID string) (*Endpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	candidates := make([]*Endpoint, 0, len(d.endpoints))
	for _, ep := range d.endpoints {
		if ep.Health() != HealthDown {
			candidates = append(candidates, ep)
		}
	}
	if len(candidates) == 0 {
		return nil, ojperr.New(ojperr.KindStaleSession, "dispatcher: no healthy endpoints available")
	}

	lowest := candidates[0].ActiveCount()
	for _, ep := range candidates {
		if c := ep.ActiveCount(); c < lowest {
			lowest = c
		}
	}

	var tied []*Endpoint
	for _, ep := range candidates {
		if ep.ActiveCount() == lowest {
			tied = append(tied, ep)
		}
	}

	chosen := tied[d.nextRR%len(tied)]
	d.nextRR++

	chosen.IncActive()
	d.sticky.Add(sessionUUID, chosen)
	return chosen, nil
}

// Sticky returns the endpoint pinned to sessionUUID, failing StaleSession if
// that endpoint is no longer healthy — spec.md §4.4's "no silent failover on
// sticky server crash".
func (d *Dispatcher) Sticky(sessionUUID string) (*Endpoint, error) {
	ep, ok := d.sticky.Get(sessionUUID)
	if !ok {
		return nil, ojperr.New(ojperr.KindStaleSession, "dispatcher: session %s has no sticky endpoint", sessionUUID)
	}
	if ep.Health() == HealthDown {
		return nil, ojperr.New(ojperr.KindStaleSession, "dispatcher: sticky endpoint %s:%d for session %s is down", ep.Host, ep.Port, sessionUUID)
	}
	return ep, nil
}

// Release decrements the active count for the endpoint pinned to
// sessionUUID, on session termination.
func (d *Dispatcher) Release(sessionUUID string) {
	ep, ok := d.sticky.Get(sessionUUID)
	if !ok {
		return
	}
	ep.DecActive()
	d.sticky.Remove(sessionUUID)
}
