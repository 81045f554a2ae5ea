// Package admission implements slow-query segregation: operations are
// classified fast or slow by an EWMA of their observed latency, then admitted
// through one of two differently-sized semaphores so a burst of slow queries
// cannot starve fast ones (spec.md §1, §4 "Slow-query segregation scheduler").
// Grounded on the teacher's WorkerPool (server/worker_pool.go), whose buffered
// channel is used as a counting semaphore for concurrency control; here that
// idiom is split into one channel per speed class. Per-operation statistics
// are kept in a hashicorp/golang-lru bounded cache instead of an unbounded map,
// so an adversarial client cannot grow it without limit.
package admission

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ojpio/ojp-go/ojperr"
)

// ewmaNumerator/ewmaDenominator implement the recurrence from spec.md §8:
// avg_0 = v_0; avg_i = (avg_{i-1}*4 + v_i)/5.
const ewmaNumerator = 4
const ewmaDenominator = 5

// opStats tracks one operation's learned average latency.
type opStats struct {
	mu      sync.Mutex
	average time.Duration
	samples int64
}

func (s *opStats) observe(sample time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.samples == 0 {
		s.average = sample
	} else {
		s.average = time.Duration((int64(s.average)*ewmaNumerator + int64(sample)) / ewmaDenominator)
	}
	s.samples++
	return s.average
}

func (s *opStats) get() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.average
}

// Config holds the slow-query segregation knobs from spec.md §6
// (ojp.server.slowQuerySegregation.*).
type Config struct {
	Enabled             bool
	SlowSlotPercentage  float64 // fraction of WorkerCount reserved for the slow class
	WorkerCount         int
	FastSlotTimeout      time.Duration
	SlowSlotTimeout      time.Duration
	UpdateGlobalAvgInterval time.Duration
	StatsCacheSize       int
}

// Scheduler classifies operations and admits them through a fast or slow
// semaphore, per spec.md §4 and the EWMA invariant in spec.md §8.
type Scheduler struct {
	cfg Config

	stats *lru.Cache[string, *opStats]

	overallMu      sync.Mutex
	overallAverage time.Duration
	overallSamples int64

	fastSlots chan struct{}
	slowSlots chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler builds a Scheduler sized per cfg. Disabled configurations get a
// single undifferentiated semaphore of size WorkerCount, so admission still
// bounds concurrency even with segregation off.
func NewScheduler(cfg Config) (*Scheduler, error) {
	cacheSize := cfg.StatsCacheSize
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[string, *opStats](cacheSize)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{cfg: cfg, stats: cache, stopCh: make(chan struct{})}

	fastSize := cfg.WorkerCount
	slowSize := 0
	if cfg.Enabled {
		slowSize = maxInt(1, int(float64(cfg.WorkerCount)*cfg.SlowSlotPercentage))
		fastSize = maxInt(1, cfg.WorkerCount-slowSize)
	}
	s.fastSlots = make(chan struct{}, fastSize)
	s.slowSlots = make(chan struct{}, maxInt(slowSize, 1))

	if cfg.Enabled && cfg.UpdateGlobalAvgInterval > 0 {
		s.wg.Add(1)
		go s.globalAverageLoop()
	}
	return s, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (s *Scheduler) globalAverageLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.UpdateGlobalAvgInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			log.Printf("admission: overall average %s across %d samples", s.OverallAverage(), s.overallSampleCount())
		case <-s.stopCh:
			return
		}
	}
}

// Stop halts the global-average loop.
func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.wg.Wait()
}

// IsSlow implements spec.md §8 scenario 5's classification rule: an operation
// is slow if its learned average exceeds both 2x the overall average and a
// 1ms floor (so a quiet system with sub-millisecond operations doesn't
// misclassify noise as "slow").
func (s *Scheduler) IsSlow(op string) bool {
	stats, ok := s.stats.Get(op)
	if !ok {
		return false
	}
	avg := stats.get()

	s.overallMu.Lock()
	overall := s.overallAverage
	s.overallMu.Unlock()

	return avg > 2*overall && overall > time.Millisecond
}

// OverallAverage returns the current overall average across all observed
// operations, for diagnostics and tests.
func (s *Scheduler) OverallAverage() time.Duration {
	s.overallMu.Lock()
	defer s.overallMu.Unlock()
	return s.overallAverage
}

func (s *Scheduler) overallSampleCount() int64 {
	s.overallMu.Lock()
	defer s.overallMu.Unlock()
	return s.overallSamples
}

// Observe records a latency sample for op, updating both its per-operation
// EWMA and a second, instance-wide EWMA over every sample regardless of
// operation (spec.md §8's EWMA recurrence applied globally rather than
// per-op). Every sample feeds the instance-wide average, so an operation
// observed more often weighs more in it than a rarely observed one.
func (s *Scheduler) Observe(op string, latency time.Duration) {
	stats, ok := s.stats.Get(op)
	if !ok {
		stats = &opStats{}
		s.stats.Add(op, stats)
	}
	stats.observe(latency)

	s.overallMu.Lock()
	if s.overallSamples == 0 {
		s.overallAverage = latency
	} else {
		s.overallAverage = time.Duration((int64(s.overallAverage)*ewmaNumerator + int64(latency)) / ewmaDenominator)
	}
	s.overallSamples++
	s.overallMu.Unlock()
}

// Admit blocks until a slot of the appropriate class is available or ctx/the
// configured timeout expires, returning SlotTimeout on expiry (spec.md §7).
// The returned release func must be called exactly once.
func (s *Scheduler) Admit(ctx context.Context, op string) (release func(), err error) {
	slow := s.cfg.Enabled && s.IsSlow(op)
	slots := s.fastSlots
	timeout := s.cfg.FastSlotTimeout
	class := "fast"
	if slow {
		slots = s.slowSlots
		timeout = s.cfg.SlowSlotTimeout
		class = "slow"
	}

	actx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case slots <- struct{}{}:
		var released int32
		return func() {
			if atomic.CompareAndSwapInt32(&released, 0, 1) {
				<-slots
			}
		}, nil
	case <-actx.Done():
		return nil, ojperr.New(ojperr.KindSlotTimeout, "admission: %s slot wait exceeded for op %q", class, op)
	}
}
