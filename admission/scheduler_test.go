package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, enabled bool) *Scheduler {
	t.Helper()
	s, err := NewScheduler(Config{
		Enabled:            enabled,
		SlowSlotPercentage: 0.2,
		WorkerCount:        10,
		FastSlotTimeout:    time.Second,
		SlowSlotTimeout:    time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

// TestEWMARecurrence implements spec.md §8's quantified EWMA invariant.
func TestEWMARecurrence(t *testing.T) {
	s := newTestScheduler(t, true)

	samples := []time.Duration{10 * time.Millisecond, 50 * time.Millisecond, 5 * time.Millisecond, 200 * time.Millisecond}
	var want time.Duration
	for i, v := range samples {
		s.Observe("op", v)
		if i == 0 {
			want = v
		} else {
			want = time.Duration((int64(want)*4 + int64(v)) / 5)
		}
		stats, ok := s.stats.Get("op")
		require.True(t, ok)
		require.Equal(t, want, stats.get())
	}
}

// TestSlowQueryClassification exercises the fast/slow split described by
// spec.md §8 scenario 5: a consistently fast operation must never trip the
// slow classifier while a consistently slow one does. The instance-wide
// average is an EWMA over every sample regardless of operation (see
// Observe's doc comment and DESIGN.md's note on this scenario), so the
// expected overall value is computed here with the identical recurrence
// rather than hardcoded — this intentionally does not reproduce spec.md's
// own worked arithmetic verbatim; see DESIGN.md for why.
func TestSlowQueryClassification(t *testing.T) {
	s := newTestScheduler(t, true)

	fastSamples := []time.Duration{time.Millisecond, time.Millisecond}
	slowSamples := []time.Duration{time.Second, time.Second, time.Second}

	s.Observe("fast", fastSamples[0])
	s.Observe("fast", fastSamples[1])
	for _, v := range slowSamples {
		s.Observe("slow", v)
	}

	wantOverall := fastSamples[0]
	rest := append(append([]time.Duration{}, fastSamples[1:]...), slowSamples...)
	for _, v := range rest {
		wantOverall = time.Duration((int64(wantOverall)*4 + int64(v)) / 5)
	}
	require.Equal(t, wantOverall, s.OverallAverage())

	require.True(t, s.IsSlow("slow"))
	require.False(t, s.IsSlow("fast"))
}

func TestAdmitReleasesSlot(t *testing.T) {
	s := newTestScheduler(t, false)

	release, err := s.Admit(context.Background(), "anything")
	require.NoError(t, err)
	release()
	release() // idempotent: must not double-release the semaphore
}

func TestAdmitTimesOutWhenSlotsExhausted(t *testing.T) {
	s, err := NewScheduler(Config{
		Enabled:         false,
		WorkerCount:     1,
		FastSlotTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(s.Stop)

	_, err = s.Admit(context.Background(), "op")
	require.NoError(t, err)

	_, err = s.Admit(context.Background(), "op")
	require.Error(t, err)
}
