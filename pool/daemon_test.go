package pool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestDaemonStopsWithinBudget implements spec.md §8: "After pool close, ...
// no housekeeping thread remains alive within 30 s."
func TestDaemonStopsWithinBudget(t *testing.T) {
	var ticks int64
	d := startDaemon(5*time.Millisecond, func() {
		atomic.AddInt64(&ticks, 1)
	})

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&ticks) > 0
	}, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		d.stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("daemon did not stop within budget")
	}
}

func TestDaemonDisabledStartsNoGoroutine(t *testing.T) {
	d := startDaemon(0, func() { t.Fatal("fn should never run when interval <= 0") })
	d.stop() // must not block
}
