package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ojpio/ojp-go/ojperr"
	"github.com/ojpio/ojp-go/xa"
)

// TestSessionOpenBackendConnectionInvariant implements spec.md §8's quantified
// invariant: |openBackendConnections(S)| ∈ {0,1}. A freshly-created session
// has zero, so Conn() fails StaleSession; Terminate returns no connection and
// Conn() still fails StaleSession afterward.
func TestSessionOpenBackendConnectionInvariant(t *testing.T) {
	s := New(uuid.New(), "conn-hash-1", false)

	_, err := s.Conn()
	require.Error(t, err)
	kind, ok := ojperr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, ojperr.KindStaleSession, kind)

	conn, _, errs := s.Terminate(context.Background())
	require.Nil(t, conn)
	require.Empty(t, errs)

	_, err = s.Conn()
	kind, ok = ojperr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, ojperr.KindStaleSession, kind)
}

func TestSessionResourceArena(t *testing.T) {
	s := New(uuid.New(), "conn-hash-1", false)

	closer := &closeRecorder{}
	id := s.PutResource(closer)

	got, ok := s.Resource(id)
	require.True(t, ok)
	require.Same(t, closer, got)

	require.NoError(t, s.CloseResource(id))
	require.True(t, closer.closed)

	_, ok = s.Resource(id)
	require.False(t, ok)
}

func TestTerminateClosesArenaBestEffort(t *testing.T) {
	s := New(uuid.New(), "conn-hash-1", false)
	ok1 := &closeRecorder{}
	ok2 := &closeRecorder{failWith: context.DeadlineExceeded}
	s.PutResource(ok1)
	s.PutResource(ok2)

	_, _, errs := s.Terminate(context.Background())
	require.Len(t, errs, 1)
	require.True(t, ok1.closed)
	require.True(t, ok2.closed)
}

type closeRecorder struct {
	closed   bool
	failWith error
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return c.failWith
}

func TestAcquireFailsForUnboundXASession(t *testing.T) {
	s := New(uuid.New(), "xa-hash", true)
	e := &Engine{sessions: map[uuid.UUID]*Session{}, xaReg: xa.NewRegistry(2), sessionTimeout: time.Minute}
	err := e.Acquire(context.Background(), s)
	kind, ok := ojperr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, ojperr.KindStaleSession, kind)
}
