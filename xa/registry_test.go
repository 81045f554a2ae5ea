package xa

import (
	"context"
	"testing"

	"github.com/ojpio/ojp-go/ojperr"
	"github.com/stretchr/testify/require"
)

// fakeXAResource is an in-memory stand-in for a vendor XA driver, recording the
// calls it receives so tests can assert on sequencing without a real database.
type fakeXAResource struct {
	prepareOK     bool
	prepareErr    error
	recoverXids   []XidKey
	calls         []string
}

func (f *fakeXAResource) Start(ctx context.Context, xid XidKey, flags int32) error {
	f.calls = append(f.calls, "start")
	return nil
}
func (f *fakeXAResource) End(ctx context.Context, xid XidKey, flags int32) error {
	f.calls = append(f.calls, "end")
	return nil
}
func (f *fakeXAResource) Prepare(ctx context.Context, xid XidKey) (bool, error) {
	f.calls = append(f.calls, "prepare")
	if f.prepareErr != nil {
		return false, f.prepareErr
	}
	if !f.prepareOK {
		return false, nil
	}
	return true, nil
}
func (f *fakeXAResource) Commit(ctx context.Context, xid XidKey, onePhase bool) error {
	f.calls = append(f.calls, "commit")
	return nil
}
func (f *fakeXAResource) Rollback(ctx context.Context, xid XidKey) error {
	f.calls = append(f.calls, "rollback")
	return nil
}
func (f *fakeXAResource) Forget(ctx context.Context, xid XidKey) error {
	f.calls = append(f.calls, "forget")
	return nil
}
func (f *fakeXAResource) Recover(ctx context.Context, flags int32) ([]XidKey, error) {
	return f.recoverXids, nil
}
func (f *fakeXAResource) SetTransactionTimeout(seconds int) error { return nil }

type fakeLogicalConnection struct {
	isolation int
	closed    bool
}

func (f *fakeLogicalConnection) SetIsolationLevel(ctx context.Context, level int) error {
	f.isolation = level
	return nil
}
func (f *fakeLogicalConnection) ClearWarnings(ctx context.Context) error { return nil }
func (f *fakeLogicalConnection) Close() error                            { f.closed = true; return nil }

func newTestBackend(t *testing.T, prepareOK bool) (*BackendSession, *fakeXAResource, *fakeLogicalConnection) {
	t.Helper()
	xaConn := &fakeXAResource{prepareOK: prepareOK}
	logical := &fakeLogicalConnection{isolation: -1}
	backend := &BackendSession{SessionID: "sess-1", XAConn: xaConn, Logical: logical}
	return backend, xaConn, logical
}

// TestSequentialXAOnOneLogicalSession implements scenario 1 from spec.md §8: four
// start/end/prepare/commit cycles on one logical session reuse the same
// BackendSession throughout.
func TestSequentialXAOnOneLogicalSession(t *testing.T) {
	backend, _, logical := newTestBackend(t, true)
	reg := NewRegistry(2)
	reg.BindSession("sess-1", backend)

	for i := 0; i < 4; i++ {
		xid, err := NewXidKey(1, []byte{byte(i)}, nil)
		require.NoError(t, err)

		require.NoError(t, reg.Start(context.Background(), "sess-1", xid, TMNOFLAGS))
		require.NoError(t, reg.End(context.Background(), xid, TMSUCCESS))
		require.NoError(t, reg.Prepare(context.Background(), xid))
		require.NoError(t, reg.Commit(context.Background(), xid, false))

		_, err = reg.lookupPublic(xid)
		require.ErrorIs(t, err, ojperr.New(ojperr.KindNotAssociated, ""))
	}

	require.Equal(t, 2, logical.isolation, "sanitize should restore the configured default isolation")
}

// lookupPublic is a small test-only seam so the table above can assert the
// branch record is gone after commit without exporting internal map access.
func (r *Registry) lookupPublic(xid XidKey) (*TxContext, error) {
	tc := r.lookup(xid)
	if tc == nil {
		return nil, ojperr.New(ojperr.KindNotAssociated, "xa: unknown xid %s", xid)
	}
	return tc, nil
}

func TestTwoPhaseCommitWithSanitization(t *testing.T) {
	backend, _, logical := newTestBackend(t, true)
	reg := NewRegistry(4)
	reg.BindSession("sess-1", backend)

	xid, err := NewXidKey(1, []byte("g1"), []byte("b1"))
	require.NoError(t, err)

	require.NoError(t, reg.Start(context.Background(), "sess-1", xid, TMNOFLAGS))
	require.NoError(t, reg.End(context.Background(), xid, TMSUCCESS))
	require.NoError(t, reg.Prepare(context.Background(), xid))
	require.NoError(t, reg.Commit(context.Background(), xid, false))

	xid2, err := NewXidKey(1, []byte("g2"), []byte("b2"))
	require.NoError(t, err)
	require.NoError(t, reg.Start(context.Background(), "sess-1", xid2, TMNOFLAGS))
	require.NoError(t, reg.End(context.Background(), xid2, TMSUCCESS))
	require.NoError(t, reg.Commit(context.Background(), xid2, true))

	require.Equal(t, 4, logical.isolation)
}

// TestPreparedPinning implements scenario 3 from spec.md §8.
func TestPreparedPinning(t *testing.T) {
	backend, _, _ := newTestBackend(t, true)
	reg := NewRegistry(2)
	reg.BindSession("sess-1", backend)

	xid, err := NewXidKey(1, []byte("g"), nil)
	require.NoError(t, err)

	require.NoError(t, reg.Start(context.Background(), "sess-1", xid, TMNOFLAGS))
	require.NoError(t, reg.End(context.Background(), xid, TMSUCCESS))
	require.NoError(t, reg.Prepare(context.Background(), xid))

	require.True(t, backend.IsPinned())
	require.True(t, reg.IsPinned(xid))

	require.NoError(t, reg.Rollback(context.Background(), xid))
	require.False(t, backend.IsPinned())
}

func TestInvalidTransitionIsProtocolError(t *testing.T) {
	backend, _, _ := newTestBackend(t, true)
	reg := NewRegistry(2)
	reg.BindSession("sess-1", backend)

	xid, err := NewXidKey(1, []byte("g"), nil)
	require.NoError(t, err)

	// prepare before start/end: invalid from NONEXISTENT.
	err = reg.Prepare(context.Background(), xid)
	kind, ok := ojperr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, ojperr.KindNotAssociated, kind)

	require.NoError(t, reg.Start(context.Background(), "sess-1", xid, TMNOFLAGS))
	err = reg.Prepare(context.Background(), xid) // still ACTIVE, not ENDED
	kind, ok = ojperr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, ojperr.KindProtocolError, kind)
}

func TestCommitTerminatesAndForgetsBranch(t *testing.T) {
	backend, _, _ := newTestBackend(t, true)
	reg := NewRegistry(2)
	reg.BindSession("sess-1", backend)

	xid, err := NewXidKey(1, []byte("g"), nil)
	require.NoError(t, err)

	require.NoError(t, reg.Start(context.Background(), "sess-1", xid, TMNOFLAGS))
	require.NoError(t, reg.End(context.Background(), xid, TMSUCCESS))
	require.NoError(t, reg.Commit(context.Background(), xid, true))

	err = reg.End(context.Background(), xid, TMSUCCESS)
	kind, ok := ojperr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, ojperr.KindNotAssociated, kind)
}
