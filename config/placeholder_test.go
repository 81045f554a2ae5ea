package config

import (
	"testing"

	"github.com/ojpio/ojp-go/ojperr"
	"github.com/stretchr/testify/require"
)

func TestResolveWhitelisted(t *testing.T) {
	r := NewResolver(map[string]string{"ojp.server.sslrootcert": "/etc/certs/ca.pem"})

	got, err := r.Resolve("url=${ojp.server.sslrootcert}")
	require.NoError(t, err)
	require.Equal(t, "url=/etc/certs/ca.pem", got)
}

func TestResolveRejectsNonWhitelisted(t *testing.T) {
	r := NewResolver(nil)

	_, err := r.Resolve("${java.home}")
	require.Error(t, err)
	kind, ok := ojperr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, ojperr.KindSecurityViolation, kind)

	_, err = r.Resolve("${ojp.server.cert;rm -rf /}")
	require.Error(t, err)
	kind, ok = ojperr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, ojperr.KindSecurityViolation, kind)
}

func TestResolveMissingValue(t *testing.T) {
	r := NewResolver(nil)
	_, err := r.Resolve("${ojp.server.unset}")
	require.Error(t, err)
	kind, ok := ojperr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, ojperr.KindUnresolvedPlaceholder, kind)
}

func TestResolveIsIdempotent(t *testing.T) {
	r := NewResolver(map[string]string{"ojp.server.name": "value-with-no-braces"})

	once, err := r.Resolve("${ojp.server.name}")
	require.NoError(t, err)

	twice, err := r.Resolve(once)
	require.NoError(t, err)

	require.Equal(t, once, twice)
}
