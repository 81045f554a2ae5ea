package client

import (
	"database/sql/driver"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRowsNextReturnsIoEOF(t *testing.T) {
	r := &Rows{
		columns: []string{"id", "name"},
		rows: [][]interface{}{
			{int64(1), "alice"},
		},
	}

	dest := make([]driver.Value, 2)
	require.NoError(t, r.Next(dest))
	require.Equal(t, int64(1), dest[0])
	require.Equal(t, "alice", dest[1])

	require.Equal(t, io.EOF, r.Next(dest))
}

func TestRowsColumns(t *testing.T) {
	r := &Rows{columns: []string{"a", "b", "c"}}
	require.Equal(t, []string{"a", "b", "c"}, r.Columns())
}
