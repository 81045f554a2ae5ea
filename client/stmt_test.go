package client

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCountPlaceholders(t *testing.T) {
	cases := []struct {
		query string
		want  int
	}{
		{"SELECT * FROM users WHERE id = ?", 1},
		{"INSERT INTO users (name, email) VALUES (?, ?)", 2},
		{"SELECT * FROM users", 0},
		{"SELECT * FROM users WHERE name = 'what?'", 0},
		{"SELECT * FROM users WHERE name = 'what?' AND id = ?", 1},
	}
	for _, c := range cases {
		require.Equal(t, c.want, countPlaceholders(c.query), c.query)
	}
}

func TestResultAccessors(t *testing.T) {
	r := &Result{affectedRows: 7, lastInsertID: 42}

	n, err := r.RowsAffected()
	require.NoError(t, err)
	require.Equal(t, int64(7), n)

	id, err := r.LastInsertId()
	require.NoError(t, err)
	require.Equal(t, int64(42), id)
}
