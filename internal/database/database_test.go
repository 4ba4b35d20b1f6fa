package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Open(t *testing.T) {
	store := newTestStore(t)

	t.Run("write-ahead logging is active", func(t *testing.T) {
		var mode string
		require.NoError(t, store.writeDB.QueryRow("PRAGMA journal_mode").Scan(&mode))
		assert.Equal(t, "wal", mode)

		require.NoError(t, store.readDB.QueryRow("PRAGMA journal_mode").Scan(&mode))
		assert.Equal(t, "wal", mode)
	})

	t.Run("foreign keys are enforced", func(t *testing.T) {
		var fk int
		require.NoError(t, store.writeDB.QueryRow("PRAGMA foreign_keys").Scan(&fk))
		assert.Equal(t, 1, fk)
	})

	t.Run("busy timeout is set", func(t *testing.T) {
		var timeout int
		require.NoError(t, store.writeDB.QueryRow("PRAGMA busy_timeout").Scan(&timeout))
		assert.Equal(t, 5000, timeout)
	})

	t.Run("read pool rejects writes", func(t *testing.T) {
		_, err := store.readDB.Exec(
			"INSERT INTO users (name, email, password_hash, active, role, created_at, updated_at) VALUES ('a', 'a@b.c', 'x', 1, 'member', 0, 0)",
		)
		require.Error(t, err)

		var n int
		require.NoError(t, store.readDB.QueryRow("SELECT COUNT(*) FROM users").Scan(&n))
		assert.Equal(t, 0, n)
	})

	t.Run("empty path is rejected", func(t *testing.T) {
		_, err := Open("", nil, 8)
		assert.Error(t, err)
	})

	t.Run("close is nil safe", func(t *testing.T) {
		var s *Store
		assert.NoError(t, s.Close())
	})
}
