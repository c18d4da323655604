package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate(t *testing.T) {
	storage := newTestStorage(t)

	for _, table := range []string{"credentials", "scheduled_posts"} {
		var name string
		err := storage.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, "table %s", table)
	}

	// already at the latest version
	require.NoError(t, storage.Migrate())

	version, dirty, err := storage.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
}
