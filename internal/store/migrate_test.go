package store

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Clark-Hu/crew-ratings/db"
)

func TestUpMigrationsOrdering(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/0002_b.up.sql":   {Data: []byte("SELECT 2")},
		"migrations/0001_a.up.sql":   {Data: []byte("SELECT 1")},
		"migrations/0001_a.down.sql": {Data: []byte("SELECT 0")},
		"migrations/README.md":       {Data: []byte("notes")},
	}

	files, err := upMigrations(fsys)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_a.up.sql", "0002_b.up.sql"}, files)
}

func TestUpMigrationsEmpty(t *testing.T) {
	fsys := fstest.MapFS{"migrations/0001_a.down.sql": {Data: []byte("SELECT 0")}}
	_, err := upMigrations(fsys)
	assert.Error(t, err)
}

func TestEmbeddedMigrations(t *testing.T) {
	files, err := upMigrations(db.Migrations)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_ratings.up.sql", "0002_worker_profiles.up.sql"}, files)
}
