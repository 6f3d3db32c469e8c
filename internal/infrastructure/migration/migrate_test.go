package migration

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retention/backend/migrations"
)

func TestList(t *testing.T) {
	fsys := fstest.MapFS{
		"000002_b.up.sql":   {Data: []byte("SELECT 1;")},
		"000002_b.down.sql": {Data: []byte("SELECT 1;")},
		"000001_a.up.sql":   {Data: []byte("SELECT 1;")},
		"000001_a.down.sql": {Data: []byte("SELECT 1;")},
		"README.md":         {Data: []byte("notes")},
		"nested/x.up.sql":   {Data: []byte("SELECT 1;")},
	}

	names, err := List(fsys)
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_a", "000002_b"}, names)
}

func TestEmbeddedMigrations(t *testing.T) {
	names, err := List(migrations.FS)
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_create_integrations", "000002_create_synced_customers"}, names)

	for _, name := range names {
		_, err := migrations.FS.ReadFile(name + ".down.sql")
		assert.NoError(t, err, "%s has a down migration", name)
	}
}
