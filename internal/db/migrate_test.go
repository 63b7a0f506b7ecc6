package db

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmbeddedMigrations(t *testing.T) {
	migrations, err := NewMigrator(nil).Load()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	first := migrations[0]
	assert.Equal(t, 1, first.Version)
	assert.Equal(t, "audit schema", first.Description)
	assert.Contains(t, first.SQL, "CREATE TABLE IF NOT EXISTS audit_orders")
	assert.Contains(t, first.SQL, "PRIMARY KEY (client_order_id, trade_id)")

	for _, m := range migrations {
		assert.NotContains(t, m.Filename, "_down", "down migrations are never applied")
	}
}

func TestLoadMigrations(t *testing.T) {
	tests := []struct {
		name     string
		files    fstest.MapFS
		versions []int
		wantErr  string
	}{
		{
			name: "sorted by version",
			files: fstest.MapFS{
				"m/010_later.sql":       {Data: []byte("SELECT 10")},
				"m/002_second.sql":      {Data: []byte("SELECT 2")},
				"m/002_second_down.sql": {Data: []byte("SELECT -2")},
				"m/README.md":           {Data: []byte("docs")},
			},
			versions: []int{2, 10},
		},
		{
			name: "invalid filename",
			files: fstest.MapFS{
				"m/initial.sql": {Data: []byte("SELECT 1")},
			},
			wantErr: "invalid migration filename",
		},
		{
			name: "duplicate version",
			files: fstest.MapFS{
				"m/001_a.sql": {Data: []byte("SELECT 1")},
				"m/001_b.sql": {Data: []byte("SELECT 1")},
			},
			wantErr: "duplicate migration version 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			migrations, err := NewMigrator(nil).WithSource(tt.files, "m").Load()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			var versions []int
			for _, m := range migrations {
				versions = append(versions, m.Version)
			}
			assert.Equal(t, tt.versions, versions)
		})
	}
}

func TestLoadMigrations_MissingDirectory(t *testing.T) {
	_, err := NewMigrator(nil).WithSource(fstest.MapFS{}, "missing").Load()
	assert.Error(t, err)
}
