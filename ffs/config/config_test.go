package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal "github.com/ZanzyTHEbar/fastfilestats/ffs"
)

func TestConfig(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"Defaults", testDefaults},
		{"FromFile", testFromFile},
		{"RegionName", testRegionName},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func testDefaults(t *testing.T) {
	viper.Reset()
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ".", cfg.FFS.Root)
	assert.Equal(t, internal.DefaultRegionDir, cfg.FFS.Region.Dir)
	assert.Equal(t, internal.DefaultMaxRegionSize, cfg.FFS.Region.MaxSize)
	assert.Equal(t, 100, cfg.FFS.Watcher.DebounceMillis)
	assert.True(t, cfg.FFS.Watcher.FilterName)
	assert.True(t, cfg.FFS.Watcher.FilterLastWrite)
	assert.True(t, cfg.FFS.Watcher.FilterCreation)
	assert.True(t, cfg.FFS.Watcher.FilterSize)
}

func testFromFile(t *testing.T) {
	viper.Reset()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ffs:
  root: /srv/code
  region:
    dir: /tmp/regions
    maxSize: 1048576
  watcher:
    debounceMillis: 250
    filterSize: false
  excludePatterns:
    - node_modules
    - "*.o"
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/code", cfg.FFS.Root)
	assert.Equal(t, "/tmp/regions", cfg.FFS.Region.Dir)
	assert.Equal(t, uint32(1048576), cfg.FFS.Region.MaxSize)
	assert.Equal(t, 250, cfg.FFS.Watcher.DebounceMillis)
	assert.False(t, cfg.FFS.Watcher.FilterSize)
	assert.Equal(t, []string{"node_modules", "*.o"}, cfg.FFS.ExcludePatterns)
}

func testRegionName(t *testing.T) {
	viper.Reset()
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "ffs_!srv!code", cfg.FFS.RegionName("/srv/code"))

	cfg.FFS.Region.Name = "custom"
	assert.Equal(t, "custom", cfg.FFS.RegionName("/srv/code"))
}
