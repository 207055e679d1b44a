package probe

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/pluginscan/lib/registry"
)

func TestRecordFromInfo(t *testing.T) {
	rec := RecordFromInfo("/tmp/a.so", 10, 20, map[string]string{
		"name":        "a",
		"description": "does a",
		"version":     "1.0",
		"license":     "MIT",
	})

	assert.Equal(t, "/tmp/a.so", rec.Filename)
	assert.Equal(t, int64(10), rec.Size)
	assert.Equal(t, int64(20), rec.Mtime)
	assert.Equal(t, "a", rec.Name)
	assert.Equal(t, "does a", rec.Description)
	assert.Equal(t, "1.0", rec.Version)
	assert.Equal(t, "MIT", rec.License)
	assert.False(t, rec.Blacklisted)
}

func TestFeaturesFromMaps(t *testing.T) {
	features := FeaturesFromMaps([]map[string]string{
		{"name": "src", "kind": "element", "rank": "256", "klass": "Source"},
		{"name": "sink", "kind": "element", "rank": "bogus"},
	})

	require.Len(t, features, 2)
	assert.Equal(t, registry.Feature{Name: "src", Kind: "element", Rank: 256, Metadata: map[string]string{"klass": "Source"}}, features[0])
	assert.Equal(t, registry.Feature{Name: "sink", Kind: "element"}, features[1])
}

func TestGoPluginLoader_NotAPlugin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.so")
	require.NoError(t, os.WriteFile(path, []byte("not an elf file"), 0o644))

	_, err := GoPluginLoader{}.LoadModule(context.Background(), path)
	assert.Error(t, err)

	_, err = GoPluginLoader{}.LoadModule(context.Background(), filepath.Join(t.TempDir(), "missing.so"))
	assert.Error(t, err)
}
