package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
targets:
  - name: zlib
    version: "1.3"
    universe_size: 2048
    calls: [deflateInit_, deflate, deflateEnd, inflate]
    critical: [deflateInit_, inflate]
  - name: cJSON
    universe_size: 100
    calls: [cJSON_Parse, cJSON_Delete]
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	r, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"cJSON", "zlib"}, r.Names())
	assert.Equal(t, 2, r.Len())

	z, ok := r.Get("zlib")
	require.True(t, ok)
	assert.Equal(t, uint32(2048), z.UniverseSize)
	assert.Equal(t, "1.3", z.Version)
	assert.Equal(t, 2, z.NumCritical())

	_, ok = r.Get("libpng")
	assert.False(t, ok)
}

func TestParseRejectsBadDefinitions(t *testing.T) {
	_, err := Parse([]byte("targets: []"))
	assert.ErrorContains(t, err, "no targets")

	_, err = Parse([]byte("targets:\n  - name: zlib\n    universe_size: 0\n"))
	assert.ErrorContains(t, err, "targets[0]")

	_, err = Parse([]byte("targets:\n  - name: a\n    universe_size: 1\n  - name: a\n    universe_size: 2\n"))
	assert.ErrorContains(t, err, "duplicate target")

	_, err = Parse([]byte("targets:\n  - name: a\n    universe_size: 1\n    critical: [x]\n"))
	assert.ErrorContains(t, err, "critical call")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
