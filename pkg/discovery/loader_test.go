package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/flowqueue/pkg/handlers"
	"github.com/tcmartin/flowqueue/pkg/logging"
)

const validHandlerSource = `
var metadata = { description: "test handler", version: "1" };
function handler(job) {
	return { ok: true };
}
`

func writeHandlerFile(t *testing.T, dir, name, source string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(source), 0o644))
	return path
}

func TestLoadDir(t *testing.T) {
	t.Run("registers every valid handler file", func(t *testing.T) {
		dir := t.TempDir()
		writeHandlerFile(t, dir, "greet.js", validHandlerSource)
		writeHandlerFile(t, dir, "farewell.js", validHandlerSource)
		writeHandlerFile(t, dir, "notes.txt", "not a handler")

		registry := handlers.NewRegistry()
		loader := NewLoader(registry, logging.NewNopLogger())

		loaded, err := loader.LoadDir(dir)
		require.NoError(t, err)
		assert.Equal(t, 2, loaded)
		assert.ElementsMatch(t, []string{"greet", "farewell"}, registry.List())
	})

	t.Run("skips a broken file without aborting the directory", func(t *testing.T) {
		dir := t.TempDir()
		writeHandlerFile(t, dir, "broken.js", "function handler( {")
		writeHandlerFile(t, dir, "good.js", validHandlerSource)

		registry := handlers.NewRegistry()
		loader := NewLoader(registry, logging.NewNopLogger())

		loaded, err := loader.LoadDir(dir)
		require.NoError(t, err)
		assert.Equal(t, 1, loaded)
		assert.Equal(t, []string{"good"}, registry.List())
	})

	t.Run("fails on a missing directory", func(t *testing.T) {
		registry := handlers.NewRegistry()
		loader := NewLoader(registry, logging.NewNopLogger())

		_, err := loader.LoadDir(filepath.Join(t.TempDir(), "absent"))
		assert.Error(t, err)
	})
}

func TestLoadDirs(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writeHandlerFile(t, first, "one.js", validHandlerSource)
	writeHandlerFile(t, second, "two.js", validHandlerSource)

	registry := handlers.NewRegistry()
	loader := NewLoader(registry, logging.NewNopLogger())

	total := loader.LoadDirs([]string{first, filepath.Join(first, "absent"), second})
	assert.Equal(t, 2, total)
	assert.ElementsMatch(t, []string{"one", "two"}, registry.List())
}
