// Package discovery populates the handler registry from static handler
// directories and installed dependency plugins, and keeps it current
// through a file-system watcher.
package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tcmartin/flowqueue/pkg/handlers"
	"github.com/tcmartin/flowqueue/pkg/logging"
)

// handlerExt is the file extension of loadable handler sources.
const handlerExt = ".js"

// Loader registers the handlers found in static directories.
type Loader struct {
	registry handlers.Registry
	logger   logging.Logger
}

// NewLoader creates a static-directory loader.
func NewLoader(registry handlers.Registry, logger logging.Logger) *Loader {
	return &Loader{registry: registry, logger: logger}
}

// LoadDir loads every handler source file in a directory and registers it
// under the file's base name. A file that fails to load is logged and
// skipped; it never aborts the rest of the directory.
func (l *Loader) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read handler directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), handlerExt) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		descriptor, err := handlers.LoadFile(path)
		if err != nil {
			l.logger.Warn("skipping handler file",
				logging.F("path", path), logging.F("error", err.Error()))
			continue
		}
		if err := l.registry.Register(descriptor); err != nil {
			l.logger.Warn("failed to register handler",
				logging.F("path", path), logging.F("error", err.Error()))
			continue
		}
		l.logger.Info("registered handler",
			logging.F("name", descriptor.Name), logging.F("path", path))
		loaded++
	}
	return loaded, nil
}

// LoadDirs loads every configured static directory.
func (l *Loader) LoadDirs(dirs []string) int {
	total := 0
	for _, dir := range dirs {
		n, err := l.LoadDir(dir)
		if err != nil {
			l.logger.Warn("failed to load handler directory",
				logging.F("dir", dir), logging.F("error", err.Error()))
			continue
		}
		total += n
	}
	return total
}
