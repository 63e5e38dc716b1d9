package discovery

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tcmartin/flowqueue/pkg/handlers"
	"github.com/tcmartin/flowqueue/pkg/logging"
)

// pluginKeyword marks a dependency as a flowqueue plugin candidate.
const pluginKeyword = "flowqueue-plugin"

// manifestName is the manifest file a plugin candidate must carry.
const manifestName = "plugin.yaml"

// Manifest is the declaration a plugin package ships alongside its code.
type Manifest struct {
	// Name of the plugin package
	Name string `yaml:"name"`

	// Keywords; a candidate must include the plugin marker keyword
	Keywords []string `yaml:"keywords"`

	// Flowqueue holds the plugin's registration configuration
	Flowqueue ManifestConfig `yaml:"flowqueue"`
}

// ManifestConfig is the plugin configuration block of a manifest.
type ManifestConfig struct {
	// Entry is the registration entrypoint script, relative to the package
	Entry string `yaml:"entry,omitempty"`

	// Handlers lists standalone handler files, used when Entry is absent
	// or fails to load
	Handlers []string `yaml:"handlers,omitempty"`
}

// ScanResult reports the outcome of loading one plugin candidate.
type ScanResult struct {
	// Name of the plugin package
	Name string

	// Registered lists the handler names the plugin contributed
	Registered []string

	// Err is set when the candidate failed to load entirely
	Err error
}

// PluginScanner discovers plugin packages in an installed-dependency
// directory and registers their handlers.
type PluginScanner struct {
	registry handlers.Registry
	logger   logging.Logger
}

// NewPluginScanner creates a dependency-directory plugin scanner.
func NewPluginScanner(registry handlers.Registry, logger logging.Logger) *PluginScanner {
	return &PluginScanner{registry: registry, logger: logger}
}

// Scan walks the dependency directory and loads every plugin candidate. A
// candidate's failure is recorded in its result and never aborts discovery
// of the others.
func (s *PluginScanner) Scan(depsDir string) ([]ScanResult, error) {
	entries, err := os.ReadDir(depsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read dependency directory: %w", err)
	}

	var results []ScanResult
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pkgDir := filepath.Join(depsDir, entry.Name())
		manifest, err := readManifest(pkgDir)
		if err != nil {
			// Not a plugin candidate.
			continue
		}
		if !hasKeyword(manifest.Keywords, pluginKeyword) {
			continue
		}

		result := s.loadCandidate(pkgDir, manifest)
		if result.Err != nil {
			s.logger.Warn("skipping plugin",
				logging.F("plugin", result.Name), logging.F("error", result.Err.Error()))
		} else {
			s.logger.Info("loaded plugin",
				logging.F("plugin", result.Name), logging.F("handlers", result.Registered))
		}
		results = append(results, result)
	}
	return results, nil
}

// loadCandidate loads one plugin: the registration entrypoint first, then
// the manifest's handler list as a fallback.
func (s *PluginScanner) loadCandidate(pkgDir string, manifest *Manifest) ScanResult {
	result := ScanResult{Name: manifest.Name}
	if result.Name == "" {
		result.Name = filepath.Base(pkgDir)
	}

	if manifest.Flowqueue.Entry != "" {
		registered, err := s.loadEntry(pkgDir, manifest.Flowqueue.Entry)
		if err == nil {
			result.Registered = registered
			return result
		}
		s.logger.Warn("plugin entrypoint failed, falling back to handler list",
			logging.F("plugin", result.Name), logging.F("error", err.Error()))
	}

	if len(manifest.Flowqueue.Handlers) == 0 {
		result.Err = fmt.Errorf("plugin %q has no loadable entrypoint or handlers", result.Name)
		return result
	}

	for _, rel := range manifest.Flowqueue.Handlers {
		descriptor, err := handlers.LoadFile(filepath.Join(pkgDir, rel))
		if err != nil {
			s.logger.Warn("skipping plugin handler",
				logging.F("plugin", result.Name), logging.F("file", rel), logging.F("error", err.Error()))
			continue
		}
		if err := s.registry.Register(descriptor); err != nil {
			s.logger.Warn("failed to register plugin handler",
				logging.F("plugin", result.Name), logging.F("name", descriptor.Name), logging.F("error", err.Error()))
			continue
		}
		result.Registered = append(result.Registered, descriptor.Name)
	}
	if len(result.Registered) == 0 {
		result.Err = fmt.Errorf("plugin %q registered no handlers", result.Name)
	}
	return result
}

// loadEntry imports a plugin's registration entrypoint and registers every
// handler it exports.
func (s *PluginScanner) loadEntry(pkgDir, entry string) ([]string, error) {
	path := filepath.Join(pkgDir, entry)
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin entrypoint: %w", err)
	}
	descriptors, err := handlers.LoadModule(filepath.Base(pkgDir), string(source))
	if err != nil {
		return nil, err
	}

	registered := make([]string, 0, len(descriptors))
	for _, descriptor := range descriptors {
		if err := s.registry.Register(descriptor); err != nil {
			return registered, err
		}
		registered = append(registered, descriptor.Name)
	}
	return registered, nil
}

func readManifest(pkgDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(pkgDir, manifestName))
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse plugin manifest: %w", err)
	}
	return &manifest, nil
}

func hasKeyword(keywords []string, want string) bool {
	for _, k := range keywords {
		if k == want {
			return true
		}
	}
	return false
}
