package cache

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest declares a cache generation: its name, the critical resources
// pre-populated at activation, and the offline fallback page served to
// navigations when everything else fails.
type Manifest struct {
	Generation  string   `yaml:"generation"`
	Resources   []string `yaml:"resources"`
	OfflinePage string   `yaml:"offline_page"`
}

// LoadManifest reads and validates a YAML manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return &m, nil
}

// Validate checks the manifest invariants.
func (m *Manifest) Validate() error {
	if m.Generation == "" {
		return fmt.Errorf("generation name is required")
	}
	return nil
}

// Keys returns the deduplicated set of resources to pre-populate,
// including the offline fallback page.
func (m *Manifest) Keys() []string {
	seen := make(map[string]bool)
	var keys []string
	add := func(k string) {
		if k == "" || seen[k] {
			return
		}
		seen[k] = true
		keys = append(keys, k)
	}
	for _, r := range m.Resources {
		add(r)
	}
	add(m.OfflinePage)
	return keys
}
