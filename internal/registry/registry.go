// Package registry holds the static integration registry: the closed set of
// alert sources the engine accepts, loaded once from a YAML file at startup.
// Adding an integration is a config change plus restart, not a runtime
// plugin mechanism.
package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrUnknownIntegration is returned for slugs outside the registry
var ErrUnknownIntegration = errors.New("unknown integration")

// Integration describes one alert source
type Integration struct {
	Slug        string `yaml:"slug"`
	DisplayName string `yaml:"display_name"`
	// FingerprintField names the payload field used for grouping; empty
	// means the source provides a precomputed fingerprint
	FingerprintField string `yaml:"fingerprint_field,omitempty"`
	// DefaultRouteChannel is the notification channel used when no channel
	// filter matches
	DefaultRouteChannel string `yaml:"default_route_channel,omitempty"`
}

// Registry is the immutable integration lookup table
type Registry struct {
	bySlug map[string]Integration
}

type registryFile struct {
	Integrations []Integration `yaml:"integrations"`
}

// Load reads the registry from a YAML file
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read integration registry: %w", err)
	}
	return Parse(data)
}

// Parse builds a registry from YAML bytes
func Parse(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse integration registry: %w", err)
	}
	reg := &Registry{bySlug: make(map[string]Integration, len(file.Integrations))}
	for _, in := range file.Integrations {
		if in.Slug == "" {
			return nil, errors.New("integration registry entry without slug")
		}
		if _, dup := reg.bySlug[in.Slug]; dup {
			return nil, fmt.Errorf("duplicate integration slug %q", in.Slug)
		}
		reg.bySlug[in.Slug] = in
	}
	return reg, nil
}

// Default returns the built-in registry used when no file is configured
func Default() *Registry {
	return &Registry{bySlug: map[string]Integration{
		"webhook":      {Slug: "webhook", DisplayName: "Generic Webhook"},
		"alertmanager": {Slug: "alertmanager", DisplayName: "Alertmanager", FingerprintField: "fingerprint"},
		"grafana":      {Slug: "grafana", DisplayName: "Grafana", FingerprintField: "ruleId"},
	}}
}

// Lookup returns the integration for a slug
func (r *Registry) Lookup(slug string) (Integration, error) {
	in, ok := r.bySlug[slug]
	if !ok {
		return Integration{}, fmt.Errorf("%w: %q", ErrUnknownIntegration, slug)
	}
	return in, nil
}

// Slugs returns all registered slugs, sorted
func (r *Registry) Slugs() []string {
	out := make([]string, 0, len(r.bySlug))
	for slug := range r.bySlug {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}
