// Package synth renders the runtime configuration document a built server
// image boots from. The orchestrator treats the synthesizer as an external
// collaborator: any implementation must be a pure function of the manifest
// and the target environment, with no I/O side effects the pipeline can see.
package synth

import (
	"fmt"
	"sort"

	"github.com/bundleforge/bundleforge/src/manifest"
	"github.com/bundleforge/bundleforge/src/module"
	"gopkg.in/yaml.v3"
)

// Environment selects environment-specific settings baked into the config.
type Environment struct {
	Name      string            `yaml:"name"`      // "production", "staging", ...
	Variables map[string]string `yaml:"variables"` // opaque key/values passed through
	LogLevel  string            `yaml:"log_level"` // default "info"
}

// Document is a rendered runtime configuration.
type Document struct {
	Ext     string // file extension without dot, e.g. "yaml"
	Content []byte
}

// Synthesizer is the collaborator contract.
type Synthesizer interface {
	Synthesize(m *manifest.Manifest, env Environment) (Document, error)
}

// YAML is the default synthesizer. It renders a deterministic YAML document
// describing every tool and connector the server exposes.
type YAML struct{}

// runtime config document shape
type runtimeConfig struct {
	Environment string            `yaml:"environment"`
	LogLevel    string            `yaml:"log_level"`
	Variables   map[string]string `yaml:"variables,omitempty"`
	Tools       []runtimeModule   `yaml:"tools"`
	Connectors  []runtimeModule   `yaml:"connectors"`
	Packages    map[string]string `yaml:"packages,omitempty"`
}

type runtimeModule struct {
	Name         string   `yaml:"name"`
	Version      string   `yaml:"version"`
	Entry        string   `yaml:"entry"`
	Capabilities []string `yaml:"capabilities,omitempty"`
	Type         string   `yaml:"type,omitempty"`
	Methods      []string `yaml:"methods,omitempty"`
}

func (YAML) Synthesize(m *manifest.Manifest, env Environment) (Document, error) {
	if env.Name == "" {
		env.Name = "production"
	}
	if env.LogLevel == "" {
		env.LogLevel = "info"
	}

	rc := runtimeConfig{
		Environment: env.Name,
		LogLevel:    env.LogLevel,
		Variables:   sortedCopy(env.Variables),
		Tools:       []runtimeModule{},
		Connectors:  []runtimeModule{},
		Packages:    sortedCopy(m.Dependencies),
	}
	// Entry paths use the same staged-name rule as context assembly so
	// the config always points at a file that exists in the image.
	toolNames := module.StagedNames(m.Tools)
	for i, t := range m.Tools {
		rc.Tools = append(rc.Tools, runtimeModule{
			Name:         t.Name,
			Version:      t.Version,
			Entry:        "tools/" + toolNames[i],
			Capabilities: t.Capabilities,
		})
	}
	connNames := module.StagedNames(m.Connectors)
	for i, c := range m.Connectors {
		rc.Connectors = append(rc.Connectors, runtimeModule{
			Name:    c.Name,
			Version: c.Version,
			Entry:   "connectors/" + connNames[i],
			Type:    c.ConnectorType,
			Methods: c.Methods,
		})
	}

	data, err := yaml.Marshal(&rc)
	if err != nil {
		return Document{}, fmt.Errorf("rendering runtime config: %w", err)
	}
	return Document{Ext: "yaml", Content: data}, nil
}

// sortedCopy copies a map so the caller's value stays untouched. yaml.v3
// already emits map keys sorted; the copy is about purity, not order.
func sortedCopy(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out[k] = in[k]
	}
	return out
}
