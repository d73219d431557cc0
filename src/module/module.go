// Package module loads and validates tool/connector descriptors from
// on-disk source roots. Discovery is tolerant: one malformed module is
// reported as a warning and excluded, never failing the whole scan.
package module

import (
	"path/filepath"
	"sort"
	"strings"
)

// Kind distinguishes the two module flavors.
type Kind string

const (
	KindTool      Kind = "tool"
	KindConnector Kind = "connector"
)

// SchemaVersion is the descriptor schema generation this build understands.
const SchemaVersion = 1

// Module is one discovered tool or connector. Immutable once loaded;
// the registry hands copies by value to the manifest builder.
type Module struct {
	Name          string            `json:"name" yaml:"name"`
	Kind          Kind              `json:"kind" yaml:"kind"`
	Version       string            `json:"version" yaml:"version"`
	Description   string            `json:"description" yaml:"description"`
	Capabilities  []string          `json:"capabilities,omitempty" yaml:"capabilities"`
	Dependencies  map[string]string `json:"dependencies,omitempty" yaml:"dependencies"` // package name → version range
	SchemaVersion int               `json:"schema_version" yaml:"schema_version"`

	// Connector-only metadata.
	ConnectorType string   `json:"connector_type,omitempty" yaml:"type"`
	Methods       []string `json:"methods,omitempty" yaml:"methods"`

	// SourcePath is the implementation file staged into the build context.
	SourcePath string `json:"source_path" yaml:"-"`
	// DescriptorPath is the file the metadata was parsed from. For
	// annotation-header modules it equals SourcePath.
	DescriptorPath string `json:"-" yaml:"-"`
}

// Warning reports a candidate file that was excluded from discovery.
type Warning struct {
	Path   string
	Reason string
}

func (w Warning) String() string {
	return w.Path + ": " + w.Reason
}

// StagedNames maps each module to the file name its source is staged
// under inside a build context directory. Two modules may share a source
// basename; later ones get a Name_ prefix. Config synthesis and context
// assembly both go through here so entry paths and staged files agree.
func StagedNames(mods []Module) []string {
	used := make(map[string]bool, len(mods))
	names := make([]string, len(mods))
	for i, mod := range mods {
		name := filepath.Base(mod.SourcePath)
		if used[name] {
			name = mod.Name + "_" + name
		}
		used[name] = true
		names[i] = name
	}
	return names
}

// sortModules orders modules by kind then case-insensitive name so that
// downstream hashing and checkpointing stay deterministic.
func sortModules(mods []Module) {
	sort.Slice(mods, func(i, j int) bool {
		if mods[i].Kind != mods[j].Kind {
			// connectors sort after tools
			return mods[i].Kind == KindTool
		}
		return strings.ToLower(mods[i].Name) < strings.ToLower(mods[j].Name)
	})
}

// normalizeSet dedupes and sorts a capability or method list. Values are
// case-sensitive; only exact duplicates collapse.
func normalizeSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
