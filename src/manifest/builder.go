package manifest

import (
	"sort"
	"strings"

	"github.com/bundleforge/bundleforge/src/module"
)

// Build merges modules into a Manifest. Name conflicts are fatal and the
// returned *ConflictError names every duplicate, not just the first.
// Dependency range incompatibilities are warnings, never errors.
func Build(mods []module.Module) (*Manifest, []Warning, error) {
	if err := detectConflicts(mods); err != nil {
		return nil, nil, err
	}

	m := &Manifest{SchemaVersion: module.SchemaVersion}
	capSet := map[string]bool{}

	for _, mod := range mods {
		switch mod.Kind {
		case module.KindConnector:
			m.Connectors = append(m.Connectors, mod)
		default:
			m.Tools = append(m.Tools, mod)
		}
		for _, c := range mod.Capabilities {
			capSet[c] = true
		}
	}

	// Capability union is case-sensitive, no pruning.
	for c := range capSet {
		m.Capabilities = append(m.Capabilities, c)
	}
	sort.Strings(m.Capabilities)

	resolved, warnings := resolveDependencies(mods)
	m.Dependencies = resolved

	return m, warnings, nil
}

// detectConflicts compares names case-insensitively and collects every
// collision group before failing.
func detectConflicts(mods []module.Module) error {
	byFolded := map[string][]string{}
	for _, mod := range mods {
		key := strings.ToLower(mod.Name)
		byFolded[key] = append(byFolded[key], mod.Name)
	}

	conflicts := map[string][]string{}
	for key, names := range byFolded {
		if len(names) > 1 {
			sort.Strings(names)
			conflicts[key] = names
		}
	}
	if len(conflicts) > 0 {
		return &ConflictError{Conflicts: conflicts}
	}
	return nil
}
