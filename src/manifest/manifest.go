// Package manifest merges validated modules into the single manifest a
// build consumes: conflict-free names, aggregated capabilities, and
// best-effort resolved dependency versions.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/bundleforge/bundleforge/src/module"
)

// Manifest is the merged result of one pipeline run. Never mutated after
// Build returns it; downstream steps only read it.
type Manifest struct {
	SchemaVersion int               `json:"schema_version"`
	Tools         []module.Module   `json:"tools"`
	Connectors    []module.Module   `json:"connectors"`
	Capabilities  []string          `json:"capabilities,omitempty"`
	Dependencies  map[string]string `json:"dependencies,omitempty"` // package name → resolved version
}

// Modules returns tools then connectors, the canonical ordering.
func (m *Manifest) Modules() []module.Module {
	out := make([]module.Module, 0, len(m.Tools)+len(m.Connectors))
	out = append(out, m.Tools...)
	out = append(out, m.Connectors...)
	return out
}

// Count returns the total module count.
func (m *Manifest) Count() int {
	return len(m.Tools) + len(m.Connectors)
}

// MarshalJSON output is deterministic: slices are pre-sorted by Build and
// the stdlib sorts map keys.
func (m *Manifest) Bytes() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// WriteFile serializes the manifest to path.
func (m *Manifest) WriteFile(path string) error {
	data, err := m.Bytes()
	if err != nil {
		return fmt.Errorf("serializing manifest: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// ReadFile loads a previously serialized manifest.
func ReadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}

// ConflictError reports every case-insensitive name collision found in the
// input module set. Always fatal: no partial manifest is usable downstream.
type ConflictError struct {
	// Conflicts maps the folded name to the original-cased names that share it.
	Conflicts map[string][]string
}

func (e *ConflictError) Error() string {
	keys := make([]string, 0, len(e.Conflicts))
	for k := range e.Conflicts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("conflicting module names:")
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(strings.Join(e.Conflicts[k], "/"))
	}
	return b.String()
}

// Warning is a non-fatal finding from the merge, surfaced at end of run.
type Warning struct {
	Package string
	Detail  string
}

func (w Warning) String() string {
	if w.Package == "" {
		return w.Detail
	}
	return w.Package + ": " + w.Detail
}
