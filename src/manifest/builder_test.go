package manifest

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bundleforge/bundleforge/src/module"
)

func tool(name, version string, deps map[string]string) module.Module {
	return module.Module{
		Name:          name,
		Kind:          module.KindTool,
		Version:       version,
		Dependencies:  deps,
		SchemaVersion: module.SchemaVersion,
		SourcePath:    name + ".py",
	}
}

func TestBuildMergesModules(t *testing.T) {
	mods := []module.Module{
		tool("summarize", "1.0.0", map[string]string{"requests": ">=2.0"}),
		{
			Name: "postgres", Kind: module.KindConnector, Version: "0.1.0",
			Capabilities: []string{"sql"}, ConnectorType: "database",
			SchemaVersion: module.SchemaVersion,
		},
	}
	mods[0].Capabilities = []string{"nlp", "sql"}

	m, warnings, err := Build(mods)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("warnings = %v", warnings)
	}
	if len(m.Tools) != 1 || len(m.Connectors) != 1 {
		t.Fatalf("tools=%d connectors=%d", len(m.Tools), len(m.Connectors))
	}
	// Capability union, sorted, no duplicates.
	want := []string{"nlp", "sql"}
	if len(m.Capabilities) != len(want) {
		t.Fatalf("capabilities = %v, want %v", m.Capabilities, want)
	}
	for i := range want {
		if m.Capabilities[i] != want[i] {
			t.Errorf("capabilities[%d] = %q, want %q", i, m.Capabilities[i], want[i])
		}
	}
	if m.Dependencies["requests"] != "2.0.0" {
		t.Errorf("requests resolved to %q, want 2.0.0", m.Dependencies["requests"])
	}
}

func TestBuildNameConflictListsAllCollisions(t *testing.T) {
	mods := []module.Module{
		tool("Summarize", "1.0.0", nil),
		tool("summarize", "2.0.0", nil),
		tool("Fetch", "1.0.0", nil),
		tool("fetch", "1.0.0", nil),
	}

	_, _, err := Build(mods)
	if err == nil {
		t.Fatal("expected conflict error")
	}
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("error type %T", err)
	}
	if len(ce.Conflicts) != 2 {
		t.Fatalf("conflicts = %v, want 2 groups", ce.Conflicts)
	}
	msg := err.Error()
	for _, name := range []string{"Summarize", "summarize", "Fetch", "fetch"} {
		if !strings.Contains(msg, name) {
			t.Errorf("error %q missing %q", msg, name)
		}
	}
}

func TestResolveDependenciesLowestSatisfying(t *testing.T) {
	mods := []module.Module{
		tool("a", "1.0.0", map[string]string{"numpy": ">=1.20"}),
		tool("b", "1.0.0", map[string]string{"numpy": ">=1.24"}),
	}

	m, warnings, err := Build(mods)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("warnings = %v", warnings)
	}
	// 1.20 fails the >=1.24 range; 1.24 satisfies both.
	if m.Dependencies["numpy"] != "1.24.0" {
		t.Errorf("numpy = %q, want 1.24.0", m.Dependencies["numpy"])
	}
}

func TestResolveDependenciesIncompatibleWarns(t *testing.T) {
	mods := []module.Module{
		tool("a", "1.0.0", map[string]string{"pandas": "<1.0"}),
		tool("b", "1.0.0", map[string]string{"pandas": ">=2.0"}),
	}

	m, warnings, err := Build(mods)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want 1", warnings)
	}
	if warnings[0].Package != "pandas" {
		t.Errorf("warning package = %q", warnings[0].Package)
	}
	// Highest requested version wins when ranges are incompatible.
	if m.Dependencies["pandas"] != "2.0.0" {
		t.Errorf("pandas = %q, want 2.0.0", m.Dependencies["pandas"])
	}
}

func TestManifestRoundTrip(t *testing.T) {
	mods := []module.Module{tool("summarize", "1.0.0", nil)}
	m, _, err := Build(mods)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := m.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got.Count() != 1 || got.Tools[0].Name != "summarize" {
		t.Errorf("round trip = %+v", got)
	}
	if got.SchemaVersion != module.SchemaVersion {
		t.Errorf("schema version = %d", got.SchemaVersion)
	}
}
