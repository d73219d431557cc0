package module

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// descriptor is the on-disk module descriptor shape. The kind is usually
// implied by the directory the descriptor lives under; an explicit kind
// that contradicts the directory is a warning.
type descriptor struct {
	Name          string            `yaml:"name" toml:"name"`
	Kind          string            `yaml:"kind" toml:"kind"`
	Version       string            `yaml:"version" toml:"version"`
	Description   string            `yaml:"description" toml:"description"`
	Source        string            `yaml:"source" toml:"source"`
	Capabilities  []string          `yaml:"capabilities" toml:"capabilities"`
	Dependencies  map[string]string `yaml:"dependencies" toml:"dependencies"`
	SchemaVersion int               `yaml:"schema_version" toml:"schema_version"`
	Type          string            `yaml:"type" toml:"type"`
	Methods       []string          `yaml:"methods" toml:"methods"`
}

// descriptorNames are the recognized descriptor filenames, in priority order.
var descriptorNames = []string{
	"module.yaml", "module.yml", "tool.yaml", "connector.yaml", "module.toml",
}

func isDescriptorFile(name string) bool {
	for _, n := range descriptorNames {
		if name == n {
			return true
		}
	}
	return false
}

// parseDescriptor reads a YAML or TOML descriptor and resolves it into a
// Module. The kind argument is the kind implied by the source root
// subdirectory the file was found under.
func parseDescriptor(path string, kind Kind) (Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Module{}, err
	}

	var d descriptor
	if strings.HasSuffix(path, ".toml") {
		if err := toml.Unmarshal(data, &d); err != nil {
			return Module{}, fmt.Errorf("parsing TOML: %w", err)
		}
	} else {
		if res, err := validateDescriptorYAML(data); err != nil {
			return Module{}, fmt.Errorf("validating descriptor: %w", err)
		} else if !res.Valid {
			return Module{}, fmt.Errorf("descriptor schema: %s", res.Issues[0])
		}
		if err := yaml.Unmarshal(data, &d); err != nil {
			return Module{}, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	return resolveDescriptor(d, path, kind)
}

// resolveDescriptor applies defaults and semantic validation shared by the
// YAML, TOML, and annotation-header paths.
func resolveDescriptor(d descriptor, path string, kind Kind) (Module, error) {
	if d.Name == "" {
		return Module{}, fmt.Errorf("descriptor missing name")
	}
	if d.Kind != "" && Kind(d.Kind) != kind {
		return Module{}, fmt.Errorf("descriptor declares kind %q but lives under %ss/", d.Kind, kind)
	}
	if d.SchemaVersion == 0 {
		d.SchemaVersion = SchemaVersion
	}
	if d.SchemaVersion != SchemaVersion {
		return Module{}, fmt.Errorf("unsupported schema_version %d (want %d)", d.SchemaVersion, SchemaVersion)
	}

	if d.Version == "" {
		d.Version = "0.0.0"
	}
	if _, err := semver.NewVersion(d.Version); err != nil {
		return Module{}, fmt.Errorf("version %q: %w", d.Version, err)
	}
	for pkg, rng := range d.Dependencies {
		if _, err := semver.NewConstraint(rng); err != nil {
			return Module{}, fmt.Errorf("dependency %s: range %q: %w", pkg, rng, err)
		}
	}

	source := d.Source
	if source == "" {
		// Default: a sibling implementation file with the same stem.
		source = siblingSource(path, d.Name)
	}
	if source == "" {
		return Module{}, fmt.Errorf("no source file for module %q", d.Name)
	}
	sourcePath := source
	if !filepath.IsAbs(sourcePath) {
		sourcePath = filepath.Join(filepath.Dir(path), source)
	}
	if _, err := os.Stat(sourcePath); err != nil {
		return Module{}, fmt.Errorf("source file %s: %w", source, err)
	}

	return Module{
		Name:           d.Name,
		Kind:           kind,
		Version:        d.Version,
		Description:    d.Description,
		Capabilities:   normalizeSet(d.Capabilities),
		Dependencies:   d.Dependencies,
		SchemaVersion:  d.SchemaVersion,
		ConnectorType:  d.Type,
		Methods:        normalizeSet(d.Methods),
		SourcePath:     sourcePath,
		DescriptorPath: path,
	}, nil
}

// siblingSource looks for an implementation file next to a descriptor:
// first <name>.<ext> for known script extensions, then the only non-descriptor
// file in the directory.
func siblingSource(descriptorPath, name string) string {
	dir := filepath.Dir(descriptorPath)
	for _, ext := range scriptExtensions {
		p := filepath.Join(dir, name+ext)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var candidate string
	for _, e := range entries {
		if e.IsDir() || isDescriptorFile(e.Name()) {
			continue
		}
		if candidate != "" {
			return "" // ambiguous
		}
		candidate = filepath.Join(dir, e.Name())
	}
	return candidate
}
