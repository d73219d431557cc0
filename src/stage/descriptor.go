package stage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bundleforge/bundleforge/src/manifest"
)

// DescriptorOptions control build descriptor rendering.
type DescriptorOptions struct {
	BaseImage string            // e.g. "python:3.12-slim"
	WorkDir   string            // defaults to /srv/bundle
	Labels    map[string]string // OCI labels stamped on the image
	// Args become ARG declarations with baked-in defaults. The pipeline
	// passes git-derived provenance here (VERSION, COMMIT, BUILD_DATE).
	Args map[string]string
}

// RenderDescriptor emits the Dockerfile-form build descriptor for a
// manifest. Output is deterministic for a given manifest and options.
func RenderDescriptor(m *manifest.Manifest, opts DescriptorOptions) []byte {
	if opts.BaseImage == "" {
		opts.BaseImage = "python:3.12-slim"
	}
	if opts.WorkDir == "" {
		opts.WorkDir = "/srv/bundle"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# generated by bundleforge, do not edit\n")
	fmt.Fprintf(&b, "FROM %s\n\n", opts.BaseImage)

	if len(opts.Args) > 0 {
		keys := make([]string, 0, len(opts.Args))
		for k := range opts.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "ARG %s=%q\n", k, opts.Args[k])
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "WORKDIR %s\n\n", opts.WorkDir)

	// Resolved runtime packages, pinned.
	if len(m.Dependencies) > 0 {
		pkgs := make([]string, 0, len(m.Dependencies))
		for pkg := range m.Dependencies {
			pkgs = append(pkgs, pkg)
		}
		sort.Strings(pkgs)
		specs := make([]string, 0, len(pkgs))
		for _, pkg := range pkgs {
			specs = append(specs, fmt.Sprintf("%s==%s", pkg, m.Dependencies[pkg]))
		}
		fmt.Fprintf(&b, "RUN pip install --no-cache-dir %s\n\n", strings.Join(specs, " "))
	}

	b.WriteString("COPY tools/ tools/\n")
	b.WriteString("COPY connectors/ connectors/\n")
	b.WriteString("COPY config/ config/\n")
	b.WriteString("COPY manifest.json manifest.json\n\n")

	if len(opts.Labels) > 0 {
		keys := make([]string, 0, len(opts.Labels))
		for k := range opts.Labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "LABEL %s=%q\n", k, opts.Labels[k])
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "ENV BUNDLE_CONFIG=%s/config/config.yaml\n", opts.WorkDir)
	b.WriteString("ENTRYPOINT [\"bundle-server\", \"--manifest\", \"manifest.json\"]\n")

	return []byte(b.String())
}
