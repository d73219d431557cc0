package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bundleforge/bundleforge/src/engine"
	"github.com/bundleforge/bundleforge/src/gitver"
	"github.com/bundleforge/bundleforge/src/manifest"
	"github.com/bundleforge/bundleforge/src/module"
	"github.com/bundleforge/bundleforge/src/stage"
)

// steps returns the fixed step sequence. A step only starts once its
// predecessor reached Succeeded (or Skipped on resume).
func (o *Orchestrator) steps() []stepDef {
	return []stepDef{
		o.registryStep(),
		o.manifestStep(),
		o.configStep(),
		o.contextStep(),
		o.buildStep(),
		o.tagStep(),
	}
}

// --- Registry ---

func (o *Orchestrator) registryStep() stepDef {
	return stepDef{
		name: StepRegistry,
		hash: func(rs *runState) string {
			h := newHasher()
			for _, root := range o.opts.SourceRoots {
				h.str("root", root)
				h.tree(filepath.Join(root, "tools"))
				h.tree(filepath.Join(root, "connectors"))
			}
			return h.sum()
		},
		run: func(ctx context.Context, rs *runState) (string, error) {
			mods, warns, err := o.registry.Discover(ctx, o.opts.SourceRoots)
			if err != nil {
				return "", fmt.Errorf("discovering modules: %w", err)
			}
			for _, w := range warns {
				rs.warnings = append(rs.warnings, w.String())
			}

			data, err := json.MarshalIndent(mods, "", "  ")
			if err != nil {
				return "", fmt.Errorf("serializing modules: %w", err)
			}
			rs.modules = mods
			rs.modulesJSON = data
			return o.writeArtifact("modules.json", data)
		},
		restore: func(rs *runState, ref string) error {
			data, err := os.ReadFile(ref)
			if err != nil {
				return err
			}
			var mods []module.Module
			if err := json.Unmarshal(data, &mods); err != nil {
				return err
			}
			rs.modules = mods
			rs.modulesJSON = data
			return nil
		},
	}
}

// --- Manifest ---

func (o *Orchestrator) manifestStep() stepDef {
	return stepDef{
		name: StepManifest,
		hash: func(rs *runState) string {
			return newHasher().bytes("modules", rs.modulesJSON).sum()
		},
		run: func(ctx context.Context, rs *runState) (string, error) {
			man, warns, err := manifest.Build(rs.modules)
			if err != nil {
				return "", err
			}
			for _, w := range warns {
				rs.warnings = append(rs.warnings, w.String())
			}

			data, err := man.Bytes()
			if err != nil {
				return "", err
			}
			rs.man = man
			rs.manifestBytes = data
			return o.writeArtifact("manifest.json", data)
		},
		restore: func(rs *runState, ref string) error {
			man, err := manifest.ReadFile(ref)
			if err != nil {
				return err
			}
			data, err := man.Bytes()
			if err != nil {
				return err
			}
			rs.man = man
			rs.manifestBytes = data
			return nil
		},
	}
}

// --- Config ---

func (o *Orchestrator) configStep() stepDef {
	return stepDef{
		name: StepConfig,
		hash: func(rs *runState) string {
			envJSON, _ := json.Marshal(o.opts.Environment)
			return newHasher().
				bytes("manifest", rs.manifestBytes).
				bytes("environment", envJSON).
				sum()
		},
		run: func(ctx context.Context, rs *runState) (string, error) {
			doc, err := o.synthesizer.Synthesize(rs.man, o.opts.Environment)
			if err != nil {
				return "", fmt.Errorf("synthesizing config: %w", err)
			}
			rs.doc = doc
			return o.writeArtifact("config."+doc.Ext, doc.Content)
		},
		restore: func(rs *runState, ref string) error {
			data, err := os.ReadFile(ref)
			if err != nil {
				return err
			}
			rs.doc.Ext = strings.TrimPrefix(filepath.Ext(ref), ".")
			rs.doc.Content = data
			return nil
		},
	}
}

// --- Context ---

func (o *Orchestrator) contextStep() stepDef {
	return stepDef{
		name: StepContext,
		hash: func(rs *runState) string {
			labelsJSON, _ := json.Marshal(o.opts.Labels)
			return newHasher().
				bytes("manifest", rs.manifestBytes).
				bytes("config", rs.doc.Content).
				str("base", o.opts.BaseImage).
				bytes("labels", labelsJSON).
				sum()
		},
		run: func(ctx context.Context, rs *runState) (string, error) {
			desc := stage.RenderDescriptor(rs.man, o.descriptorOptions())
			rs.descriptor = desc

			bctx, err := stage.Assemble(rs.man, rs.doc, desc, o.contextsDir())
			if err != nil {
				return "", err
			}
			rs.bctx = bctx
			rs.contextFresh = true
			return bctx.RootPath, nil
		},
		restore: func(rs *runState, ref string) error {
			// The staging directory is disposable; if a prior run (or its
			// rollback) removed it, this restore fails and the step
			// re-runs. That is a resume mismatch, not an abort.
			descPath := filepath.Join(ref, stage.DescriptorFileName)
			data, err := os.ReadFile(descPath)
			if err != nil {
				return err
			}
			rs.descriptor = data
			rs.bctx = &stage.Context{RootPath: ref, DescriptorPath: descPath}
			return nil
		},
	}
}

// descriptorOptions merges configured labels with git provenance.
func (o *Orchestrator) descriptorOptions() stage.DescriptorOptions {
	root := "."
	if len(o.opts.SourceRoots) > 0 {
		root = o.opts.SourceRoots[0]
	}
	v := gitver.Detect(root)

	labels := map[string]string{}
	for k, val := range v.Labels() {
		labels[k] = val
	}
	for k, val := range o.opts.Labels {
		labels[k] = val
	}

	return stage.DescriptorOptions{
		BaseImage: o.opts.BaseImage,
		Labels:    labels,
		Args:      v.ProvenanceArgs(time.Now()),
	}
}

func (o *Orchestrator) contextsDir() string {
	dir := filepath.Join(o.opts.StateDir, "contexts")
	os.MkdirAll(dir, 0o755)
	return dir
}

// --- Build ---

func (o *Orchestrator) buildStep() stepDef {
	return stepDef{
		name: StepBuild,
		hash: func(rs *runState) string {
			return newHasher().
				bytes("manifest", rs.manifestBytes).
				bytes("config", rs.doc.Content).
				bytes("descriptor", rs.descriptor).
				str("ref", o.opts.PrimaryRef()).
				str("engine", o.engineName()).
				sum()
		},
		run: func(ctx context.Context, rs *runState) (string, error) {
			if err := validateBuildInputs(rs, o.opts.PrimaryRef()); err != nil {
				return "", err
			}
			if o.opts.DryRun {
				// No engine call: the context was assembled and inspected,
				// nothing is produced.
				return "", nil
			}

			result, failure := o.client.Build(ctx, rs.bctx, o.opts.PrimaryRef(), o.buildObserver())
			if failure != nil {
				rs.failure = failure
				rs.buildFailed = true
				return "", failure
			}
			rs.result = result
			rs.imageID = result.ImageID
			return result.ImageID, nil
		},
		restore: func(rs *runState, ref string) error {
			if ref == "" {
				return fmt.Errorf("no image artifact recorded")
			}
			rs.imageID = ref
			return nil
		},
	}
}

// validateBuildInputs is shared by the real build and the dry-run no-op:
// dry-run still validates everything short of calling the engine.
func validateBuildInputs(rs *runState, ref string) error {
	if rs.bctx == nil {
		return fmt.Errorf("no build context assembled")
	}
	if _, err := os.Stat(rs.bctx.DescriptorPath); err != nil {
		return fmt.Errorf("build descriptor missing: %w", err)
	}
	if strings.HasPrefix(ref, ":") || strings.ContainsAny(ref, " \t") {
		return fmt.Errorf("invalid image reference %q", ref)
	}
	return nil
}

func (o *Orchestrator) engineName() string {
	if o.client == nil {
		return ""
	}
	return o.client.Name()
}

// buildObserver wires the engine's progress stream to the configured sink.
func (o *Orchestrator) buildObserver() engine.Observer {
	return o.progress
}

// --- Tag ---

func (o *Orchestrator) tagStep() stepDef {
	return stepDef{
		name: StepTag,
		hash: func(rs *runState) string {
			return newHasher().
				str("image", rs.imageID).
				str("tags", strings.Join(o.opts.extraRefs(), ",")).
				sum()
		},
		run: func(ctx context.Context, rs *runState) (string, error) {
			refs := o.opts.extraRefs()
			if o.opts.DryRun || len(refs) == 0 {
				return strings.Join(refs, ","), nil
			}
			for _, ref := range refs {
				if err := o.client.Tag(ctx, o.opts.PrimaryRef(), ref); err != nil {
					return "", err
				}
			}
			return strings.Join(refs, ","), nil
		},
		restore: func(rs *runState, ref string) error {
			return nil
		},
	}
}
