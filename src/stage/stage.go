// Package stage assembles the disposable build context directory the
// image-build engine consumes. Layout is fixed and consumed bit-exact:
//
//	<contextRoot>/
//	  build-descriptor       # rendered build instructions
//	  tools/<file>           # one file per tool module
//	  connectors/<file>      # one file per connector module
//	  config/config.<ext>    # rendered runtime config
//	  manifest.json          # serialized manifest
package stage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bundleforge/bundleforge/src/manifest"
	"github.com/bundleforge/bundleforge/src/module"
	"github.com/bundleforge/bundleforge/src/synth"
)

// DescriptorFileName is the generated build instruction file inside the context.
const DescriptorFileName = "build-descriptor"

// StagedFile records one file copied into the context.
type StagedFile struct {
	Source string // original path ("" for generated files)
	Dest   string // path relative to the context root
}

// Context is the staged directory tree. Owned by the assembler until the
// engine consumes it; the orchestrator deletes it on success and failure
// alike unless retention is requested.
type Context struct {
	RootPath       string
	Files          []StagedFile
	DescriptorPath string
}

// Remove deletes the staging directory.
func (c *Context) Remove() error {
	if c == nil || c.RootPath == "" {
		return nil
	}
	return os.RemoveAll(c.RootPath)
}

// AssemblyError is fatal: the staging directory has already been removed
// when it is returned, so no partial context ever reaches the engine.
type AssemblyError struct {
	Stage string // which file/dir failed
	Err   error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assembling build context (%s): %v", e.Stage, e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// Assemble stages a fresh, uniquely-named context directory. Any partial
// failure removes the whole directory before returning.
func Assemble(m *manifest.Manifest, doc synth.Document, buildDescriptor []byte, baseDir string) (*Context, error) {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	root, err := os.MkdirTemp(baseDir, "bundleforge-ctx-")
	if err != nil {
		return nil, &AssemblyError{Stage: "mkdir", Err: err}
	}

	ctx := &Context{RootPath: root}
	if err := populate(ctx, m, doc, buildDescriptor); err != nil {
		os.RemoveAll(root)
		return nil, err
	}
	return ctx, nil
}

func populate(ctx *Context, m *manifest.Manifest, doc synth.Document, buildDescriptor []byte) error {
	root := ctx.RootPath

	for _, dir := range []string{"tools", "connectors", "config"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return &AssemblyError{Stage: dir, Err: err}
		}
	}

	// Generated build descriptor.
	descPath := filepath.Join(root, DescriptorFileName)
	if err := os.WriteFile(descPath, buildDescriptor, 0o644); err != nil {
		return &AssemblyError{Stage: DescriptorFileName, Err: err}
	}
	ctx.DescriptorPath = descPath
	ctx.Files = append(ctx.Files, StagedFile{Dest: DescriptorFileName})

	// Module sources. Names are disambiguated per directory because two
	// modules may legally share a source file basename.
	if err := stageModules(ctx, m.Tools, "tools"); err != nil {
		return err
	}
	if err := stageModules(ctx, m.Connectors, "connectors"); err != nil {
		return err
	}

	// Rendered runtime config.
	ext := doc.Ext
	if ext == "" {
		ext = "yaml"
	}
	cfgDest := filepath.Join("config", "config."+ext)
	if err := os.WriteFile(filepath.Join(root, cfgDest), doc.Content, 0o644); err != nil {
		return &AssemblyError{Stage: cfgDest, Err: err}
	}
	ctx.Files = append(ctx.Files, StagedFile{Dest: cfgDest})

	// Serialized manifest.
	if err := m.WriteFile(filepath.Join(root, "manifest.json")); err != nil {
		return &AssemblyError{Stage: "manifest.json", Err: err}
	}
	ctx.Files = append(ctx.Files, StagedFile{Dest: "manifest.json"})

	return nil
}

func stageModules(ctx *Context, mods []module.Module, dir string) error {
	names := module.StagedNames(mods)
	for i, mod := range mods {
		dest := filepath.Join(dir, names[i])
		if err := copyFile(mod.SourcePath, filepath.Join(ctx.RootPath, dest)); err != nil {
			return &AssemblyError{Stage: dest, Err: err}
		}
		ctx.Files = append(ctx.Files, StagedFile{Source: mod.SourcePath, Dest: dest})
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
