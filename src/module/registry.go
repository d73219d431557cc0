package module

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// kindDirs maps the source-root subdirectory to the module kind it holds.
var kindDirs = []struct {
	dir  string
	kind Kind
}{
	{"tools", KindTool},
	{"connectors", KindConnector},
}

// Registry discovers modules under a set of source roots. A Registry value
// belongs to one pipeline run; there is no cross-run sharing.
type Registry struct {
	// Parallelism bounds concurrent descriptor parsing. Zero means NumCPU.
	Parallelism int
}

// candidate is one file queued for parsing.
type candidate struct {
	path       string
	kind       Kind
	descriptor bool // descriptor file vs. bare annotated script
}

// Discover scans every root and returns the parsed modules in a stable
// order (tools before connectors, case-insensitive name within a kind).
// A malformed candidate becomes a Warning and is excluded; only an
// unreadable root fails the scan outright.
func (r *Registry) Discover(ctx context.Context, sourceRoots []string) ([]Module, []Warning, error) {
	var candidates []candidate
	var warnings []Warning

	for _, root := range sourceRoots {
		if _, err := os.Stat(root); err != nil {
			return nil, nil, fmt.Errorf("source root %s: %w", root, err)
		}
		cs, ws := collectCandidates(root)
		candidates = append(candidates, cs...)
		warnings = append(warnings, ws...)
	}

	limit := r.Parallelism
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	sem := semaphore.NewWeighted(int64(limit))

	var (
		mu   sync.Mutex
		mods []Module
		wg   sync.WaitGroup
	)
	for _, c := range candidates {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, nil, err
		}
		wg.Add(1)
		go func(c candidate) {
			defer wg.Done()
			defer sem.Release(1)

			mod, warn := parseCandidate(c)
			mu.Lock()
			defer mu.Unlock()
			if warn != nil {
				warnings = append(warnings, *warn)
				return
			}
			if mod != nil {
				mods = append(mods, *mod)
			}
		}(c)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sortModules(mods)
	sort.Slice(warnings, func(i, j int) bool { return warnings[i].Path < warnings[j].Path })
	return mods, warnings, nil
}

// parseCandidate parses one candidate file. A nil module with nil warning
// means the file was not a module at all (unannotated script).
func parseCandidate(c candidate) (*Module, *Warning) {
	if c.descriptor {
		mod, err := parseDescriptor(c.path, c.kind)
		if err != nil {
			return nil, &Warning{Path: c.path, Reason: err.Error()}
		}
		return &mod, nil
	}

	mod, found, err := parseAnnotations(c.path, c.kind)
	if err != nil {
		return nil, &Warning{Path: c.path, Reason: err.Error()}
	}
	if !found {
		return nil, nil
	}
	return &mod, nil
}

// collectCandidates walks one source root gathering descriptor files and
// bare scripts. In a directory that carries a descriptor, only the
// highest-priority descriptor is a candidate; its scripts are sources, not
// modules of their own.
func collectCandidates(root string) ([]candidate, []Warning) {
	var out []candidate
	var warnings []Warning

	for _, kd := range kindDirs {
		base := filepath.Join(root, kd.dir)
		if _, err := os.Stat(base); err != nil {
			continue
		}

		// Pass 1: directories that hold a descriptor.
		described := map[string]bool{}
		err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				warnings = append(warnings, Warning{Path: path, Reason: err.Error()})
				return fs.SkipDir
			}
			if d.IsDir() || !isDescriptorFile(d.Name()) {
				return nil
			}
			dir := filepath.Dir(path)
			if described[dir] {
				return nil // keep only the highest-priority descriptor per dir
			}
			if best := bestDescriptor(dir); best == path {
				described[dir] = true
				out = append(out, candidate{path: path, kind: kd.kind, descriptor: true})
			}
			return nil
		})
		if err != nil {
			warnings = append(warnings, Warning{Path: base, Reason: err.Error()})
		}

		// Pass 2: bare scripts outside described directories.
		err = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return fs.SkipDir
			}
			if d.IsDir() || !isScriptFile(d.Name()) {
				return nil
			}
			if described[filepath.Dir(path)] {
				return nil
			}
			out = append(out, candidate{path: path, kind: kd.kind})
			return nil
		})
		if err != nil {
			warnings = append(warnings, Warning{Path: base, Reason: err.Error()})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out, warnings
}

// bestDescriptor returns the highest-priority descriptor file present in dir.
func bestDescriptor(dir string) string {
	for _, name := range descriptorNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// DisplayName renders "kind/name" for human output.
func DisplayName(m Module) string {
	return string(m.Kind) + "/" + strings.ToLower(m.Name)
}
