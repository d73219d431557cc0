package manifest

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	masterminds "github.com/Masterminds/semver/v3"
	"github.com/bundleforge/bundleforge/src/module"
)

// versionLiteralRe pulls bare version literals out of a constraint string
// ("">=2.0 <3.1.4"" → "2.0", "3.1.4").
var versionLiteralRe = regexp.MustCompile(`\d+(?:\.\d+){0,2}(?:-[0-9A-Za-z.-]+)?`)

// resolveDependencies picks one version per package referenced by the
// module set.
//
// This is a best-effort policy, not a SAT solver: the candidate pool is
// the set of version literals mentioned in the requested ranges. The
// lowest candidate satisfying every range wins. When no candidate
// satisfies all ranges the highest requested version is taken and a
// warning is emitted; the ranges may be genuinely incompatible, and
// we surface that rather than failing the build.
func resolveDependencies(mods []module.Module) (map[string]string, []Warning) {
	ranges := map[string][]string{}
	for _, mod := range mods {
		for pkg, rng := range mod.Dependencies {
			ranges[pkg] = append(ranges[pkg], rng)
		}
	}
	if len(ranges) == 0 {
		return nil, nil
	}

	resolved := make(map[string]string, len(ranges))
	var warnings []Warning

	pkgs := make([]string, 0, len(ranges))
	for pkg := range ranges {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)

	for _, pkg := range pkgs {
		version, warn := resolvePackage(ranges[pkg])
		resolved[pkg] = version
		if warn != "" {
			warnings = append(warnings, Warning{Package: pkg, Detail: warn})
		}
	}
	return resolved, warnings
}

// resolvePackage resolves one package's requested ranges to a single version.
func resolvePackage(rangeStrs []string) (string, string) {
	sort.Strings(rangeStrs)
	rangeStrs = dedupe(rangeStrs)

	constraints := make([]*masterminds.Constraints, 0, len(rangeStrs))
	for _, r := range rangeStrs {
		c, err := masterminds.NewConstraint(r)
		if err != nil {
			// Registry validation rejects unparsable ranges; reaching here
			// means the module bypassed discovery. Treat as incompatible.
			continue
		}
		constraints = append(constraints, c)
	}

	candidates := candidateVersions(rangeStrs)
	if len(candidates) == 0 {
		return "0.0.0", fmt.Sprintf("no parseable version in ranges %s", strings.Join(rangeStrs, ", "))
	}

	// Lowest candidate satisfying every range.
	for _, v := range candidates {
		ok := true
		for _, c := range constraints {
			if !c.Check(v) {
				ok = false
				break
			}
		}
		if ok {
			return v.String(), ""
		}
	}

	// Incompatible ranges: fall back to the highest requested version.
	highest := candidates[len(candidates)-1]
	warn := fmt.Sprintf("ranges %s have no common version; using %s",
		strings.Join(rangeStrs, ", "), highest.String())
	return highest.String(), warn
}

// candidateVersions extracts every version literal from the ranges, parsed
// and sorted ascending.
func candidateVersions(rangeStrs []string) []*masterminds.Version {
	seen := map[string]bool{}
	var out []*masterminds.Version
	for _, r := range rangeStrs {
		for _, lit := range versionLiteralRe.FindAllString(r, -1) {
			v, err := masterminds.NewVersion(lit)
			if err != nil || seen[v.String()] {
				continue
			}
			seen[v.String()] = true
			out = append(out, v)
		}
	}
	sort.Sort(masterminds.Collection(out))
	return out
}

func dedupe(in []string) []string {
	out := in[:0]
	var last string
	for i, v := range in {
		if i == 0 || v != last {
			out = append(out, v)
		}
		last = v
	}
	return out
}
