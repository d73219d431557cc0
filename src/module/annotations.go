package module

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// scriptExtensions are the implementation file types whose leading comment
// block may carry @tool/@connector annotation metadata.
var scriptExtensions = []string{".py", ".js", ".ts", ".sh"}

func isScriptFile(name string) bool {
	ext := filepath.Ext(name)
	for _, e := range scriptExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Annotation tags recognized in a script's leading comment block:
//
//	@tool <name>            or @connector <name>
//	@description <text>
//	@version <semver>
//	@capability <name>           (repeatable)
//	@requires <package> <range>  (repeatable)
//	@method <name>               (repeatable, connectors)
//	@param / @returns            (accepted, ignored)
//
// Only the first 60 lines are examined; the tags must appear before any
// non-comment code.
const annotationScanLimit = 60

// parseAnnotations extracts module metadata from a bare script file. Returns
// found=false when the file carries no @tool/@connector tag at all, which is
// not an error; the file just isn't a module.
func parseAnnotations(path string, kind Kind) (Module, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return Module{}, false, err
	}
	defer f.Close()

	d := descriptor{Source: path}
	found := false

	scanner := bufio.NewScanner(f)
	for n := 0; scanner.Scan() && n < annotationScanLimit; n++ {
		line := strings.TrimSpace(scanner.Text())
		line = strings.TrimLeft(line, "#/*\" \t")

		tag, rest, ok := cutTag(line)
		if !ok {
			continue
		}
		switch tag {
		case "tool":
			if kind != KindTool {
				return Module{}, true, fmt.Errorf("@tool annotation under %ss/", kind)
			}
			d.Name = rest
			found = true
		case "connector":
			if kind != KindConnector {
				return Module{}, true, fmt.Errorf("@connector annotation under %ss/", kind)
			}
			d.Name = rest
			found = true
		case "description":
			d.Description = rest
		case "version":
			d.Version = rest
		case "capability":
			d.Capabilities = append(d.Capabilities, rest)
		case "method":
			d.Methods = append(d.Methods, rest)
		case "type":
			d.Type = rest
		case "requires":
			pkg, rng, ok := strings.Cut(rest, " ")
			if !ok || strings.TrimSpace(rng) == "" {
				return Module{}, true, fmt.Errorf("@requires needs \"<package> <range>\", got %q", rest)
			}
			if d.Dependencies == nil {
				d.Dependencies = map[string]string{}
			}
			d.Dependencies[pkg] = strings.TrimSpace(rng)
		}
	}
	if err := scanner.Err(); err != nil {
		return Module{}, false, err
	}
	if !found {
		return Module{}, false, nil
	}

	mod, err := resolveDescriptor(d, path, kind)
	if err != nil {
		return Module{}, true, err
	}
	return mod, true, nil
}

// cutTag splits "@tag rest of line" and reports whether the line is a tag.
func cutTag(line string) (tag, rest string, ok bool) {
	if !strings.HasPrefix(line, "@") {
		return "", "", false
	}
	tag, rest, _ = strings.Cut(line[1:], " ")
	return tag, strings.TrimSpace(rest), tag != ""
}
