package engine

import "strings"

// Category is the best-effort failure classification derived from the
// backend's raw error text.
type Category string

const (
	CategoryMissingDependency    Category = "missing-dependency"
	CategoryPermissionDenied     Category = "permission-denied"
	CategoryNetworkUnreachable   Category = "network-unreachable"
	CategoryDiskSpace            Category = "disk-space"
	CategorySyntaxError          Category = "syntax-error"
	CategoryBaseImageUnavailable Category = "base-image-unavailable"
	CategoryUnknown              Category = "unknown"
)

// suggestions maps each category to its fixed remediation hint.
var suggestions = map[Category][]string{
	CategoryMissingDependency: {
		"a package or command required by a build step was not found",
		"check the module dependency ranges and the resolved versions in manifest.json",
	},
	CategoryPermissionDenied: {
		"the engine was denied access to a file or the backend socket",
		"verify the daemon socket permissions and that staged files are readable",
	},
	CategoryNetworkUnreachable: {
		"a registry or package index could not be reached",
		"check connectivity and proxy settings, then resume the pipeline to retry the build step",
	},
	CategoryDiskSpace: {
		"the backend ran out of disk space",
		"prune unused images and build cache, then resume",
	},
	CategorySyntaxError: {
		"the generated build descriptor was rejected by the backend",
		"inspect the build-descriptor in a retained context (--retain-context)",
	},
	CategoryBaseImageUnavailable: {
		"the base image could not be pulled",
		"confirm the configured base image name and tag exist in the registry",
	},
	CategoryUnknown: {
		"the raw engine output is preserved in the failure record",
	},
}

// categoryPatterns are checked in order; first substring match wins.
var categoryPatterns = []struct {
	category Category
	needles  []string
}{
	{CategoryDiskSpace, []string{
		"no space left on device",
		"disk quota exceeded",
	}},
	{CategoryBaseImageUnavailable, []string{
		"manifest unknown",
		"pull access denied",
		"not found: manifest",
		"failed to resolve source metadata",
		"repository does not exist",
	}},
	{CategoryPermissionDenied, []string{
		"permission denied",
		"access denied",
		"operation not permitted",
	}},
	{CategoryNetworkUnreachable, []string{
		"network is unreachable",
		"no such host",
		"connection refused",
		"i/o timeout",
		"tls handshake timeout",
		"temporary failure in name resolution",
	}},
	{CategoryMissingDependency, []string{
		"command not found",
		"executable file not found",
		"no matching distribution found",
		"could not find a version that satisfies",
		"module not found",
		"package not found",
	}},
	{CategorySyntaxError, []string{
		"dockerfile parse error",
		"unknown instruction",
		"failed to process the build descriptor",
		"syntax error",
	}},
}

// Classify maps raw backend error text to a category. Unmatched text is
// CategoryUnknown; a failure is never swallowed into a generic success.
func Classify(raw string) Category {
	lower := strings.ToLower(raw)
	for _, cp := range categoryPatterns {
		for _, n := range cp.needles {
			if strings.Contains(lower, n) {
				return cp.category
			}
		}
	}
	return CategoryUnknown
}

// Suggest returns the documented suggestion strings for a category.
func Suggest(c Category) []string {
	s, ok := suggestions[c]
	if !ok {
		return suggestions[CategoryUnknown]
	}
	return append([]string(nil), s...)
}

// NewFailure builds a BuildFailure from raw error text and the last
// observed step position.
func NewFailure(stepIndex int, instruction, raw string) *BuildFailure {
	cat := Classify(raw)
	return &BuildFailure{
		FailedStepIndex:   stepIndex,
		FailedInstruction: instruction,
		RawError:          raw,
		Category:          cat,
		Suggestions:       Suggest(cat),
	}
}
