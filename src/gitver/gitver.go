// Package gitver resolves build provenance (version, commit, branch) from
// the workspace's git history, feeding image tag templates and OCI labels.
// A workspace without git history degrades to a deterministic dev version
// instead of an error.
package gitver

import (
	"fmt"
	"time"

	masterminds "github.com/Masterminds/semver/v3"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Info holds resolved version metadata.
type Info struct {
	Version   string // "1.2.3", "1.2.3-dev+abc1234", "0.0.0-dev+unknown"
	Base      string // semver base: "1.2.3"
	Major     string
	Minor     string
	Patch     string
	SHA       string // short commit hash
	Branch    string
	IsRelease bool // HEAD is exactly at the highest semver tag
}

// Detect resolves version info for a repository root.
func Detect(rootDir string) *Info {
	v := &Info{
		Version: "0.0.0-dev+unknown",
		Base:    "0.0.0",
		Major:   "0", Minor: "0", Patch: "0",
		SHA: "unknown",
	}

	repo, err := git.PlainOpenWithOptions(rootDir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return v
	}

	head, err := repo.Head()
	if err != nil {
		return v
	}
	v.SHA = head.Hash().String()[:7]
	if head.Name().IsBranch() {
		v.Branch = head.Name().Short()
	}

	tag, exact := highestSemverTag(repo, head.Hash())
	if tag == nil {
		v.Version = fmt.Sprintf("0.0.0-dev+%s", v.SHA)
		return v
	}

	v.Major = fmt.Sprintf("%d", tag.Major())
	v.Minor = fmt.Sprintf("%d", tag.Minor())
	v.Patch = fmt.Sprintf("%d", tag.Patch())
	v.Base = fmt.Sprintf("%d.%d.%d", tag.Major(), tag.Minor(), tag.Patch())
	v.IsRelease = exact

	if exact {
		v.Version = tag.String()
	} else {
		v.Version = fmt.Sprintf("%s-dev+%s", tag.String(), v.SHA)
	}
	return v
}

// highestSemverTag returns the highest semver tag and whether it points
// exactly at head. Annotated and lightweight tags both count.
func highestSemverTag(repo *git.Repository, head plumbing.Hash) (*masterminds.Version, bool) {
	iter, err := repo.Tags()
	if err != nil {
		return nil, false
	}

	var best *masterminds.Version
	exact := false
	iter.ForEach(func(ref *plumbing.Reference) error {
		ver, err := masterminds.NewVersion(ref.Name().Short())
		if err != nil {
			return nil // not a semver tag
		}

		target := ref.Hash()
		if obj, err := repo.TagObject(ref.Hash()); err == nil {
			target = obj.Target
		}

		if best == nil || ver.GreaterThan(best) {
			best = ver
			exact = target == head
		}
		return nil
	})
	return best, exact
}

// ProvenanceArgs renders the standard build args baked into the build
// descriptor.
func (v *Info) ProvenanceArgs(now time.Time) map[string]string {
	return map[string]string{
		"VERSION":    v.Version,
		"COMMIT":     v.SHA,
		"BUILD_DATE": now.UTC().Format(time.RFC3339),
	}
}

// Labels renders OCI provenance labels for the built image.
func (v *Info) Labels() map[string]string {
	return map[string]string{
		"org.opencontainers.image.version":  v.Version,
		"org.opencontainers.image.revision": v.SHA,
	}
}
