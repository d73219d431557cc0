package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// hasher accumulates labeled inputs into one content hash. Resume decisions
// are content-addressed: same inputs, same hash, regardless of timestamps.
type hasher struct {
	h interface {
		io.Writer
		Sum([]byte) []byte
	}
}

func newHasher() *hasher {
	return &hasher{h: sha256.New()}
}

func (h *hasher) str(label, v string) *hasher {
	fmt.Fprintf(h.h, "%s=%s\x00", label, v)
	return h
}

func (h *hasher) bytes(label string, v []byte) *hasher {
	fmt.Fprintf(h.h, "%s:%d\x00", label, len(v))
	h.h.Write(v)
	h.h.Write([]byte{0})
	return h
}

// file hashes a file's path and content. Missing files hash their absence,
// which still produces a deterministic (and different) digest.
func (h *hasher) file(path string) *hasher {
	data, err := os.ReadFile(path)
	if err != nil {
		return h.str("missing", path)
	}
	h.str("file", path)
	return h.bytes("content", data)
}

// tree hashes every regular file under root, in sorted path order.
func (h *hasher) tree(root string) *hasher {
	var paths []string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	sort.Strings(paths)
	for _, p := range paths {
		h.file(p)
	}
	return h
}

func (h *hasher) sum() string {
	return hex.EncodeToString(h.h.Sum(nil))
}

// hashBytes is a convenience for content-addressing artifact files.
func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
