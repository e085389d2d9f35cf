package executor

import (
	"path/filepath"
	"strings"

	"github.com/shadowrealm/orchestrator/internal/orcherr"
)

// ResolvePath applies the path semantics of spec §4.1: every path is
// relative to the workspace root, a leading slash is stripped, and any
// ".." component that would escape the root is rejected.
func ResolvePath(root, path string) (string, error) {
	p := strings.TrimPrefix(path, "/")
	clean := filepath.Clean(filepath.Join(root, p))
	rootClean := filepath.Clean(root)
	if clean != rootClean && !strings.HasPrefix(clean, rootClean+string(filepath.Separator)) {
		return "", orcherr.Wrap(orcherr.ErrInvalidRange, "path %q escapes workspace root", path)
	}
	return clean, nil
}
