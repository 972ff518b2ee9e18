package shardstore

import (
	"fmt"
	"path/filepath"
	"strings"
)

// validateRelPath checks that path is a clean, root-relative path that
// stays inside the root. Document paths must also end in ".json".
func validateRelPath(path string, document bool) error {
	if path == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}

	if filepath.IsAbs(path) {
		return fmt.Errorf("%w: absolute path %q", ErrInvalidPath, path)
	}

	if filepath.Clean(path) != path {
		return fmt.Errorf("%w: path %q must be clean", ErrInvalidPath, path)
	}

	if path == "." || path == ".." || strings.HasPrefix(path, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: path %q escapes root", ErrInvalidPath, path)
	}

	if document && !strings.HasSuffix(path, ".json") {
		return fmt.Errorf("%w: path %q must end with .json", ErrInvalidPath, path)
	}

	return nil
}
