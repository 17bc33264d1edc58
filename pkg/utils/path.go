package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateDir checks a configured directory. The path must be non-empty and, once cleaned,
// must not be the filesystem root: the staging store wipes its folder on startup.
func ValidateDir(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("path contains NUL byte")
	}
	clean := filepath.Clean(path)
	if clean == string(filepath.Separator) || clean == filepath.VolumeName(clean)+string(filepath.Separator) {
		return fmt.Errorf("refusing to use filesystem root: %s", path)
	}
	return nil
}

// SecureJoin joins single path elements onto base. Each element must be a plain name: no
// separators, no "." or "..". The result always lies strictly inside base.
//
// Example usage:
//
//	p, err := SecureJoin(root, namespace, id)
//	if err != nil {
//		return fmt.Errorf("invalid staging path: %w", err)
//	}
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}
	for _, e := range elements {
		switch {
		case e == "", e == ".", e == "..":
			return "", fmt.Errorf("invalid path element %q", e)
		case strings.ContainsAny(e, `/\`), strings.ContainsRune(e, 0):
			return "", fmt.Errorf("path element %q contains a separator", e)
		}
	}

	cleanBase := filepath.Clean(base)
	full := filepath.Join(append([]string{cleanBase}, elements...)...)
	if len(elements) > 0 && !strings.HasPrefix(full, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes base directory")
	}
	return full, nil
}
