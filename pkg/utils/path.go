package utils

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// SecureJoin safely joins path elements and ensures the result stays within the base directory.
// Unlike filepath.Join, this function validates that the result doesn't escape the base through
// directory traversal.
//
// Example usage:
//
//	safePath, err := SecureJoin("/data/export", relativePath)
//	if err != nil {
//		return fmt.Errorf("invalid object path: %w", err)
//	}
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	if !Within(cleanBase, fullPath) {
		return "", fmt.Errorf("path escapes base directory")
	}
	return fullPath, nil
}

// Within reports whether target is base or lies below it. Both paths are
// expected to be clean.
func Within(base, target string) bool {
	if target == base {
		return true
	}
	if base == string(filepath.Separator) {
		return strings.HasPrefix(target, base)
	}
	return strings.HasPrefix(target, base+string(filepath.Separator))
}

// RelativeTo returns target relative to base as a slash separated path. The
// base itself maps to "".
func RelativeTo(base, target string) (string, error) {
	rel, err := filepath.Rel(filepath.Clean(base), filepath.Clean(target))
	if err != nil {
		return "", err
	}
	if rel == "." {
		return "", nil
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %s is outside base directory %s", target, base)
	}
	return rel, nil
}

// KeyJoin maps a relative path onto an object key below prefix. Directory
// keys end in a slash.
func KeyJoin(prefix, relativePath string, directory bool) string {
	rel := strings.Trim(path.Clean("/"+relativePath), "/")
	key := rel
	if p := strings.Trim(prefix, "/"); p != "" {
		if rel == "" {
			key = p
		} else {
			key = p + "/" + rel
		}
	}
	if directory && key != "" {
		key += "/"
	}
	return key
}

// KeyRelative is the inverse of KeyJoin.
func KeyRelative(prefix, key string) string {
	key = strings.TrimSuffix(key, "/")
	p := strings.Trim(prefix, "/")
	if p == "" {
		return key
	}
	if key == p {
		return ""
	}
	return strings.TrimPrefix(key, p+"/")
}
