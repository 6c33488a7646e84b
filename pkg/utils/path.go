package utils

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// SecureJoin joins elements onto base and rejects results that escape it.
//
//	p, err := SecureJoin("/var/cache/fscache", "objects", name)
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	if fullPath != cleanBase && !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes base directory: %s", strings.Join(elements, "/"))
	}
	return fullPath, nil
}

// CleanKey normalises an object key: forward slashes, no leading slash,
// no "." or ".." segments. An empty result is an error.
func CleanKey(key string) (string, error) {
	key = strings.ReplaceAll(key, "\\", "/")
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", fmt.Errorf("key contains directory traversal: %s", key)
		}
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+key), "/")
	if cleaned == "" {
		return "", fmt.Errorf("key cannot be empty")
	}
	return cleaned, nil
}

// SplitURL splits "scheme://rest" into its scheme and path. Paths without
// a scheme get defaultScheme.
func SplitURL(raw, defaultScheme string) (scheme, rest string) {
	if i := strings.Index(raw, "://"); i > 0 {
		return strings.ToLower(raw[:i]), raw[i+3:]
	}
	return defaultScheme, raw
}
