package storage

import (
	"fmt"
	"path"
	"strings"
)

// CleanObjectKey validates an object key before it reaches a bucket. Keys are slash separated,
// relative, and may not contain empty or traversal segments.
func CleanObjectKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("storage: object key is required")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("storage: object key %q must be relative", key)
	}
	for _, segment := range strings.Split(key, "/") {
		if err := validateSegment(segment); err != nil {
			return "", fmt.Errorf("storage: object key %q: %w", key, err)
		}
	}
	return key, nil
}

// ContentDisposition builds an inline disposition naming the object by its base name.
func ContentDisposition(key string) string {
	name := path.Base(key)
	if name == "." || name == "/" {
		return "inline"
	}
	return fmt.Sprintf("inline; filename=%q", name)
}

func validateSegment(value string) error {
	switch {
	case value == "":
		return fmt.Errorf("empty segment")
	case value == "." || strings.Contains(value, ".."):
		return fmt.Errorf("invalid traversal sequence")
	}
	return nil
}
