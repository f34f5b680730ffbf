// Package horosafe guards file access driven by request input. Image names
// arrive in URLs; they are validated as plain identifiers and resolved under
// a fixed base directory.
package horosafe

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is returned when a user-supplied path escapes its base.
var ErrPathTraversal = errors.New("horosafe: path traversal detected")

// ErrInvalidIdentifier is returned for names outside [A-Za-z0-9_.-].
var ErrInvalidIdentifier = errors.New("horosafe: invalid identifier")

// SafePath joins base and userInput and verifies the result stays under
// base. Returns the cleaned path or ErrPathTraversal.
func SafePath(base, userInput string) (string, error) {
	if strings.Contains(userInput, "..") {
		return "", ErrPathTraversal
	}
	root := filepath.Clean(base)
	cleaned := filepath.Join(root, filepath.Clean("/"+userInput))
	if cleaned != root && !strings.HasPrefix(cleaned, root+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return cleaned, nil
}

// ValidateIdentifier accepts 1 to 128 characters from [A-Za-z0-9_.-],
// which covers target ids and their image file names.
func ValidateIdentifier(s string) error {
	if s == "" || len(s) > 128 {
		return fmt.Errorf("%w: length %d", ErrInvalidIdentifier, len(s))
	}
	for _, r := range s {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
		if !ok {
			return fmt.Errorf("%w: character %q", ErrInvalidIdentifier, r)
		}
	}
	return nil
}

// FileIn validates name as an identifier and resolves it under base.
func FileIn(base, name string) (string, error) {
	if err := ValidateIdentifier(name); err != nil {
		return "", err
	}
	return SafePath(base, name)
}
