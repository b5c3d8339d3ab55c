// Package script locates the verification script by walking parent
// directories upward from a starting path.
package script

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultName is the verification script file name searched for by Locate.
const DefaultName = "hammer"

// ErrNotFound indicates no matching script exists between the starting
// directory and the filesystem root.
var ErrNotFound = errors.New("verification script not found")

// Locate walks upward from startDir until a regular readable file with the
// given name is found and returns its absolute path.
func Locate(startDir string, name string) (string, error) {
	startDir = strings.TrimSpace(startDir)
	if startDir == "" {
		return "", errors.New("start directory must not be empty")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultName
	}

	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolve start directory %q: %w", startDir, err)
	}

	for {
		candidate := filepath.Join(dir, name)
		if isRegularReadable(candidate) {
			return candidate, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w: %q from %q", ErrNotFound, name, startDir)
		}
		dir = parent
	}
}

func isRegularReadable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	file, err := os.Open(path) // #nosec G304 -- path is produced by upward directory walk from a caller-supplied start.
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}
