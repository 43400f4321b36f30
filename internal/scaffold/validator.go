package scaffold

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CheckExisting returns an error listing the starter files already present
// in dir.
func CheckExisting(dir string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(filepath.Join(dir, f.Path)); err == nil {
			existing = append(existing, f.Path)
		}
	}

	switch len(existing) {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("project already initialized\n\nFound existing: %s\n\nUse 'alpacacode init --force' to overwrite it", existing[0])
	default:
		return fmt.Errorf("project already initialized\n\nFound existing files:\n  - %s\n\nUse 'alpacacode init --force' to overwrite them",
			strings.Join(existing, "\n  - "))
	}
}
