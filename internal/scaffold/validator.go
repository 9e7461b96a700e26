package scaffold

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CheckExisting returns an error naming the project files already in dir.
func CheckExisting(dir string) error {
	var existing []string

	if _, err := os.Stat(filepath.Join(dir, ConfigFile)); err == nil {
		existing = append(existing, ConfigFile)
	}
	if info, err := os.Stat(filepath.Join(dir, WorkersDir)); err == nil && info.IsDir() {
		existing = append(existing, WorkersDir+"/")
	}

	if len(existing) == 0 {
		return nil
	}
	return fmt.Errorf("project already initialized (found %s)", strings.Join(existing, ", "))
}
