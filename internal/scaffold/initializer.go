// Package scaffold writes a starter warren.yml and an example external
// worker into a project directory.
package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/warren/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

const (
	// ConfigFile is the configuration written by Initialize.
	ConfigFile = "warren.yml"
	// WorkersDir holds the example external worker.
	WorkersDir = "workers"
)

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

// Initialize creates the project files under dir. With force, an existing
// warren.yml and workers/ directory are removed first.
func Initialize(dir string, force bool) ([]string, error) {
	if force {
		if err := removeExisting(dir); err != nil {
			return nil, err
		}
	} else if err := CheckExisting(dir); err != nil {
		return nil, err
	}

	files, err := templateFiles()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Join(dir, WorkersDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", WorkersDir, err)
	}

	created := make([]string, 0, len(files))
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.Path), f.Content, f.Permissions); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", f.Path, err)
		}
		created = append(created, f.Path)
	}

	// The starter config must load cleanly.
	if _, err := config.Load(filepath.Join(dir, ConfigFile)); err != nil {
		return nil, fmt.Errorf("created %s is invalid: %w", ConfigFile, err)
	}
	return created, nil
}

func removeExisting(dir string) error {
	if err := os.Remove(filepath.Join(dir, ConfigFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", ConfigFile, err)
	}
	if err := os.RemoveAll(filepath.Join(dir, WorkersDir)); err != nil {
		return fmt.Errorf("failed to remove %s/ directory: %w", WorkersDir, err)
	}
	return nil
}

func templateFiles() ([]FileInfo, error) {
	cfg, err := templatesFS.ReadFile("templates/warren.yml.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read warren.yml template: %w", err)
	}
	script, err := templatesFS.ReadFile("templates/example-worker.sh.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read worker template: %w", err)
	}

	return []FileInfo{
		{Path: ConfigFile, Content: cfg, Permissions: 0o644},
		{Path: filepath.Join(WorkersDir, "example-worker.sh"), Content: script, Permissions: 0o755},
	}, nil
}
