// Package scaffold writes a starter configuration and example run requests.
package scaffold

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kaljuvee/alpacacode/internal/config"
	"github.com/kaljuvee/alpacacode/pkg/workflow"
)

//go:embed templates/*
var templatesFS embed.FS

// ConfigFile is the configuration file written by Initialize.
const ConfigFile = "alpaca.yml"

// RequestsDir holds the example start requests.
const RequestsDir = "requests"

// FileInfo is a file to be created during initialization.
type FileInfo struct {
	Path        string
	Template    string
	Permissions os.FileMode
}

var files = []FileInfo{
	{Path: ConfigFile, Template: "templates/alpaca.yml.tmpl", Permissions: 0644},
	{Path: filepath.Join(RequestsDir, "backtest.json"), Template: "templates/backtest.json.tmpl", Permissions: 0644},
	{Path: filepath.Join(RequestsDir, "full.json"), Template: "templates/full.json.tmpl", Permissions: 0644},
}

// Initialize writes the starter files into dir and returns their paths.
// Existing files are an error unless force is set, in which case they are
// overwritten.
func Initialize(dir string, force bool) ([]string, error) {
	if !force {
		if err := CheckExisting(dir); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(filepath.Join(dir, RequestsDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", RequestsDir, err)
	}

	var written []string
	for _, f := range files {
		content, err := templatesFS.ReadFile(f.Template)
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", f.Template, err)
		}
		path := filepath.Join(dir, f.Path)
		if err := os.WriteFile(path, content, f.Permissions); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", f.Path, err)
		}
		written = append(written, f.Path)
	}

	if err := validateCreatedFiles(dir); err != nil {
		return nil, err
	}
	return written, nil
}

// validateCreatedFiles loads the written config and requests the same way
// the CLI will.
func validateCreatedFiles(dir string) error {
	if _, err := config.Load(filepath.Join(dir, ConfigFile)); err != nil {
		return fmt.Errorf("created %s is invalid: %w", ConfigFile, err)
	}

	for _, f := range files[1:] {
		data, err := os.ReadFile(filepath.Join(dir, f.Path))
		if err != nil {
			return err
		}
		var req workflow.StartRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return fmt.Errorf("created %s is not a valid request: %w", f.Path, err)
		}
		if err := req.Validate(); err != nil {
			return fmt.Errorf("created %s is not a valid request: %w", f.Path, err)
		}
	}
	return nil
}
