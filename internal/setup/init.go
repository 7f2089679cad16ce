// Package setup creates a conveyor state directory with default configuration.
package setup

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/conveyor/internal/config"
	"github.com/msageha/conveyor/internal/model"
	atomicyaml "github.com/msageha/conveyor/internal/yaml"
	"github.com/msageha/conveyor/templates"
)

// StateDirName is the directory created inside the project directory.
const StateDirName = ".conveyor"

// Dirs lists the subdirectories of a state directory.
var Dirs = []string{
	"state",
	"locks",
	"logs",
	"console",
	"quarantine",
}

// Run initializes the state directory inside projectDir. serverName overrides
// the server name, which defaults to the project directory's basename. It
// returns the state directory path. A failed run leaves no directory behind.
func Run(projectDir, serverName string) (base string, err error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	base = filepath.Join(absDir, StateDirName)
	if err := os.Mkdir(base, 0755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%s already exists", base)
		}
		return "", fmt.Errorf("create %s: %w", base, err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(base)
		}
	}()

	cfg, err := generateConfig(absDir, serverName)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}
	dirs := append([]string(nil), Dirs...)
	dirs = append(dirs, cfg.Server.ArtifactsDir)
	for _, d := range dirs {
		if !filepath.IsAbs(d) {
			d = filepath.Join(base, d)
		}
		if err := os.MkdirAll(d, 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := atomicyaml.AtomicWrite(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}
	if err := writePipelines(base); err != nil {
		return "", err
	}
	if err := copyTemplateFile("secrets.yaml", filepath.Join(base, "secrets.yaml"), 0600); err != nil {
		return "", err
	}
	return base, nil
}

func copyTemplateFile(name, dst string, perm os.FileMode) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

// writePipelines copies the pipelines template with the file secret store
// pointed at the new state directory, and checks that it parses.
func writePipelines(base string) error {
	data, err := fs.ReadFile(templates.FS, "pipelines.yaml")
	if err != nil {
		return fmt.Errorf("read template pipelines.yaml: %w", err)
	}
	data = bytes.ReplaceAll(data, []byte("path: secrets.yaml"), []byte("path: "+filepath.Join(base, "secrets.yaml")))
	if _, err := config.Parse(data); err != nil {
		return fmt.Errorf("pipelines template: %w", err)
	}
	if err := atomicyaml.AtomicWriteRaw(filepath.Join(base, "pipelines.yaml"), data); err != nil {
		return fmt.Errorf("write pipelines.yaml: %w", err)
	}
	return nil
}

func generateConfig(projectDir, serverName string) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	if serverName != "" {
		cfg.Server.Name = serverName
	} else {
		cfg.Server.Name = filepath.Base(projectDir)
	}
	if !filepath.IsAbs(cfg.Server.ArtifactsDir) {
		cfg.Server.ArtifactsDir = filepath.Join(projectDir, StateDirName, cfg.Server.ArtifactsDir)
	}
	return &cfg, nil
}
