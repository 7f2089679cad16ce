// Package yaml persists daemon state as YAML files with a schema header.
// Writes are atomic and keep one backup; damaged files are quarantined and
// recovered on load.
package yaml

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

const backupSuffix = ".bak"

// AtomicWrite marshals data and replaces path with it. The previous content,
// if any, is kept in path.bak.
func AtomicWrite(path string, data any) error {
	content, err := yamlv3.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return AtomicWriteRaw(path, content)
}

// AtomicWriteRaw is AtomicWrite for content that is already YAML. Content that
// does not parse is refused and path is left as it was.
func AtomicWriteRaw(path string, content []byte) error {
	var probe any
	if err := yamlv3.Unmarshal(content, &probe); err != nil {
		return fmt.Errorf("refusing to write invalid yaml to %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".conveyor-tmp-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := backup(path); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	committed = true
	return nil
}

func backup(path string) error {
	prev, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s for backup: %w", path, err)
	}
	return writeSynced(path+backupSuffix, prev)
}

func writeSynced(path string, content []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadState reads the state file at path into v. A missing file leaves v
// untouched. A file that does not parse, or whose header is not a readable
// fileType, is recovered first; the returned Recovery is then non-nil.
func LoadState(stateDir, path, fileType string, v any) (*Recovery, error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	reason := decodeState(content, fileType, v)
	if reason == nil {
		return nil, nil
	}

	rec, err := Recover(stateDir, path, fileType, reason)
	if err != nil {
		return nil, err
	}
	content, err = os.ReadFile(path)
	if err != nil {
		return rec, fmt.Errorf("read recovered %s: %w", path, err)
	}
	if err := decodeState(content, fileType, v); err != nil {
		return rec, fmt.Errorf("recovered %s is unreadable: %w", path, err)
	}
	return rec, nil
}

func decodeState(content []byte, fileType string, v any) error {
	if err := CheckHeader(content, fileType); err != nil {
		return err
	}
	if err := yamlv3.Unmarshal(content, v); err != nil {
		return fmt.Errorf("parse body: %w", err)
	}
	return nil
}
