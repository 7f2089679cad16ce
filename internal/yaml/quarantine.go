package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// QuarantineDirName holds damaged state files under the state directory.
const QuarantineDirName = "quarantine"

// Recovery records how a damaged state file was replaced.
type Recovery struct {
	Path string
	// Quarantined is where the damaged file was moved.
	Quarantined string
	// FromBackup is false when no usable backup existed and an empty file
	// was written instead.
	FromBackup bool
	Reason     error
}

func (r *Recovery) String() string {
	source := "empty state"
	if r.FromBackup {
		source = "backup"
	}
	return fmt.Sprintf("%s was damaged (%v); moved to %s and restored from %s", r.Path, r.Reason, r.Quarantined, source)
}

var now = time.Now

// Quarantine moves path into the state directory's quarantine folder and
// returns the new location.
func Quarantine(stateDir, path string) (string, error) {
	dir := filepath.Join(stateDir, QuarantineDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}
	dst := filepath.Join(dir, fmt.Sprintf("%s.%s.corrupt", filepath.Base(path), now().UTC().Format("20060102T150405.000000000")))
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("quarantine %s: %w", path, err)
	}
	return dst, nil
}

// Recover quarantines path and replaces it with its backup when the backup is
// a readable fileType, or with a header-only file otherwise.
func Recover(stateDir, path, fileType string, reason error) (*Recovery, error) {
	quarantined, err := Quarantine(stateDir, path)
	if err != nil {
		return nil, err
	}
	rec := &Recovery{Path: path, Quarantined: quarantined, Reason: reason}

	if content, err := os.ReadFile(path + backupSuffix); err == nil && CheckHeader(content, fileType) == nil {
		if err := writeSynced(path, content); err != nil {
			return nil, fmt.Errorf("restore %s from backup: %w", path, err)
		}
		rec.FromBackup = true
		return rec, nil
	}

	if err := AtomicWrite(path, NewHeader(fileType)); err != nil {
		return nil, fmt.Errorf("reset %s: %w", path, err)
	}
	return rec, nil
}
