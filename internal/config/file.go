package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	logging "github.com/halohq/halo/internal/logging"
)

// DefaultBackupCount is the number of rotated backup versions kept.
const DefaultBackupCount = 5

// BackupInfo describes one rotated backup file.
type BackupInfo struct {
	Path    string `json:"path"`
	Index   int    `json:"index"` // 0 = .bak (newest), 1 = .bak.1, ...
	ModTime time.Time `json:"modTime"`
	Size    int64  `json:"size"`
}

// AtomicWriteJSON marshals data as indented JSON and writes it via
// temp file + rename.
func AtomicWriteJSON(path string, data any, perm os.FileMode) error {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return AtomicWrite(path, jsonData, perm)
}

// AtomicWrite writes data to path atomically. The temp file lives in
// the target directory so the rename never crosses filesystems.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".halo-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp to %s: %w", path, err)
	}
	success = true
	return nil
}

// BackupAndWriteJSON rotates a backup of the existing file, then writes
// the new data atomically. Backup failure is logged, not fatal.
func BackupAndWriteJSON(path string, data any, maxBackups int) error {
	if maxBackups <= 0 {
		maxBackups = DefaultBackupCount
	}
	if _, err := os.Stat(path); err == nil {
		if err := CreateBackup(path, maxBackups); err != nil {
			logging.L_warn("config: backup failed, continuing with save", "path", path, "error", err)
		}
	}
	if err := AtomicWriteJSON(path, data, 0600); err != nil {
		return err
	}
	logging.L_debug("config: saved", "path", path)
	return nil
}

// CreateBackup rotates the existing backup chain and copies the current
// file to .bak.
func CreateBackup(path string, maxBackups int) error {
	rotateBackups(path, maxBackups)
	backupPath := path + ".bak"
	if err := copyFile(path, backupPath); err != nil {
		return fmt.Errorf("create backup of %s: %w", path, err)
	}
	logging.L_debug("config: created backup", "path", backupPath)
	return nil
}

// rotateBackups shifts .bak -> .bak.1 -> ... -> .bak.N, dropping the
// oldest. Missing links in the chain are skipped.
func rotateBackups(path string, maxBackups int) {
	if maxBackups <= 1 {
		return
	}
	base := path + ".bak"
	maxIndex := maxBackups - 1

	os.Remove(fmt.Sprintf("%s.%d", base, maxIndex))
	for i := maxIndex - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", base, i), fmt.Sprintf("%s.%d", base, i+1))
	}
	os.Rename(base, base+".1")
}

// ListBackups returns the available backups for a file, newest first.
func ListBackups(path string) []BackupInfo {
	var backups []BackupInfo
	base := path + ".bak"

	if info, err := os.Stat(base); err == nil {
		backups = append(backups, BackupInfo{Path: base, Index: 0, ModTime: info.ModTime(), Size: info.Size()})
	}
	for i := 1; i < DefaultBackupCount*4; i++ {
		p := fmt.Sprintf("%s.%d", base, i)
		info, err := os.Stat(p)
		if err != nil {
			break
		}
		backups = append(backups, BackupInfo{Path: p, Index: i, ModTime: info.ModTime(), Size: info.Size()})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].ModTime.After(backups[j].ModTime)
	})
	return backups
}

// RestoreBackup restores the backup at index, backing up the current
// file first. The backup must parse as JSON before it replaces anything.
func RestoreBackup(path string, index int) error {
	var backup *BackupInfo
	for _, b := range ListBackups(path) {
		if b.Index == index {
			backup = &b
			break
		}
	}
	if backup == nil {
		return fmt.Errorf("backup index %d not found for %s", index, path)
	}

	data, err := os.ReadFile(backup.Path)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	var probe any
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("backup %s contains invalid JSON: %w", backup.Path, err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := CreateBackup(path, DefaultBackupCount); err != nil {
			logging.L_warn("config: failed to back up current file before restore", "error", err)
		}
	}
	if err := AtomicWrite(path, data, 0600); err != nil {
		return fmt.Errorf("write restored file: %w", err)
	}
	logging.L_info("config: restored backup", "from", backup.Path, "to", path)
	return nil
}

func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	info, err := srcFile.Stat()
	if err != nil {
		return err
	}
	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer dstFile.Close()

	_, err = io.Copy(dstFile, srcFile)
	return err
}
