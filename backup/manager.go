// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backup snapshots files before destructive operations and
// restores them when an apply or a batch is rolled back.
package backup

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/patchkit/workspace"
)

// Manager defines the backup collaborator.
//
// # Description
//
// Provides point-in-time copies of files before mutation, allowing
// recovery if an operation goes wrong. Creation and restoration are
// idempotent: restoring the same backup twice yields the same target
// content.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Manager interface {
	// CreateBackup snapshots a file and returns the backup path.
	CreateBackup(path string) (string, error)

	// RestoreBackup copies a backup's content onto the target path.
	RestoreBackup(backupPath, targetPath string) error

	// ListBackups returns all backups for a path, newest first.
	ListBackups(originalPath string) ([]Info, error)

	// CleanOldBackups removes backups older than maxAge, returning the
	// number removed.
	CleanOldBackups(originalPath string, maxAge time.Duration) (int, error)
}

// Info describes one backup.
type Info struct {
	// Path is the full path to the backup copy.
	Path string

	// OriginalPath is the path that was backed up.
	OriginalPath string

	// CreatedAt is when the backup was created.
	CreatedAt time.Time
}

// Config controls backup naming and retention.
type Config struct {
	// Suffix is appended before the timestamp. Default: ".bak".
	Suffix string

	// TimeFormat is the timestamp layout. Default: "20060102T150405".
	TimeFormat string

	// MaxBackups is the per-path retention limit. Default: 5.
	MaxBackups int

	// BackupDir overrides the backup location. Empty places backups
	// alongside the original.
	BackupDir string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Suffix:     ".bak",
		TimeFormat: "20060102T150405",
		MaxBackups: 5,
	}
}

// FileBackupManager implements Manager on a workspace filesystem.
//
// # Description
//
// Backups are timestamped copies. With a BackupDir configured, copies
// are collected there under flattened names; otherwise each copy sits
// next to its original. A monotonic sequence number disambiguates
// backups created within the same timestamp tick.
//
// # Thread Safety
//
// Safe for concurrent use.
type FileBackupManager struct {
	fs     workspace.Filesystem
	config Config
	seq    atomic.Uint64
}

// NewManager creates a backup manager over the given filesystem.
func NewManager(fs workspace.Filesystem, config Config) *FileBackupManager {
	if config.Suffix == "" {
		config.Suffix = DefaultConfig().Suffix
	}
	if config.TimeFormat == "" {
		config.TimeFormat = DefaultConfig().TimeFormat
	}
	if config.MaxBackups <= 0 {
		config.MaxBackups = DefaultConfig().MaxBackups
	}
	return &FileBackupManager{fs: fs, config: config}
}

// CreateBackup snapshots a file before mutation.
//
// # Inputs
//
//   - path: Absolute path of the file to back up. Must exist.
//
// # Outputs
//
//   - string: Path of the created backup.
//   - error: Non-nil if the source is missing or the copy failed.
func (m *FileBackupManager) CreateBackup(path string) (string, error) {
	if !m.fs.Exists(path) {
		return "", fmt.Errorf("cannot back up missing file: %s", path)
	}

	content, err := m.fs.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}

	backupPath := m.backupPath(path, time.Now())
	if m.config.BackupDir != "" {
		if err := m.fs.MkdirAll(m.config.BackupDir); err != nil {
			return "", fmt.Errorf("creating backup dir: %w", err)
		}
	}
	if err := m.fs.WriteFile(backupPath, content); err != nil {
		return "", fmt.Errorf("writing backup %s: %w", backupPath, err)
	}

	m.rotate(path)
	return backupPath, nil
}

// RestoreBackup copies a backup's content onto the target path.
func (m *FileBackupManager) RestoreBackup(backupPath, targetPath string) error {
	if backupPath == "" {
		return fmt.Errorf("empty backup path for target %s", targetPath)
	}
	if !m.fs.Exists(backupPath) {
		return fmt.Errorf("backup does not exist: %s", backupPath)
	}

	content, err := m.fs.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("reading backup %s: %w", backupPath, err)
	}
	if err := m.fs.MkdirAll(filepath.Dir(targetPath)); err != nil {
		return fmt.Errorf("creating target dir: %w", err)
	}
	if err := m.fs.WriteFile(targetPath, content); err != nil {
		return fmt.Errorf("restoring %s: %w", targetPath, err)
	}
	return nil
}

// ListBackups returns all backups for a path, newest first.
func (m *FileBackupManager) ListBackups(originalPath string) ([]Info, error) {
	prefix := m.backupPrefix(originalPath)
	dir := filepath.Dir(prefix)

	matches, err := m.glob(dir, filepath.Base(prefix)+"*")
	if err != nil {
		return nil, err
	}

	infos := make([]Info, 0, len(matches))
	for _, match := range matches {
		created, ok := m.parseTimestamp(match, prefix)
		if !ok {
			continue
		}
		infos = append(infos, Info{
			Path:         match,
			OriginalPath: originalPath,
			CreatedAt:    created,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].Path > infos[j].Path
		}
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos, nil
}

// CleanOldBackups removes backups older than maxAge.
func (m *FileBackupManager) CleanOldBackups(originalPath string, maxAge time.Duration) (int, error) {
	infos, err := m.ListBackups(originalPath)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, info := range infos {
		if info.CreatedAt.Before(cutoff) {
			if err := m.fs.Remove(info.Path); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// rotate enforces the per-path retention limit, dropping the oldest.
func (m *FileBackupManager) rotate(originalPath string) {
	infos, err := m.ListBackups(originalPath)
	if err != nil || len(infos) <= m.config.MaxBackups {
		return
	}
	for _, info := range infos[m.config.MaxBackups:] {
		_ = m.fs.Remove(info.Path)
	}
}

// backupPath builds the destination path for a new backup.
func (m *FileBackupManager) backupPath(path string, now time.Time) string {
	seq := m.seq.Add(1)
	return fmt.Sprintf("%s.%s.%06d", m.backupPrefix(path), now.UTC().Format(m.config.TimeFormat), seq)
}

// backupPrefix is the stable part of a path's backup names.
func (m *FileBackupManager) backupPrefix(path string) string {
	if m.config.BackupDir == "" {
		return path + m.config.Suffix
	}
	flat := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(path)
	return filepath.Join(m.config.BackupDir, flat+m.config.Suffix)
}

// parseTimestamp recovers the creation time from a backup name.
func (m *FileBackupManager) parseTimestamp(backupPath, prefix string) (time.Time, bool) {
	rest := strings.TrimPrefix(backupPath, prefix)
	rest = strings.TrimPrefix(rest, ".")

	// Name shape: <prefix>.<timestamp>.<sequence>
	if idx := strings.LastIndex(rest, "."); idx > 0 {
		rest = rest[:idx]
	}
	created, err := time.ParseInLocation(m.config.TimeFormat, rest, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return created, true
}

// glob lists entries of dir matching the pattern. Afero-backed
// filesystems expose globbing through the workspace FS backend; other
// implementations fall back to an empty listing.
func (m *FileBackupManager) glob(dir, pattern string) ([]string, error) {
	type globber interface {
		Glob(pattern string) ([]string, error)
	}
	if g, ok := m.fs.(globber); ok {
		return g.Glob(filepath.Join(dir, pattern))
	}
	return nil, nil
}
