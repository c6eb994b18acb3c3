// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workspace provides the filesystem collaborator: file access,
// ignore-pattern matching, and a debounced directory watcher.
package workspace

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
)

// Filesystem is the narrow file access surface the engine mutates
// through.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The engine supplies
// its own serialization for mutations; the filesystem only needs to
// keep individual calls atomic.
type Filesystem interface {
	// Exists reports whether the path exists (file or directory).
	Exists(path string) bool

	// ReadFile returns the file's content as text.
	ReadFile(path string) (string, error)

	// WriteFile writes text content, truncating any existing file.
	WriteFile(path string, content string) error

	// Remove deletes a file or an empty directory.
	Remove(path string) error

	// MkdirAll creates a directory along with any missing parents.
	MkdirAll(path string) error

	// Rename moves a file or directory.
	Rename(oldPath, newPath string) error

	// IsDir reports whether the path is an existing directory.
	IsDir(path string) bool

	// IsDirEmpty reports whether an existing directory has no entries.
	IsDirEmpty(path string) (bool, error)
}

// FS implements Filesystem on top of an afero backend.
type FS struct {
	backend afero.Fs
}

// NewOSFilesystem returns a Filesystem backed by the operating system.
func NewOSFilesystem() *FS {
	return &FS{backend: afero.NewOsFs()}
}

// NewMemFilesystem returns an in-memory Filesystem, used in tests.
func NewMemFilesystem() *FS {
	return &FS{backend: afero.NewMemMapFs()}
}

// NewFilesystem wraps an arbitrary afero backend.
func NewFilesystem(backend afero.Fs) *FS {
	return &FS{backend: backend}
}

// Backend exposes the underlying afero filesystem.
func (f *FS) Backend() afero.Fs {
	return f.backend
}

// Exists reports whether the path exists.
func (f *FS) Exists(path string) bool {
	ok, err := afero.Exists(f.backend, path)
	return err == nil && ok
}

// ReadFile returns the file's content as text.
func (f *FS) ReadFile(path string) (string, error) {
	data, err := afero.ReadFile(f.backend, path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile writes text content with mode 0644.
func (f *FS) WriteFile(path string, content string) error {
	return afero.WriteFile(f.backend, path, []byte(content), 0644)
}

// Remove deletes a file or an empty directory.
func (f *FS) Remove(path string) error {
	return f.backend.Remove(path)
}

// MkdirAll creates a directory and missing parents with mode 0755.
func (f *FS) MkdirAll(path string) error {
	return f.backend.MkdirAll(path, 0755)
}

// Rename moves a file or directory.
func (f *FS) Rename(oldPath, newPath string) error {
	return f.backend.Rename(oldPath, newPath)
}

// IsDir reports whether the path is an existing directory.
func (f *FS) IsDir(path string) bool {
	info, err := f.backend.Stat(path)
	return err == nil && info.IsDir()
}

// IsDirEmpty reports whether an existing directory has no entries.
func (f *FS) IsDirEmpty(path string) (bool, error) {
	dir, err := f.backend.Open(path)
	if err != nil {
		return false, err
	}
	defer dir.Close()

	names, err := dir.Readdirnames(1)
	if err != nil && err != io.EOF {
		return false, err
	}
	return len(names) == 0, nil
}

// Glob returns the paths matching a filepath.Match pattern.
func (f *FS) Glob(pattern string) ([]string, error) {
	return afero.Glob(f.backend, pattern)
}

// CopyFile copies a file's content and mode from src to dst.
func (f *FS) CopyFile(src, dst string) error {
	data, err := afero.ReadFile(f.backend, src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}

	mode := os.FileMode(0644)
	if info, err := f.backend.Stat(src); err == nil {
		mode = info.Mode()
	}
	return afero.WriteFile(f.backend, dst, data, mode)
}
