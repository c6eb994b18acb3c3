// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workspace

import (
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreMatcher matches workspace-relative paths against
// .gitignore-style patterns.
//
// # Description
//
// Supports `*`, `**`, `!` negation, and trailing `/` for
// directory-only patterns, with last-match-wins semantics. Paths are
// matched relative to the workspace root using forward slashes.
//
// # Thread Safety
//
// Safe for concurrent use after construction.
type IgnoreMatcher struct {
	matcher  *gitignore.GitIgnore
	patterns []string
}

// NewIgnoreMatcher compiles the given patterns.
//
// Blank lines and `#` comments are accepted and skipped, so a raw
// .gitignore body can be passed line by line.
func NewIgnoreMatcher(patterns []string) *IgnoreMatcher {
	return &IgnoreMatcher{
		matcher:  gitignore.CompileIgnoreLines(patterns...),
		patterns: append([]string(nil), patterns...),
	}
}

// LoadIgnoreFile reads a .gitignore-style file through the given
// filesystem and compiles its patterns. A missing file yields an
// empty matcher.
func LoadIgnoreFile(fs Filesystem, path string) *IgnoreMatcher {
	if !fs.Exists(path) {
		return NewIgnoreMatcher(nil)
	}
	content, err := fs.ReadFile(path)
	if err != nil {
		return NewIgnoreMatcher(nil)
	}
	return NewIgnoreMatcher(strings.Split(content, "\n"))
}

// Patterns returns the patterns this matcher was built from.
func (m *IgnoreMatcher) Patterns() []string {
	return append([]string(nil), m.patterns...)
}

// Match reports whether a workspace-relative path is ignored.
//
// # Inputs
//
//   - relPath: Path relative to the workspace root. Both forward and
//     OS-native separators are accepted.
//   - isDir: Whether the path names a directory. Required for
//     directory-only patterns (trailing `/`).
func (m *IgnoreMatcher) Match(relPath string, isDir bool) bool {
	rel := filepath.ToSlash(relPath)
	if m.matcher.MatchesPath(rel) {
		return true
	}
	if isDir {
		return m.matcher.MatchesPath(rel + "/")
	}
	return false
}
