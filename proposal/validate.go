// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package proposal

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/patchkit/workspace"
)

// Path limits enforced during validation.
const (
	maxPathLength      = 4096
	maxComponentLength = 255
)

// Severity ranks a validation finding.
type Severity int

const (
	// SeverityWarning flags a suspicious but non-blocking finding.
	SeverityWarning Severity = iota

	// SeverityError flags a finding that blocks the batch.
	SeverityError
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Issue is one validation finding.
type Issue struct {
	// Severity ranks the finding.
	Severity Severity

	// Path is the operation path the finding refers to.
	Path string

	// Message describes the finding.
	Message string
}

// ValidationResult aggregates the findings for one proposal.
type ValidationResult struct {
	// Issues holds every finding, warnings included.
	Issues []Issue
}

// Valid reports whether the proposal may be applied. Warnings never
// block; only an error-severity finding invalidates the batch.
func (r *ValidationResult) Valid() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			return false
		}
	}
	return true
}

// Errors returns only the error-severity findings.
func (r *ValidationResult) Errors() []Issue {
	var out []Issue
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			out = append(out, issue)
		}
	}
	return out
}

// Warnings returns only the warning-severity findings.
func (r *ValidationResult) Warnings() []Issue {
	var out []Issue
	for _, issue := range r.Issues {
		if issue.Severity == SeverityWarning {
			out = append(out, issue)
		}
	}
	return out
}

func (r *ValidationResult) addError(path, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{
		Severity: SeverityError,
		Path:     path,
		Message:  fmt.Sprintf(format, args...),
	})
}

func (r *ValidationResult) addWarning(path, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{
		Severity: SeverityWarning,
		Path:     path,
		Message:  fmt.Sprintf(format, args...),
	})
}

// validateProposal checks every selected operation against the
// workspace before any I/O is performed.
func validateProposal(root string, fs workspace.Filesystem, proposal *FileTreeProposal) *ValidationResult {
	result := &ValidationResult{}
	seen := make(map[string]int)

	for _, op := range proposal.SelectedOperations() {
		validatePath(root, result, op.Path)
		if op.Type == OpRename || op.Type == OpMove {
			if op.NewPath == "" {
				result.addError(op.Path, "%s requires a destination path", op.Type)
			} else {
				validatePath(root, result, op.NewPath)
			}
		}
		if op.Path == "" {
			continue
		}

		// Duplicate targets are compared case-insensitively so the
		// batch stays safe on case-preserving filesystems.
		key := strings.ToLower(filepath.ToSlash(filepath.Clean(op.Path)))
		if prev, dup := seen[key]; dup {
			result.addError(op.Path, "duplicate target path (also targeted by operation %d)", prev)
		} else {
			seen[key] = op.Order
		}

		full := filepath.Join(root, op.Path)
		exists := fs.Exists(full)
		switch op.Type {
		case OpCreate:
			if exists {
				result.addWarning(op.Path, "create targets an existing file; it will be overwritten")
			}
			if op.Content == "" {
				result.addWarning(op.Path, "create has empty content")
			}
		case OpModify:
			if !exists {
				result.addWarning(op.Path, "modify targets a non-existent file; it will be created")
			}
			if op.Content == "" {
				result.addWarning(op.Path, "modify has empty content")
			}
		case OpDelete:
			if !exists {
				result.addWarning(op.Path, "delete targets a non-existent file")
			}
		case OpRename, OpMove:
			if !exists {
				result.addWarning(op.Path, "%s source does not exist", op.Type)
			}
		case OpCreateDirectory:
			// Creating an existing directory is a no-op, not a finding.
		}
	}

	return result
}

// validatePath checks one path for shape problems.
func validatePath(root string, result *ValidationResult, path string) {
	if path == "" {
		result.addError(path, "empty target path")
		return
	}
	if len(path) > maxPathLength {
		result.addError(path, "path exceeds %d characters", maxPathLength)
		return
	}
	if strings.ContainsRune(path, 0) {
		result.addError(path, "path contains a NUL byte")
		return
	}
	for _, component := range strings.Split(filepath.ToSlash(path), "/") {
		if len(component) > maxComponentLength {
			result.addError(path, "path component exceeds %d characters", maxComponentLength)
			return
		}
	}

	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, full)
	}
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(full))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		result.addError(path, "path escapes the workspace root")
	}
}
