// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package apply

import (
	"context"
	"errors"
	"io/fs"
	"syscall"
)

// ErrorKind classifies apply failures.
//
// # Description
//
// Platform I/O faults are caught at the single-operation boundary and
// mapped into this taxonomy; they never propagate past the apply
// service as raw errors. Validation and conflict outcomes are
// structured results, not faults.
type ErrorKind int

const (
	// ErrNone means the operation succeeded.
	ErrNone ErrorKind = iota

	// ErrValidation marks bad input caught before any I/O.
	ErrValidation

	// ErrConflict means the on-disk hash diverged from the last
	// recorded state.
	ErrConflict

	// ErrPermission marks a permission-denied failure.
	ErrPermission

	// ErrFileLocked marks a file locked by another process.
	ErrFileLocked

	// ErrDiskFull marks an out-of-space failure.
	ErrDiskFull

	// ErrIO marks any other I/O failure.
	ErrIO

	// ErrCancelled marks a cooperative cancellation.
	ErrCancelled
)

// String returns the string representation of the kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrNone:
		return "none"
	case ErrValidation:
		return "validation_failed"
	case ErrConflict:
		return "conflict"
	case ErrPermission:
		return "permission_denied"
	case ErrFileLocked:
		return "file_locked"
	case ErrDiskFull:
		return "disk_full"
	case ErrIO:
		return "io_error"
	case ErrCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ClassifyError maps an underlying I/O error into the taxonomy.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ErrNone
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrCancelled
	}
	if errors.Is(err, fs.ErrPermission) {
		return ErrPermission
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EACCES, syscall.EPERM:
			return ErrPermission
		case syscall.ENOSPC, syscall.EDQUOT:
			return ErrDiskFull
		case syscall.EBUSY, syscall.ETXTBSY, syscall.EAGAIN:
			return ErrFileLocked
		}
	}
	return ErrIO
}
