// Copyright 2025 TableFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"errors"
	"syscall"

	"tablefs/internal/common"
)

// Filesystem error codes mapped to syscall errors
var (
	ENOENT  = syscall.ENOENT  // No such file or directory
	EEXIST  = syscall.EEXIST  // File exists
	ENOTDIR = syscall.ENOTDIR // Not a directory
	EISDIR  = syscall.EISDIR  // Is a directory
	EBADF   = syscall.EBADF   // Bad file descriptor
	EINVAL  = syscall.EINVAL  // Invalid argument
	EIO     = syscall.EIO     // I/O error
	EACCES  = syscall.EACCES  // Permission denied
	EPERM   = syscall.EPERM   // Operation not permitted
	EROFS   = syscall.EROFS   // Read-only file system
)

// errno translates a structured error from the lower layers into the
// filesystem error code. This is the only place the translation
// happens; everything below returns sentinel-wrapped errors.
func errno(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, common.ErrNotFound):
		return ENOENT
	case errors.Is(err, common.ErrExists):
		return EEXIST
	case errors.Is(err, common.ErrNotSupported):
		// No statement for the operation: permission-class, not a crash.
		return EACCES
	case errors.Is(err, common.ErrReadOnly):
		return EROFS
	case errors.Is(err, common.ErrIsDir):
		return EISDIR
	case errors.Is(err, common.ErrNotDir):
		return ENOTDIR
	case errors.Is(err, common.ErrInvalidPath):
		return EINVAL
	case errors.Is(err, common.ErrInvalidHandle):
		return EBADF
	default:
		return EIO
	}
}
