// Package fault defines the error kinds surfaced by the storage engine and
// the transient/fatal classification that drives queue retries.
package fault

import (
	"errors"
	"io/fs"
	"net"
	"os"
	"syscall"

	"github.com/modellake/lakesync/internal/relpath"
)

var (
	// ErrNotFound reports a relpath absent on the requested side.
	ErrNotFound = errors.New("not found")
	// ErrConflictRefused reports a copy blocked by a confirmed conflict.
	ErrConflictRefused = errors.New("conflict refused")
	// ErrPermissionDenied reports a filesystem permission failure.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrTransientIO reports a retryable I/O failure (timeout, share
	// disconnect).
	ErrTransientIO = errors.New("transient i/o failure")
	// ErrHashRaced reports a file that mutated while being hashed.
	ErrHashRaced = errors.New("file changed during hashing")
	// ErrHashMismatch reports a verify digest differing from the cache.
	ErrHashMismatch = errors.New("hash mismatch")
	// ErrPolicyDenied reports a sync-path delete refused by the side's
	// allow-delete flag.
	ErrPolicyDenied = errors.New("delete not allowed by policy")
	// ErrDedupeStaleGroup reports a duplicate group whose files changed
	// since the scan.
	ErrDedupeStaleGroup = errors.New("duplicate group stale")
)

// Class partitions errors for the retry logic.
type Class int

const (
	// Fatal errors fail the task immediately.
	Fatal Class = iota
	// Transient errors re-enqueue the task until retries are exhausted.
	Transient
)

// Classify maps err to its retry class. Unknown errors are fatal: only
// failures known to be recoverable earn a retry.
func Classify(err error) Class {
	switch {
	case err == nil:
		return Fatal
	case errors.Is(err, ErrTransientIO), errors.Is(err, ErrHashRaced):
		return Transient
	case errors.Is(err, relpath.ErrPathEscape),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflictRefused),
		errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrHashMismatch),
		errors.Is(err, ErrPolicyDenied),
		errors.Is(err, fs.ErrPermission):
		return Fatal
	case isTransientSyscall(err):
		return Transient
	default:
		return Fatal
	}
}

// isTransientSyscall recognizes OS-level failures typical of a NAS share
// dropping mid-operation.
func isTransientSyscall(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.EIO,
		syscall.EAGAIN,
		syscall.EBUSY,
		syscall.ETIMEDOUT,
		syscall.ECONNRESET,
		syscall.ENETDOWN,
		syscall.ENETUNREACH,
		syscall.ESTALE,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// IsNotExist reports whether err means the file is already gone, which
// delete treats as success.
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotFound) || os.IsNotExist(err)
}
