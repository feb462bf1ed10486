// Package errors provides predefined sentinel errors for common failure cases.
package errors

// Path routing errors.
var (
	// ErrPathBlocked indicates the path router matched a Block rule.
	ErrPathBlocked = &SupervisorError{
		Kind:   ErrPermission,
		Detail: "path is blocked",
	}

	// ErrPathNotAbsolute indicates a syscall supplied a relative path,
	// which bVisor's router does not resolve (§4.4).
	ErrPathNotAbsolute = &SupervisorError{
		Kind:   ErrInvalid,
		Detail: "path is not absolute",
	}

	// ErrPathTraversal indicates a cleaned path still escaped the
	// overlay root it was materialized under.
	ErrPathTraversal = &SupervisorError{
		Kind:   ErrInvalid,
		Detail: "path traversal detected",
	}
)

// Virtual file descriptor table errors.
var (
	// ErrFdNotFound indicates the virtual FD is unknown to the calling
	// thread's table.
	ErrFdNotFound = &SupervisorError{
		Kind:   ErrBadFd,
		Detail: "file descriptor not found",
	}

	// ErrFdTableFull indicates the per-thread virtual FD table has no
	// free slots.
	ErrFdTableFull = &SupervisorError{
		Kind:   ErrTooManyFiles,
		Detail: "file descriptor table full",
	}
)

// Thread/namespace registry errors.
var (
	// ErrThreadNotFound indicates no thread with the given identifier
	// is registered.
	ErrThreadNotFound = &SupervisorError{
		Kind:   ErrSearch,
		Detail: "thread not found",
	}

	// ErrNamespaceNotFound indicates the referenced PID namespace has
	// no registered entry.
	ErrNamespaceNotFound = &SupervisorError{
		Kind:   ErrSearch,
		Detail: "namespace not found",
	}
)

// Memory bridge errors.
var (
	// ErrMemReadFailed indicates process_vm_readv failed or returned a
	// short read.
	ErrMemReadFailed = &SupervisorError{
		Kind:   ErrFault,
		Detail: "failed to read guest memory",
	}

	// ErrMemWriteFailed indicates process_vm_writev failed or returned
	// a short write.
	ErrMemWriteFailed = &SupervisorError{
		Kind:   ErrFault,
		Detail: "failed to write guest memory",
	}

	// ErrStringTooLong indicates a NUL-terminated string read from
	// guest memory exceeded the path length limit.
	ErrStringTooLong = &SupervisorError{
		Kind:   ErrNameTooLong,
		Detail: "string exceeds maximum length",
	}
)

// Backend storage errors.
var (
	// ErrOverlayCreate indicates the overlay root's cow/ or tmp/
	// subtree could not be created.
	ErrOverlayCreate = &SupervisorError{
		Kind:   ErrIO,
		Detail: "failed to create overlay root",
	}

	// ErrMaterializeFailed indicates copy-on-write materialization of
	// a passthrough file into the overlay failed.
	ErrMaterializeFailed = &SupervisorError{
		Kind:   ErrIO,
		Detail: "failed to materialize file into overlay",
	}

	// ErrReadOnlyBackend indicates a write was attempted against a
	// backend that does not accept writes (surfaced as EIO, not EROFS;
	// see §7).
	ErrReadOnlyBackend = &SupervisorError{
		Kind:   ErrIO,
		Detail: "backend does not accept writes",
	}
)

// Seccomp notification protocol errors.
var (
	// ErrNotifStale indicates SECCOMP_IOCTL_NOTIF_ID_VALID rejected the
	// notification id, meaning the target thread died or the kernel
	// already gave up waiting.
	ErrNotifStale = &SupervisorError{
		Kind:   ErrInternal,
		Detail: "notification id is no longer valid",
	}

	// ErrNotifRecvFailed indicates SECCOMP_IOCTL_NOTIF_RECV failed in a
	// way that is not ENOENT (the expected "no guest thread remains" case
	// that ends the supervisor loop).
	ErrNotifRecvFailed = &SupervisorError{
		Kind:   ErrInternal,
		Detail: "failed to receive seccomp notification",
	}

	// ErrNotifSendFailed indicates SECCOMP_IOCTL_NOTIF_SEND failed.
	ErrNotifSendFailed = &SupervisorError{
		Kind:   ErrInternal,
		Detail: "failed to send seccomp notification response",
	}
)

// Cross-process fd handoff errors.
var (
	// ErrPidfdOpenFailed indicates pidfd_open for the guest thread
	// failed, most often because the thread has already exited.
	ErrPidfdOpenFailed = &SupervisorError{
		Kind:   ErrSearch,
		Detail: "failed to open pidfd for guest thread",
	}

	// ErrPidfdGetfdFailed indicates pidfd_getfd failed to duplicate the
	// guest's file descriptor into the supervisor.
	ErrPidfdGetfdFailed = &SupervisorError{
		Kind:   ErrBadFd,
		Detail: "failed to duplicate guest file descriptor",
	}
)

// CLI/bootstrap errors.
var (
	// ErrSeccompFilter indicates the guest-side BPF filter failed to
	// install.
	ErrSeccompFilter = &SupervisorError{
		Kind:   ErrInternal,
		Detail: "failed to install seccomp filter",
	}

	// ErrMissingArgv indicates no guest command was given on the
	// command line.
	ErrMissingArgv = &SupervisorError{
		Kind:   ErrInvalid,
		Detail: "no command specified",
	}
)
