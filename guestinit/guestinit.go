// Package guestinit is the bootstrap that runs inside the re-exec'd child
// before the guest command takes over its pid: it reports the predicted
// number of the notification fd to the supervisor, installs the seccomp
// trap filter, and then execve's into the guest argv (spec §4.1, §6).
//
// It never returns on success; syscall.Exec replaces the process image.
package guestinit

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	cerrors "github.com/butterdotdev/bvisor/errors"
	"github.com/butterdotdev/bvisor/ipc"
	"github.com/butterdotdev/bvisor/linux"
)

// handoffFd is the file descriptor the supervisor arranges to land on
// before re-exec'ing this binary (see supervisor.Run's cmd.ExtraFiles),
// the child's end of the SOCK_SEQPACKET pair the predicted fd number
// crosses.
const handoffFd = 3

const (
	sysSeccomp                  = 317
	seccompSetModeFilter        = 1
	seccompFilterFlagNewListener = 1 << 3
)

// DefaultAllow is the set of syscalls bVisor lets run natively rather than
// trapping, matched against the guest's own architecture audit value by
// linux.InstallTrapFilter. Everything else is reported to the supervisor.
var DefaultAllow = []string{
	"mmap", "mprotect", "munmap", "brk",
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
	"futex", "arch_prctl", "set_tid_address",
	"exit", "exit_group",
}

// Run reports the predicted listener fd number to the supervisor, installs
// the trap filter, drops capabilities, and execve's argv. On success it
// does not return; any returned error means the guest command never
// started. A failure before the prediction is sent is relayed to the
// supervisor over the handoff socket (via ipc.SendError), so the
// supervisor's error names the real cause. Later failures are not: the
// supervisor reads only the first message, and the socket is closed once
// the filter is installed.
func Run(argv []string) (err error) {
	if len(argv) == 0 {
		return cerrors.ErrMissingArgv
	}

	defer func() {
		if err != nil {
			ipc.SendError(handoffFd, err)
		}
	}()

	if err := linux.SetNoNewPrivs(); err != nil {
		return cerrors.Wrap(err, cerrors.ErrSeccompFilter.Kind, "no_new_privs")
	}

	// Reserve and immediately free an fd number so the supervisor can
	// predict which one seccomp(2) is about to hand back, and start
	// importing it via pidfd_getfd before the filter install even
	// returns (spec §6).
	predictedFd, err := ipc.PredictFd()
	if err != nil {
		return err
	}
	if err := ipc.SendPrediction(handoffFd, predictedFd); err != nil {
		return fmt.Errorf("guestinit: reporting predicted fd: %w", err)
	}

	filter, buildErr := linux.InstallTrapFilter(DefaultAllow)
	if buildErr != nil {
		return cerrors.WrapWithDetail(buildErr, cerrors.ErrSeccompFilter.Kind, "build_filter", buildErr.Error())
	}
	prog := linux.FilterProgramPointer(filter)

	// The listener fd this returns is never read back here: the supervisor
	// imports its own reference via pidfd_getfd against the predicted
	// number above, and this process's copy simply rides along into the
	// guest's own fd table across the exec below.
	if _, _, errno := syscall.Syscall(sysSeccomp, seccompSetModeFilter, seccompFilterFlagNewListener, uintptr(prog)); errno != 0 {
		return cerrors.Wrap(errno, cerrors.ErrSeccompFilter.Kind, "seccomp")
	}
	unix.Close(handoffFd)

	// The cgroup/capability/device-allowlist machinery a container runtime
	// would apply to the whole bundle collapses, for a single guest
	// process, into dropping every capability: bVisor mediates the
	// filesystem and process-tree surface itself, so the guest needs none
	// of the privileges a namespace-unaware binary would otherwise keep.
	if err := linux.DropAllCapabilities(); err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "drop_capabilities")
	}

	bin, lookErr := resolveBinary(argv[0])
	if lookErr != nil {
		return cerrors.WrapWithDetail(lookErr, cerrors.ErrNotFound, "exec", argv[0])
	}

	return syscall.Exec(bin, argv, os.Environ())
}

func resolveBinary(name string) (string, error) {
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	if _, err := os.Stat(name); err == nil {
		return name, nil
	}
	return "", fmt.Errorf("executable not found: %s", name)
}
