// Package supervisor implements bVisor's top-level run loop (spec §4.1):
// it spawns the guest under a re-exec'd bootstrap, imports the seccomp
// notification fd that bootstrap installs, and then repeatedly
// receives, dispatches, and replies to trapped syscalls until the guest's
// last thread exits.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"

	"github.com/butterdotdev/bvisor/dispatch"
	cerrors "github.com/butterdotdev/bvisor/errors"
	"github.com/butterdotdev/bvisor/ipc"
	"github.com/butterdotdev/bvisor/linux"
	"github.com/butterdotdev/bvisor/logging"
	"github.com/butterdotdev/bvisor/notif"
	"github.com/butterdotdev/bvisor/overlay"
	"github.com/butterdotdev/bvisor/procns"
)

// Options configures a single supervised run.
type Options struct {
	// OverlayBase is the directory under which the run's overlay root
	// (cow/ and tmp/ subtrees) is created.
	OverlayBase string
	// Debug enables verbose per-notification logging.
	Debug bool
}

// guestinitArg is the hidden cobra subcommand the re-exec'd process runs;
// it must match the Use name registered in cmd/guestinit.go.
const guestinitArg = "__guestinit"

// Run spawns argv as a supervised guest process and services its trapped
// syscalls until it exits, returning the guest's exit code.
func Run(ctx context.Context, argv []string, opts Options) (int, error) {
	if len(argv) == 0 {
		return -1, cerrors.ErrMissingArgv
	}

	ov, err := overlay.New(opts.OverlayBase)
	if err != nil {
		return -1, fmt.Errorf("supervisor: creating overlay root: %w", err)
	}
	defer func() {
		if err := ov.Destroy(); err != nil {
			logging.Default().Error("failed to destroy overlay root", slog.Any("error", err))
		}
	}()

	guest, parentSock, err := startGuest(argv)
	if err != nil {
		return -1, fmt.Errorf("supervisor: starting guest: %w", err)
	}
	defer unix.Close(parentSock)

	notifyFd, err := ipc.ImportNotifyFd(parentSock, guest.Process.Pid)
	if err != nil {
		guest.Process.Kill()
		guest.Wait()
		return -1, fmt.Errorf("supervisor: importing notification fd: %w", err)
	}
	listener := notif.New(notifyFd)

	reg := procns.NewRegistry()
	reg.RegisterInitial(int32(guest.Process.Pid))

	d := dispatch.New(reg, ov, false, time.Now().Unix())

	stopWatcher := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			guest.Process.Kill()
		case <-stopWatcher:
		}
	}()

	runLoop(d, listener, opts.Debug)
	close(stopWatcher)

	return waitExitCode(guest), nil
}

// startGuest re-execs the running binary as __guestinit, handing it one end
// of a connected socket pair over which it will report the predicted number
// of the seccomp notification fd it installs (spec §6). It returns once the
// child has started; the caller still owns reading that prediction from
// parentSock and importing the fd (ipc.ImportNotifyFd).
func startGuest(argv []string) (*exec.Cmd, int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, -1, fmt.Errorf("socketpair: %w", err)
	}
	parentFd, childFd := fds[0], fds[1]

	self, err := os.Executable()
	if err != nil {
		unix.Close(parentFd)
		unix.Close(childFd)
		return nil, -1, fmt.Errorf("resolving own executable: %w", err)
	}

	childSock := os.NewFile(uintptr(childFd), "notify-handoff")

	cmd := exec.Command(self, append([]string{guestinitArg}, argv...)...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{childSock}
	cmd.SysProcAttr = linux.NewGuestSysProcAttr()

	if err := cmd.Start(); err != nil {
		unix.Close(parentFd)
		childSock.Close()
		return nil, -1, fmt.Errorf("exec: %w", err)
	}
	childSock.Close()

	return cmd, parentFd, nil
}

// runLoop is the receive/dispatch/send cycle of spec §4.1. It returns once
// Receive reports ENOENT, meaning no guest thread remains to notify.
func runLoop(d *dispatch.Dispatcher, listener *notif.Listener, debug bool) {
	log := logging.Default()
	for {
		n, err := listener.Receive()
		if err != nil {
			if err == unix.ENOENT {
				return
			}
			log.Error("notif_recv failed, stopping supervisor loop", slog.Any("error", err))
			return
		}

		if err := listener.IDValid(n.ID); err != nil {
			// The thread that raised this notification is already gone;
			// nothing to reply to.
			continue
		}

		if debug {
			logging.WithGuestTid(logging.WithNotifID(log, n.ID), n.AbsTid).
				Debug("dispatching syscall", slog.Int("syscall", n.Syscall))
		}

		reply := d.Dispatch(n)
		if err := listener.Send(reply); err != nil {
			if err == unix.ENOENT {
				log.Debug("notif_send found the thread already gone", slog.Uint64("id", n.ID))
				continue
			}
			log.Error("notif_send failed, stopping supervisor loop", slog.Any("error", err))
			return
		}
	}
}

func waitExitCode(cmd *exec.Cmd) int {
	err := cmd.Wait()
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
