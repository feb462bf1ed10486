// Package dispatch routes a trapped syscall notification to its handler and
// serializes the handler's result back into a reply (spec §4.2).
package dispatch

import (
	"log/slog"
	"syscall"

	"github.com/butterdotdev/bvisor/linux"
	"github.com/butterdotdev/bvisor/logging"
	"github.com/butterdotdev/bvisor/membridge"
	"github.com/butterdotdev/bvisor/notif"
	"github.com/butterdotdev/bvisor/overlay"
	"github.com/butterdotdev/bvisor/procns"
)

// Result is a handler's verdict on a trapped syscall.
type Result struct {
	continueSyscall bool
	isError         bool
	val             int64
	errno           syscall.Errno
}

// Continue asks the kernel to run the syscall unmodified.
func Continue() Result { return Result{continueSyscall: true} }

// Success replies with a synthesized, non-negative return value.
func Success(val int64) Result { return Result{val: val} }

// Error replies with errno, the dispatcher's usual "Error(Errno)" outcome.
func Error(errno syscall.Errno) Result { return Result{isError: true, errno: errno} }

// Handler services one syscall's trapped notification.
type Handler func(d *Dispatcher, mem *membridge.Bridge, n notif.Notification) Result

// Dispatcher owns the state every handler needs: the thread/namespace
// registry and the overlay root backing the file backends.
type Dispatcher struct {
	Registry *procns.Registry
	Overlay  *overlay.Root
	TestMode bool

	startTime int64
	handlers  map[string]Handler
}

// New builds a dispatcher wired against reg and ov. startTime is a Unix
// timestamp (seconds) the caller captured at supervisor startup,
// used by the sysinfo handler's uptime field.
func New(reg *procns.Registry, ov *overlay.Root, testMode bool, startTime int64) *Dispatcher {
	d := &Dispatcher{Registry: reg, Overlay: ov, TestMode: testMode, startTime: startTime}
	d.handlers = defaultHandlers()
	return d
}

// Dispatch routes n to its handler by syscall number. An unregistered
// syscall number gets a CONTINUE reply: the filter traps every syscall,
// but the dispatcher only implements a positive allow-list of behavior, so
// anything it doesn't recognize runs exactly as the guest asked.
func (d *Dispatcher) Dispatch(n notif.Notification) (reply notif.Reply) {
	name := linux.SyscallName(n.Syscall)

	handler, ok := d.handlers[name]
	if !ok {
		return notif.Reply{ID: n.ID, Flags: notif.FlagContinue}
	}

	if _, err := d.Registry.Get(n.AbsTid); err != nil {
		// The notifying thread hasn't been admitted yet: it was cloned
		// after the supervisor last observed its parent. Opportunistically
		// sweep /proc before giving up on it (spec §4.7's sync_new_threads).
		d.Registry.SyncNewThreads()
	}

	defer func() {
		if r := recover(); r != nil {
			logging.Default().Error("handler panicked", slog.String("syscall", name), slog.Any("panic", r))
			reply = notif.Reply{ID: n.ID, Val: -1, Errno: int32(syscall.ENOSYS)}
		}
	}()

	mem := d.memBridge(n.AbsTid)
	result := handler(d, mem, n)
	return d.toReply(n.ID, result)
}

func (d *Dispatcher) memBridge(absTid int32) *membridge.Bridge {
	if d.TestMode {
		return membridge.NewTestBridge()
	}
	return membridge.New(int(absTid))
}

func (d *Dispatcher) toReply(id uint64, r Result) notif.Reply {
	if r.continueSyscall {
		return notif.Reply{ID: id, Flags: notif.FlagContinue}
	}
	if r.isError {
		return notif.Reply{ID: id, Val: -1, Errno: int32(r.errno)}
	}
	return notif.Reply{ID: id, Val: r.val}
}

func defaultHandlers() map[string]Handler {
	return map[string]Handler{
		"openat":          handleOpenat,
		"read":            handleRead,
		"readv":           handleReadv,
		"write":           handleWrite,
		"writev":          handleWritev,
		"close":           handleClose,
		"fstat":           handleFstat,
		"newfstatat":      handleFstatat,
		"faccessat":       handleFaccessat,
		"faccessat2":      handleFaccessat,
		"sysinfo":         handleSysinfo,
		"getpid":          handleGetpid,
		"gettid":          handleGettid,
		"getppid":         handleGetppid,
		"kill":            handleKill,
		"exit":            handleExit,
		"exit_group":      handleExitGroup,
		"clock_nanosleep": handleClockNanosleep,
		"clone":           handleClone,
		"clone3":          handleClone3,
	}
}
