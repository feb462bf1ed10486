// Package notif implements the seccomp user-notification protocol: the
// three ioctls a supervisor issues against the listener fd it imports from
// the guest with pidfd_getfd at guest startup (spec §4.1, §6).
package notif

import (
	"unsafe"

	"golang.org/x/sys/unix"

	cerrors "github.com/butterdotdev/bvisor/errors"
)

// FlagContinue asks the kernel to run the original syscall unmodified
// rather than synthesizing a return value, the dispatcher's "unknown
// syscall, default-allow" path (spec §4.2).
const FlagContinue = 0x1

// seccompData mirrors struct seccomp_data from <linux/seccomp.h>.
type seccompData struct {
	Nr                 int32
	Arch               uint32
	InstructionPointer uint64
	Args               [6]uint64
}

// seccompNotif mirrors struct seccomp_notif.
type seccompNotif struct {
	ID    uint64
	Pid   uint32
	Flags uint32
	Data  seccompData
}

// seccompNotifResp mirrors struct seccomp_notif_resp.
type seccompNotifResp struct {
	ID    uint64
	Val   int64
	Error int32
	Flags uint32
}

// ioctl direction bits and the _IOC encoding from <asm-generic/ioctl.h>.
const (
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<30 | typ<<8 | nr | size<<16
}

var (
	notifRecvCmd    = ioc(iocRead|iocWrite, '!', 0, unsafe.Sizeof(seccompNotif{}))
	notifSendCmd    = ioc(iocRead|iocWrite, '!', 1, unsafe.Sizeof(seccompNotifResp{}))
	notifIDValidCmd = ioc(iocWrite, '!', 2, unsafe.Sizeof(uint64(0)))
)

// Notification is a single trapped syscall, decoded from the kernel's
// wire format into the fields a dispatcher actually needs.
type Notification struct {
	ID      uint64
	AbsTid  int32
	Syscall int
	Args    [6]uint64
}

// Reply answers a Notification. Setting Flags to FlagContinue tells the
// kernel to run the syscall as originally issued; Val and Errno are
// ignored in that case.
type Reply struct {
	ID    uint64
	Val   int64
	Errno int32
	Flags uint32
}

// Listener wraps the seccomp user-notification fd handed to the
// supervisor at guest startup.
type Listener struct {
	fd int
}

// New wraps an already-open notification fd.
func New(fd int) *Listener {
	return &Listener{fd: fd}
}

// Receive blocks until the next trapped syscall arrives. Per spec §4.1,
// ENOENT here means no guest threads remain and the caller should stop
// the supervisor loop.
func (l *Listener) Receive() (Notification, error) {
	var raw seccompNotif
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(l.fd), notifRecvCmd, uintptr(unsafe.Pointer(&raw)))
	if errno != 0 {
		if errno == unix.ENOENT {
			return Notification{}, unix.ENOENT
		}
		return Notification{}, cerrors.Wrap(errno, cerrors.ErrInternal, "notif_recv")
	}

	return Notification{
		ID:      raw.ID,
		AbsTid:  int32(raw.Pid),
		Syscall: int(raw.Data.Nr),
		Args:    raw.Data.Args,
	}, nil
}

// IDValid re-checks that a notification id is still live, closing the
// TOCTOU window between Receive and Send: if the guest thread died (or
// was reaped and its tid reused) in between, the kernel reports this
// before the supervisor acts on stale data.
func (l *Listener) IDValid(id uint64) error {
	idCopy := id
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(l.fd), notifIDValidCmd, uintptr(unsafe.Pointer(&idCopy)))
	if errno != 0 {
		return cerrors.ErrNotifStale
	}
	return nil
}

// Send delivers a Reply. Per spec §4.1, an ENOENT here is logged and
// ignored by the caller rather than treated as fatal: the guest thread
// exited before the reply could be delivered.
func (l *Listener) Send(reply Reply) error {
	raw := seccompNotifResp{
		ID:    reply.ID,
		Val:   reply.Val,
		Error: reply.Errno,
		Flags: reply.Flags,
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(l.fd), notifSendCmd, uintptr(unsafe.Pointer(&raw)))
	if errno != 0 {
		if errno == unix.ENOENT {
			return unix.ENOENT
		}
		return cerrors.Wrap(errno, cerrors.ErrInternal, "notif_send")
	}
	return nil
}
