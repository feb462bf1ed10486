package dispatch

import (
	"os"
	"syscall"
	"testing"
	"unsafe"

	"github.com/butterdotdev/bvisor/linux"
	"github.com/butterdotdev/bvisor/notif"
	"github.com/butterdotdev/bvisor/overlay"
	"github.com/butterdotdev/bvisor/procns"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, int32) {
	t.Helper()
	reg := procns.NewRegistry()
	reg.RegisterInitial(100)

	ov, err := overlay.NewForTest(t.TempDir())
	if err != nil {
		t.Fatalf("overlay.NewForTest: %v", err)
	}

	return New(reg, ov, true /* testMode */, 0), 100
}

func ptrAddr(p unsafe.Pointer) uintptr { return uintptr(p) }

func TestDispatchUnknownSyscallContinues(t *testing.T) {
	d, tid := newTestDispatcher(t)
	nr, _ := linux.SyscallNumber("mmap")

	reply := d.Dispatch(notif.Notification{ID: 1, AbsTid: tid, Syscall: nr})
	if reply.Flags != notif.FlagContinue {
		t.Errorf("expected CONTINUE for an unhandled syscall, got %+v", reply)
	}
}

func TestDispatchOpenatReadClose(t *testing.T) {
	d, tid := newTestDispatcher(t)

	// /tmp routes to the run's private overlay tmp/, so the fixture lives
	// there rather than under the host's own temp directory.
	guestPath := "/tmp/greeting"
	if err := os.WriteFile(d.Overlay.TmpPath(guestPath), []byte("hi there"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	pathBytes := append([]byte(guestPath), 0)
	openNr, _ := linux.SyscallNumber("openat")
	openReply := d.Dispatch(notif.Notification{
		ID: 1, AbsTid: tid, Syscall: openNr,
		Args: [6]uint64{0, uint64(ptrAddr(unsafe.Pointer(&pathBytes[0]))), uint64(syscall.O_RDONLY), 0},
	})
	if openReply.Val < 0 {
		t.Fatalf("openat failed: errno %d", openReply.Errno)
	}
	vfd := openReply.Val

	buf := make([]byte, 32)
	readNr, _ := linux.SyscallNumber("read")
	readReply := d.Dispatch(notif.Notification{
		ID: 2, AbsTid: tid, Syscall: readNr,
		Args: [6]uint64{uint64(vfd), uint64(ptrAddr(unsafe.Pointer(&buf[0]))), uint64(len(buf))},
	})
	if readReply.Val != 8 {
		t.Fatalf("read returned %d bytes, want 8 (errno %d)", readReply.Val, readReply.Errno)
	}
	if string(buf[:8]) != "hi there" {
		t.Errorf("read content = %q, want %q", buf[:8], "hi there")
	}

	closeNr, _ := linux.SyscallNumber("close")
	closeReply := d.Dispatch(notif.Notification{ID: 3, AbsTid: tid, Syscall: closeNr, Args: [6]uint64{uint64(vfd)}})
	if closeReply.Val != 0 {
		t.Errorf("close failed: errno %d", closeReply.Errno)
	}
}

func TestDispatchOpenatBlockedPath(t *testing.T) {
	d, tid := newTestDispatcher(t)

	pathBytes := append([]byte("/sys/class/net"), 0)
	openNr, _ := linux.SyscallNumber("openat")
	reply := d.Dispatch(notif.Notification{
		ID: 1, AbsTid: tid, Syscall: openNr,
		Args: [6]uint64{0, uint64(ptrAddr(unsafe.Pointer(&pathBytes[0]))), uint64(syscall.O_RDONLY), 0},
	})
	if reply.Val != -1 || syscall.Errno(reply.Errno) != syscall.EACCES {
		t.Errorf("expected EACCES for a blocked path, got val=%d errno=%d", reply.Val, reply.Errno)
	}
}

func TestDispatchGetpidGettid(t *testing.T) {
	d, tid := newTestDispatcher(t)

	gettidNr, _ := linux.SyscallNumber("gettid")
	reply := d.Dispatch(notif.Notification{ID: 1, AbsTid: tid, Syscall: gettidNr})
	if reply.Val != 1 {
		t.Errorf("gettid = %d, want 1 (the guest root's NsTid)", reply.Val)
	}

	getpidNr, _ := linux.SyscallNumber("getpid")
	reply2 := d.Dispatch(notif.Notification{ID: 2, AbsTid: tid, Syscall: getpidNr})
	if reply2.Val != 1 {
		t.Errorf("getpid = %d, want 1", reply2.Val)
	}
}

func TestDispatchStdioReadWriteContinues(t *testing.T) {
	d, tid := newTestDispatcher(t)

	readNr, _ := linux.SyscallNumber("read")
	reply := d.Dispatch(notif.Notification{ID: 1, AbsTid: tid, Syscall: readNr, Args: [6]uint64{0}})
	if reply.Flags != notif.FlagContinue {
		t.Error("expected read(fd=0) to CONTINUE")
	}

	writeNr, _ := linux.SyscallNumber("write")
	reply2 := d.Dispatch(notif.Notification{ID: 2, AbsTid: tid, Syscall: writeNr, Args: [6]uint64{1}})
	if reply2.Flags != notif.FlagContinue {
		t.Error("expected write(fd=1) to CONTINUE")
	}
}
