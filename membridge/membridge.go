// Package membridge reads and writes guest memory from the supervisor's
// address space, using process_vm_readv/process_vm_writev in production and
// a local-pointer shortcut in test builds where the "guest" is actually a
// goroutine sharing the test process's memory.
package membridge

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	cerrors "github.com/butterdotdev/bvisor/errors"
)

// maxStringLen bounds ReadString's search for a NUL terminator, matching
// the dispatcher's 4KiB per-call cap on syscall handler I/O (spec §4.8).
const maxStringLen = 4096

// Bridge reads and writes another process's memory.
type Bridge struct {
	pid      int
	testMode bool
}

// New returns a Bridge that accesses the memory of the process identified
// by pid via process_vm_readv/writev.
func New(pid int) *Bridge {
	return &Bridge{pid: pid}
}

// NewTestBridge returns a Bridge whose Read/Write treat guest addresses as
// ordinary pointers into the calling goroutine's own memory, for tests that
// simulate a guest without actually forking one.
func NewTestBridge() *Bridge {
	return &Bridge{testMode: true}
}

// Read copies sizeof(T) bytes from guest address addr into a T.
func Read[T any](b *Bridge, addr uintptr) (T, error) {
	var out T
	buf, err := b.ReadSlice(addr, int(unsafe.Sizeof(out)))
	if err != nil {
		return out, err
	}
	out = *(*T)(unsafe.Pointer(&buf[0]))
	return out, nil
}

// Write copies a T's bytes to guest address addr.
func Write[T any](b *Bridge, addr uintptr, value T) error {
	size := int(unsafe.Sizeof(value))
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&value)), size)
	return b.WriteSlice(addr, buf)
}

// ReadSlice reads n bytes starting at guest address addr.
func (b *Bridge) ReadSlice(addr uintptr, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if b.testMode {
		src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
		out := make([]byte, n)
		copy(out, src)
		return out, nil
	}

	out := make([]byte, n)
	local := []unix.Iovec{{Base: &out[0], Len: uint64(n)}}
	remote := []unix.RemoteIovec{{Base: addr, Len: n}}

	got, err := unix.ProcessVMReadv(b.pid, local, remote, 0)
	if err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrFault, "mem_read",
			fmt.Sprintf("pid=%d addr=%#x len=%d", b.pid, addr, n))
	}
	if got != n {
		return out[:got], cerrors.New(cerrors.ErrFault, "mem_read", "short read")
	}
	return out, nil
}

// WriteSlice writes buf to guest address addr.
func (b *Bridge) WriteSlice(addr uintptr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if b.testMode {
		dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(buf))
		copy(dst, buf)
		return nil
	}

	local := []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
	remote := []unix.RemoteIovec{{Base: addr, Len: len(buf)}}

	n, err := unix.ProcessVMWritev(b.pid, local, remote, 0)
	if err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrFault, "mem_write",
			fmt.Sprintf("pid=%d addr=%#x len=%d", b.pid, addr, len(buf)))
	}
	if n != len(buf) {
		return cerrors.New(cerrors.ErrFault, "mem_write", "short write")
	}
	return nil
}

// ReadString reads a NUL-terminated string starting at addr, reading in
// small chunks to avoid over-fetching past the guest's mapped region.
// Returns ErrStringTooLong if no NUL is found within maxStringLen bytes.
func (b *Bridge) ReadString(addr uintptr) (string, error) {
	const chunk = 256
	var out []byte

	for len(out) < maxStringLen {
		want := chunk
		if len(out)+want > maxStringLen {
			want = maxStringLen - len(out)
		}
		buf, err := b.ReadSlice(addr+uintptr(len(out)), want)
		if err != nil {
			return "", err
		}
		if idx := indexByte(buf, 0); idx >= 0 {
			out = append(out, buf[:idx]...)
			return string(out), nil
		}
		out = append(out, buf...)
	}

	return "", cerrors.ErrStringTooLong
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
