package dispatch

import (
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/butterdotdev/bvisor/backend"
	cerrors "github.com/butterdotdev/bvisor/errors"
	"github.com/butterdotdev/bvisor/fsrouter"
	"github.com/butterdotdev/bvisor/membridge"
	"github.com/butterdotdev/bvisor/notif"
)

// staging buffer cap for read/write, matching spec §4.8's 4 KiB-per-call
// limit on the supervisor-local copy used to bridge guest memory.
const stagingBufSize = 4096

func statDevice(path string) (int64, int64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, 0, err
	}
	return int64(unix.Major(uint64(st.Rdev))), int64(unix.Minor(uint64(st.Rdev))), nil
}

// openBackend opens path per its routed Decision, translating the guest's
// open(2) flags into each backend's vocabulary. callerAbsTid is the
// notifying thread, needed only by the Proc backend to resolve namespace
// visibility.
func (d *Dispatcher) openBackend(dec fsrouter.Decision, flags int, mode uint32, callerAbsTid int32) (backend.File, error) {
	switch dec.Action {
	case fsrouter.Block:
		return nil, cerrors.ErrPathBlocked
	case fsrouter.Passthrough:
		return backend.OpenPassthrough(dec.Path)
	case fsrouter.Tmp:
		return backend.OpenTmp(d.Overlay.TmpPath(dec.Path), flags, os.FileMode(mode))
	case fsrouter.Proc:
		return backend.RenderProc(d.Registry, callerAbsTid, dec.Remainder)
	case fsrouter.Cow:
		wantWrite := flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0
		return backend.OpenCow(dec.Path, d.Overlay.CowPath(dec.Path), wantWrite)
	default:
		return nil, cerrors.New(cerrors.ErrInternal, "openat", "unroutable path")
	}
}

func handleOpenat(d *Dispatcher, mem *membridge.Bridge, n notif.Notification) Result {
	// openat(dirfd, pathname, flags, mode)
	pathAddr := uintptr(n.Args[1])
	flags := int(int32(n.Args[2]))
	mode := uint32(n.Args[3])

	path, err := mem.ReadString(pathAddr)
	if err != nil {
		return Error(syscall.EFAULT)
	}
	if !filepath.IsAbs(path) {
		return Error(syscall.EINVAL)
	}

	dec, err := fsrouter.Route(path, statDevice)
	if err != nil {
		return Error(syscall.EINVAL)
	}
	if dec.Action == fsrouter.Block {
		return Error(syscall.EACCES)
	}

	f, err := d.openBackend(dec, flags, mode, n.AbsTid)
	if err != nil {
		return Error(cerrors.ToErrno(err))
	}

	caller, err := d.Registry.Get(n.AbsTid)
	if err != nil {
		f.Close()
		return Error(syscall.ESRCH)
	}
	vfd := caller.Fds.Insert(f)
	return Success(int64(vfd))
}

func lookupFile(d *Dispatcher, absTid int32, vfd int32) (backend.File, error) {
	caller, err := d.Registry.Get(absTid)
	if err != nil {
		return nil, err
	}
	handle, err := caller.Fds.Peek(vfd)
	if err != nil {
		return nil, err
	}
	f, ok := handle.(backend.File)
	if !ok {
		return nil, cerrors.ErrFdNotFound
	}
	return f, nil
}

func handleRead(d *Dispatcher, mem *membridge.Bridge, n notif.Notification) Result {
	vfd := int32(int(n.Args[0]))
	if vfd == 0 {
		return Continue()
	}
	bufAddr := uintptr(n.Args[1])
	count := int(n.Args[2])
	if count > stagingBufSize {
		count = stagingBufSize
	}

	f, err := lookupFile(d, n.AbsTid, vfd)
	if err != nil {
		return Error(syscall.EBADF)
	}

	staging := make([]byte, count)
	read, err := f.Read(staging)
	if err != nil {
		return Error(syscall.EIO)
	}
	if err := mem.WriteSlice(bufAddr, staging[:read]); err != nil {
		return Error(syscall.EFAULT)
	}
	return Success(int64(read))
}

func handleReadv(d *Dispatcher, mem *membridge.Bridge, n notif.Notification) Result {
	vfd := int32(int(n.Args[0]))
	if vfd == 0 {
		return Continue()
	}
	iovAddr := uintptr(n.Args[1])
	iovcnt := int(n.Args[2])

	f, err := lookupFile(d, n.AbsTid, vfd)
	if err != nil {
		return Error(syscall.EBADF)
	}

	var total int64
	for i := 0; i < iovcnt; i++ {
		base, length, err := readIovec(mem, iovAddr, i)
		if err != nil {
			return Error(syscall.EFAULT)
		}
		if length > stagingBufSize {
			length = stagingBufSize
		}
		staging := make([]byte, length)
		read, err := f.Read(staging)
		if err != nil {
			return Error(syscall.EIO)
		}
		if err := mem.WriteSlice(base, staging[:read]); err != nil {
			return Error(syscall.EFAULT)
		}
		total += int64(read)
		if read < length {
			break
		}
	}
	return Success(total)
}

// iovec mirrors struct iovec: a base pointer followed by a length, both
// word-sized, as laid out in the guest's address space.
type iovecLayout struct {
	Base uint64
	Len  uint64
}

func readIovec(mem *membridge.Bridge, iovAddr uintptr, index int) (uintptr, int, error) {
	entryAddr := iovAddr + uintptr(index)*16
	iov, err := membridge.Read[iovecLayout](mem, entryAddr)
	if err != nil {
		return 0, 0, err
	}
	return uintptr(iov.Base), int(iov.Len), nil
}

func handleWrite(d *Dispatcher, mem *membridge.Bridge, n notif.Notification) Result {
	vfd := int32(int(n.Args[0]))
	if vfd == 1 || vfd == 2 {
		return Continue()
	}
	bufAddr := uintptr(n.Args[1])
	count := int(n.Args[2])
	if count > stagingBufSize {
		count = stagingBufSize
	}

	f, err := lookupFile(d, n.AbsTid, vfd)
	if err != nil {
		return Error(syscall.EBADF)
	}

	staging, err := mem.ReadSlice(bufAddr, count)
	if err != nil {
		return Error(syscall.EFAULT)
	}
	written, err := f.Write(staging)
	if err != nil {
		return Error(cerrors.ToErrno(err))
	}
	return Success(int64(written))
}

func handleWritev(d *Dispatcher, mem *membridge.Bridge, n notif.Notification) Result {
	vfd := int32(int(n.Args[0]))
	if vfd == 1 || vfd == 2 {
		return Continue()
	}
	iovAddr := uintptr(n.Args[1])
	iovcnt := int(n.Args[2])

	f, err := lookupFile(d, n.AbsTid, vfd)
	if err != nil {
		return Error(syscall.EBADF)
	}

	var total int64
	for i := 0; i < iovcnt; i++ {
		base, length, err := readIovec(mem, iovAddr, i)
		if err != nil {
			return Error(syscall.EFAULT)
		}
		if length > stagingBufSize {
			length = stagingBufSize
		}
		staging, err := mem.ReadSlice(base, length)
		if err != nil {
			return Error(syscall.EFAULT)
		}
		written, err := f.Write(staging)
		if err != nil {
			return Error(cerrors.ToErrno(err))
		}
		total += int64(written)
	}
	return Success(total)
}

func handleClose(d *Dispatcher, mem *membridge.Bridge, n notif.Notification) Result {
	vfd := int32(int(n.Args[0]))
	if vfd == 0 || vfd == 1 || vfd == 2 {
		return Continue()
	}

	caller, err := d.Registry.Get(n.AbsTid)
	if err != nil {
		return Error(syscall.ESRCH)
	}
	if err := caller.Fds.Remove(vfd); err != nil {
		return Error(syscall.EBADF)
	}
	return Success(0)
}

func statxToResult(st backend.Stat) []byte {
	// A minimal x86_64 struct stat layout: mode, size, uid, gid, ino, rest zero.
	buf := make([]byte, 144)
	putU32(buf, 24, st.Mode)
	putU64(buf, 48, uint64(st.Size))
	putU32(buf, 28, st.UID)
	putU32(buf, 32, st.GID)
	putU64(buf, 8, st.Ino)
	return buf
}

func putU32(buf []byte, off int, v uint32) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
}

func putU64(buf []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		buf[off+i] = byte(v >> (8 * i))
	}
}

func handleFstat(d *Dispatcher, mem *membridge.Bridge, n notif.Notification) Result {
	vfd := int32(int(n.Args[0]))
	statAddr := uintptr(n.Args[1])

	f, err := lookupFile(d, n.AbsTid, vfd)
	if err != nil {
		return Error(syscall.EBADF)
	}
	st, err := f.Statx()
	if err != nil {
		return Error(syscall.EIO)
	}
	if err := mem.WriteSlice(statAddr, statxToResult(st)); err != nil {
		return Error(syscall.EFAULT)
	}
	return Success(0)
}

func handleFstatat(d *Dispatcher, mem *membridge.Bridge, n notif.Notification) Result {
	// newfstatat(dirfd, pathname, statbuf, flags)
	pathAddr := uintptr(n.Args[1])
	statAddr := uintptr(n.Args[2])

	path, err := mem.ReadString(pathAddr)
	if err != nil {
		return Error(syscall.EFAULT)
	}
	if path == "" {
		// AT_EMPTY_PATH against a vfd behaves like fstat(dirfd, statbuf).
		fn := n
		fn.Args[1] = n.Args[2]
		return handleFstat(d, mem, fn)
	}
	if !filepath.IsAbs(path) {
		return Error(syscall.EINVAL)
	}

	dec, err := fsrouter.Route(path, statDevice)
	if err != nil {
		return Error(syscall.EINVAL)
	}
	if dec.Action == fsrouter.Block {
		return Error(syscall.EPERM)
	}

	f, err := d.openBackend(dec, syscall.O_RDONLY, 0, n.AbsTid)
	if err != nil {
		return Error(cerrors.ToErrno(err))
	}
	defer f.Close()

	st, err := f.Statx()
	if err != nil {
		return Error(syscall.EIO)
	}
	if err := mem.WriteSlice(statAddr, statxToResult(st)); err != nil {
		return Error(syscall.EFAULT)
	}
	return Success(0)
}

func handleFaccessat(d *Dispatcher, mem *membridge.Bridge, n notif.Notification) Result {
	pathAddr := uintptr(n.Args[1])

	path, err := mem.ReadString(pathAddr)
	if err != nil {
		return Error(syscall.EFAULT)
	}
	if !filepath.IsAbs(path) {
		return Error(syscall.EINVAL)
	}

	dec, err := fsrouter.Route(path, statDevice)
	if err != nil {
		return Error(syscall.EINVAL)
	}
	if dec.Action == fsrouter.Block {
		return Error(syscall.EACCES)
	}

	f, err := d.openBackend(dec, syscall.O_RDONLY, 0, n.AbsTid)
	if err != nil {
		return Error(syscall.ENOENT)
	}
	f.Close()
	return Success(0)
}
