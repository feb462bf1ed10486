// Package backend implements the file backend variants a virtual fd can be
// bound to: Passthrough, Cow, Tmp, and Proc (spec §4.5).
package backend

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"

	cerrors "github.com/butterdotdev/bvisor/errors"
)

// Stat is the subset of file metadata syscall handlers need to answer
// fstat/fstatat/statx, independent of how the backend actually stores the
// file.
type Stat struct {
	Mode  uint32
	Size  int64
	UID   uint32
	GID   uint32
	Ino   uint64
	IsDir bool
}

// File is the shared contract every backend variant implements. Handlers
// dispatch on the concrete type only to decide routing (see fsrouter); once
// a virtual fd is open, every syscall handler talks to it through this
// interface alone.
type File interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Close() error
	Statx() (Stat, error)
}

// statFromUnix converts a unix.Stat_t into the backend's Stat shape.
func statFromUnix(st *unix.Stat_t) Stat {
	return Stat{
		Mode:  st.Mode,
		Size:  st.Size,
		UID:   st.Uid,
		GID:   st.Gid,
		Ino:   st.Ino,
		IsDir: st.Mode&unix.S_IFMT == unix.S_IFDIR,
	}
}

// errReadOnly is returned by backends that refuse writes outright.
func errReadOnly(op string) error {
	return cerrors.WrapWithDetail(cerrors.ErrReadOnlyBackend, cerrors.ErrReadOnlyBackend.Kind, op, "backend is read-only")
}

// wrapWriteErr classifies a host write failure into the errno a handler
// should surface (spec §4.8: "ENOSPC/FBIG → same errno"), falling back to
// a generic I/O error (EIO) for anything else; the fallback does not wrap
// the host errno, so ToErrno cannot surface it instead.
func wrapWriteErr(err error, op string) error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ENOSPC:
			return cerrors.Wrap(err, cerrors.ErrNoSpace, op)
		case syscall.EFBIG:
			return cerrors.Wrap(err, cerrors.ErrFileTooBig, op)
		}
	}
	return cerrors.New(cerrors.ErrIO, op, err.Error())
}
