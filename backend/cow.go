package backend

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	cerrors "github.com/butterdotdev/bvisor/errors"
)

// cowState is the Cow backend's one-way state machine: a handle is either
// Passthrough (reading straight from the host) or Writecopy (reading and
// writing the overlay copy). The state is fixed when the handle is opened;
// a write never promotes a Passthrough handle.
type cowState int

const (
	cowPassthrough cowState = iota
	cowWritecopy
)

// Cow is a copy-on-write file backend: a handle opened for writing (or for
// a path already copied) works against the file's copy in the overlay
// root; any other handle reads the host file and rejects writes.
type Cow struct {
	hostPath    string
	overlayPath string
	state       cowState
	f           *os.File
}

// OpenCow opens a Cow-backed file. overlayPath is where this path's
// materialized copy lives (or would live) under overlay/cow/ (spec §6).
// The initial state follows §4.5's open-time rule: if overlayPath already
// exists, or wantWrite is set, the file starts in writecopy mode and is
// materialized immediately; otherwise it stays in passthrough mode,
// reading hostPath directly, and writes on it fail as read-only.
func OpenCow(hostPath, overlayPath string, wantWrite bool) (*Cow, error) {
	c := &Cow{hostPath: hostPath, overlayPath: overlayPath, state: cowPassthrough}

	if _, err := os.Stat(overlayPath); err == nil {
		if err := c.openOverlay(); err != nil {
			return nil, err
		}
		return c, nil
	}

	if wantWrite {
		if err := c.materializeNow(); err != nil {
			return nil, err
		}
		return c, nil
	}

	f, err := os.OpenFile(hostPath, os.O_RDONLY, 0)
	if err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrNotFound, "open", hostPath)
	}
	c.f = f
	return c, nil
}

func (c *Cow) Read(buf []byte) (int, error) {
	n, err := c.f.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, cerrors.Wrap(err, cerrors.ErrIO, "read")
	}
	return n, nil
}

// Write rejects any write against a passthrough-state handle with ROFS:
// §4.5's only two materialization triggers are both at open time (the
// open-time write flags, or an overlay copy already existing), so a write
// arriving against an already-open passthrough handle must fail rather
// than promote the handle to writecopy.
func (c *Cow) Write(buf []byte) (int, error) {
	if c.state == cowPassthrough {
		return 0, errReadOnly("write")
	}
	n, err := c.f.Write(buf)
	if err != nil {
		return n, wrapWriteErr(err, "write")
	}
	return n, nil
}

// openOverlay opens an already-materialized overlay copy read-write.
func (c *Cow) openOverlay() error {
	f, err := os.OpenFile(c.overlayPath, os.O_RDWR, 0600)
	if err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrMaterializeFailed.Kind, "open", c.overlayPath)
	}
	c.f = f
	c.state = cowWritecopy
	return nil
}

// materializeNow copies the host file's contents into the overlay and
// opens the overlay copy read-write, flipping the state machine for good.
func (c *Cow) materializeNow() error {
	if err := os.MkdirAll(filepath.Dir(c.overlayPath), 0700); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrMaterializeFailed.Kind, "materialize", c.overlayPath)
	}

	src, err := os.OpenFile(c.hostPath, os.O_RDONLY, 0)
	if err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrMaterializeFailed.Kind, "materialize", c.hostPath)
	}
	defer src.Close()

	dst, err := os.OpenFile(c.overlayPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0600)
	if err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrMaterializeFailed.Kind, "materialize", c.overlayPath)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return cerrors.Wrap(err, cerrors.ErrMaterializeFailed.Kind, "materialize")
	}
	if _, err := dst.Seek(0, io.SeekStart); err != nil {
		dst.Close()
		return cerrors.Wrap(err, cerrors.ErrMaterializeFailed.Kind, "materialize")
	}

	if c.f != nil {
		c.f.Close()
	}
	c.f = dst
	c.state = cowWritecopy
	return nil
}

// IsMaterialized reports whether the file has been copied into the
// overlay yet, for tests asserting the one-way transition.
func (c *Cow) IsMaterialized() bool {
	return c.state == cowWritecopy
}

func (c *Cow) Close() error {
	return c.f.Close()
}

func (c *Cow) Statx() (Stat, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(c.f.Fd()), &st); err != nil {
		return Stat{}, cerrors.Wrap(err, cerrors.ErrIO, "statx")
	}
	return statFromUnix(&st), nil
}
