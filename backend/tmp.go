package backend

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	cerrors "github.com/butterdotdev/bvisor/errors"
)

// Tmp is a fully read-write file backend rooted under the overlay's tmp/
// subtree, backing the guest's private /tmp.
type Tmp struct {
	f *os.File
}

// OpenTmp opens or creates overlayPath for full read-write access, creating
// its parent directories as needed.
func OpenTmp(overlayPath string, flags int, perm os.FileMode) (*Tmp, error) {
	if err := os.MkdirAll(filepath.Dir(overlayPath), 0700); err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrIO, "open", overlayPath)
	}

	f, err := os.OpenFile(overlayPath, flags, perm)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cerrors.WrapWithDetail(err, cerrors.ErrNotFound, "open", overlayPath)
		}
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrIO, "open", overlayPath)
	}
	return &Tmp{f: f}, nil
}

func (t *Tmp) Read(buf []byte) (int, error) {
	n, err := t.f.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, cerrors.Wrap(err, cerrors.ErrIO, "read")
	}
	return n, nil
}

func (t *Tmp) Write(buf []byte) (int, error) {
	n, err := t.f.Write(buf)
	if err != nil {
		return n, wrapWriteErr(err, "write")
	}
	return n, nil
}

func (t *Tmp) Close() error {
	return t.f.Close()
}

func (t *Tmp) Statx() (Stat, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(t.f.Fd()), &st); err != nil {
		return Stat{}, cerrors.Wrap(err, cerrors.ErrIO, "statx")
	}
	return statFromUnix(&st), nil
}
