package backend

import (
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"

	cerrors "github.com/butterdotdev/bvisor/errors"
)

// Passthrough reads straight from the host file a route resolved to,
// refusing any write outright.
type Passthrough struct {
	f *os.File
}

// OpenPassthrough opens hostPath read-only and wraps it as a Passthrough
// backend.
func OpenPassthrough(hostPath string) (*Passthrough, error) {
	f, err := os.OpenFile(hostPath, os.O_RDONLY, 0)
	if err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrNotFound, "open", hostPath)
	}
	return &Passthrough{f: f}, nil
}

func (p *Passthrough) Read(buf []byte) (int, error) {
	n, err := p.f.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, cerrors.Wrap(err, cerrors.ErrIO, "read")
	}
	return n, nil
}

func (p *Passthrough) Write(buf []byte) (int, error) {
	return 0, errReadOnly("write")
}

func (p *Passthrough) Close() error {
	return p.f.Close()
}

func (p *Passthrough) Statx() (Stat, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(p.f.Fd()), &st); err != nil {
		return Stat{}, cerrors.Wrap(err, cerrors.ErrIO, "statx")
	}
	return statFromUnix(&st), nil
}
