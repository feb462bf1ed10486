package backend

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/butterdotdev/bvisor/procns"

	cerrors "github.com/butterdotdev/bvisor/errors"
)

// Proc renders a single /proc entry into an in-memory buffer once, at open
// time; reads and a statx of its size are served from that buffer, and
// writes are refused (spec §4.5).
type Proc struct {
	content []byte
	offset  int
}

// RenderProc renders the /proc entry named by path (relative to /proc, e.g.
// "self", "self/status", "7", "7/status") as seen by callerAbsTid, applying
// the namespace visibility rule: a target not resolvable in the caller's
// own namespace is ENOENT, exactly as if it didn't exist.
func RenderProc(reg *procns.Registry, callerAbsTid int32, path string) (*Proc, error) {
	segments := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)
	if len(segments) == 0 || segments[0] == "" {
		return nil, cerrors.New(cerrors.ErrNotFound, "proc", "empty proc path")
	}

	var nsTid int32
	if segments[0] == "self" {
		caller, err := reg.Get(callerAbsTid)
		if err != nil {
			return nil, cerrors.New(cerrors.ErrNotFound, "proc", "caller has no thread record")
		}
		nsTid = caller.NsTid()
	} else {
		n, err := strconv.Atoi(segments[0])
		if err != nil {
			return nil, cerrors.New(cerrors.ErrNotFound, "proc", "pid component is not numeric")
		}
		nsTid = int32(n)
	}

	target, err := reg.GetNamespaced(callerAbsTid, nsTid)
	if err != nil {
		return nil, cerrors.New(cerrors.ErrNotFound, "proc", "pid not visible in caller's namespace")
	}

	if len(segments) == 2 && segments[1] == "status" {
		return &Proc{content: renderStatus(reg, target)}, nil
	}
	if len(segments) == 1 {
		return &Proc{content: []byte(fmt.Sprintf("%d\n", target.NsTid()))}, nil
	}

	return nil, cerrors.New(cerrors.ErrNotFound, "proc", "unsupported proc entry")
}

// renderStatus builds a minimal /proc/<pid>/status body. NsTgid is the
// thread-group leader's tid as seen from the target's own namespace, which
// equals the target's own NsTid when it is its own leader. PPid mirrors
// handleGetppid's resolution: the parent's tgid remapped into t's own
// namespace, or 0 when the parent isn't visible there (or t is guest root).
func renderStatus(reg *procns.Registry, t *procns.Thread) []byte {
	nsTgid := t.NsTid()
	if t.AbsTgid != t.AbsTid {
		if leader, err := reg.Get(t.AbsTgid); err == nil {
			if tgidInNs, ok := leader.NsTidIn(t.Namespace); ok {
				nsTgid = tgidInNs
			}
		}
	}

	var nsPpid int32
	if t.ParentAbsTid != 0 {
		if parent, err := reg.Get(t.ParentAbsTid); err == nil {
			if leader, err := reg.Get(parent.AbsTgid); err == nil {
				if ppidInNs, ok := leader.NsTidIn(t.Namespace); ok {
					nsPpid = ppidInNs
				}
			}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Name:\tguest\n")
	fmt.Fprintf(&b, "Pid:\t%d\n", t.NsTid())
	fmt.Fprintf(&b, "Tgid:\t%d\n", nsTgid)
	fmt.Fprintf(&b, "PPid:\t%d\n", nsPpid)

	b.WriteString("NSpid:")
	for _, pid := range t.NSpidChain() {
		fmt.Fprintf(&b, "\t%d", pid)
	}
	b.WriteString("\n")

	return []byte(b.String())
}

func (p *Proc) Read(buf []byte) (int, error) {
	if p.offset >= len(p.content) {
		return 0, nil
	}
	n := copy(buf, p.content[p.offset:])
	p.offset += n
	return n, nil
}

func (p *Proc) Write(buf []byte) (int, error) {
	return 0, errReadOnly("write")
}

func (p *Proc) Close() error {
	return nil
}

func (p *Proc) Statx() (Stat, error) {
	return Stat{Mode: 0444, Size: int64(len(p.content))}, nil
}
