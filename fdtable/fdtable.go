// Package fdtable implements a guest's virtual file descriptor table: the
// mapping from a virtual fd the guest believes it owns to the FileHandle
// actually backing it (spec §3, §4.6).
package fdtable

import (
	"sync"

	cerrors "github.com/butterdotdev/bvisor/errors"
)

// firstVfd is the lowest virtual fd the table ever allocates; 0, 1, and 2
// are reserved for stdio and always CONTINUE straight to the guest's real
// descriptors rather than passing through a FileHandle.
const firstVfd = 3

// Handle is anything a virtual fd can point to. Concrete variants live in
// the backend package; fdtable only needs the shared contract.
type Handle interface {
	Close() error
}

// entry pairs a handle with its reference count, so CLONE_FILES sharing and
// plain fork's table copy can both point at the same handle without a
// double-close.
type entry struct {
	handle Handle
	refs   int
}

// Table is a single guest thread's (or thread group's, under CLONE_FILES)
// virtual fd table.
type Table struct {
	mu      sync.Mutex
	entries map[int32]*entry
	next    int32
}

// New returns an empty table, the next insertion starting at vfd 3.
func New() *Table {
	return &Table{
		entries: make(map[int32]*entry),
		next:    firstVfd,
	}
}

// Insert adds handle to the table at the lowest free vfd >= 3 and returns
// that vfd.
func (t *Table) Insert(handle Handle) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	vfd := t.lowestFreeLocked()
	t.entries[vfd] = &entry{handle: handle, refs: 1}
	return vfd
}

// lowestFreeLocked scans from firstVfd for the lowest unused slot, so a gap
// left by Remove gets reused before the table grows. t.next only records one
// past the highest vfd handed out; the scan does not read it.
func (t *Table) lowestFreeLocked() int32 {
	for vfd := int32(firstVfd); ; vfd++ {
		if _, ok := t.entries[vfd]; !ok {
			if vfd >= t.next {
				t.next = vfd + 1
			}
			return vfd
		}
	}
}

// Peek returns the handle at vfd without affecting its reference count.
// Safe to use as the sole lookup path because the supervisor loop is
// single-threaded and cooperative (spec §5): a handler's backend call
// always completes before the next notification can remove the entry, so
// nothing transient needs its own reference the way a concurrent design
// would.
func (t *Table) Peek(vfd int32) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[vfd]
	if !ok {
		return nil, cerrors.ErrFdNotFound
	}
	return e.handle, nil
}

// Remove drops one reference to vfd's handle, closing it once the count
// reaches zero, and always removes the table slot itself: a later open at
// the same vfd number must not observe the old handle.
func (t *Table) Remove(vfd int32) error {
	t.mu.Lock()
	e, ok := t.entries[vfd]
	if !ok {
		t.mu.Unlock()
		return cerrors.ErrFdNotFound
	}
	delete(t.entries, vfd)
	e.refs--
	shouldClose := e.refs <= 0
	t.mu.Unlock()

	if shouldClose {
		return e.handle.Close()
	}
	return nil
}

// DeepCopy returns a new, independent table with the same vfd assignments
// as t, each handle's reference count bumped once. Used for a plain fork
// (no CLONE_FILES), where the child gets its own table but still shares the
// underlying handles until either side closes and reopens a descriptor.
//
// CLONE_FILES needs no method here at all: register_child just hands the
// child the parent's *Table pointer directly, so inserts and removes on
// either side are immediately visible to both (spec §4.6's reference-
// sharing decision).
func (t *Table) DeepCopy() *Table {
	t.mu.Lock()
	defer t.mu.Unlock()

	cloned := &Table{
		entries: make(map[int32]*entry, len(t.entries)),
		next:    t.next,
	}
	for vfd, e := range t.entries {
		e.refs++
		cloned.entries[vfd] = e
	}
	return cloned
}

// Len returns the number of open virtual descriptors, used by tests
// asserting open/close conservation.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
