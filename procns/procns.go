// Package procns implements the guest's virtual process/namespace model:
// absolute vs. namespace-relative thread and thread-group ids, and the PID
// namespace visibility rule that getpid/getppid/kill/proc rendering all
// depend on (spec §3, §4.7).
//
// The registry is the sole owner of every Thread and Namespace record; all
// of them live in plain maps addressed by AbsTid/pointer rather than linked
// via raw pointers walked by callers, so HandleExit and reparenting can
// never leave a dangling reference behind.
package procns

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/butterdotdev/bvisor/fdtable"

	cerrors "github.com/butterdotdev/bvisor/errors"
)

// Namespace is one level of PID namespace. The root namespace (depth 1) is
// created by RegisterInitial; CLONE_NEWPID children create nested ones.
type Namespace struct {
	depth     int
	parent    *Namespace
	nextNsTid int32
	nsToAbs   map[int32]int32
}

// Depth returns the namespace's nesting depth; the root guest namespace is
// depth 1.
func (n *Namespace) Depth() int { return n.depth }

// IsAncestorOrSelf reports whether n is other or an ancestor of other,
// i.e. whether a thread in n can see a thread whose innermost namespace is
// other.
func (n *Namespace) IsAncestorOrSelf(other *Namespace) bool {
	for cur := other; cur != nil; cur = cur.parent {
		if cur == n {
			return true
		}
	}
	return false
}

// Thread is one guest thread of execution.
type Thread struct {
	AbsTid       int32
	AbsTgid      int32
	ParentAbsTid int32
	Namespace    *Namespace
	Cwd          string
	Fds          *fdtable.Table

	nsTids map[*Namespace]int32
}

// NsTid returns the thread's tid as seen from its own innermost namespace.
func (t *Thread) NsTid() int32 {
	return t.nsTids[t.Namespace]
}

// NsTidIn returns the thread's tid as seen from ns, if ns can see it at
// all.
func (t *Thread) NsTidIn(ns *Namespace) (int32, bool) {
	nsTid, ok := t.nsTids[ns]
	return nsTid, ok
}

// NSpidChain returns t's tid as seen from every namespace ancestor of its
// own innermost namespace, ordered outermost (the guest's root namespace)
// to innermost (t's own). This is the "NSpid:" line of /proc/<pid>/status
// (spec §4.7), and is what the clone-flag-detection fallback compares
// lengths of against the host's real NSpid chain.
func (t *Thread) NSpidChain() []int32 {
	var chain []*Namespace
	for ns := t.Namespace; ns != nil; ns = ns.parent {
		chain = append(chain, ns)
	}

	pids := make([]int32, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		if pid, ok := t.nsTids[chain[i]]; ok {
			pids = append(pids, pid)
		}
	}
	return pids
}

// Registry owns every Thread and Namespace for a single guest run.
type Registry struct {
	mu          sync.Mutex
	threads     map[int32]*Thread
	root        *Namespace
	rootAbsTid  int32
	initialized bool
}

// NewRegistry returns an empty registry. Call RegisterInitial to seed it
// with the guest's root thread before registering any children.
func NewRegistry() *Registry {
	return &Registry{threads: make(map[int32]*Thread)}
}

// RegisterInitial registers the guest's first thread, founding the root PID
// namespace. It must be called exactly once, before any RegisterChild call.
func (r *Registry) RegisterInitial(absTid int32) *Thread {
	r.mu.Lock()
	defer r.mu.Unlock()

	ns := &Namespace{depth: 1, nextNsTid: 1, nsToAbs: make(map[int32]int32)}
	t := &Thread{
		AbsTid:       absTid,
		AbsTgid:      absTid,
		ParentAbsTid: 0,
		Namespace:    ns,
		Fds:          fdtable.New(),
		nsTids:       make(map[*Namespace]int32),
	}

	nsTid := ns.nextNsTid
	ns.nextNsTid++
	ns.nsToAbs[nsTid] = absTid
	t.nsTids[ns] = nsTid

	r.threads[absTid] = t
	r.root = ns
	r.rootAbsTid = absTid
	r.initialized = true
	return t
}

// CloneFlags is the subset of clone()/clone3() semantics register_child
// needs to interpret; callers typically build this from
// linux.ClassifyCloneFlags.
type CloneFlags struct {
	NewPidNamespace bool
	JoinThreadGroup bool
	SharesFiles     bool
}

// RegisterChild registers a new thread created by parentAbsTid, applying
// the clone semantics in flags.
func (r *Registry) RegisterChild(parentAbsTid, childAbsTid int32, flags CloneFlags) (*Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	parent, ok := r.threads[parentAbsTid]
	if !ok {
		return nil, cerrors.ErrThreadNotFound
	}

	childNs := parent.Namespace
	if flags.NewPidNamespace {
		childNs = &Namespace{
			depth:     parent.Namespace.depth + 1,
			parent:    parent.Namespace,
			nextNsTid: 1,
			nsToAbs:   make(map[int32]int32),
		}
	}

	child := &Thread{
		AbsTid:       childAbsTid,
		ParentAbsTid: parentAbsTid,
		Namespace:    childNs,
		Cwd:          parent.Cwd,
		nsTids:       make(map[*Namespace]int32),
	}

	if flags.JoinThreadGroup {
		child.AbsTgid = parent.AbsTgid
	} else {
		child.AbsTgid = childAbsTid
	}

	if flags.SharesFiles {
		child.Fds = parent.Fds
	} else {
		child.Fds = parent.Fds.DeepCopy()
	}

	// Assign an nsTid at every namespace level from the child's own
	// namespace up to the root, so an outer namespace can always resolve
	// the child even though it only ever observes inner namespaces
	// directly (spec §4.7's visibility rule).
	for ns := childNs; ns != nil; ns = ns.parent {
		nsTid := ns.nextNsTid
		ns.nextNsTid++
		ns.nsToAbs[nsTid] = childAbsTid
		child.nsTids[ns] = nsTid
	}

	r.threads[childAbsTid] = child
	return child, nil
}

// Get returns the thread identified by its absolute tid.
func (r *Registry) Get(absTid int32) (*Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.threads[absTid]
	if !ok {
		return nil, cerrors.ErrThreadNotFound
	}
	return t, nil
}

// GetNamespaced resolves nsTid as seen from callerAbsTid's own namespace
// into the thread it names. Returns ErrThreadNotFound if nsTid does not
// name a thread callerAbsTid's namespace can see.
func (r *Registry) GetNamespaced(callerAbsTid int32, nsTid int32) (*Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	caller, ok := r.threads[callerAbsTid]
	if !ok {
		return nil, cerrors.ErrThreadNotFound
	}

	absTid, ok := caller.Namespace.nsToAbs[nsTid]
	if !ok {
		return nil, cerrors.ErrThreadNotFound
	}

	target, ok := r.threads[absTid]
	if !ok {
		return nil, cerrors.ErrThreadNotFound
	}
	return target, nil
}

// HandleExit removes a thread from the registry, reparenting any of its
// children to the guest's root thread (spec §4.7).
func (r *Registry) HandleExit(absTid int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.threads[absTid]
	if !ok {
		return cerrors.ErrThreadNotFound
	}

	for ns, nsTid := range t.nsTids {
		if ns.nsToAbs[nsTid] == absTid {
			delete(ns.nsToAbs, nsTid)
		}
	}
	delete(r.threads, absTid)

	for _, child := range r.threads {
		if child.ParentAbsTid == absTid {
			child.ParentAbsTid = r.rootAbsTid
		}
	}

	return nil
}

// ThreadGroupMembers returns the AbsTid of every thread sharing tgid,
// used by exit_group to reap a whole thread group at once.
func (r *Registry) ThreadGroupMembers(tgid int32) []int32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var members []int32
	for absTid, t := range r.threads {
		if t.AbsTgid == tgid {
			members = append(members, absTid)
		}
	}
	return members
}

// RootNamespace returns the guest's root PID namespace.
func (r *Registry) RootNamespace() *Namespace {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root
}

// Len returns the number of known threads, used by sysinfo's process count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.threads)
}

// SyncNewThreads re-scans /proc/<absTid>/task/*/children for every known
// thread, picking up clone descendants the dispatcher never saw directly
// (e.g. a grandchild created by a child that exited before the supervisor
// could service the notification for its own clone). Any child tid listed
// there but missing from the registry is registered with clone flags
// inferred by DetectCloneFlags rather than from an actual clone() trap;
// this is opportunistic best-effort bookkeeping.
func (r *Registry) SyncNewThreads() error {
	r.mu.Lock()
	known := make([]int32, 0, len(r.threads))
	for absTid := range r.threads {
		known = append(known, absTid)
	}
	r.mu.Unlock()

	for _, absTid := range known {
		children, err := childTidsFromProc(absTid)
		if err != nil {
			continue // best effort; a vanished /proc entry just means the thread exited
		}
		for _, childAbsTid := range children {
			if _, err := r.Get(childAbsTid); err == nil {
				continue
			}
			flags, err := DetectCloneFlags(absTid, childAbsTid)
			if err != nil {
				continue
			}
			r.RegisterChild(absTid, childAbsTid, flags)
		}
	}
	return nil
}

// childTidsFromProc reads /proc/<absTid>/task/*/children, the kernel's own
// record of a thread's direct children.
func childTidsFromProc(absTid int32) ([]int32, error) {
	dir := fmt.Sprintf("/proc/%d/task", absTid)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []int32
	for _, e := range entries {
		data, err := os.ReadFile(dir + "/" + e.Name() + "/children")
		if err != nil {
			continue
		}
		for _, field := range strings.Fields(string(data)) {
			n, err := strconv.Atoi(field)
			if err == nil {
				out = append(out, int32(n))
			}
		}
	}
	return out, nil
}

// DetectCloneFlags infers the clone flags that created childAbsTid by
// comparing the NSpid chain lengths in /proc/<parentAbsTid>/status and
// /proc/<childAbsTid>/status: a longer chain in the child means it founded
// a new PID namespace, and a Tgid that differs from its Pid means it
// joined its parent's thread group rather than starting a new one.
func DetectCloneFlags(parentAbsTid, childAbsTid int32) (CloneFlags, error) {
	parentChain, err := nspidChain(parentAbsTid)
	if err != nil {
		return CloneFlags{}, err
	}
	childChain, err := nspidChain(childAbsTid)
	if err != nil {
		return CloneFlags{}, err
	}

	tgid, pid, err := tgidAndPid(childAbsTid)
	if err != nil {
		return CloneFlags{}, err
	}

	return CloneFlags{
		NewPidNamespace: len(childChain) > len(parentChain),
		JoinThreadGroup: tgid != pid,
		SharesFiles:     false,
	}, nil
}

// nspidChain returns the "NSpid:" field of /proc/<absTid>/status, the list
// of a thread's tid as seen from the outermost namespace in to its own.
func nspidChain(absTid int32) ([]int32, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", absTid))
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "NSpid:") {
			fields := strings.Fields(strings.TrimPrefix(line, "NSpid:"))
			chain := make([]int32, 0, len(fields))
			for _, f := range fields {
				n, err := strconv.Atoi(f)
				if err == nil {
					chain = append(chain, int32(n))
				}
			}
			return chain, nil
		}
	}
	return nil, fmt.Errorf("NSpid field not found in status for pid %d", absTid)
}

// tgidAndPid returns the Tgid and Pid fields of /proc/<absTid>/status.
func tgidAndPid(absTid int32) (tgid, pid int32, err error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", absTid))
	if err != nil {
		return 0, 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		switch {
		case strings.HasPrefix(line, "Tgid:"):
			n, _ := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Tgid:")))
			tgid = int32(n)
		case strings.HasPrefix(line, "Pid:"):
			n, _ := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Pid:")))
			pid = int32(n)
		}
	}
	return tgid, pid, nil
}
