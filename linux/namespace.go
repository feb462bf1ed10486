// Package linux provides low-level Linux primitives shared by the guest
// bootstrap and the supervisor's clone-flag interpretation.
package linux

import (
	"syscall"
)

// Clone flags relevant to interpreting a guest's own clone/clone3 syscall.
// CLONE_NEWCGROUP has no constant in the syscall package on older Go
// toolchains, so it is spelled out numerically as the teacher's table did.
const (
	CLONE_NEWNS     = syscall.CLONE_NEWNS
	CLONE_NEWUTS    = syscall.CLONE_NEWUTS
	CLONE_NEWIPC    = syscall.CLONE_NEWIPC
	CLONE_NEWPID    = syscall.CLONE_NEWPID
	CLONE_NEWNET    = syscall.CLONE_NEWNET
	CLONE_NEWUSER   = syscall.CLONE_NEWUSER
	CLONE_NEWCGROUP = 0x02000000
	CLONE_THREAD    = syscall.CLONE_THREAD
	CLONE_FILES     = syscall.CLONE_FILES
	CLONE_VM        = syscall.CLONE_VM
	CLONE_SIGHAND   = syscall.CLONE_SIGHAND
)

// CloneDecision summarizes what a clone()/clone3() flags word means for the
// thread/namespace model (spec §4.7): whether the child founds a new PID
// namespace, and whether it joins the parent's thread group rather than
// becoming a new one.
type CloneDecision struct {
	NewPidNamespace bool
	JoinThreadGroup bool
	SharesFiles     bool
}

// ClassifyCloneFlags turns a raw clone flags word into the decision
// register_child needs. Grounded on the clone flag constants the teacher
// uses to build SysProcAttr.Cloneflags, reused here to classify a guest's
// own clone call instead of the supervisor's fork of the guest.
func ClassifyCloneFlags(flags uintptr) CloneDecision {
	return CloneDecision{
		NewPidNamespace: flags&CLONE_NEWPID != 0,
		JoinThreadGroup: flags&CLONE_THREAD != 0,
		SharesFiles:     flags&CLONE_FILES != 0,
	}
}

// NewGuestSysProcAttr builds the SysProcAttr for the supervisor's initial
// fork+exec of the guest. Unlike the teacher's OCI-driven namespace set,
// bVisor's PID/namespace virtualisation is entirely software (procns), so
// the guest is started without new kernel namespaces — only a fresh
// session, so job control and signal delivery behave predictably.
func NewGuestSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setsid: true,
	}
}
