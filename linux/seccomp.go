// Package linux provides seccomp BPF filter support.
package linux

import (
	"fmt"
	"syscall"
	"unsafe"
)

// Seccomp constants.
const (
	SECCOMP_MODE_FILTER     = 2
	SECCOMP_RET_KILL_PROCESS = 0x80000000
	SECCOMP_RET_ALLOW       = 0x7fff0000
	SECCOMP_RET_USER_NOTIF  = 0x7fc00000

	PR_SET_NO_NEW_PRIVS = 38
	PR_SET_SECCOMP      = 22
)

// BPF constants.
const (
	BPF_LD  = 0x00
	BPF_JMP = 0x05
	BPF_RET = 0x06
	BPF_W   = 0x00
	BPF_ABS = 0x20
	BPF_JEQ = 0x10
	BPF_K   = 0x00
)

// Seccomp data offsets, matching struct seccomp_data.
const (
	offsetNR   = 0
	offsetArch = 4
)

// Architecture audit values.
const (
	AUDIT_ARCH_X86_64  = 0xc000003e
	AUDIT_ARCH_AARCH64 = 0xc00000b7
)

// sockFprog is the BPF program structure passed to PR_SET_SECCOMP.
type sockFprog struct {
	Len    uint16
	Filter *sockFilter
}

// sockFilter is a single BPF instruction.
type sockFilter struct {
	Code uint16
	Jt   uint8
	Jf   uint8
	K    uint32
}

// syscallMap maps syscall names to numbers on x86_64. The dispatcher and
// guest bootstrap share this table so a handler can be registered by name.
var syscallMap = map[string]int{
	"read": 0, "write": 1, "open": 2, "close": 3, "stat": 4,
	"fstat": 5, "lstat": 6, "poll": 7, "lseek": 8, "mmap": 9,
	"mprotect": 10, "munmap": 11, "brk": 12, "rt_sigaction": 13,
	"rt_sigprocmask": 14, "rt_sigreturn": 15, "ioctl": 16,
	"pread64": 17, "pwrite64": 18, "readv": 19, "writev": 20,
	"access": 21, "pipe": 22, "select": 23, "sched_yield": 24,
	"dup": 32, "dup2": 33, "nanosleep": 35,
	"getpid": 39, "clone": 56, "fork": 57, "vfork": 58,
	"execve": 59, "exit": 60, "wait4": 61, "kill": 62,
	"uname": 63, "fcntl": 72,
	"getcwd": 79, "chdir": 80, "fchdir": 81,
	"mkdir": 83, "rmdir": 84, "creat": 85,
	"unlink": 87, "readlink": 89,
	"chmod": 90, "fchmod": 91, "chown": 92, "fchown": 93,
	"getrlimit": 97, "sysinfo": 99, "times": 100,
	"getuid": 102, "getgid": 104, "geteuid": 107, "getegid": 108,
	"getppid": 110,
	"rt_sigpending": 127, "rt_sigtimedwait": 128, "rt_sigsuspend": 130,
	"statfs": 137, "fstatfs": 138,
	"prctl": 157, "arch_prctl": 158,
	"mount": 165, "umount2": 166,
	"gettid": 186, "tkill": 200, "time": 201, "futex": 202,
	"getdents64": 217, "set_tid_address": 218, "restart_syscall": 219,
	"clock_settime": 227, "clock_gettime": 228,
	"clock_getres": 229, "clock_nanosleep": 230, "exit_group": 231,
	"tgkill": 234,
	"openat": 257, "mkdirat": 258,
	"mknodat": 259, "fchownat": 260,
	"newfstatat": 262, "unlinkat": 263, "renameat": 264,
	"linkat": 265, "symlinkat": 266, "readlinkat": 267,
	"fchmodat": 268, "faccessat": 269, "pselect6": 270,
	"ppoll": 271, "unshare": 272,
	"splice": 275, "tee": 276,
	"utimensat": 280,
	"accept4": 288,
	"dup3": 292, "pipe2": 293,
	"preadv": 295, "pwritev": 296,
	"prlimit64": 302,
	"getrandom": 318, "memfd_create": 319,
	"execveat": 322,
	"copy_file_range": 326, "preadv2": 327, "pwritev2": 328,
	"statx": 332,
	"clone3": 435, "openat2": 437, "faccessat2": 439,
}

// syscallNames is the reverse of syscallMap, built once.
var syscallNames = func() map[int]string {
	m := make(map[int]string, len(syscallMap))
	for name, nr := range syscallMap {
		m[nr] = name
	}
	return m
}()

// SyscallNumber returns the syscall number for a name.
func SyscallNumber(name string) (int, bool) {
	nr, ok := syscallMap[name]
	return nr, ok
}

// SyscallName returns the name for a syscall number, or a numeric
// placeholder if unknown.
func SyscallName(nr int) string {
	if name, ok := syscallNames[nr]; ok {
		return name
	}
	return fmt.Sprintf("syscall_%d", nr)
}

// InstallTrapFilter builds (but does not install) a seccomp-bpf program
// that reports every syscall to SECCOMP_RET_USER_NOTIF except those named
// in allow, which execute normally. The caller installs the returned
// program itself after PR_SET_NO_NEW_PRIVS and before exec — see
// guestinit, which calls the seccomp(2) syscall directly so it gets the
// listener fd back.
func InstallTrapFilter(allow []string) ([]sockFilter, error) {
	var filter []sockFilter

	// Kill the process outright on any architecture other than the one we
	// built the syscall table for; a 32-bit compat syscall would otherwise
	// be interpreted against the 64-bit table.
	filter = append(filter, bpfStmt(BPF_LD|BPF_W|BPF_ABS, offsetArch))
	filter = append(filter, bpfJump(BPF_JMP|BPF_JEQ|BPF_K, AUDIT_ARCH_X86_64, 1, 0))
	filter = append(filter, bpfStmt(BPF_RET|BPF_K, SECCOMP_RET_KILL_PROCESS))

	filter = append(filter, bpfStmt(BPF_LD|BPF_W|BPF_ABS, offsetNR))

	for _, name := range allow {
		nr, ok := syscallMap[name]
		if !ok {
			return nil, fmt.Errorf("unknown syscall in allowlist: %s", name)
		}
		// On a mismatch skip only this entry's RET_ALLOW, landing on the next
		// comparison (or, after the last one, on RET_USER_NOTIF).
		filter = append(filter, bpfJump(BPF_JMP|BPF_JEQ|BPF_K, uint32(nr), 0, 1))
		filter = append(filter, bpfStmt(BPF_RET|BPF_K, SECCOMP_RET_ALLOW))
	}

	filter = append(filter, bpfStmt(BPF_RET|BPF_K, SECCOMP_RET_USER_NOTIF))

	return filter, nil
}

// bpfStmt creates a BPF statement.
func bpfStmt(code uint16, k uint32) sockFilter {
	return sockFilter{Code: code, Jt: 0, Jf: 0, K: k}
}

// bpfJump creates a BPF jump instruction.
func bpfJump(code uint16, k uint32, jt, jf uint8) sockFilter {
	return sockFilter{Code: code, Jt: jt, Jf: jf, K: k}
}

// SetNoNewPrivs sets PR_SET_NO_NEW_PRIVS, required before installing a
// seccomp filter as a non-root user.
func SetNoNewPrivs() error {
	_, _, errno := syscall.Syscall(syscall.SYS_PRCTL, PR_SET_NO_NEW_PRIVS, 1, 0)
	if errno != 0 {
		return fmt.Errorf("prctl(PR_SET_NO_NEW_PRIVS): %w", errno)
	}
	return nil
}

// FilterProgram returns the sock_fprog struct describing a filter; its
// address (see FilterProgramPointer) is the seccomp(2) syscall's third
// argument.
func FilterProgram(filter []sockFilter) (prog sockFprog) {
	prog.Len = uint16(len(filter))
	if len(filter) > 0 {
		prog.Filter = &filter[0]
	}
	return prog
}

// FilterProgramPointer returns an unsafe.Pointer to a sock_fprog built from
// filter, suitable for the seccomp(2) syscall's third argument.
func FilterProgramPointer(filter []sockFilter) unsafe.Pointer {
	prog := FilterProgram(filter)
	return unsafe.Pointer(&prog)
}
