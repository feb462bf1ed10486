package dispatch

import (
	"syscall"
	"time"

	"github.com/butterdotdev/bvisor/membridge"
	"github.com/butterdotdev/bvisor/notif"
)

func handleGetpid(d *Dispatcher, mem *membridge.Bridge, n notif.Notification) Result {
	caller, err := d.Registry.Get(n.AbsTid)
	if err != nil {
		return Error(syscall.ESRCH)
	}
	leader, err := d.Registry.Get(caller.AbsTgid)
	if err != nil {
		return Success(int64(caller.NsTid()))
	}
	nsTgid, ok := leader.NsTidIn(caller.Namespace)
	if !ok {
		return Success(int64(caller.NsTid()))
	}
	return Success(int64(nsTgid))
}

func handleGettid(d *Dispatcher, mem *membridge.Bridge, n notif.Notification) Result {
	caller, err := d.Registry.Get(n.AbsTid)
	if err != nil {
		return Error(syscall.ESRCH)
	}
	return Success(int64(caller.NsTid()))
}

func handleGetppid(d *Dispatcher, mem *membridge.Bridge, n notif.Notification) Result {
	caller, err := d.Registry.Get(n.AbsTid)
	if err != nil {
		return Error(syscall.ESRCH)
	}
	if caller.ParentAbsTid == 0 {
		return Success(0)
	}
	parent, err := d.Registry.Get(caller.ParentAbsTid)
	if err != nil {
		return Success(0)
	}
	leader, err := d.Registry.Get(parent.AbsTgid)
	if err != nil {
		return Success(0)
	}
	nsTgid, ok := leader.NsTidIn(caller.Namespace)
	if !ok {
		return Success(0)
	}
	return Success(int64(nsTgid))
}

func handleKill(d *Dispatcher, mem *membridge.Bridge, n notif.Notification) Result {
	nsTgid := int32(int(n.Args[0]))
	sig := syscall.Signal(int(n.Args[1]))
	if nsTgid <= 0 {
		return Error(syscall.EINVAL)
	}

	target, err := d.Registry.GetNamespaced(n.AbsTid, nsTgid)
	if err != nil {
		return Error(syscall.ESRCH)
	}
	if err := syscall.Kill(int(target.AbsTgid), sig); err != nil {
		return Error(err.(syscall.Errno))
	}
	return Success(0)
}

func handleExit(d *Dispatcher, mem *membridge.Bridge, n notif.Notification) Result {
	d.Registry.HandleExit(n.AbsTid)
	return Continue()
}

func handleExitGroup(d *Dispatcher, mem *membridge.Bridge, n notif.Notification) Result {
	caller, err := d.Registry.Get(n.AbsTid)
	if err == nil {
		for _, absTid := range d.Registry.ThreadGroupMembers(caller.AbsTgid) {
			d.Registry.HandleExit(absTid)
		}
	}
	return Continue()
}

// sysinfoLayout mirrors the leading, fixed-size fields of struct sysinfo
// that bVisor synthesizes (spec §4.8); the kernel struct has further
// padding/reserved fields this layout deliberately omits since handlers
// never read them back.
type sysinfoLayout struct {
	Uptime   int64
	Loads    [3]uint64
	Totalram uint64
	Freeram  uint64
	Sharedram uint64
	Bufferram uint64
	Totalswap uint64
	Freeswap  uint64
	Procs     uint16
	Pad       uint16
	Totalhigh uint64
	Freehigh  uint64
	MemUnit   uint32
}

func handleSysinfo(d *Dispatcher, mem *membridge.Bridge, n notif.Notification) Result {
	infoAddr := uintptr(n.Args[0])

	procs := d.Registry.Len()
	if procs > 0xffff {
		procs = 0xffff
	}

	info := sysinfoLayout{
		Uptime:   time.Now().Unix() - d.startTime,
		Totalram: 2 << 30,
		Freeram:  1 << 30,
		Procs:    uint16(procs),
		MemUnit:  1,
	}
	if err := membridge.Write(mem, infoAddr, info); err != nil {
		return Error(syscall.EFAULT)
	}
	return Success(0)
}

func handleClockNanosleep(d *Dispatcher, mem *membridge.Bridge, n notif.Notification) Result {
	return Continue()
}
