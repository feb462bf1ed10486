package dispatch

import (
	"github.com/butterdotdev/bvisor/membridge"
	"github.com/butterdotdev/bvisor/notif"
)

// handleClone and handleClone3 both just CONTINUE: the supervisor cannot
// learn the new child's tid from a clone trap (the kernel hasn't created
// it yet), so admission happens lazily, either via the registry's
// opportunistic /proc sweep or the moment the child itself raises its
// first trapped syscall (see Dispatch's sync-before-lookup step, spec
// §4.7's sync_new_threads).
func handleClone(d *Dispatcher, mem *membridge.Bridge, n notif.Notification) Result {
	return Continue()
}

func handleClone3(d *Dispatcher, mem *membridge.Bridge, n notif.Notification) Result {
	return Continue()
}
