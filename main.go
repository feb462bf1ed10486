// bvisor is a seccomp user-notification sandbox supervisor.
//
// It runs a single guest process under supervision, trapping its syscalls
// through a seccomp user-notification filter and servicing them against a
// virtual process tree and a copy-on-write filesystem rooted at an overlay
// directory. See cmd.Execute for the CLI surface.
package main

import (
	"fmt"
	"os"

	"github.com/butterdotdev/bvisor/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bvisor: %v\n", err)
		os.Exit(1)
	}
}
