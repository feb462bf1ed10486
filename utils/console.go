// Package utils provides small helpers shared by the command line frontend.
package utils

import (
	"os"

	"golang.org/x/term"
)

// TerminalStatus describes the supervisor's own controlling terminal, used
// only for the CLI's status output. bVisor has no console-socket/PTY
// concept for the guest itself: the guest's stdio is passed through
// untouched, so there is nothing here for a guest process to attach to.
type TerminalStatus struct {
	IsTerminal bool
	Cols, Rows int
}

// DescribeTerminal reports whether f is attached to a terminal and, if so,
// its current size.
func DescribeTerminal(f *os.File) TerminalStatus {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return TerminalStatus{}
	}

	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return TerminalStatus{IsTerminal: true}
	}
	return TerminalStatus{IsTerminal: true, Cols: cols, Rows: rows}
}
