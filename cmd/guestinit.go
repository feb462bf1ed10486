package cmd

import (
	"github.com/spf13/cobra"

	"github.com/butterdotdev/bvisor/guestinit"
)

// guestinitCmd is the re-exec'd bootstrap supervisor.Run spawns in the
// guest's own process image, analogous to runc's hidden "init" command.
var guestinitCmd = &cobra.Command{
	Use:                "__guestinit -- argv...",
	Short:              "Install the trap filter and exec the guest command (internal use)",
	Hidden:             true,
	Args:               cobra.MinimumNArgs(1),
	DisableFlagParsing: true,
	RunE:               runGuestinit,
}

func init() {
	rootCmd.AddCommand(guestinitCmd)
}

func runGuestinit(cmd *cobra.Command, args []string) error {
	return guestinit.Run(args)
}
