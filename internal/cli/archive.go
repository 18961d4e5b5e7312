package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive conversations idle beyond a threshold",
		Run:   runArchive,
	}

	cmd.Flags().Int("days", 30, "Archive conversations inactive for this many days")

	RootCmd.AddCommand(cmd)
}

func runArchive(cmd *cobra.Command, args []string) {
	days, _ := cmd.Flags().GetInt("days")

	a, err := openApp()
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	n, err := a.svc.ArchiveOld(cmd.Context(), days)
	if err != nil {
		exitErr("archive", err)
	}
	fmt.Printf("archived %d conversations\n", n)
}
