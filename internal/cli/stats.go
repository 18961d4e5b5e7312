package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/talekeeper/mnemo/conversation"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		Run:   runStats,
	}

	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	a, err := openApp()
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	recs, err := a.svc.ListConversations(cmd.Context(), conversation.Filter{})
	if err != nil {
		exitErr("stats", err)
	}

	byStatus := map[conversation.Status]int{}
	messages := 0
	for _, r := range recs {
		byStatus[r.Status]++
		messages += r.MessageCount
	}

	fmt.Printf("conversations: %d (active=%d archived=%d deleted=%d)\n",
		len(recs), byStatus[conversation.StatusActive],
		byStatus[conversation.StatusArchived], byStatus[conversation.StatusDeleted])
	fmt.Printf("messages:      %d\n", messages)

	ms := a.manager.Stats()
	fmt.Printf("backends:      %d live (%s)\n", ms.LiveBackends, ms.Kind)
}
