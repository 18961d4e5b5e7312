package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/talekeeper/mnemo/memory"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query...]",
		Short: "Search an entity's memory",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSearch,
	}

	cmd.Flags().StringP("entity", "e", "default", "Entity (agent) name")
	cmd.Flags().StringP("conversation", "c", "", "Restrict to one conversation")
	cmd.Flags().IntP("limit", "l", 10, "Max results")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	entity, _ := cmd.Flags().GetString("entity")
	convID, _ := cmd.Flags().GetString("conversation")
	limit, _ := cmd.Flags().GetInt("limit")

	a, err := openApp()
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	msgs, err := a.svc.SearchMemory(cmd.Context(), entity, strings.Join(args, " "), limit,
		memory.SearchFilters{ConversationID: convID})
	if err != nil {
		exitErr("search", err)
	}

	for _, m := range msgs {
		fmt.Printf("[%s %.2f] %s: %s\n",
			m.Timestamp.Format("2006-01-02"), m.Importance, m.Role, m.Content)
	}
}
