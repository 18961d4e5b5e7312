package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/talekeeper/mnemo/conversation"
)

func init() {
	convCmd := &cobra.Command{
		Use:   "conversations",
		Short: "Inspect and manage conversation records",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recently active first",
		Run:   runConversationsList,
	}
	listCmd.Flags().StringP("user", "u", "", "Filter by user id")
	listCmd.Flags().StringP("entity", "e", "", "Filter by entity")

	historyCmd := &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print a conversation's message history",
		Args:  cobra.ExactArgs(1),
		Run:   runConversationsHistory,
	}
	historyCmd.Flags().IntP("limit", "l", 20, "Max messages")

	deleteCmd := &cobra.Command{
		Use:   "delete <conversation-id>",
		Short: "Soft-delete a conversation (history kept for audit)",
		Args:  cobra.ExactArgs(1),
		Run:   runConversationsDelete,
	}

	purgeCmd := &cobra.Command{
		Use:   "purge <conversation-id>",
		Short: "Hard-delete a conversation record",
		Args:  cobra.ExactArgs(1),
		Run:   runConversationsPurge,
	}

	convCmd.AddCommand(listCmd, historyCmd, deleteCmd, purgeCmd)
	RootCmd.AddCommand(convCmd)
}

func runConversationsList(cmd *cobra.Command, args []string) {
	user, _ := cmd.Flags().GetString("user")
	entity, _ := cmd.Flags().GetString("entity")

	a, err := openApp()
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	recs, err := a.svc.ListConversations(cmd.Context(), conversation.Filter{
		UserID: user,
		Entity: entity,
	})
	if err != nil {
		exitErr("list", err)
	}

	b, _ := json.MarshalIndent(recs, "", "  ")
	fmt.Println(string(b))
}

func runConversationsHistory(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")

	a, err := openApp()
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	msgs, err := a.svc.GetHistory(cmd.Context(), args[0], limit)
	if err != nil {
		exitErr("history", err)
	}

	for _, m := range msgs {
		fmt.Printf("[%s] %s: %s\n", m.Timestamp.Format("2006-01-02 15:04:05"), m.Role, m.Content)
	}
}

func runConversationsDelete(cmd *cobra.Command, args []string) {
	a, err := openApp()
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	if err := a.svc.DeleteConversation(cmd.Context(), args[0]); err != nil {
		exitErr("delete", err)
	}
	fmt.Println("deleted")
}

func runConversationsPurge(cmd *cobra.Command, args []string) {
	a, err := openApp()
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	if err := a.svc.PurgeConversation(cmd.Context(), args[0]); err != nil {
		exitErr("purge", err)
	}
	fmt.Println("purged")
}
