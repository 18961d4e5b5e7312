package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "chat [message...]",
		Short: "Send a message to an entity",
		Args:  cobra.MinimumNArgs(1),
		Run:   runChat,
	}

	cmd.Flags().StringP("entity", "e", "default", "Entity (agent) name")
	cmd.Flags().StringP("user", "u", "local", "User id")
	cmd.Flags().StringP("conversation", "c", "", "Conversation id (new one if empty)")

	RootCmd.AddCommand(cmd)
}

func runChat(cmd *cobra.Command, args []string) {
	entity, _ := cmd.Flags().GetString("entity")
	user, _ := cmd.Flags().GetString("user")
	convID, _ := cmd.Flags().GetString("conversation")
	text := strings.Join(args, " ")

	a, err := openApp()
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	if convID == "" {
		rec, err := a.svc.CreateConversation(cmd.Context(), entity, user, nil)
		if err != nil {
			exitErr("create conversation", err)
		}
		convID = rec.ConversationID
		fmt.Printf("conversation: %s\n", convID)
	}

	reply, err := a.svc.SendMessage(cmd.Context(), convID, text)
	if err != nil {
		exitErr("send", err)
	}

	fmt.Println(reply.Text)
	fmt.Printf("(%d messages, %s)\n", reply.MessageCount, reply.Timestamp.Format("15:04:05"))
}
