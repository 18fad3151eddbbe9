package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/figaro/pkg/chat"
	"github.com/go-go-golems/figaro/pkg/conversation"
)

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			convs, err := st.ListConversations(cmd.Context())
			if err != nil {
				return err
			}
			for _, conv := range convs {
				fmt.Printf("%s  %s  %s\n", conv.ID, conv.CreatedAt.Format("2006-01-02 15:04"), conv.Name)
			}
			return nil
		},
	}
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Print the displayed thread of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			convID, err := uuid.Parse(args[0])
			if err != nil {
				return errors.Wrap(err, "malformed conversation id")
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			ctrl := chat.NewController(st, nil)
			path, err := ctrl.DisplayPath(cmd.Context(), convID, conversation.NilMessageID)
			if err != nil {
				return err
			}
			for _, entry := range path {
				marker := ""
				if len(entry.SiblingIDs) > 1 {
					marker = fmt.Sprintf(" [%d/%d]", entry.SiblingIndex+1, len(entry.SiblingIDs))
				}
				fmt.Printf("%s%s: %s\n", entry.Message.Role, marker, entry.Message.Text())
			}
			return nil
		},
	}
}
