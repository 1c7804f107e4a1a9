package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	echochat "github.com/echochat/echochat-go"
	"github.com/spf13/cobra"
)

const commandTimeout = 60 * time.Second

var (
	conversationsJSON bool
	createTitle       string
)

func init() {
	conversationsListCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	conversationsCreateCmd.Flags().StringVar(&createTitle, "title", "", "Rename the new conversation right away")
	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsCreateCmd)
	conversationsCmd.AddCommand(conversationsRenameCmd)
	rootCmd.AddCommand(conversationsCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "List, create and rename conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		view := s.engine.Snapshot()
		if conversationsJSON {
			data, _ := json.MarshalIndent(view.Conversations, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		if len(view.Conversations) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		fmt.Println(renderConversations(view.Conversations, view.SelectedID))
		return nil
	},
}

var conversationsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		conv, err := s.engine.CreateConversation(ctx)
		if err != nil {
			return err
		}
		if createTitle != "" {
			// Creation leaves the new conversation in rename editing.
			s.engine.SetEditingName(createTitle)
			if err := s.engine.CommitRename(ctx, echochat.CommitEnter); err != nil {
				fmt.Printf("Created %s but could not rename it: %v\n", conv.ID, err)
				return nil
			}
		}

		view := s.engine.Snapshot()
		fmt.Println(renderConversations(view.Conversations, view.SelectedID))
		return nil
	},
}

var conversationsRenameCmd = &cobra.Command{
	Use:   "rename <conversation-id> <title>",
	Short: "Rename a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.engine.Rename(ctx, args[0], args[1]); err != nil {
			return err
		}
		conv, _ := s.engine.Registry().Get(args[0])
		fmt.Printf("Renamed %s to %q\n", conv.ID, conv.Title)
		return nil
	},
}
