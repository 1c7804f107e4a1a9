package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	echochat "github.com/echochat/echochat-go"
	"github.com/spf13/cobra"
)

var (
	messagesJSON bool
	sendWait     bool
	sendWaitFor  time.Duration
	sendTail     int
)

func init() {
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")
	sendCmd.Flags().BoolVarP(&sendWait, "wait", "w", false, "Wait for the counterpart reply")
	sendCmd.Flags().DurationVar(&sendWaitFor, "wait-timeout", 30*time.Second, "How long --wait waits")
	sendCmd.Flags().IntVar(&sendTail, "tail", 10, "Number of thread messages to print")
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a conversation thread",
	Long:  "Select a conversation: the thread is loaded from the local echo store, then merged with the service history.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.engine.Select(ctx, args[0]); err != nil {
			return fmt.Errorf("conversation %s: %w", args[0], err)
		}
		view := s.engine.Snapshot()
		if messagesJSON {
			data, _ := json.MarshalIndent(view.Thread, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Println(renderThread(view.Thread))
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message",
	Long:  "Append a message to a conversation. The message is kept locally even if the service does not accept it.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout+sendWaitFor)
		defer cancel()

		s, err := openSession(ctx, sendWait)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.engine.Select(ctx, args[0]); err != nil {
			return fmt.Errorf("conversation %s: %w", args[0], err)
		}

		s.engine.On(echochat.EventMessageFailed, func(_ string, payload any) {
			if ev, ok := payload.(echochat.MessageEvent); ok {
				fmt.Printf("%s message kept locally, the service did not accept it: %v\n",
					dimStyle.Render("!"), ev.Err)
			}
		})

		if _, err := s.engine.Send(ctx, args[1]); err != nil {
			return err
		}

		if sendWait {
			waitCtx, waitCancel := context.WithTimeout(ctx, sendWaitFor)
			err := s.engine.WaitReplies(waitCtx)
			waitCancel()
			if err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return err
			}
		}

		thread := s.engine.Snapshot().Thread
		if sendTail > 0 && len(thread) > sendTail {
			thread = thread[len(thread)-sendTail:]
		}
		fmt.Println(renderThread(thread))
		return nil
	},
}
