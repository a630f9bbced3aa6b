package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	// send command flags
	sendConversation string
	sendAttach       []string
	sendNoStream     bool
)

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVarP(&sendConversation, "conversation", "c", "", "stored conversation to continue")
	sendCmd.Flags().StringSliceVarP(&sendAttach, "attach", "a", nil, "file to attach (repeatable)")
	sendCmd.Flags().BoolVar(&sendNoStream, "no-stream", false, "wait for the whole response instead of streaming it")
}

var sendCmd = &cobra.Command{
	Use:   "send [message]",
	Short: "Send one message and print the response",
	Long: `Send one message to the backend and print the response as it streams.

Every logical message of the response is printed as its own paragraph. The
turn is stored locally; the conversation id is printed on stderr so the
conversation can be continued with --conversation.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

func runSend(cmd *cobra.Command, args []string) error {
	text := strings.Join(args, " ")
	atts, err := readAttachments(sendAttach)
	if err != nil {
		return err
	}

	if sendNoStream {
		rec, response, err := app.sendOnce(cmd.Context(), sendConversation, text, atts)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), response)
		fmt.Fprintf(cmd.ErrOrStderr(), "conversation: %s\n", rec.ID)
		return nil
	}

	s, err := app.openSession(cmd.Context(), sendConversation, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if err := s.send(cmd.Context(), text, atts...); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "conversation: %s\n", s.record.ID)
	return nil
}
