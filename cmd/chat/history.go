package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history [conversation]",
	Short: "List stored conversations or print one",
	Long: `Without arguments, list the stored conversations, most recent first.
With a conversation id, print its messages in order.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		msgs, err := app.store.Messages(ctx, args[0])
		if err != nil {
			return err
		}
		if _, err := app.store.Conversation(ctx, args[0]); err != nil {
			return err
		}
		for _, m := range msgs {
			fmt.Fprintf(out, "[%s] %s\n\n", m.Role, m.Text())
		}
		return nil
	}

	convs, err := app.store.Conversations(ctx)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Fprintln(out, "No conversations.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUPDATED\tAGENT\tTITLE")
	for _, c := range convs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.UpdatedAt.Format("2006-01-02 15:04"), c.Agent, c.Title)
	}
	return w.Flush()
}
