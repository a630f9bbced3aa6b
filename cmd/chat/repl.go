package main

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/chat-stream/internal/stream"
	"github.com/spf13/cobra"
)

var replConversation string

func init() {
	rootCmd.AddCommand(replCmd)

	replCmd.Flags().StringVarP(&replConversation, "conversation", "c", "", "stored conversation to continue")
}

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Chat interactively",
	Long: `Chat interactively, one message per line.

Commands:
  /new   start a new conversation
  /quit  exit`,
	Args: cobra.NoArgs,
	RunE: runREPL,
}

func runREPL(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	s, err := app.openSession(ctx, replConversation, out)
	if err != nil {
		return err
	}

	sc := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			break
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "/quit":
			return nil
		case "/new":
			s.reset()
			fmt.Fprintln(out, "Started a new conversation.")
			continue
		}

		if err := s.send(ctx, line); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, stream.ErrStale) {
				app.logger.Error("Turn failed", slog.String(errLoggerKey, err.Error()))
			}
		}
	}
	fmt.Fprintln(out)
	return sc.Err()
}
