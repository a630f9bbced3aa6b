package main

import (
	"fmt"
	"os"

	"github.com/MegaGrindStone/chat-stream/internal/render"
	"github.com/spf13/cobra"
)

var (
	// export command flags
	exportOutput string
	exportStyle  string
)

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default is stdout)")
	exportCmd.Flags().StringVar(&exportStyle, "style", "github", "highlighting style of code blocks")
}

var exportCmd = &cobra.Command{
	Use:   "export <conversation>",
	Short: "Export a stored conversation as HTML",
	Long: `Export a stored conversation as a self-contained HTML page. Messages are
rendered as markdown with highlighted code blocks.`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	conv, err := app.store.Conversation(ctx, args[0])
	if err != nil {
		return err
	}
	msgs, err := app.store.Messages(ctx, args[0])
	if err != nil {
		return err
	}

	r, err := render.New(render.WithStyle(exportStyle))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if exportOutput != "" {
		f, err := os.Create(exportOutput)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		defer f.Close()
		out = f
	}
	return r.Transcript(out, conv, msgs)
}
