package commands

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/54b3r/ragchat-go/internal/logging"
	"github.com/54b3r/ragchat-go/internal/store"
)

// NewProcessCmd constructs the `ragchat process` command, which reruns the
// processing state machine for an existing document inline.
func NewProcessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process <document-id>",
		Short: "Reprocess a stored document and print the outcome",
		Long: `Re-extract, re-chunk and re-embed a document whose original is already
stored. Existing chunks are replaced atomically on success and removed on
failure, exactly as the HTTP process endpoint does.

Examples:
  ragchat process 0b9d6c1e-...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.NewWithWriter(os.Stderr, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
			ctx := logging.WithLogger(cmd.Context(), log)

			a, err := buildApp(ctx, log, nil)
			if err != nil {
				return fmt.Errorf("process: %w", err)
			}
			defer a.close(log)

			out, err := a.processor.Process(ctx, args[0], "")
			if err != nil {
				return fmt.Errorf("process: %w", err)
			}
			if out.Status != store.StatusCompleted {
				return fmt.Errorf("process: document failed: %s", out.Error)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d chunks from %d pages\n",
				color.GreenString("completed:"), out.ChunkCount, out.PageCount)
			return nil
		},
	}
}
