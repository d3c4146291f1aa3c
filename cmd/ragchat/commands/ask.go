package commands

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/54b3r/ragchat-go/internal/chat"
	"github.com/54b3r/ragchat-go/internal/logging"
	"github.com/54b3r/ragchat-go/internal/provider"
	"github.com/54b3r/ragchat-go/internal/server"
)

// NewAskCmd constructs the `ragchat ask` command, which runs one grounded
// chat turn and streams the answer text to stdout.
func NewAskCmd() *cobra.Command {
	var collectionID string
	var conversationID string
	var account string
	var showSources bool

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question grounded in a collection",
		Long: `Ask a question answered only from the passages of a collection.

The turn is recorded like an API chat turn: pass --conversation to continue
an earlier conversation with its history.

Examples:
  ragchat ask --collection 3f2a... "how many vacation days do I get?"
  ragchat ask -c 3f2a... --conversation 9c1e... "and for part-time staff?"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.NewWithWriter(os.Stderr, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
			ctx := logging.WithLogger(cmd.Context(), log)

			a, err := buildApp(ctx, log, nil)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer a.close(log)
			s := a.settings

			completer, err := provider.NewCompleter(provider.ConfigFromEnv())
			if err != nil {
				return fmt.Errorf("ask: failed to initialise model provider: %w", err)
			}
			orch, err := chat.New(chat.Config{
				Store:            a.store,
				Retriever:        a.retriever,
				Completer:        completer,
				HistoryDepth:     s.HistoryDepth,
				MaxContextTokens: s.MaxContextTokens,
				StreamTimeout:    s.StreamTimeout,
			})
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			turn, err := orch.Prepare(ctx, chat.Request{
				OwnerID:        account,
				CollectionID:   collectionID,
				ConversationID: conversationID,
				Message:        args[0],
			})
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			res, err := turn.Stream(&textWriter{w: cmd.OutOrStdout()})
			fmt.Fprintln(cmd.OutOrStdout())
			if err != nil {
				return fmt.Errorf("ask: stream ended early (%s): %w", res.End, err)
			}

			stderr := cmd.ErrOrStderr()
			if showSources {
				for _, src := range turn.Sources {
					fmt.Fprintf(stderr, "  %s %s (%.3f)\n", color.CyanString("source:"), src.Chunk.DocumentName, src.Score)
				}
			}
			fmt.Fprintf(stderr, "%s %s\n", color.HiBlackString("conversation:"), turn.Conversation.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&collectionID, "collection", "c", "", "Collection to ground the answer in (required)")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Continue an existing conversation")
	cmd.Flags().StringVar(&account, "account", server.LocalAccount, "Account that owns the collection")
	cmd.Flags().BoolVar(&showSources, "sources", false, "Print the ranked source documents after the answer")
	_ = cmd.MarkFlagRequired("collection")

	return cmd
}

// textWriter prints the answer text of the event stream. The relay writes
// exactly one event per Write call.
type textWriter struct {
	w io.Writer
}

func (t *textWriter) Write(p []byte) (int, error) {
	f, err := chat.NewDecoder(bytes.NewReader(p)).Next()
	if err != nil {
		return len(p), nil //nolint:nilerr // keep-alives and partial events carry no text
	}
	switch f.Kind {
	case chat.KindDelta:
		if _, err := io.WriteString(t.w, f.Text); err != nil {
			return 0, err
		}
	case chat.KindError:
		fmt.Fprintf(os.Stderr, "\n%s %s\n", color.RedString("provider error:"), f.Message)
	}
	return len(p), nil
}
