package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/54b3r/ragchat-go/internal/logging"
	"github.com/54b3r/ragchat-go/internal/server"
	"github.com/54b3r/ragchat-go/internal/store"
)

// NewIngestCmd constructs the `ragchat ingest` command, which uploads local
// files into a collection and processes each one inline.
func NewIngestCmd() *cobra.Command {
	var collectionID string
	var newCollection string
	var account string

	cmd := &cobra.Command{
		Use:   "ingest [files...]",
		Short: "Upload and process local documents into a collection",
		Long: `Store, extract, chunk and embed local files into a collection.

Each file goes through the same validation and processing state machine as
an HTTP upload, but runs inline so failures are reported immediately.

Examples:
  ragchat ingest --new-collection handbook ./docs/*.pdf
  ragchat ingest --collection 3f2a... notes.md faq.html`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.NewWithWriter(os.Stderr, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
			ctx = logging.WithLogger(ctx, log)

			if (collectionID == "") == (newCollection == "") {
				return errors.New("ingest: exactly one of --collection or --new-collection is required")
			}

			a, err := buildApp(ctx, log, nil)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer a.close(log)

			coll, err := resolveCollection(ctx, a.store, account, collectionID, newCollection)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "collection %s (%s)\n", color.CyanString(coll.Name), coll.ID)

			bar := progressbar.NewOptions(len(args),
				progressbar.OptionSetDescription(color.BlueString("ingesting")),
				progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				progressbar.OptionSetItsString("files"),
				progressbar.OptionShowCount(),
				progressbar.OptionEnableColorCodes(true),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowElapsedTimeOnFinish(),
				progressbar.OptionSetRenderBlankState(true),
			)

			var failed []string
			for _, path := range args {
				bar.Describe(color.BlueString(filepath.Base(path)))
				if err := ingestFile(ctx, a, coll.ID, path); err != nil {
					log.Warn("ingest: file failed", slog.String("file", path), slog.Any("error", err))
					failed = append(failed, fmt.Sprintf("%s: %v", path, err))
				}
				_ = bar.Add(1)
			}
			_ = bar.Finish()
			fmt.Fprintln(cmd.ErrOrStderr())

			ok := len(args) - len(failed)
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %d processed, %s\n",
				color.GreenString("done:"), ok, failureSummary(len(failed)))
			for _, f := range failed {
				fmt.Fprintln(cmd.ErrOrStderr(), "  "+color.RedString(f))
			}
			if len(failed) > 0 {
				return fmt.Errorf("ingest: %d of %d files failed", len(failed), len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&collectionID, "collection", "c", "", "Existing collection id to add documents to")
	cmd.Flags().StringVarP(&newCollection, "new-collection", "n", "", "Create a collection with this name first")
	cmd.Flags().StringVar(&account, "account", server.LocalAccount, "Account that owns the collection")

	return cmd
}

// resolveCollection loads the named collection or creates a new one.
func resolveCollection(ctx context.Context, st *store.SQLiteStore, owner, id, name string) (*store.Collection, error) {
	if id != "" {
		return st.GetCollection(ctx, owner, id)
	}
	return st.CreateCollection(ctx, owner, strings.TrimSpace(name))
}

// ingestFile validates one file, stores the original and runs the
// processing state machine on it.
func ingestFile(ctx context.Context, a *app, collectionID, path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	if !slices.Contains(a.settings.AllowedExtensions, ext) {
		return fmt.Errorf("extension %q is not allowed", ext)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("file is empty")
	}
	if int64(len(data)) > a.settings.UploadMaxBytes {
		return fmt.Errorf("file exceeds %d bytes", a.settings.UploadMaxBytes)
	}

	name := filepath.Base(path)
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	obj, err := a.blobs.Put(ctx, name, contentType, data)
	if err != nil {
		return err
	}
	doc, err := a.store.CreateDocument(ctx, store.NewDocument{
		CollectionID: collectionID,
		Name:         name,
		SizeBytes:    int64(len(data)),
		MimeType:     contentType,
		Extension:    ext,
		BlobID:       obj.PublicID,
		BlobURL:      obj.URL,
	})
	if err != nil {
		_ = a.blobs.Delete(context.WithoutCancel(ctx), obj.PublicID)
		return err
	}

	out, err := a.processor.Process(ctx, doc.ID, "")
	if err != nil {
		return err
	}
	if out.Status != store.StatusCompleted {
		return errors.New(out.Error)
	}
	return nil
}

func failureSummary(n int) string {
	if n == 0 {
		return "0 failed"
	}
	return color.RedString("%d failed", n)
}
