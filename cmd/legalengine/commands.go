package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gomaslegal/legalengine/internal/adapters/contentstore"
	"github.com/gomaslegal/legalengine/internal/domain/entities"
)

// watchCmd runs the full system: watcher, pipeline workers and API.
func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the input directory and serve the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			a, err := buildApp(cfg, log, true)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			inputDir := contentstore.DefaultLayout(cfg.BaseDir).Input
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.ingest.Run(gctx, inputDir) })
			g.Go(func() error { return a.server().Start(gctx) })

			log.Info("watching", "input", inputDir, "addr", cfg.Server.Addr)
			return g.Wait()
		},
	}
}

// serveCmd runs only the API over an existing corpus.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the API without watching for new files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, log, false)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()
			return a.server().Start(ctx)
		},
	}
}

// submitCmd ingests one file synchronously.
func submitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <file>",
		Short: "Ingest a single document and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			a, err := buildApp(cfg, log, false)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			// Copy into the input directory so artifacts land in the
			// standard layout even for one-shot submissions.
			inputDir := contentstore.DefaultLayout(cfg.BaseDir).Input
			dst := filepath.Join(inputDir, filepath.Base(args[0]))
			if err := copyFile(args[0], dst); err != nil {
				return err
			}
			if err := a.ingest.ProcessFile(ctx, dst); err != nil {
				return err
			}
			fmt.Println("done")
			return nil
		},
	}
}

// queryCmd asks a question over the indexed corpus.
func queryCmd() *cobra.Command {
	var docIDs []int64
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Answer a question over the indexed documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, log, false)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			resp, err := a.query.Query(ctx, &entities.QueryRequest{
				Query:  strings.Join(args, " "),
				DocIDs: docIDs,
			})
			if err != nil {
				return err
			}
			fmt.Println(resp.Answer)
			if len(resp.Sources) > 0 {
				fmt.Println("\nFuentes:", formatIDs(resp.Sources))
			}
			return nil
		},
	}
	cmd.Flags().Int64SliceVar(&docIDs, "doc", nil, "restrict to specific document ids")
	return cmd
}

// searchCmd runs a full-text search without generation.
func searchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <terms>",
		Short: "Full-text search over the corpus",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, log, false)
			if err != nil {
				return err
			}
			defer a.close()

			results, err := a.query.Search(context.Background(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("sin resultados")
				return nil
			}
			for _, r := range results {
				fmt.Printf("%6.2f  #%d  %s  [%s]\n", r.Score, r.Document.ID, r.Document.Filename, r.Document.State)
			}
			return nil
		},
	}
}

// listCmd prints every tracked document.
func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tracked documents and their states",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, log, false)
			if err != nil {
				return err
			}
			defer a.close()

			docs, err := a.store.List(context.Background())
			if err != nil {
				return err
			}
			for _, d := range docs {
				line := fmt.Sprintf("#%d  %-30s  %-10s", d.ID, d.Filename, d.State)
				if d.Type != "" {
					line += fmt.Sprintf("  %s (%.2f)", d.Type, d.Confidence)
				}
				if d.LastError != "" {
					line += "  !" + d.LastError
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

// rebuildCmd regenerates the full-text index from the registry.
func rebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-index",
		Short: "Rebuild the full-text index from stored documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, log, false)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.store.Rebuild(context.Background()); err != nil {
				return err
			}
			fmt.Println("index rebuilt")
			return nil
		},
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func formatIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = "#" + strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}
