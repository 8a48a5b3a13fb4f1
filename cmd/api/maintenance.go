package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kb-assistant/backend/internal/feedback"
	"github.com/kb-assistant/backend/internal/ingestion"
	"github.com/kb-assistant/backend/internal/maintenance"
	"github.com/kb-assistant/backend/internal/metrics"
	"github.com/kb-assistant/backend/pkg/config"
	appLogger "github.com/kb-assistant/backend/pkg/logger"
)

func newMaintenanceCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "maintenance",
		Short: "Run every background job once and exit",
		Long: `Deactivates expired cache entries, then recomputes source scores and
query patterns from recorded feedback. Only the durable store is touched, so
this is safe to run from cron while the server is up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			metrics.Init()
			return runMaintenance(cmd.Context(), cfg)
		},
	}
}

func runMaintenance(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := openStores(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer st.Close()

	store := feedback.NewStore(st.db)
	scheduler := maintenance.NewScheduler(0,
		maintenance.CleanupJob(st.cache, 0),
		maintenance.FeedbackJob(feedback.NewAnalyzer(st.db, cfg.Maintenance.PatternMinSupport), store, 0),
	)
	if err := scheduler.RunOnce(ctx); err != nil {
		return fmt.Errorf("maintenance failed: %w", err)
	}

	scores, patterns := store.Snapshot().Counts()
	appLogger.Info("Maintenance complete")
	fmt.Printf("source scores: %d, query patterns: %d\n", scores, patterns)
	return nil
}

func newInvalidateCacheCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate-cache",
		Short: "Drop all cached answers after a reindex",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			st, err := openStores(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.cache.Invalidate(ctx); err != nil {
				return err
			}
			fmt.Println("cache invalidated")
			return nil
		},
	}
}

func newIndexChunksCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		file      string
		batchSize int
		keepCache bool
	)

	cmd := &cobra.Command{
		Use:   "index-chunks",
		Short: "Embed pre-chunked documents from a JSON lines file and write them to the vector index",
		Long: `Each line is one chunk:

  {"chunk_id":"...","source_id":"...","title":"...","category":"...","priority":0,
   "url":"...","text":"...","content_flag":"production","document_date":"2024-03-01"}

Cached answers are invalidated afterwards unless --keep-cache is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runIndexChunks(ctx, cfg, file, batchSize, !keepCache)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON lines chunk file")
	cmd.Flags().IntVar(&batchSize, "batch-size", 100, "chunks per embedding request")
	cmd.Flags().BoolVar(&keepCache, "keep-cache", false, "do not invalidate cached answers")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runIndexChunks(ctx context.Context, cfg *config.Config, path string, batchSize int, invalidate bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open chunk file: %w", err)
	}
	defer f.Close()

	records, err := ingestion.ReadRecords(f)
	if err != nil {
		return err
	}

	vector, err := openVector(ctx, cfg)
	if err != nil {
		return err
	}
	defer vector.Close()

	processor := ingestion.NewProcessor(newLLMClient(cfg), vector, ingestion.Config{
		BatchSize: batchSize,
	})
	n, err := processor.Process(ctx, records)
	if err != nil {
		return err
	}
	fmt.Printf("indexed %d of %d chunks\n", n, len(records))

	if !invalidate || n == 0 {
		return nil
	}

	st, err := openStores(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer st.Close()
	return st.cache.Invalidate(ctx)
}
