package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/intentlab/intent/internal/dataset"
	"github.com/intentlab/intent/internal/eval"
	"github.com/intentlab/intent/internal/inference"
	"github.com/intentlab/intent/internal/model"
	"github.com/intentlab/intent/internal/wal"
)

func compareCmd() *cobra.Command {
	var (
		dataPath    string
		postgresDSN string
		query       string
		labelColumn string
		models      []string
		primary     string
		secondary   string
		format      string
		resamples   int
		seed        uint64
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Rank models on a labeled dataset",
		Long: `Scores every labeled session with each model, computes classification and
calibration metrics, ranks the models and tests the top two with McNemar's test.`,
		Example: `  intent compare --data sessions.csv
  intent compare --postgres-dsn "$POSTGRES_CONN" --query "SELECT * FROM sessions" --format table`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger()

			opts := dataset.Options{LabelColumn: labelColumn}
			var rows []eval.LabeledRow
			switch {
			case dataPath != "":
				rows, err = dataset.ReadCSVFile(dataPath, opts)
			case postgresDSN != "" && query != "":
				var src *dataset.PostgresSource
				src, err = dataset.NewPostgresSource(ctx, postgresDSN)
				if err != nil {
					return err
				}
				defer src.Close()
				rows, err = src.Query(ctx, query, opts)
			default:
				return fmt.Errorf("either --data or --postgres-dsn with --query is required")
			}
			if err != nil {
				return fmt.Errorf("failed to read dataset: %w", err)
			}
			logger.Info("dataset loaded", "rows", len(rows), "positives", dataset.Positives(rows))

			reg, err := loadRegistry(cfg, logger)
			if err != nil {
				return err
			}
			defer reg.Close()
			var handles []*model.Handle
			if len(models) == 0 {
				handles = reg.Handles()
			}
			for _, id := range models {
				h, err := reg.Get(id)
				if err != nil {
					return err
				}
				handles = append(handles, h)
			}

			ranking := cfg.Ranking
			if primary != "" {
				ranking = eval.Ranking{Primary: eval.Metric(primary), Secondary: eval.Metric(secondary)}
			}
			engine := inference.New(inference.WithLogger(logger), inference.WithWorkers(cfg.Inference.Workers))
			cmp := eval.NewComparator(engine,
				eval.WithLogger(logger),
				eval.WithRanking(ranking),
				eval.WithWorkers(cfg.Inference.Workers),
				eval.WithBootstrap(resamples, seed),
			)
			report, err := cmp.Compare(ctx, rows, handles)
			if err != nil {
				return err
			}

			switch format {
			case "json":
				return writeJSON(cmd.OutOrStdout(), report)
			case "table":
				return eval.WriteTable(cmd.OutOrStdout(), report)
			default:
				return fmt.Errorf("unknown format %q", format)
			}
		},
	}

	cmd.Flags().StringVar(&dataPath, "data", "", "Labeled CSV file")
	cmd.Flags().StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string")
	cmd.Flags().StringVar(&query, "query", "", "Query returning labeled sessions")
	cmd.Flags().StringVar(&labelColumn, "label", dataset.DefaultLabelColumn, "Label column")
	cmd.Flags().StringSliceVar(&models, "models", nil, "Model ids to compare (default all)")
	cmd.Flags().StringVar(&primary, "primary", "", "Primary ranking metric (overrides ranking.primary)")
	cmd.Flags().StringVar(&secondary, "secondary", string(eval.MetricAccuracy), "Secondary ranking metric")
	cmd.Flags().StringVar(&format, "format", "json", "Output format (json, table)")
	cmd.Flags().IntVar(&resamples, "bootstrap", 0, "Bootstrap resamples for confidence intervals (0 disables)")
	cmd.Flags().Uint64Var(&seed, "bootstrap-seed", 42, "Bootstrap seed")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Overall timeout")
	return cmd
}

func replayCmd() *cobra.Command {
	var (
		dir      string
		printAll bool
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Read the decision log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				dir = cfg.WAL.Dir
			}
			files, err := wal.Files(dir)
			if err != nil {
				return err
			}

			total, torn := 0, 0
			for _, path := range files {
				entries, skipped, err := wal.Replay(path)
				if err != nil {
					return fmt.Errorf("failed to replay %s: %w", path, err)
				}
				total += len(entries)
				torn += skipped
				if printAll {
					for _, e := range entries {
						if err := writeJSON(cmd.OutOrStdout(), e); err != nil {
							return err
						}
					}
				}
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d files, %d decisions, %d torn lines\n", len(files), total, torn)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "WAL directory (default wal.dir)")
	cmd.Flags().BoolVar(&printAll, "print", false, "Print every entry as JSON")
	return cmd
}
