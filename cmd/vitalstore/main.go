// Command vitalstore runs a standalone time-series store for healthcare
// observations.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/arborhealth/vitalstore/internal/config"
	"github.com/arborhealth/vitalstore/internal/logging"
	"github.com/arborhealth/vitalstore/internal/persistence"
	"github.com/arborhealth/vitalstore/internal/query"
	"github.com/arborhealth/vitalstore/internal/record"
	"github.com/arborhealth/vitalstore/internal/storage"
)

var version = "dev"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if err := newRootCommand(logger).Execute(); err != nil {
		logger.Error("exit", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger) *cobra.Command {
	var configPath, dataDir string

	root := &cobra.Command{
		Use:     "vitalstore",
		Short:   "A time-series store for healthcare observations",
		Version: version,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a JSON config file (optional)")
	root.PersistentFlags().StringVar(&dataDir, "data", "./data", "base directory for chunk and WAL files")

	root.AddCommand(
		newInsertCommand(logger, &configPath, &dataDir),
		newQueryCommand(logger, &configPath, &dataDir),
	)
	return root
}

func openEngine(logger *slog.Logger, configPath, dataDir string) (*storage.Engine, func() error, error) {
	cfg, err := config.Load(configPath, dataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	chunkDuration, err := config.ParseDuration(cfg.Storage.ChunkDuration)
	if err != nil {
		return nil, nil, fmt.Errorf("parse chunk_duration: %w", err)
	}

	pm, err := persistence.New(persistence.Config{BaseDir: cfg.Storage.Path, Logger: logger})
	if err != nil {
		return nil, nil, fmt.Errorf("open persistence: %w", err)
	}

	engine, err := storage.New(storage.Config{
		ChunkDuration: int64(chunkDuration.Seconds()),
		Persistence:   pm,
		Logger:        logger,
	})
	if err != nil {
		pm.Close()
		return nil, nil, fmt.Errorf("open storage engine: %w", err)
	}

	return engine, engine.Close, nil
}

func newInsertCommand(logger *slog.Logger, configPath, dataDir *string) *cobra.Command {
	var metric, resourceType string
	var value float64
	var timestamp int64

	cmd := &cobra.Command{
		Use:   "insert",
		Short: "Insert a single observation",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.Default(logger).With("command", "insert")

			engine, closeFn, err := openEngine(logger, *configPath, *dataDir)
			if err != nil {
				return err
			}
			defer closeFn()

			rec := record.Record{
				Timestamp:    timestamp,
				MetricName:   metric,
				Value:        value,
				ResourceType: resourceType,
			}
			if err := engine.Insert(rec); err != nil {
				return fmt.Errorf("insert: %w", err)
			}
			logger.Info("inserted", "metric", metric, "timestamp", timestamp)
			return nil
		},
	}

	cmd.Flags().StringVar(&metric, "metric", "", "metric name")
	cmd.Flags().Float64Var(&value, "value", 0, "observation value")
	cmd.Flags().StringVar(&resourceType, "resource-type", "", "resource type (e.g. Observation, Device)")
	cmd.Flags().Int64Var(&timestamp, "timestamp", 0, "unix timestamp, seconds")
	_ = cmd.MarkFlagRequired("metric")

	return cmd
}

func newQueryCommand(logger *slog.Logger, configPath, dataDir *string) *cobra.Command {
	var metric string
	var start, end int64

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query a metric's raw records over a time range",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.Default(logger).With("command", "query")

			engine, closeFn, err := openEngine(logger, *configPath, *dataDir)
			if err != nil {
				return err
			}
			defer closeFn()

			qe := query.New(engine, logger)
			series, err := qe.QueryRange(query.TimeSeriesQuery{
				Start:   start,
				End:     end,
				Metrics: []string{metric},
			})
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}
			for _, s := range series {
				for _, r := range s.Records {
					fmt.Printf("%s\t%d\t%f\n", s.Metric, r.Timestamp, r.Value)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&metric, "metric", "", "metric name")
	cmd.Flags().Int64Var(&start, "start", 0, "range start, unix seconds")
	cmd.Flags().Int64Var(&end, "end", 0, "range end, unix seconds")
	_ = cmd.MarkFlagRequired("metric")
	_ = cmd.MarkFlagRequired("end")

	return cmd
}
