// ============================================================================
// stepcache CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands around the controller, configured from YAML
//
// Command Structure:
//   stepcache                      # Root command
//   ├── run                        # Start workers, reaper, metrics and health
//   ├── enqueue                    # Enqueue a dataset or a single job
//   │   ├── --dataset, -d         # Dataset name (required)
//   │   ├── --job-type            # Single step instead of the first steps
//   │   ├── --config-name         # Config for config/split steps
//   │   ├── --split               # Split for split steps
//   │   ├── --priority            # normal | low
//   │   └── --force               # Recompute even if the cache is fresh
//   ├── delete                     # Cancel the jobs and drop the answers of a dataset
//   ├── status                     # Job counts per step and status
//   │   ├── --dataset, -d         # In-process steps and cached kinds of one dataset
//   │   └── --json                # Print JSON
//   ├── graph                      # Print the processing graph
//   ├── --config, -c              # Config file (default: configs/default.yaml)
//   └── --version
//
// Configuration Management:
//   YAML sections: database, graph, worker, metrics, health, log.
//   Zero values are replaced by defaults (applyDefaults).
//
// run Command:
//   1. Load config, set up logging
//   2. Open the database, load the graph, build the controller
//   3. Start metrics HTTP server and gRPC health server (if enabled)
//   4. Start the controller
//   5. Wait for SIGINT / SIGTERM, then shut everything down
//
//   Several run processes may share one database; each only claims the
//   job types it has runners for.
//
//   Examples:
//     ./stepcache run
//     ./stepcache run -c custom-config.yaml
//     ./stepcache enqueue -d user/dataset --priority low
//     ./stepcache enqueue -d user/dataset --job-type split-opt-in-out-urls-count --config-name default --split train
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/ChuLiYu/stepcache/internal/controller"
	"github.com/ChuLiYu/stepcache/internal/graph"
	"github.com/ChuLiYu/stepcache/internal/metrics"
	"github.com/ChuLiYu/stepcache/internal/queue"
	"github.com/ChuLiYu/stepcache/internal/runner"
	"github.com/ChuLiYu/stepcache/internal/runner/optinout"
	"github.com/ChuLiYu/stepcache/internal/store"
	"github.com/ChuLiYu/stepcache/pkg/types"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Database store.Config `yaml:"database"`

	Graph struct {
		SpecPath string `yaml:"spec_path"`
	} `yaml:"graph"`

	Worker struct {
		WorkerCount        int           `yaml:"worker_count"`
		PollInterval       time.Duration `yaml:"poll_interval"`
		MaxPollInterval    time.Duration `yaml:"max_poll_interval"`
		MaxJobDuration     time.Duration `yaml:"max_job_duration"`
		MaxRetries         *int          `yaml:"max_retries"` // absent means the default, 0 cancels on the first reap
		ReapInterval       time.Duration `yaml:"reap_interval"`
		DatasetParallelism int           `yaml:"dataset_parallelism"`
	} `yaml:"worker"`

	Metrics struct {
		Enabled         bool          `yaml:"enabled"`
		Port            int           `yaml:"port"`
		CollectInterval time.Duration `yaml:"collect_interval"`
	} `yaml:"metrics"`

	Health struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"health"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

const (
	defaultDSN         = "stepcache.db"
	defaultGraphPath   = "configs/graph.yaml"
	defaultMetricsPort = 9090
	defaultHealthPort  = 50051
)

func (c *Config) applyDefaults() {
	if c.Database.DSN == "" {
		c.Database.DSN = defaultDSN
	}
	if c.Graph.SpecPath == "" {
		c.Graph.SpecPath = defaultGraphPath
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = defaultMetricsPort
	}
	if c.Health.Port == 0 {
		c.Health.Port = defaultHealthPort
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) controllerConfig() controller.Config {
	collect := c.Metrics.CollectInterval
	if !c.Metrics.Enabled {
		collect = -1
	}
	return controller.Config{
		WorkerCount:     c.Worker.WorkerCount,
		PollInterval:    c.Worker.PollInterval,
		MaxPollInterval: c.Worker.MaxPollInterval,
		MaxJobDuration:  c.Worker.MaxJobDuration,
		MaxRetries:      c.Worker.MaxRetries,
		ReapInterval:    c.Worker.ReapInterval,
		CollectInterval: collect,
	}
}

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stepcache",
		Short: "stepcache: a processing-graph scheduler with a versioned result cache",
		Long: `stepcache runs the steps of a processing graph for datasets:
- persistent priority queue with deduplication
- versioned cache of every step's answer
- stale job recovery
- Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildDeleteCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildGraphCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the workers, the reaper and the metrics collector",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cmd.ErrOrStderr())
		},
	}
}

func runSystem(ctx context.Context, logOut io.Writer) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := setupLogger(cfg, logOut)
	if err != nil {
		return err
	}

	db, g, err := openComponents(cfg)
	if err != nil {
		return err
	}
	defer store.Close(db)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}
	ctrl, err := controller.NewController(db, g, newRegistry(cfg), collector, cfg.controllerConfig())
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Port)
		go func() {
			logger.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := metricsSrv.Start(); err != nil {
				logger.Error("Metrics server error", "error", err)
			}
		}()
	}

	var health *healthServer
	if cfg.Health.Enabled {
		health, err = startHealthServer(cfg.Health.Port)
		if err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
		logger.Info("Health server listening", "addr", health.Addr())
	}

	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	if health != nil {
		health.SetServing(true)
	}
	logger.Info("System started", "config", configFile, "graph", cfg.Graph.SpecPath, "database", cfg.Database.DSN)

	<-ctx.Done()
	logger.Info("Received shutdown signal, stopping gracefully...")

	if health != nil {
		health.SetServing(false)
	}
	ctrl.Stop()
	if health != nil {
		health.Stop()
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to stop metrics server", "error", err)
		}
	}

	logger.Info("System stopped")
	return nil
}

// ============================================================================
// enqueue / delete
// ============================================================================

func buildEnqueueCommand() *cobra.Command {
	var (
		dataset  string
		jobType  string
		config   string
		split    string
		priority string
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue the first steps of a dataset, or one job",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := types.Priority(priority)
			if p != types.PriorityNormal && p != types.PriorityLow {
				return fmt.Errorf("invalid priority %q (normal or low)", priority)
			}
			return enqueue(cmd.Context(), cmd.OutOrStdout(), queue.UpsertParams{
				JobType:  jobType,
				Key:      types.PartitionKey{Dataset: dataset, Config: config, Split: split},
				Priority: p,
				Force:    force,
			})
		},
	}

	cmd.Flags().StringVarP(&dataset, "dataset", "d", "", "dataset name")
	cmd.Flags().StringVar(&jobType, "job-type", "", "enqueue only this step")
	cmd.Flags().StringVar(&config, "config-name", "", "config name, for config and split steps")
	cmd.Flags().StringVar(&split, "split", "", "split name, for split steps")
	cmd.Flags().StringVar(&priority, "priority", string(types.PriorityNormal), "normal or low")
	cmd.Flags().BoolVar(&force, "force", false, "recompute even if the cached answer is fresh")
	_ = cmd.MarkFlagRequired("dataset")

	return cmd
}

func enqueue(ctx context.Context, out io.Writer, p queue.UpsertParams) error {
	ctrl, db, err := offlineController()
	if err != nil {
		return err
	}
	defer store.Close(db)

	var jobs []*types.Job
	if p.JobType == "" {
		jobs, err = ctrl.EnqueueDataset(ctx, p.Key.Dataset, p.Priority, p.Force)
	} else {
		var job *types.Job
		job, err = ctrl.EnqueueJob(ctx, p)
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}
	return writeJSON(out, jobs)
}

func buildDeleteCommand() *cobra.Command {
	var dataset string

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Cancel the jobs and delete the cached answers of a dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, db, err := offlineController()
			if err != nil {
				return err
			}
			defer store.Close(db)

			cancelled, deleted, err := ctrl.DeleteDataset(cmd.Context(), dataset)
			if err != nil {
				return fmt.Errorf("failed to delete dataset: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"dataset":         dataset,
				"cancelled_jobs":  cancelled,
				"deleted_entries": deleted,
			})
		},
	}
	cmd.Flags().StringVarP(&dataset, "dataset", "d", "", "dataset name")
	_ = cmd.MarkFlagRequired("dataset")
	return cmd
}

// offlineController builds a controller that is never started, for one-shot
// commands that only touch the store.
func offlineController() (*controller.Controller, *gorm.DB, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	db, g, err := openComponents(cfg)
	if err != nil {
		return nil, nil, err
	}
	ctrl, err := controller.NewController(db, g, newRegistry(cfg), nil, cfg.controllerConfig())
	if err != nil {
		_ = store.Close(db)
		return nil, nil, fmt.Errorf("failed to create controller: %w", err)
	}
	return ctrl, db, nil
}

// ============================================================================
// status / graph
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var (
		asJSON  bool
		dataset string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show job counts per step and status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataset != "" {
				return showDatasetStatus(cmd.Context(), cmd.OutOrStdout(), dataset, asJSON)
			}
			return showStatus(cmd.Context(), cmd.OutOrStdout(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().StringVarP(&dataset, "dataset", "d", "", "show the dataset-level steps of one dataset instead")
	return cmd
}

func showDatasetStatus(ctx context.Context, out io.Writer, dataset string, asJSON bool) error {
	ctrl, db, err := offlineController()
	if err != nil {
		return err
	}
	defer store.Close(db)

	status, err := ctrl.DatasetStatus(ctx, dataset)
	if err != nil {
		return fmt.Errorf("failed to get dataset status: %w", err)
	}
	if asJSON {
		return writeJSON(out, status)
	}

	fmt.Fprintf(out, "Dataset:    %s\n", status.Dataset)
	fmt.Fprintf(out, "In process: %s\n", joinOrDash(status.InProcess))
	fmt.Fprintf(out, "Cached:     %s\n", joinOrDash(status.Cached))
	return nil
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func showStatus(ctx context.Context, out io.Writer, asJSON bool) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	db, g, err := openComponents(cfg)
	if err != nil {
		return err
	}
	defer store.Close(db)

	q := queue.New(db)
	perStep := make(map[string]map[types.JobStatus]int64, len(g.Steps()))
	for _, step := range g.Steps() {
		counts, err := q.CountByStatusForType(ctx, step.JobType)
		if err != nil {
			return err
		}
		perStep[step.JobType] = counts
	}

	if asJSON {
		return writeJSON(out, perStep)
	}

	fmt.Fprintf(out, "Database: %s\n\n", cfg.Database.DSN)
	fmt.Fprintf(out, "%-40s", "STEP")
	for _, s := range types.AllStatuses {
		fmt.Fprintf(out, " %10s", strings.ToUpper(string(s)))
	}
	fmt.Fprintln(out)
	for _, step := range g.Steps() {
		fmt.Fprintf(out, "%-40s", step.JobType)
		for _, s := range types.AllStatuses {
			fmt.Fprintf(out, " %10d", perStep[step.JobType][s])
		}
		fmt.Fprintln(out)
	}
	return nil
}

func buildGraphCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Print the processing graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			g, err := graph.LoadFile(cfg.Graph.SpecPath)
			if err != nil {
				return err
			}
			printGraph(cmd.OutOrStdout(), g)
			return nil
		},
	}
}

func printGraph(out io.Writer, g *graph.Graph) {
	for _, step := range g.Steps() {
		fmt.Fprintf(out, "%s (%s, v%d)\n", step.Name, step.InputType, step.Version)
		if len(step.Parents) > 0 {
			fmt.Fprintf(out, "  parents:  %s\n", strings.Join(step.Parents, ", "))
		}
		if len(step.Children) > 0 {
			fmt.Fprintf(out, "  children: %s\n", strings.Join(step.Children, ", "))
		}
	}
}

// ============================================================================
// helpers
// ============================================================================

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyDefaults()

	return &cfg, nil
}

func setupLogger(cfg *Config, out io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Log.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q (text or json)", cfg.Log.Format)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level)
	return logger, nil
}

func openComponents(cfg *Config) (*gorm.DB, *graph.Graph, error) {
	g, err := graph.LoadFile(cfg.Graph.SpecPath)
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Open(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return db, g, nil
}

func newRegistry(cfg *Config) *runner.Registry {
	registry, err := runner.NewRegistry(
		optinout.SplitCount{},
		optinout.DatasetCount{Parallelism: cfg.Worker.DatasetParallelism},
	)
	if err != nil {
		// the runner list is static
		panic(err)
	}
	return registry
}

func writeJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
