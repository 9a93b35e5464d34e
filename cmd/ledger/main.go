// Command ledger runs the quarterly expense pipeline and manages its queue.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/ansledger/cmd/ledger/cli"
	"github.com/odyssey-erp/ansledger/internal/api"
	"github.com/odyssey-erp/ansledger/internal/app"
	"github.com/odyssey-erp/ansledger/internal/ingest"
	"github.com/odyssey-erp/ansledger/internal/platform/cache"
	"github.com/odyssey-erp/ansledger/internal/platform/db"
	"github.com/odyssey-erp/ansledger/internal/registry"
	"github.com/odyssey-erp/ansledger/internal/store"
)

type globalFlags struct {
	limit      int
	workers    int
	year       int
	sourceURL  string
	registry   string
	outputDir  string
	jsonOutput bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string) int {
	code := cli.ExitOK
	root := newRootCmd(&code)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return cli.ExitError
	}
	return code
}

func newRootCmd(code *int) *cobra.Command {
	var flags globalFlags
	root := &cobra.Command{
		Use:           "ledger",
		Short:         "Consolidate ANS quarterly expense disclosures",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.IntVar(&flags.limit, "limit", 0, "number of most recent quarters to process")
	pf.IntVar(&flags.workers, "workers", 0, "concurrent archive downloads")
	pf.IntVar(&flags.year, "year", 0, "year assumed when a file name carries none")
	pf.StringVar(&flags.sourceURL, "source", "", "disclosure root URL or local directory")
	pf.StringVar(&flags.registry, "registry", "", "operator registry URL or local file")
	pf.StringVar(&flags.outputDir, "output", "", "directory for the exported files")
	pf.BoolVar(&flags.jsonOutput, "json", false, "print machine-readable output")

	root.AddCommand(
		newRunCmd(&flags, code),
		newEnrichCmd(&flags, code),
		newCNPJCmd(&flags, code),
		newEnqueueCmd(&flags, code),
		newQueueCmd(&flags, code),
		newRunsCmd(&flags, code),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the environment and applies the flags that were set.
func loadConfig(cmd *cobra.Command, flags *globalFlags) (*app.Config, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, err
	}
	changed := cmd.Flags().Changed
	if changed("limit") {
		cfg.Limit = flags.limit
	}
	if changed("workers") {
		cfg.Workers = flags.workers
	}
	if changed("year") {
		cfg.TargetYear = flags.year
	}
	if changed("source") {
		cfg.SourceURL = flags.sourceURL
	}
	if changed("registry") {
		cfg.RegistryURL = flags.registry
	}
	if changed("output") {
		cfg.OutputDir = flags.outputDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newRunCmd(flags *globalFlags, code *int) *cobra.Command {
	var persist, strict bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Discover, download and consolidate the latest quarters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			logger := app.NewLoggerTo(os.Stderr, cfg)

			var runStore cli.RunStore
			var stored registry.Provider
			if persist {
				repo, closeFn, err := openStore(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer closeFn()
				runStore = bumpingStore{repo: repo, cfg: cfg, logger: logger}
				stored = repo
			}
			svc := app.NewIngestService(cfg, logger, nil, stored)
			*code = cli.RunCommand(cmd.Context(), svc, runStore, cli.RunOptions{
				Limit:      cfg.Limit,
				OutputDir:  cfg.OutputDir,
				Strict:     strict,
				JSONOutput: flags.jsonOutput,
				Stdout:     cmd.OutOrStdout(),
				Stderr:     cmd.ErrOrStderr(),
			})
			return nil
		},
	}
	cmd.Flags().BoolVar(&persist, "persist", false, "store the run in PostgreSQL and invalidate the API cache")
	cmd.Flags().BoolVar(&strict, "strict", false, "exit 10 when any unit was skipped")
	return cmd
}

func newEnrichCmd(flags *globalFlags, code *int) *cobra.Command {
	var ledgerPath string
	cmd := &cobra.Command{
		Use:   "enrich",
		Short: "Reconcile an exported ledger against the operator registry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			svc := app.NewIngestService(cfg, app.NewLoggerTo(os.Stderr, cfg), nil, nil)
			*code = cli.EnrichCommand(cmd.Context(), svc, cli.EnrichOptions{
				LedgerPath: ledgerPath,
				OutputDir:  cfg.OutputDir,
				JSONOutput: flags.jsonOutput,
				Stdout:     cmd.OutOrStdout(),
				Stderr:     cmd.ErrOrStderr(),
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&ledgerPath, "ledger", "", "consolidated ledger CSV to enrich")
	_ = cmd.MarkFlagRequired("ledger")
	return cmd
}

func newCNPJCmd(flags *globalFlags, code *int) *cobra.Command {
	return &cobra.Command{
		Use:   "cnpj VALUE...",
		Short: "Validate and format CNPJ values",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			*code = cli.CNPJCommand(cli.CNPJOptions{
				Values:     args,
				JSONOutput: flags.jsonOutput,
				Stdout:     cmd.OutOrStdout(),
				Stderr:     cmd.ErrOrStderr(),
			})
			return nil
		},
	}
}

func newEnqueueCmd(flags *globalFlags, code *int) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue",
		Short: "Queue an ingest run for the worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			q, err := cli.NewQueueCLI(cfg.RedisAddr)
			if err != nil {
				return err
			}
			defer q.Close()
			limit := 0
			if cmd.Flags().Changed("limit") {
				limit = cfg.Limit
			}
			*code = cli.EnqueueCommand(cmd.Context(), q, cli.QueueOptions{
				Limit:  limit,
				Stdout: cmd.OutOrStdout(),
				Stderr: cmd.ErrOrStderr(),
			})
			return nil
		},
	}
}

func newQueueCmd(flags *globalFlags, code *int) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show the ingest queue state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			q, err := cli.NewQueueCLI(cfg.RedisAddr)
			if err != nil {
				return err
			}
			defer q.Close()
			*code = cli.QueueCommand(q, cli.QueueOptions{
				JSONOutput: flags.jsonOutput,
				Stdout:     cmd.OutOrStdout(),
				Stderr:     cmd.ErrOrStderr(),
			})
			return nil
		},
	}
}

func newRunsCmd(flags *globalFlags, code *int) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent persisted ingest runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			repo, closeFn, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeFn()
			*code = cli.RunsCommand(cmd.Context(), repo, cli.RunsOptions{
				Limit:      limit,
				JSONOutput: flags.jsonOutput,
				Stdout:     cmd.OutOrStdout(),
				Stderr:     cmd.ErrOrStderr(),
			})
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "count", 10, "number of runs to list")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), app.Version)
		},
	}
}

func openStore(ctx context.Context, cfg *app.Config) (*store.Repository, func(), error) {
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	repo := store.NewRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return repo, pool.Close, nil
}

// bumpingStore saves the run and then invalidates the API cache. A cache
// that cannot be reached only logs.
type bumpingStore struct {
	repo   *store.Repository
	cfg    *app.Config
	logger *slog.Logger
}

func (s bumpingStore) SaveRun(ctx context.Context, res *ingest.Result) error {
	if err := s.repo.SaveRun(ctx, res); err != nil {
		return err
	}
	client, closeFn, err := cache.Connect(ctx, s.cfg.RedisAddr, s.logger)
	if err != nil {
		s.logger.Warn("cache invalidation skipped", slog.Any("error", err))
		return nil
	}
	defer closeFn()
	if err := api.NewCache(client, s.cfg.CacheTTL).Bump(ctx); err != nil {
		s.logger.Warn("cache invalidation failed", slog.Any("error", err))
	}
	return nil
}
