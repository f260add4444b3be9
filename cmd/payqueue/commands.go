package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/tbourn/go-payment-queue/internal/app"
	"github.com/tbourn/go-payment-queue/internal/config"
	"github.com/tbourn/go-payment-queue/internal/observability"
	"github.com/tbourn/go-payment-queue/internal/repo"
	"github.com/tbourn/go-payment-queue/internal/services"
	"github.com/tbourn/go-payment-queue/internal/sysutil"
)

// cli holds what every subcommand needs once the root has set up.
type cli struct {
	cfg          config.Config
	db           *gorm.DB
	shutdownOTel func(context.Context) error
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:                "payqueue",
		Short:              "Operate the payment queue",
		Version:            version,
		SilenceUsage:       true,
		PersistentPreRunE:  c.setup,
		PersistentPostRunE: c.teardown,
	}
	root.AddCommand(
		c.processCmd(),
		c.sweepCmd(),
		c.statusCmd(),
		c.statsCmd(),
		c.migrateCmd(),
		c.purgeCmd(),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.cfg = cfg
	sysutil.SetupLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogPretty, sysutil.FirstNonEmpty(cfg.OTEL.ServiceName, "payqueue"))

	c.shutdownOTel, err = observability.Setup(cmd.Context(), cfg.OTEL, "cli", version)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}

	c.db, err = app.OpenStore(cfg)
	return err
}

func (c *cli) teardown(*cobra.Command, []string) error {
	if c.db != nil {
		if sqlDB, err := c.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if c.shutdownOTel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return c.shutdownOTel(ctx)
	}
	return nil
}

func (c *cli) processCmd() *cobra.Command {
	var (
		untilEmpty bool
		maxBatches int
	)
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Sweep stale jobs, then process pending jobs in batches",
		Long: `Runs one batch of up to QUEUE_BATCH_SIZE pending jobs. With --until-empty,
batches repeat until one claims nothing or --max-batches is reached.
The stale sweep runs first when PROCESSING_TIMEOUT is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			proc := app.NewProcessor(c.db, c.cfg, app.NewNotifier(c.cfg))

			swept, err := proc.Sweep(ctx)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}

			var total services.BatchResult
			batches := 0
			for {
				res, err := proc.RunOnce(ctx)
				if err != nil {
					return err
				}
				batches++
				total.Claimed += res.Claimed
				total.Completed += res.Completed
				total.Failed += res.Failed
				total.Requeued += res.Requeued
				total.Errors += res.Errors

				if !untilEmpty || res.Claimed == 0 || ctx.Err() != nil {
					break
				}
				if maxBatches > 0 && batches >= maxBatches {
					break
				}
			}
			log.Info().Int("batches", batches).Int("claimed", total.Claimed).Msg("processing finished")
			return printJSON(cmd.OutOrStdout(), struct {
				Batches int                  `json:"batches"`
				Swept   services.SweepResult `json:"swept"`
				services.BatchResult
			}{batches, swept, total})
		},
	}
	cmd.Flags().BoolVar(&untilEmpty, "until-empty", false, "repeat batches until the queue has nothing left to claim")
	cmd.Flags().IntVar(&maxBatches, "max-batches", 100, "upper bound on batches with --until-empty (0 = unbounded)")
	return cmd
}

func (c *cli) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Recover jobs stuck in processing longer than PROCESSING_TIMEOUT",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.Queue.ProcessingTimeout <= 0 {
				log.Warn().Msg("PROCESSING_TIMEOUT is 0; sweep disabled")
			}
			res, err := app.NewProcessor(c.db, c.cfg, nil).Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one payment job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := repo.GetJob(cmd.Context(), c.db, args[0])
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("job %s not found", args[0])
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count jobs per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			depth, err := repo.QueueDepth(cmd.Context(), c.db)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), depth)
		},
	}
}

// migrate is what setup already does; the command exists so deploys can run
// it as an explicit step.
func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log.Info().Str("driver", c.cfg.DB.Driver).Msg("schema up to date")
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return err
		},
	}
}

func (c *cli) purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete expired idempotency records and dead rate-limit windows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := app.Purge(cmd.Context(), c.db, c.cfg, time.Now().UTC())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
