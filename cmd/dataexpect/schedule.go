package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dataexpect/internal/container"
	"dataexpect/internal/scheduler"
	"dataexpect/internal/suite"

	"github.com/spf13/cobra"
)

func newScheduleCmd() *cobra.Command {
	var flags batchFlags
	var spec, suitePath string
	var serveMetrics bool

	cmd := &cobra.Command{
		Use:   "schedule --cron SPEC [--suite SUITE] --data FILE | --table T | --query Q",
		Short: "Validate or inspect a batch on a cron schedule",
		Long: `Run a suite against a batch on a cron schedule, or inspect the batch when no
suite is given. Results go to the configured store. Runs until interrupted.

SPEC takes five fields, an optional leading seconds field, or a descriptor such
as @hourly or "@every 15m".

Examples:
  dataexpect schedule --cron "*/15 * * * *" --suite orders.yaml --backend sql --table orders
  dataexpect schedule --cron @hourly --data /data/orders.csv --serve-metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSchedule(ctx, &flags, spec, suitePath, serveMetrics)
		},
	}

	flags.bind(cmd)
	cmd.Flags().StringVar(&spec, "cron", "", "Cron schedule")
	cmd.Flags().StringVar(&suitePath, "suite", "", "Expectation suite YAML file; inspect the batch when empty")
	cmd.Flags().BoolVar(&serveMetrics, "serve-metrics", false, "Also serve the HTTP API, including /metrics, on SERVER_ADDR")
	_ = cmd.MarkFlagRequired("cron")

	return cmd
}

func runSchedule(ctx context.Context, flags *batchFlags, spec, suitePath string, serveMetrics bool) error {
	var s *suite.Suite
	if suitePath != "" {
		var err error
		if s, err = suite.Load(suitePath); err != nil {
			return err
		}
	}

	c, err := newContainer(ctx, flags)
	if err != nil {
		return err
	}
	defer c.Close()
	if s != nil {
		if err := s.Check(c.Catalog); err != nil {
			return err
		}
	}

	sched := scheduler.New(c.Logger)
	name, job := scheduledJob(c, flags, s)
	if err := sched.Add(spec, name, job); err != nil {
		return err
	}
	sched.Start()

	var serveErr chan error
	if serveMetrics {
		serveErr = make(chan error, 1)
		go func() { serveErr <- newAPIServer(c).Run(ctx, c.Config.Server.Addr) }()
	}

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if stopErr := sched.Stop(stopCtx); stopErr != nil && err == nil {
		err = fmt.Errorf("scheduler did not stop cleanly: %w", stopErr)
	}
	return err
}

func scheduledJob(c *container.Container, flags *batchFlags, s *suite.Suite) (string, scheduler.Job) {
	if s == nil {
		return "inspect", func(ctx context.Context) error {
			eng, err := flags.engine(ctx, c)
			if err != nil {
				return err
			}
			run, err := c.Inspector(eng).Inspect(ctx)
			if err != nil {
				return err
			}
			c.Logger.Info("inspected batch %s: %d metrics, run %s", run.BatchID, len(run.Metrics), run.ID)
			return nil
		}
	}
	return "validate " + s.Name, func(ctx context.Context) error {
		result, err := validateSuite(ctx, c, flags, s, "")
		if err != nil {
			return err
		}
		st := result.Statistics
		c.Logger.Info("suite %s on %s: success=%t, %d of %d expectations met, run %s",
			s.Name, result.BatchID, result.Success, st.SuccessfulExpectations, st.EvaluatedExpectations, result.RunID)
		return nil
	}
}
