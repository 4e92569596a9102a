package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"dataexpect/internal/api"
	"dataexpect/internal/container"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the validation HTTP API",
		Long: `Serve validation, inspection, stored results, run events and Prometheus
metrics over HTTP until interrupted.

Example: STORE_KIND=postgres DB_DRIVER=postgres DATABASE_URL=... dataexpect serve --addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default SERVER_ADDR)")

	return cmd
}

func runServe(ctx context.Context, addr string) error {
	c, err := newContainer(ctx, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	if addr == "" {
		addr = c.Config.Server.Addr
	}
	return newAPIServer(c).Run(ctx, addr)
}

func newAPIServer(c *container.Container) *api.Server {
	return api.NewServer(c)
}
