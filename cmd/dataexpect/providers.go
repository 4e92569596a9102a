package main

import (
	"fmt"
	"io"

	"dataexpect/domain/metric"
	"dataexpect/internal/container"
	"dataexpect/internal/expectations"

	"github.com/spf13/cobra"
)

func newProvidersCmd() *cobra.Command {
	var backend string
	var listExpectations bool

	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List the registered metric providers per backend",
		Long: `List every metric name with a provider on each backend, or the expectation
types the validator knows with --expectations.

Example: dataexpect providers --backend sql`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listExpectations {
				return runListExpectations(cmd.OutOrStdout())
			}
			return runProviders(cmd.OutOrStdout(), backend)
		},
	}

	cmd.Flags().StringVar(&backend, "backend", "", "Only list this backend")
	cmd.Flags().BoolVar(&listExpectations, "expectations", false, "List expectation types instead of metric providers")

	return cmd
}

func runProviders(w io.Writer, backend string) error {
	reg, err := container.NewRegistry()
	if err != nil {
		return err
	}

	backends := metric.AllBackends()
	if backend != "" {
		b, err := metric.ParseBackend(backend)
		if err != nil {
			return err
		}
		backends = []metric.Backend{b}
	}

	for _, b := range backends {
		names := reg.Names(b)
		fmt.Fprintf(w, "%s (%d providers)\n", b, len(names))
		for _, name := range names {
			fmt.Fprintf(w, "  %s\n", name)
		}
	}
	return nil
}

func runListExpectations(w io.Writer) error {
	for _, t := range expectations.DefaultCatalog().Types() {
		fmt.Fprintln(w, t)
	}
	return nil
}
