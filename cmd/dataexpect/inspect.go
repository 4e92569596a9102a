package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"dataexpect/domain/inspection"

	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	var flags batchFlags
	var output string

	cmd := &cobra.Command{
		Use:   "inspect --data FILE | --table T | --query Q",
		Short: "Capture descriptive metrics of a batch",
		Long: `Capture row count, columns and column types of a batch, plus null counts for
every column and min, max and mean for numeric columns.

With STORE_KIND=postgres or STORE_KIND=redis the run is stored as the latest
inspection of the batch.

Example: dataexpect inspect --data orders.csv -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.Context(), cmd.OutOrStdout(), &flags, output)
		},
	}

	flags.bind(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text|json")

	return cmd
}

func runInspect(ctx context.Context, w io.Writer, flags *batchFlags, output string) error {
	c, err := newContainer(ctx, flags)
	if err != nil {
		return err
	}
	defer c.Close()

	eng, err := flags.engine(ctx, c)
	if err != nil {
		return err
	}
	run, err := c.Inspector(eng).Inspect(ctx)
	if err != nil {
		return err
	}

	if output == "json" {
		return printJSON(w, run)
	}
	printInspection(w, run)
	return nil
}

func printInspection(w io.Writer, run *inspection.Run) {
	fmt.Fprintf(w, "Batch %s (%s backend), run %s\n", run.BatchID, run.Backend, run.ID)

	metrics := append([]inspection.Metric(nil), run.Metrics...)
	sort.SliceStable(metrics, func(i, j int) bool { return metrics[i].Column < metrics[j].Column })
	for _, m := range metrics {
		scope := "table"
		if m.Column != "" {
			scope = m.Column
		}
		if m.Exception != "" {
			fmt.Fprintf(w, "  %-20s %-45s error: %s\n", scope, m.MetricName, m.Exception)
			continue
		}
		fmt.Fprintf(w, "  %-20s %-45s %v\n", scope, m.MetricName, m.Value)
	}
}
