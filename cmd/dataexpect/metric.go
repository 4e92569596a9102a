package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"dataexpect/domain/metric"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newMetricCmd() *cobra.Command {
	var flags batchFlags
	var column, rowCondition, conditionParser string
	var kwargs []string

	cmd := &cobra.Command{
		Use:   "metric NAME",
		Short: "Compute a single metric over a batch",
		Long: `Compute one registered metric and print its value as JSON.

Value kwargs are given as key=value pairs; values are read as YAML, so lists and
numbers keep their type.

Examples:
  dataexpect metric table.row_count --data orders.csv
  dataexpect metric column.quantile_values --data orders.csv --column amount --kw "quantiles=[0.25, 0.5, 0.75]"
  dataexpect metric column_values.in_set.unexpected_count --data orders.csv --column status --kw "value_set=[new, paid]"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := parseKwargs(kwargs)
			if err != nil {
				return err
			}
			domain := metric.DomainKwargs{
				Column:          column,
				RowCondition:    rowCondition,
				ConditionParser: conditionParser,
			}
			return runMetric(cmd.Context(), cmd.OutOrStdout(), &flags, args[0], domain, value)
		},
	}

	flags.bind(cmd)
	cmd.Flags().StringVar(&column, "column", "", "Column the metric is scoped to")
	cmd.Flags().StringVar(&rowCondition, "row-condition", "", "Only rows matching this condition are considered")
	cmd.Flags().StringVar(&conditionParser, "condition-parser", "", "Parser of --row-condition: great_expectations|pandas")
	cmd.Flags().StringArrayVar(&kwargs, "kw", nil, "Value kwarg as key=value, repeatable")

	return cmd
}

func parseKwargs(pairs []string) (metric.ValueKwargs, error) {
	out := metric.ValueKwargs{}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid kwarg %q, want key=value", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		out[key] = value
	}
	return out, nil
}

func runMetric(ctx context.Context, w io.Writer, flags *batchFlags, name string, domain metric.DomainKwargs, value metric.ValueKwargs) error {
	c, err := newContainer(ctx, flags)
	if err != nil {
		return err
	}
	defer c.Close()

	eng, err := flags.engine(ctx, c)
	if err != nil {
		return err
	}
	domain.BatchID = eng.BatchID()

	cfg := metric.NewConfiguration(name, domain, value)
	v, err := c.Validator(eng, c.Runtime()).GetMetric(ctx, cfg)
	if err != nil {
		return err
	}
	return printJSON(w, map[string]any{
		"metric_name":          name,
		"metric_domain_kwargs": domain.ToMap(),
		"metric_value_kwargs":  value,
		"value":                v,
	})
}
