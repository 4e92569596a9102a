package main

import (
	"context"
	"fmt"
	"io"

	"dataexpect/domain/expectation"
	"dataexpect/internal/container"
	"dataexpect/internal/suite"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var flags batchFlags
	var suitePath, resultFormat, output string

	cmd := &cobra.Command{
		Use:   "validate --suite SUITE --data FILE | --table T | --query Q",
		Short: "Validate a batch against an expectation suite",
		Long: `Validate a batch against the expectations of a YAML suite.

The command exits with status 1 when any expectation fails. With STORE_KIND=postgres
the suite result is stored and can be read back through the HTTP API.

Examples:
  dataexpect validate --suite orders.yaml --data orders.csv
  dataexpect validate --suite orders.yaml --backend sql --dsn "$DATABASE_URL" --table orders
  dataexpect validate --suite orders.yaml --data orders.xlsx --backend distributed --result-format COMPLETE`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.Context(), cmd.OutOrStdout(), &flags, suitePath, resultFormat, output)
		},
	}

	flags.bind(cmd)
	cmd.Flags().StringVar(&suitePath, "suite", "", "Expectation suite YAML file")
	cmd.Flags().StringVar(&resultFormat, "result-format", "", "Override the suite result format: BOOLEAN_ONLY|BASIC|SUMMARY|COMPLETE")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text|json")
	_ = cmd.MarkFlagRequired("suite")

	return cmd
}

func runValidate(ctx context.Context, w io.Writer, flags *batchFlags, suitePath, resultFormat, output string) error {
	s, err := suite.Load(suitePath)
	if err != nil {
		return err
	}

	c, err := newContainer(ctx, flags)
	if err != nil {
		return err
	}
	defer c.Close()

	result, err := validateSuite(ctx, c, flags, s, resultFormat)
	if err != nil {
		return err
	}

	switch output {
	case "json":
		if err := printJSON(w, result); err != nil {
			return err
		}
	default:
		printSuiteResult(w, s.Name, result)
	}

	if !result.Success {
		st := result.Statistics
		return fmt.Errorf("suite %s failed: %d of %d expectations unsuccessful", s.Name, st.UnsuccessfulExpectations, st.EvaluatedExpectations)
	}
	return nil
}

// validateSuite runs s against the batch named by flags and stores the result
// when a result repository is configured.
func validateSuite(ctx context.Context, c *container.Container, flags *batchFlags, s *suite.Suite, resultFormat string) (*expectation.SuiteValidationResult, error) {
	if err := s.Check(c.Catalog); err != nil {
		return nil, err
	}
	rc, err := s.Runtime(c.Runtime())
	if err != nil {
		return nil, err
	}
	if resultFormat != "" {
		if rc.ResultFormat, err = expectation.ParseResultFormat(resultFormat); err != nil {
			return nil, err
		}
	}

	eng, err := flags.engine(ctx, c)
	if err != nil {
		return nil, err
	}

	result, err := c.Validator(eng, rc).Run(ctx, s.Configurations())
	if err != nil {
		return nil, fmt.Errorf("suite %s: %w", s.Name, err)
	}
	if result.Meta == nil {
		result.Meta = map[string]any{}
	}
	result.Meta["suite"] = s.Name

	if c.ResultRepo != nil {
		if err := c.ResultRepo.Save(ctx, result); err != nil {
			return nil, fmt.Errorf("failed to store result: %w", err)
		}
	}
	return result, nil
}

func printSuiteResult(w io.Writer, name string, result *expectation.SuiteValidationResult) {
	fmt.Fprintf(w, "Suite %s on batch %s (%s backend), run %s\n", name, result.BatchID, result.Backend, result.RunID)
	for _, r := range result.Results {
		mark := "PASS"
		if !r.Success {
			mark = "FAIL"
		}
		line := fmt.Sprintf("  [%s] %s", mark, r.ExpectationConfig.Type)
		if col, ok := r.ExpectationConfig.Kwargs["column"]; ok {
			line += fmt.Sprintf(" (%v)", col)
		}
		if r.Result.UnexpectedCount != nil && *r.Result.UnexpectedCount > 0 {
			line += fmt.Sprintf(": %d unexpected", *r.Result.UnexpectedCount)
		}
		if r.ExceptionInfo != nil && r.ExceptionInfo.RaisedException {
			line += ": " + r.ExceptionInfo.ExceptionMessage
		}
		fmt.Fprintln(w, line)
	}
	st := result.Statistics
	pct := 100.0
	if st.SuccessPercent != nil {
		pct = *st.SuccessPercent
	}
	fmt.Fprintf(w, "%d evaluated, %d successful, %d failed (%.1f%% success)\n",
		st.EvaluatedExpectations, st.SuccessfulExpectations, st.UnsuccessfulExpectations, pct)
}
