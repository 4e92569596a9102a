package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"dataexpect/domain/core"
	"dataexpect/domain/expectation"
	"dataexpect/internal/errors"
	"dataexpect/ports"

	"github.com/jmoiron/sqlx"
)

// validationResultRepository stores whole suite results as JSONB documents.
type validationResultRepository struct {
	db *sqlx.DB
}

// NewValidationResultRepository creates a new validation result repository
func NewValidationResultRepository(db *sqlx.DB) ports.ValidationResultRepository {
	return &validationResultRepository{db: db}
}

// Save inserts a suite result, replacing any earlier result of the same run
func (r *validationResultRepository) Save(ctx context.Context, result *expectation.SuiteValidationResult) error {
	if result == nil || result.RunID == "" {
		return errors.InvalidInput("suite result must carry a run ID")
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal suite result: %w", err)
	}

	query := `INSERT INTO validation_results (
		run_id, batch_id, backend, success, evaluated, successful, result, started_at, completed_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9
	)
	ON CONFLICT (run_id) DO UPDATE SET
		success = EXCLUDED.success,
		evaluated = EXCLUDED.evaluated,
		successful = EXCLUDED.successful,
		result = EXCLUDED.result,
		completed_at = EXCLUDED.completed_at`

	_, err = r.db.ExecContext(ctx, query,
		result.RunID, result.BatchID, result.Backend.String(), result.Success,
		result.Statistics.EvaluatedExpectations, result.Statistics.SuccessfulExpectations,
		resultJSON, result.StartedAt, result.CompletedAt,
	)
	if err != nil {
		return errors.DatabaseError("failed to save suite result", err)
	}

	return nil
}

// GetByRunID retrieves the suite result of one run
func (r *validationResultRepository) GetByRunID(ctx context.Context, runID core.RunID) (*expectation.SuiteValidationResult, error) {
	var resultJSON []byte
	err := r.db.QueryRowContext(ctx, `SELECT result FROM validation_results WHERE run_id = $1`, runID).Scan(&resultJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound(fmt.Sprintf("validation result %s", runID))
		}
		return nil, errors.DatabaseError("failed to get suite result", err)
	}

	return decodeSuiteResult(resultJSON)
}

// ListByBatch returns the most recent results for a batch, newest first
func (r *validationResultRepository) ListByBatch(ctx context.Context, batchID string, limit int) ([]*expectation.SuiteValidationResult, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT result FROM validation_results
	WHERE batch_id = $1
	ORDER BY completed_at DESC
	LIMIT $2`

	var documents [][]byte
	if err := r.db.SelectContext(ctx, &documents, query, batchID, limit); err != nil {
		return nil, errors.DatabaseError("failed to list suite results", err)
	}

	results := make([]*expectation.SuiteValidationResult, 0, len(documents))
	for _, doc := range documents {
		result, err := decodeSuiteResult(doc)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}

	return results, nil
}

func decodeSuiteResult(doc []byte) (*expectation.SuiteValidationResult, error) {
	var result expectation.SuiteValidationResult
	if err := json.Unmarshal(doc, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal suite result: %w", err)
	}
	return &result, nil
}
