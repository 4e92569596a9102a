package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"dataexpect/domain/core"
	"dataexpect/domain/inspection"
	"dataexpect/domain/metric"
	"dataexpect/internal/errors"
	"dataexpect/ports"

	"github.com/jmoiron/sqlx"
)

// metricRepository stores inspector runs in metric_runs and metrics.
type metricRepository struct {
	db *sqlx.DB
}

// NewMetricRepository creates a new metric repository
func NewMetricRepository(db *sqlx.DB) ports.MetricRepository {
	return &metricRepository{db: db}
}

type metricRunRow struct {
	ID        string    `db:"id"`
	BatchID   string    `db:"batch_id"`
	Backend   string    `db:"backend"`
	CreatedAt time.Time `db:"created_at"`
}

type metricRow struct {
	ID           string    `db:"id"`
	RunID        string    `db:"run_id"`
	BatchID      string    `db:"batch_id"`
	MetricName   string    `db:"metric_name"`
	DomainKwargs []byte    `db:"metric_domain_kwargs"`
	ValueKwargs  []byte    `db:"metric_value_kwargs"`
	Column       string    `db:"column_name"`
	Value        []byte    `db:"value"`
	ValueType    string    `db:"value_type"`
	Exception    string    `db:"exception"`
	CreatedAt    time.Time `db:"created_at"`
}

// SaveRun inserts a run and all of its metrics in one transaction
func (r *metricRepository) SaveRun(ctx context.Context, run *inspection.Run) error {
	if run == nil || run.ID == "" {
		return errors.InvalidInput("metric run must carry a run ID")
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.DatabaseError("failed to begin metric run transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO metric_runs (id, batch_id, backend, created_at) VALUES ($1, $2, $3, $4)`,
		run.ID, run.BatchID, run.Backend, run.CreatedAt,
	)
	if err != nil {
		return errors.DatabaseError("failed to create metric run", err)
	}

	query := `INSERT INTO metrics (
		id, run_id, batch_id, metric_name, metric_domain_kwargs, metric_value_kwargs,
		column_name, value, value_type, exception, created_at
	) VALUES (
		:id, :run_id, :batch_id, :metric_name, :metric_domain_kwargs, :metric_value_kwargs,
		:column_name, :value, :value_type, :exception, :created_at
	)`

	for i := range run.Metrics {
		m := &run.Metrics[i]
		if m.ID == "" {
			m.ID = core.NewID()
		}
		m.RunID = run.ID
		m.BatchID = run.BatchID
		if m.CreatedAt.IsZero() {
			m.CreatedAt = run.CreatedAt
		}

		row, err := toMetricRow(m)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
			return errors.DatabaseError(fmt.Sprintf("failed to insert metric %s", m.MetricName), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.DatabaseError("failed to commit metric run", err)
	}
	return nil
}

// GetRun retrieves a run with its metrics
func (r *metricRepository) GetRun(ctx context.Context, runID core.RunID) (*inspection.Run, error) {
	var head metricRunRow
	err := r.db.GetContext(ctx, &head, `SELECT id, batch_id, backend, created_at FROM metric_runs WHERE id = $1`, runID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound(fmt.Sprintf("metric run %s", runID))
		}
		return nil, errors.DatabaseError("failed to get metric run", err)
	}
	return r.loadRun(ctx, head)
}

// LatestForBatch retrieves the most recent run for a batch
func (r *metricRepository) LatestForBatch(ctx context.Context, batchID string) (*inspection.Run, error) {
	query := `SELECT id, batch_id, backend, created_at FROM metric_runs
	WHERE batch_id = $1
	ORDER BY created_at DESC
	LIMIT 1`

	var head metricRunRow
	if err := r.db.GetContext(ctx, &head, query, batchID); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound(fmt.Sprintf("metric run for batch %s", batchID))
		}
		return nil, errors.DatabaseError("failed to get latest metric run", err)
	}
	return r.loadRun(ctx, head)
}

func (r *metricRepository) loadRun(ctx context.Context, head metricRunRow) (*inspection.Run, error) {
	query := `SELECT
		id, run_id, batch_id, metric_name, metric_domain_kwargs, metric_value_kwargs,
		column_name, value, value_type, exception, created_at
	FROM metrics WHERE run_id = $1
	ORDER BY metric_name, column_name`

	var rows []metricRow
	if err := r.db.SelectContext(ctx, &rows, query, head.ID); err != nil {
		return nil, errors.DatabaseError("failed to list run metrics", err)
	}

	run := &inspection.Run{
		ID:        core.RunID(head.ID),
		BatchID:   head.BatchID,
		Backend:   head.Backend,
		CreatedAt: head.CreatedAt,
		Metrics:   make([]inspection.Metric, 0, len(rows)),
	}
	for _, row := range rows {
		m, err := fromMetricRow(row)
		if err != nil {
			return nil, err
		}
		run.Metrics = append(run.Metrics, m)
	}
	return run, nil
}

func toMetricRow(m *inspection.Metric) (metricRow, error) {
	domainJSON, err := json.Marshal(nonNilMap(m.DomainKwargs))
	if err != nil {
		return metricRow{}, fmt.Errorf("failed to marshal domain kwargs: %w", err)
	}
	valueKwargsJSON, err := json.Marshal(nonNilMap(m.ValueKwargs))
	if err != nil {
		return metricRow{}, fmt.Errorf("failed to marshal value kwargs: %w", err)
	}

	var valueJSON []byte
	if m.Value != nil {
		if valueJSON, err = json.Marshal(m.Value); err != nil {
			return metricRow{}, fmt.Errorf("failed to marshal value of %s: %w", m.MetricName, err)
		}
	}

	return metricRow{
		ID:           m.ID.String(),
		RunID:        m.RunID.String(),
		BatchID:      m.BatchID,
		MetricName:   m.MetricName,
		DomainKwargs: domainJSON,
		ValueKwargs:  valueKwargsJSON,
		Column:       m.Column,
		Value:        valueJSON,
		ValueType:    string(m.ValueType),
		Exception:    m.Exception,
		CreatedAt:    m.CreatedAt,
	}, nil
}

func fromMetricRow(row metricRow) (inspection.Metric, error) {
	m := inspection.Metric{
		ID:         core.ID(row.ID),
		RunID:      core.RunID(row.RunID),
		BatchID:    row.BatchID,
		MetricName: row.MetricName,
		Column:     row.Column,
		ValueType:  inspection.ValueType(row.ValueType),
		Exception:  row.Exception,
		CreatedAt:  row.CreatedAt,
	}
	if len(row.DomainKwargs) > 0 {
		if err := json.Unmarshal(row.DomainKwargs, &m.DomainKwargs); err != nil {
			return m, fmt.Errorf("failed to unmarshal domain kwargs: %w", err)
		}
	}
	if len(row.ValueKwargs) > 0 {
		var kwargs map[string]any
		if err := json.Unmarshal(row.ValueKwargs, &kwargs); err != nil {
			return m, fmt.Errorf("failed to unmarshal value kwargs: %w", err)
		}
		m.ValueKwargs = metric.ValueKwargs(kwargs)
	}
	if len(row.Value) > 0 {
		if err := json.Unmarshal(row.Value, &m.Value); err != nil {
			return m, fmt.Errorf("failed to unmarshal value of %s: %w", row.MetricName, err)
		}
	}
	return m, nil
}

func nonNilMap[M ~map[string]any](m M) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return map[string]any(m)
}
