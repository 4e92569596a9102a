// Package redis keeps inspector metric runs in Redis with an expiry.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dataexpect/domain/core"
	"dataexpect/domain/inspection"
	apperrors "dataexpect/internal/errors"
	"dataexpect/ports"

	"github.com/redis/go-redis/v9"
)

const (
	runKeyPrefix    = "dataexpect:run:"
	latestKeyPrefix = "dataexpect:batch:"
)

// MetricRepository is a Redis-backed ports.MetricRepository. Each run is a
// JSON document; a per-batch key points at the newest run.
type MetricRepository struct {
	client *redis.Client
	ttl    time.Duration
}

var _ ports.MetricRepository = (*MetricRepository)(nil)

// NewClient connects to addr and checks the connection.
func NewClient(ctx context.Context, addr string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// NewMetricRepository stores runs through client. A ttl of zero keeps runs
// until they are deleted.
func NewMetricRepository(client *redis.Client, ttl time.Duration) *MetricRepository {
	return &MetricRepository{client: client, ttl: ttl}
}

func runKey(id core.RunID) string { return runKeyPrefix + id.String() }
func latestKey(batchID string) string { return latestKeyPrefix + batchID + ":latest" }

// SaveRun writes the run document and moves the batch pointer in one
// transaction.
func (r *MetricRepository) SaveRun(ctx context.Context, run *inspection.Run) error {
	if run == nil || run.ID == "" {
		return apperrors.InvalidInput("metric run must carry a run ID")
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	for i := range run.Metrics {
		m := &run.Metrics[i]
		if m.ID == "" {
			m.ID = core.NewID()
		}
		m.RunID = run.ID
		m.BatchID = run.BatchID
	}

	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal metric run: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, runKey(run.ID), doc, r.ttl)
	pipe.Set(ctx, latestKey(run.BatchID), run.ID.String(), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.DatabaseError("failed to save metric run", err)
	}
	return nil
}

// GetRun reads one run.
func (r *MetricRepository) GetRun(ctx context.Context, runID core.RunID) (*inspection.Run, error) {
	doc, err := r.client.Get(ctx, runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.NotFound(fmt.Sprintf("metric run %s", runID))
	}
	if err != nil {
		return nil, apperrors.DatabaseError("failed to get metric run", err)
	}

	var run inspection.Run
	if err := json.Unmarshal(doc, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metric run: %w", err)
	}
	return &run, nil
}

// LatestForBatch follows the batch pointer.
func (r *MetricRepository) LatestForBatch(ctx context.Context, batchID string) (*inspection.Run, error) {
	id, err := r.client.Get(ctx, latestKey(batchID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.NotFound(fmt.Sprintf("metric run for batch %s", batchID))
	}
	if err != nil {
		return nil, apperrors.DatabaseError("failed to get latest metric run", err)
	}
	return r.GetRun(ctx, core.RunID(id))
}
