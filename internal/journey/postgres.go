package journey

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository reads and finalizes journey rows through a pgx pool.
// All status transitions are conditional UPDATEs keyed on the previously
// observed status, so concurrent writers (the live tracking API, another
// reconciler run) never clobber each other: zero affected rows surfaces as
// ErrConflict and the caller treats it as already handled.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository connects a repository to an existing pool. The pool
// is owned by the caller.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const instanceColumns = `id, group_journey_id, user_id, status, start_time, end_time,
	total_distance, total_time, last_location_update, updated_at`

func (r *PostgresRepository) FindStaleActive(ctx context.Context, cutoff time.Time, limit int) ([]*Instance, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM journey_instances
		WHERE status = $1
		  AND COALESCE(last_location_update, updated_at) < $2
		ORDER BY id
		LIMIT $3`, instanceColumns)
	return r.queryInstances(ctx, query, InstanceActive, cutoff, limit)
}

func (r *PostgresRepository) FindStalePaused(ctx context.Context, cutoff time.Time, limit int) ([]*Instance, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM journey_instances
		WHERE status = $1
		  AND updated_at < $2
		ORDER BY id
		LIMIT $3`, instanceColumns)
	return r.queryInstances(ctx, query, InstancePaused, cutoff, limit)
}

func (r *PostgresRepository) queryInstances(ctx context.Context, query string, args ...any) ([]*Instance, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journey instances: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		var inst Instance
		if err := rows.Scan(
			&inst.ID, &inst.GroupJourneyID, &inst.UserID, &inst.Status,
			&inst.StartTime, &inst.EndTime, &inst.TotalDistance, &inst.TotalTime,
			&inst.LastLocationUpdate, &inst.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan journey instance: %w", err)
		}
		out = append(out, &inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journey instances: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) FinalizeInstance(ctx context.Context, id, expectedStatus string, patch InstancePatch) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE journey_instances
		SET status = $1, end_time = $2, total_time = $3, updated_at = $2
		WHERE id = $4 AND status = $5`,
		patch.Status, patch.EndTime, patch.TotalTime, id, expectedStatus)
	if err != nil {
		return fmt.Errorf("finalize journey instance %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (r *PostgresRepository) CountNonTerminal(ctx context.Context, groupJourneyID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM journey_instances
		WHERE group_journey_id = $1 AND status IN ($2, $3)`,
		groupJourneyID, InstanceActive, InstancePaused).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count open instances for group %s: %w", groupJourneyID, err)
	}
	return count, nil
}

func (r *PostgresRepository) GroupStatus(ctx context.Context, groupJourneyID string) (string, error) {
	var status string
	err := r.pool.QueryRow(ctx,
		`SELECT status FROM group_journeys WHERE id = $1`,
		groupJourneyID).Scan(&status)
	if err == pgx.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load group journey %s: %w", groupJourneyID, err)
	}
	return status, nil
}

func (r *PostgresRepository) CompleteGroup(ctx context.Context, groupJourneyID string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE group_journeys
		SET status = $1, completed_at = $2
		WHERE id = $3 AND status = $4`,
		GroupCompleted, at, groupJourneyID, GroupActive)
	if err != nil {
		return fmt.Errorf("complete group journey %s: %w", groupJourneyID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}
