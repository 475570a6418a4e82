package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/opsdeskhq/opsdesk/internal/tenant"
)

var (
	// ErrJobNotFound is returned when a job id does not exist or is not
	// visible to the caller's tenant.
	ErrJobNotFound = errors.New("job not found")

	// ErrStaleClaim is returned when a completion write carries a lock epoch
	// older than the job's current one, meaning the job was reclaimed by
	// another worker after this worker's claim went stale.
	ErrStaleClaim = errors.New("job claim is stale")

	// ErrConflictingUpdate is returned when an update supplies both a result
	// and an error; the caller must pick one outcome.
	ErrConflictingUpdate = errors.New("job update cannot carry both result and error")

	// ErrNoClaimableJob is returned by ClaimNextJob when no eligible job
	// exists for the requested kind.
	ErrNoClaimableJob = errors.New("no claimable job")
)

const jobColumns = `id, tenant_id, kind, status, progress, input, result, error, locked_at, lock_epoch, created_at, updated_at`

// JobUpdate describes a partial update to a job row. Nil fields are left
// untouched. An Error with no Status implies StatusError. A LockEpoch, when
// set, fences the write: it only applies if the row's epoch still matches.
type JobUpdate struct {
	Status    *string
	Progress  *int
	Result    json.RawMessage
	Error     *string
	LockEpoch *int
}

// CreateJob inserts a new durable job with status queued on behalf of the
// given tenant. The returned job carries the generated id for polling.
func (r *Repository) CreateJob(ctx context.Context, tenantID uuid.UUID, kind string, input json.RawMessage) (*Job, error) {
	job := &Job{
		ID:       uuid.New(),
		TenantID: tenantID,
		Kind:     kind,
		Status:   JobStatusQueued,
		Input:    input,
	}

	ctx = tenant.AsWorker(ctx, tenantID)
	err := r.db.WithTenantTx(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO jobs (id, tenant_id, kind, status, input)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING created_at, updated_at
		`, job.ID, job.TenantID, job.Kind, job.Status, job.Input,
		).Scan(&job.CreatedAt, &job.UpdatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	r.logger.Info("job created",
		zap.String("job_id", job.ID.String()),
		zap.String("tenant_id", tenantID.String()),
		zap.String("kind", kind),
	)

	return job, nil
}

// GetJob fetches a job by id. When tenantID is non-nil the read runs as that
// tenant's member context, so the row policies hide other tenants' jobs.
// When nil, the read runs as the system role (background callers).
func (r *Repository) GetJob(ctx context.Context, id uuid.UUID, tenantID *uuid.UUID) (*Job, error) {
	if tenantID != nil {
		ctx = tenant.NewContext(ctx, tenant.Context{TenantID: *tenantID, Role: tenant.RoleMember})
	} else {
		ctx = tenant.AsSystem(ctx)
	}

	var job Job
	err := r.db.WithTenantTx(ctx, func(tx pgx.Tx) error {
		return scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id), &job)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	return &job, nil
}

// UpdateJob applies a partial update. The job's tenant is discovered by
// lookup so background callers with no end-user session can write; done and
// error are terminal and release the lock.
func (r *Repository) UpdateJob(ctx context.Context, id uuid.UUID, upd JobUpdate) error {
	if upd.Result != nil && upd.Error != nil {
		return ErrConflictingUpdate
	}
	if upd.Error != nil && upd.Status == nil {
		status := JobStatusError
		upd.Status = &status
	}

	job, err := r.GetJob(ctx, id, nil)
	if err != nil {
		return err
	}

	set, args := buildJobUpdate(upd)
	if len(set) == 0 {
		return nil
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE jobs SET %s, updated_at = now() WHERE id = $%d", strings.Join(set, ", "), len(args))
	if upd.LockEpoch != nil {
		args = append(args, *upd.LockEpoch)
		query += fmt.Sprintf(" AND lock_epoch = $%d", len(args))
	}

	ctx = tenant.AsWorker(ctx, job.TenantID)
	var affected int64
	err = r.db.WithTenantTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if affected == 0 {
		if upd.LockEpoch != nil {
			r.logger.Warn("dropped stale completion write",
				zap.String("job_id", id.String()),
				zap.Int("lock_epoch", *upd.LockEpoch),
			)
			return ErrStaleClaim
		}
		return ErrJobNotFound
	}
	return nil
}

// ClaimNextJob atomically claims the oldest eligible job of the given kind.
// Eligible means queued, or running with a lock older than staleness (the
// crash-recovery path). FOR UPDATE SKIP LOCKED keeps concurrent claimants
// off the same row; the claim bumps lock_epoch so a reclaimed job rejects
// writes from whoever held it before.
func (r *Repository) ClaimNextJob(ctx context.Context, kind string, staleness time.Duration) (*Job, error) {
	ctx = tenant.AsSystem(ctx)

	var job Job
	err := r.db.WithTenantTx(ctx, func(tx pgx.Tx) error {
		return scanJob(tx.QueryRow(ctx, `
			WITH candidate AS (
				SELECT id FROM jobs
				WHERE kind = $1
				  AND status IN ('queued', 'running')
				  AND (locked_at IS NULL OR locked_at < now() - make_interval(secs => $2))
				ORDER BY created_at ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			UPDATE jobs j
			SET status = 'running', locked_at = now(), lock_epoch = j.lock_epoch + 1, updated_at = now()
			FROM candidate c
			WHERE j.id = c.id
			RETURNING j.id, j.tenant_id, j.kind, j.status, j.progress, j.input, j.result, j.error, j.locked_at, j.lock_epoch, j.created_at, j.updated_at
		`, kind, staleness.Seconds()), &job)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoClaimableJob
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	r.logger.Info("job claimed",
		zap.String("job_id", job.ID.String()),
		zap.String("tenant_id", job.TenantID.String()),
		zap.String("kind", job.Kind),
		zap.Int("lock_epoch", job.LockEpoch),
	)

	return &job, nil
}

// buildJobUpdate turns a JobUpdate into SET clauses and positional args.
// Terminal statuses release the lock so locked_at stays non-null only while
// the job is running.
func buildJobUpdate(upd JobUpdate) ([]string, []any) {
	var set []string
	var args []any

	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if upd.Status != nil {
		add("status", *upd.Status)
		if *upd.Status != JobStatusRunning {
			set = append(set, "locked_at = NULL")
		}
	}
	if upd.Progress != nil {
		add("progress", *upd.Progress)
	}
	if upd.Result != nil {
		add("result", upd.Result)
	}
	if upd.Error != nil {
		add("error", *upd.Error)
	}
	return set, args
}

func scanJob(row pgx.Row, job *Job) error {
	return row.Scan(
		&job.ID,
		&job.TenantID,
		&job.Kind,
		&job.Status,
		&job.Progress,
		&job.Input,
		&job.Result,
		&job.Error,
		&job.LockedAt,
		&job.LockEpoch,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
}
