package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/opsdeskhq/opsdesk/internal/tenant"
)

// ErrTodoNotFound is returned when a todo id does not exist for the tenant.
var ErrTodoNotFound = errors.New("todo not found")

// GetTenant loads a tenant's settings (timezone, offset) for presentation.
func (r *Repository) GetTenant(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	ctx = tenant.AsWorker(ctx, id)

	var t Tenant
	err := r.db.WithTenantTx(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			SELECT id, name, timezone, utc_offset_minutes, created_at
			FROM tenants WHERE id = $1
		`, id).Scan(&t.ID, &t.Name, &t.Timezone, &t.UTCOffsetMinutes, &t.CreatedAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("tenant not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query tenant: %w", err)
	}
	return &t, nil
}

// GetContactsByIDs loads the named contacts scoped to the given tenant.
// Unknown ids are simply absent from the result.
func (r *Repository) GetContactsByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]*Contact, error) {
	ctx = tenant.AsWorker(ctx, tenantID)

	contacts := make(map[uuid.UUID]*Contact, len(ids))
	err := r.db.WithTenantTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, tenant_id, first_name, last_name, phone, email, created_at
			FROM contacts
			WHERE tenant_id = $1 AND id = ANY($2)
		`, tenantID, ids)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var c Contact
			if err := rows.Scan(&c.ID, &c.TenantID, &c.FirstName, &c.LastName, &c.Phone, &c.Email, &c.CreatedAt); err != nil {
				return err
			}
			contacts[c.ID] = &c
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	return contacts, nil
}

// UpdateTodoDraft mirrors a draft job's outcome into the todo row. This is a
// best-effort secondary write: the job row stays the source of truth, and
// callers tolerate failure here without rolling back the job update.
func (r *Repository) UpdateTodoDraft(ctx context.Context, tenantID uuid.UUID, todoID int64, status string, content, draftErr *string, jobID uuid.UUID) error {
	ctx = tenant.AsWorker(ctx, tenantID)

	var affected int64
	err := r.db.WithTenantTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE todos
			SET draft_status = $1, draft_content = $2, draft_error = $3, draft_job_id = $4, updated_at = now()
			WHERE id = $5 AND tenant_id = $6
		`, status, content, draftErr, jobID, todoID, tenantID)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("update todo draft: %w", err)
	}
	if affected == 0 {
		return ErrTodoNotFound
	}

	r.logger.Debug("todo draft mirrored",
		zap.Int64("todo_id", todoID),
		zap.String("draft_status", status),
		zap.String("job_id", jobID.String()),
	)

	return nil
}
