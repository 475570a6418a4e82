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

// ErrDeadLetterNotFound is returned when a dead letter id does not exist.
var ErrDeadLetterNotFound = errors.New("dead letter not found")

const deadLetterColumns = `id, tenant_id, provider, reason, attempts, payload, created_at`

// InsertDeadLetter appends an exhausted message for manual inspection.
// Dead letters are append-only; nothing in the system updates or consumes
// them automatically.
func (r *Repository) InsertDeadLetter(ctx context.Context, dl *DeadLetter) error {
	if dl.ID == uuid.Nil {
		dl.ID = uuid.New()
	}

	ctx = tenant.AsWorker(ctx, dl.TenantID)
	err := r.db.WithTenantTx(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO dead_letters (id, tenant_id, provider, reason, attempts, payload)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING created_at
		`, dl.ID, dl.TenantID, dl.Provider, dl.Reason, dl.Attempts, dl.Payload,
		).Scan(&dl.CreatedAt)
	})
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}

	r.logger.Info("dead letter recorded",
		zap.String("dead_letter_id", dl.ID.String()),
		zap.String("tenant_id", dl.TenantID.String()),
		zap.String("provider", dl.Provider),
		zap.Int("attempts", dl.Attempts),
	)

	return nil
}

// ListDeadLettersByTenant retrieves dead letters for a tenant with pagination.
func (r *Repository) ListDeadLettersByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*DeadLetter, error) {
	ctx = tenant.NewContext(ctx, tenant.Context{TenantID: tenantID, Role: tenant.RoleMember})

	var items []*DeadLetter
	err := r.db.WithTenantTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+deadLetterColumns+`
			FROM dead_letters
			WHERE tenant_id = $1
			ORDER BY created_at DESC
			LIMIT $2 OFFSET $3
		`, tenantID, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var dl DeadLetter
			if err := rows.Scan(&dl.ID, &dl.TenantID, &dl.Provider, &dl.Reason, &dl.Attempts, &dl.Payload, &dl.CreatedAt); err != nil {
				return err
			}
			items = append(items, &dl)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	return items, nil
}

// GetDeadLetter retrieves a single dead letter by id, scoped to the tenant.
func (r *Repository) GetDeadLetter(ctx context.Context, tenantID, id uuid.UUID) (*DeadLetter, error) {
	ctx = tenant.NewContext(ctx, tenant.Context{TenantID: tenantID, Role: tenant.RoleMember})

	var dl DeadLetter
	err := r.db.WithTenantTx(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx,
			`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`, id,
		).Scan(&dl.ID, &dl.TenantID, &dl.Provider, &dl.Reason, &dl.Attempts, &dl.Payload, &dl.CreatedAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query dead letter: %w", err)
	}
	return &dl, nil
}
