package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job status constants
const (
	JobStatusQueued  = "queued"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusError   = "error"
)

// Job kind constants
const (
	JobKindFollowupDraft = "followups.draft"
)

// Job is a durable background job row. A job is claimed by exactly one
// worker at a time via ClaimNextJob; locked_at is non-null iff the job is
// running, and lock_epoch fences completion writes from stale claimants.
type Job struct {
	ID        uuid.UUID       `json:"id"`
	TenantID  uuid.UUID       `json:"tenant_id"`
	Kind      string          `json:"kind"`
	Status    string          `json:"status"`
	Progress  int             `json:"progress"`
	Input     json.RawMessage `json:"input"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *string         `json:"error,omitempty"`
	LockedAt  *time.Time      `json:"locked_at,omitempty"`
	LockEpoch int             `json:"-"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// DeadLetter is an exhausted ephemeral message, persisted append-only for
// manual inspection. It is never retried automatically.
type DeadLetter struct {
	ID        uuid.UUID       `json:"id"`
	TenantID  uuid.UUID       `json:"tenant_id"`
	Provider  string          `json:"provider"`
	Reason    string          `json:"reason"`
	Attempts  int             `json:"attempts"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Todo draft status constants (side-effect mirror of a draft job's outcome)
const (
	DraftStatusPending = "pending"
	DraftStatusDone    = "done"
	DraftStatusError   = "error"
)

// Todo is a domain row owned by the caller. The draft worker mirrors the job
// outcome into it as a best-effort secondary write; the job row stays the
// source of truth.
type Todo struct {
	ID           int64      `json:"id"`
	TenantID     uuid.UUID  `json:"tenant_id"`
	Title        string     `json:"title"`
	DraftStatus  string     `json:"draft_status"`
	DraftContent *string    `json:"draft_content,omitempty"`
	DraftError   *string    `json:"draft_error,omitempty"`
	DraftJobID   *uuid.UUID `json:"draft_job_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Contact is a tenant-scoped domain entity referenced by draft jobs.
type Contact struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Phone     *string   `json:"phone,omitempty"`
	Email     *string   `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Tenant holds the per-tenant settings the workers need, in particular the
// timezone used when rendering appointment times.
type Tenant struct {
	ID               uuid.UUID `json:"id"`
	Name             string    `json:"name"`
	Timezone         *string   `json:"timezone,omitempty"`
	UTCOffsetMinutes *int      `json:"utc_offset_minutes,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
