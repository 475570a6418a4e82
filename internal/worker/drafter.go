package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsdeskhq/opsdesk/internal/ai"
	"github.com/opsdeskhq/opsdesk/internal/db"
	"github.com/opsdeskhq/opsdesk/internal/metrics"
	"github.com/opsdeskhq/opsdesk/internal/tenant"
)

// JobStore is the durable job surface the drafter needs.
type JobStore interface {
	ClaimNextJob(ctx context.Context, kind string, staleness time.Duration) (*db.Job, error)
	UpdateJob(ctx context.Context, id uuid.UUID, upd db.JobUpdate) error
}

// DomainStore loads the tenant-scoped entities a draft references and
// mirrors outcomes into the todo row.
type DomainStore interface {
	GetTenant(ctx context.Context, id uuid.UUID) (*db.Tenant, error)
	GetContactsByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]*db.Contact, error)
	UpdateTodoDraft(ctx context.Context, tenantID uuid.UUID, todoID int64, status string, content, draftErr *string, jobID uuid.UUID) error
}

// DraftInput is the input payload of a followups.draft job.
type DraftInput struct {
	TodoID   int64          `json:"todo_id"`
	Contacts []DraftContact `json:"contacts"`
}

// DraftContact names one contact and their upcoming appointment.
type DraftContact struct {
	ContactID     string    `json:"contact_id"`
	AppointmentTS time.Time `json:"appointment_ts"`
}

// DraftResult is written to the job's result column on success, echoing
// which contacts were covered and when.
type DraftResult struct {
	ContactIDs []string  `json:"contact_ids"`
	Phrases    []string  `json:"phrases"`
	DraftedAt  time.Time `json:"drafted_at"`
}

// DrafterConfig tunes the claimed-job worker loop.
type DrafterConfig struct {
	// PollInterval is how long to sleep when no job is claimable.
	PollInterval time.Duration

	// Staleness is the reclaim window: a running job whose lock is older
	// than this is considered abandoned by a crashed worker.
	Staleness time.Duration

	// DraftMaxTokens bounds AI generation.
	DraftMaxTokens int
}

// Drafter is the claimed-job worker. Each loop iteration claims at most one
// followups.draft job, executes it, and writes the outcome back under the
// claim's lock epoch. Multiple Drafter processes may run concurrently; the
// claim query keeps them off each other's jobs.
type Drafter struct {
	jobs   JobStore
	domain DomainStore
	gen    Generator
	config DrafterConfig
	logger *zap.Logger

	now   func() time.Time
	sleep func(time.Duration)
}

// NewDrafter creates the claimed-job worker.
func NewDrafter(jobs JobStore, domain DomainStore, gen Generator, cfg DrafterConfig, logger *zap.Logger) *Drafter {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Staleness == 0 {
		cfg.Staleness = 2 * time.Minute
	}
	if cfg.DraftMaxTokens == 0 {
		cfg.DraftMaxTokens = 600
	}
	return &Drafter{
		jobs:   jobs,
		domain: domain,
		gen:    gen,
		config: cfg,
		logger: logger,
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

// Start runs the claim loop until ctx is cancelled.
func (d *Drafter) Start(ctx context.Context) {
	d.logger.Info("drafter worker started",
		zap.Duration("poll_interval", d.config.PollInterval),
		zap.Duration("staleness", d.config.Staleness),
	)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("drafter worker stopping")
			return
		default:
		}

		job, err := d.jobs.ClaimNextJob(ctx, db.JobKindFollowupDraft, d.config.Staleness)
		if errors.Is(err, db.ErrNoClaimableJob) {
			d.sleep(d.config.PollInterval)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("job claim failed", zap.Error(err))
			d.sleep(d.config.PollInterval)
			continue
		}

		metrics.RecordJobClaimed(job.Kind)
		d.Execute(ctx, job)
	}
}

// Execute runs one claimed job to completion. Panics are recovered and
// recorded as the job's terminal error; they never kill the loop.
func (d *Drafter) Execute(ctx context.Context, job *db.Job) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("draft execution panicked",
				zap.String("job_id", job.ID.String()),
				zap.Any("panic", r),
			)
			d.fail(ctx, job, fmt.Sprintf("panic: %v", r))
		}
	}()

	// All row access below happens as owner_admin on the job's declared
	// tenant, never on a wildcard.
	ctx = tenant.AsWorker(ctx, job.TenantID)

	var input DraftInput
	if err := json.Unmarshal(job.Input, &input); err != nil {
		d.fail(ctx, job, fmt.Sprintf("invalid input: %v", err))
		return
	}
	if len(input.Contacts) == 0 {
		d.fail(ctx, job, "input has no contacts")
		return
	}

	loc := d.tenantLocation(ctx, job.TenantID)
	contacts := d.loadContacts(ctx, job.TenantID, input.Contacts)

	now := d.now().In(loc)
	contactIDs := make([]string, 0, len(input.Contacts))
	phrases := make([]string, 0, len(input.Contacts))
	var lines []string
	for _, c := range input.Contacts {
		phrase := relativePhrase(c.AppointmentTS.In(loc), now)
		contactIDs = append(contactIDs, c.ContactID)
		phrases = append(phrases, phrase)
		lines = append(lines, fmt.Sprintf("- %s has an appointment %s", contactDisplayName(contacts, c.ContactID), phrase))
	}

	userPrompt := fmt.Sprintf("Write a follow-up message covering these appointments:\n%s", strings.Join(lines, "\n"))

	text, err := d.gen.Generate(ctx, draftSystemPrompt,
		[]ai.ChatMessage{{Role: "user", Content: userPrompt}},
		d.config.DraftMaxTokens,
	)
	if err != nil {
		d.fail(ctx, job, fmt.Sprintf("generation failed: %v", err))
		return
	}
	if text == "" {
		d.fail(ctx, job, "generation returned empty response")
		return
	}

	result, err := json.Marshal(DraftResult{
		ContactIDs: contactIDs,
		Phrases:    phrases,
		DraftedAt:  d.now().UTC(),
	})
	if err != nil {
		d.fail(ctx, job, fmt.Sprintf("encode result: %v", err))
		return
	}

	status := db.JobStatusDone
	progress := 100
	err = d.jobs.UpdateJob(ctx, job.ID, db.JobUpdate{
		Status:    &status,
		Progress:  &progress,
		Result:    result,
		LockEpoch: &job.LockEpoch,
	})
	if errors.Is(err, db.ErrStaleClaim) {
		// Another worker reclaimed this job after our lock went stale;
		// its outcome wins and ours is discarded.
		metrics.RecordStaleClaimWrite()
		d.logger.Warn("discarding result from stale claim",
			zap.String("job_id", job.ID.String()),
			zap.Int("lock_epoch", job.LockEpoch),
		)
		return
	}
	if err != nil {
		d.logger.Error("failed to mark job done",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
		)
		return
	}

	metrics.RecordJobCompleted(job.Kind, db.JobStatusDone)
	d.logger.Info("draft job done",
		zap.String("job_id", job.ID.String()),
		zap.String("tenant_id", job.TenantID.String()),
		zap.Int("contacts", len(contactIDs)),
	)

	d.mirror(ctx, job, input.TodoID, db.DraftStatusDone, &text, nil)
}

const draftSystemPrompt = `You draft friendly follow-up messages for a small business.
Write a short, warm message reminding customers of their upcoming appointments.
Use the relative times exactly as given. Return only the message text.`

const maxErrorLen = 500

// fail marks the job error (terminal, no automatic retry) and mirrors the
// failure into the todo. The error string is truncated to fit the column.
func (d *Drafter) fail(ctx context.Context, job *db.Job, reason string) {
	if len(reason) > maxErrorLen {
		reason = reason[:maxErrorLen]
	}

	err := d.jobs.UpdateJob(ctx, job.ID, db.JobUpdate{
		Error:     &reason,
		LockEpoch: &job.LockEpoch,
	})
	if errors.Is(err, db.ErrStaleClaim) {
		metrics.RecordStaleClaimWrite()
		d.logger.Warn("discarding failure from stale claim",
			zap.String("job_id", job.ID.String()),
		)
		return
	}
	if err != nil {
		d.logger.Error("failed to mark job error",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
		)
		return
	}

	metrics.RecordJobCompleted(job.Kind, db.JobStatusError)
	d.logger.Warn("draft job failed",
		zap.String("job_id", job.ID.String()),
		zap.String("reason", reason),
	)

	var input DraftInput
	if jsonErr := json.Unmarshal(job.Input, &input); jsonErr == nil && input.TodoID != 0 {
		d.mirror(ctx, job, input.TodoID, db.DraftStatusError, nil, &reason)
	}
}

// mirror writes the outcome into the todo row. This is not transactional
// with the job update; a failure here is logged and swallowed because the
// job row is the source of truth.
func (d *Drafter) mirror(ctx context.Context, job *db.Job, todoID int64, status string, content, draftErr *string) {
	if todoID == 0 {
		return
	}
	if err := d.domain.UpdateTodoDraft(ctx, job.TenantID, todoID, status, content, draftErr, job.ID); err != nil {
		d.logger.Warn("todo mirror write failed",
			zap.Error(err),
			zap.Int64("todo_id", todoID),
			zap.String("job_id", job.ID.String()),
		)
	}
}

// tenantLocation resolves the tenant's rendering timezone, falling back to
// UTC when the tenant row is unavailable.
func (d *Drafter) tenantLocation(ctx context.Context, tenantID uuid.UUID) *time.Location {
	t, err := d.domain.GetTenant(ctx, tenantID)
	if err != nil {
		d.logger.Warn("tenant settings unavailable, rendering in UTC",
			zap.Error(err),
			zap.String("tenant_id", tenantID.String()),
		)
		return time.UTC
	}
	return resolveLocation(t.Timezone, t.UTCOffsetMinutes)
}

// loadContacts fetches the referenced contacts for name enrichment. Ids that
// are not UUIDs or not found are tolerated; the draft falls back to a
// generic name for them.
func (d *Drafter) loadContacts(ctx context.Context, tenantID uuid.UUID, refs []DraftContact) map[string]*db.Contact {
	var ids []uuid.UUID
	for _, ref := range refs {
		if id, err := uuid.Parse(ref.ContactID); err == nil {
			ids = append(ids, id)
		}
	}
	out := make(map[string]*db.Contact)
	if len(ids) == 0 {
		return out
	}

	byID, err := d.domain.GetContactsByIDs(ctx, tenantID, ids)
	if err != nil {
		d.logger.Warn("contact lookup failed, drafting without names",
			zap.Error(err),
			zap.String("tenant_id", tenantID.String()),
		)
		return out
	}
	for id, c := range byID {
		out[id.String()] = c
	}
	return out
}

func contactDisplayName(contacts map[string]*db.Contact, contactID string) string {
	if c, ok := contacts[contactID]; ok {
		name := strings.TrimSpace(c.FirstName + " " + c.LastName)
		if name != "" {
			return name
		}
	}
	return "the customer"
}
