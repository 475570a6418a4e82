package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsdeskhq/opsdesk/internal/db"
	"github.com/opsdeskhq/opsdesk/internal/metrics"
	"github.com/opsdeskhq/opsdesk/internal/queue"
	"github.com/opsdeskhq/opsdesk/internal/redis"
	"github.com/opsdeskhq/opsdesk/internal/tenant"
)

// JobRepository defines the database operations the API needs.
type JobRepository interface {
	CreateJob(ctx context.Context, tenantID uuid.UUID, kind string, input json.RawMessage) (*db.Job, error)
	GetJob(ctx context.Context, id uuid.UUID, tenantID *uuid.UUID) (*db.Job, error)
	ListDeadLettersByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*db.DeadLetter, error)
	GetDeadLetter(ctx context.Context, tenantID, id uuid.UUID) (*db.DeadLetter, error)
}

// Enqueuer is the ephemeral queue surface the API needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *queue.Message) bool
}

// NotificationRequest represents the incoming enqueue request body.
type NotificationRequest struct {
	Kind        string          `json:"kind"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// NotificationResponse is returned after a message is accepted.
type NotificationResponse struct {
	Accepted bool `json:"accepted"`
}

// JobRequest represents the incoming job creation body.
type JobRequest struct {
	Kind  string          `json:"kind"`
	Input json.RawMessage `json:"input"`
}

// JobResponse is returned after creating a job.
type JobResponse struct {
	JobID string `json:"job_id"`
}

// JobView is the externally visible job state; polling it is the only
// discovery path for a job's outcome.
type JobView struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Status    string          `json:"status"`
	Progress  int             `json:"progress"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *string         `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ErrorResponse represents an error in problem+json format.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers.
type Handler struct {
	logger          *zap.Logger
	repo            JobRepository
	enqueuer        Enqueuer
	idempotency     *redis.IdempotencyService // nil if Redis not configured
	defaultAttempts int
}

// NewHandler creates a new API handler. idempotency may be nil.
func NewHandler(logger *zap.Logger, repo JobRepository, enqueuer Enqueuer, idempotency *redis.IdempotencyService, defaultAttempts int) *Handler {
	if defaultAttempts <= 0 {
		defaultAttempts = 3
	}
	return &Handler{
		logger:          logger,
		repo:            repo,
		enqueuer:        enqueuer,
		idempotency:     idempotency,
		defaultAttempts: defaultAttempts,
	}
}

// Routes mounts the handler under a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/notifications", h.EnqueueNotification)
	r.Post("/jobs", h.CreateJob)
	r.Get("/jobs/{id}", h.GetJob)
	r.Get("/deadletters", h.ListDeadLetters)
	r.Get("/deadletters/{id}", h.GetDeadLetter)
}

// EnqueueNotification handles POST /v1/notifications. The message is
// fire-and-forget: no row is created and 202 only means the broker took it.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) EnqueueNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tc, ok := tenant.FromContext(ctx)
	if !ok {
		writeProblem(w, http.StatusBadRequest, "missing_tenant", "Missing tenant", "")
		return
	}

	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	kind := queue.Kind(req.Kind)
	if !kind.Valid() {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Invalid kind", "kind must be sms, email, or ai")
		return
	}
	if !json.Valid(req.Payload) || len(req.Payload) == 0 {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Invalid payload", "payload must be valid JSON")
		return
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = h.defaultAttempts
	}

	msg := &queue.Message{
		Kind:        kind,
		TenantID:    tc.TenantID,
		MaxAttempts: maxAttempts,
		Payload:     req.Payload,
	}
	if err := validatePayload(msg); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Invalid payload", err.Error())
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, tc.TenantID.String(), idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				writeProblem(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_ = json.NewEncoder(w).Encode(NotificationResponse{Accepted: true})
			return
		}
	}

	if !h.enqueuer.Enqueue(ctx, msg) {
		writeProblem(w, http.StatusServiceUnavailable, "broker_unavailable",
			"Queue broker unavailable", "The notification was not accepted; retry later")
		return
	}

	metrics.RecordMessageEnqueued(tc.TenantID.String(), req.Kind)
	h.logger.Info("notification enqueued",
		zap.String("tenant_id", tc.TenantID.String()),
		zap.String("kind", req.Kind),
	)

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{StatusCode: http.StatusAccepted}
		if err := h.idempotency.Store(ctx, tc.TenantID.String(), idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	writeJSON(w, http.StatusAccepted, NotificationResponse{Accepted: true})
}

// CreateJob handles POST /v1/jobs.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tc, ok := tenant.FromContext(ctx)
	if !ok {
		writeProblem(w, http.StatusBadRequest, "missing_tenant", "Missing tenant", "")
		return
	}

	var req JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Kind == "" {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Missing kind", "kind is required")
		return
	}
	if !json.Valid(req.Input) || len(req.Input) == 0 {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Invalid input", "input must be valid JSON")
		return
	}

	job, err := h.repo.CreateJob(ctx, tc.TenantID, req.Kind, req.Input)
	if err != nil {
		h.logger.Error("failed to create job",
			zap.Error(err),
			zap.String("tenant_id", tc.TenantID.String()),
			zap.String("kind", req.Kind),
		)
		writeProblem(w, http.StatusInternalServerError, "database_error", "Failed to create job", "")
		return
	}

	writeJSON(w, http.StatusCreated, JobResponse{JobID: job.ID.String()})
}

// GetJob handles GET /v1/jobs/{id}, scoped to the caller's tenant.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tc, ok := tenant.FromContext(ctx)
	if !ok {
		writeProblem(w, http.StatusBadRequest, "missing_tenant", "Missing tenant", "")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Invalid job id", "id must be a valid UUID")
		return
	}

	job, err := h.repo.GetJob(ctx, id, &tc.TenantID)
	if errors.Is(err, db.ErrJobNotFound) {
		writeProblem(w, http.StatusNotFound, "not_found", "Job not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get job", zap.Error(err), zap.String("job_id", id.String()))
		writeProblem(w, http.StatusInternalServerError, "database_error", "Failed to get job", "")
		return
	}

	writeJSON(w, http.StatusOK, JobView{
		ID:        job.ID.String(),
		Kind:      job.Kind,
		Status:    job.Status,
		Progress:  job.Progress,
		Result:    job.Result,
		Error:     job.Error,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	})
}

// ListDeadLetters handles GET /v1/deadletters for operational inspection.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tc, ok := tenant.FromContext(ctx)
	if !ok {
		writeProblem(w, http.StatusBadRequest, "missing_tenant", "Missing tenant", "")
		return
	}

	limit := parseIntParam(r, "limit", 50)
	offset := parseIntParam(r, "offset", 0)

	items, err := h.repo.ListDeadLettersByTenant(ctx, tc.TenantID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list dead letters", zap.Error(err))
		writeProblem(w, http.StatusInternalServerError, "database_error", "Failed to list dead letters", "")
		return
	}
	if items == nil {
		items = []*db.DeadLetter{}
	}

	writeJSON(w, http.StatusOK, items)
}

// GetDeadLetter handles GET /v1/deadletters/{id}.
func (h *Handler) GetDeadLetter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tc, ok := tenant.FromContext(ctx)
	if !ok {
		writeProblem(w, http.StatusBadRequest, "missing_tenant", "Missing tenant", "")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Invalid dead letter id", "id must be a valid UUID")
		return
	}

	dl, err := h.repo.GetDeadLetter(ctx, tc.TenantID, id)
	if errors.Is(err, db.ErrDeadLetterNotFound) {
		writeProblem(w, http.StatusNotFound, "not_found", "Dead letter not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get dead letter", zap.Error(err))
		writeProblem(w, http.StatusInternalServerError, "database_error", "Failed to get dead letter", "")
		return
	}

	writeJSON(w, http.StatusOK, dl)
}

// validatePayload decodes the typed payload for the message's kind so bad
// requests are rejected at the edge rather than dead-lettered later.
func validatePayload(msg *queue.Message) error {
	switch msg.Kind {
	case queue.KindSMS:
		_, err := msg.SMS()
		return err
	case queue.KindEmail:
		_, err := msg.Email()
		return err
	case queue.KindAI:
		_, err := msg.ChatReply()
		return err
	default:
		return errors.New("unknown kind")
	}
}

func parseIntParam(r *http.Request, name string, def int) int {
	if raw := r.URL.Query().Get(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			return v
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
