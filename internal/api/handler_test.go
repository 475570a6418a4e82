package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsdeskhq/opsdesk/internal/db"
	"github.com/opsdeskhq/opsdesk/internal/queue"
	"github.com/opsdeskhq/opsdesk/internal/tenant"
)

type fakeRepo struct {
	jobs        map[uuid.UUID]*db.Job
	deadLetters []*db.DeadLetter
	createErr   error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{jobs: make(map[uuid.UUID]*db.Job)}
}

func (f *fakeRepo) CreateJob(ctx context.Context, tenantID uuid.UUID, kind string, input json.RawMessage) (*db.Job, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	job := &db.Job{ID: uuid.New(), TenantID: tenantID, Kind: kind, Status: db.JobStatusQueued, Input: input}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeRepo) GetJob(ctx context.Context, id uuid.UUID, tenantID *uuid.UUID) (*db.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, db.ErrJobNotFound
	}
	if tenantID != nil && job.TenantID != *tenantID {
		return nil, db.ErrJobNotFound
	}
	return job, nil
}

func (f *fakeRepo) ListDeadLettersByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*db.DeadLetter, error) {
	var out []*db.DeadLetter
	for _, dl := range f.deadLetters {
		if dl.TenantID == tenantID {
			out = append(out, dl)
		}
	}
	return out, nil
}

func (f *fakeRepo) GetDeadLetter(ctx context.Context, tenantID, id uuid.UUID) (*db.DeadLetter, error) {
	for _, dl := range f.deadLetters {
		if dl.ID == id && dl.TenantID == tenantID {
			return dl, nil
		}
	}
	return nil, db.ErrDeadLetterNotFound
}

type fakeEnqueuer struct {
	messages    []*queue.Message
	unreachable bool
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, msg *queue.Message) bool {
	if f.unreachable {
		return false
	}
	f.messages = append(f.messages, msg)
	return true
}

func setupTestServer(repo *fakeRepo, enq *fakeEnqueuer) http.Handler {
	h := NewHandler(zap.NewNop(), repo, enq, nil, 3)
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func doRequest(t *testing.T, handler http.Handler, method, path string, tenantID uuid.UUID, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req = req.WithContext(tenant.NewContext(req.Context(), tenant.Context{TenantID: tenantID, Role: tenant.RoleMember}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestEnqueueNotification_Accepted(t *testing.T) {
	enq := &fakeEnqueuer{}
	handler := setupTestServer(newFakeRepo(), enq)
	tenantID := uuid.New()

	rec := doRequest(t, handler, http.MethodPost, "/notifications", tenantID, NotificationRequest{
		Kind:    "sms",
		Payload: json.RawMessage(`{"to":"+15550001111","body":"hi"}`),
	})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(enq.messages) != 1 {
		t.Fatalf("expected 1 enqueued message, got %d", len(enq.messages))
	}
	msg := enq.messages[0]
	if msg.Kind != queue.KindSMS || msg.TenantID != tenantID {
		t.Errorf("unexpected message envelope: %+v", msg)
	}
	if msg.MaxAttempts != 3 {
		t.Errorf("expected default max_attempts 3, got %d", msg.MaxAttempts)
	}
}

func TestEnqueueNotification_InvalidKind(t *testing.T) {
	handler := setupTestServer(newFakeRepo(), &fakeEnqueuer{})

	rec := doRequest(t, handler, http.MethodPost, "/notifications", uuid.New(), NotificationRequest{
		Kind:    "push",
		Payload: json.RawMessage(`{"to":"x"}`),
	})

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown kind, got %d", rec.Code)
	}
}

func TestEnqueueNotification_PayloadValidatedAtEdge(t *testing.T) {
	enq := &fakeEnqueuer{}
	handler := setupTestServer(newFakeRepo(), enq)

	// SMS payload missing "to" must be rejected, not dead-lettered later.
	rec := doRequest(t, handler, http.MethodPost, "/notifications", uuid.New(), NotificationRequest{
		Kind:    "sms",
		Payload: json.RawMessage(`{"body":"hi"}`),
	})

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid payload, got %d", rec.Code)
	}
	if len(enq.messages) != 0 {
		t.Errorf("invalid payload must not be enqueued")
	}
}

func TestEnqueueNotification_BrokerUnavailable(t *testing.T) {
	handler := setupTestServer(newFakeRepo(), &fakeEnqueuer{unreachable: true})

	rec := doRequest(t, handler, http.MethodPost, "/notifications", uuid.New(), NotificationRequest{
		Kind:    "sms",
		Payload: json.RawMessage(`{"to":"+15550001111","body":"hi"}`),
	})

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when broker is down, got %d", rec.Code)
	}
}

func TestCreateJob(t *testing.T) {
	repo := newFakeRepo()
	handler := setupTestServer(repo, &fakeEnqueuer{})
	tenantID := uuid.New()

	rec := doRequest(t, handler, http.MethodPost, "/jobs", tenantID, JobRequest{
		Kind:  "followups.draft",
		Input: json.RawMessage(`{"todo_id":1,"contacts":[]}`),
	})

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp JobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	jobID, err := uuid.Parse(resp.JobID)
	if err != nil {
		t.Fatalf("expected job id in response, got %q", resp.JobID)
	}
	if repo.jobs[jobID].Status != db.JobStatusQueued {
		t.Error("expected created job queued")
	}
}

func TestCreateJob_MissingKind(t *testing.T) {
	handler := setupTestServer(newFakeRepo(), &fakeEnqueuer{})

	rec := doRequest(t, handler, http.MethodPost, "/jobs", uuid.New(), JobRequest{
		Input: json.RawMessage(`{}`),
	})

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing kind, got %d", rec.Code)
	}
}

func TestGetJob_PollOutcome(t *testing.T) {
	repo := newFakeRepo()
	handler := setupTestServer(repo, &fakeEnqueuer{})
	tenantID := uuid.New()

	job, _ := repo.CreateJob(context.Background(), tenantID, "followups.draft", json.RawMessage(`{}`))
	job.Status = db.JobStatusDone
	job.Progress = 100
	job.Result = json.RawMessage(`{"contact_ids":["c1"]}`)

	rec := doRequest(t, handler, http.MethodGet, "/jobs/"+job.ID.String(), tenantID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var view JobView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Status != db.JobStatusDone || view.Progress != 100 {
		t.Errorf("unexpected view: %+v", view)
	}
	if len(view.Result) == 0 {
		t.Error("expected result in view")
	}
}

func TestGetJob_OtherTenantHidden(t *testing.T) {
	repo := newFakeRepo()
	handler := setupTestServer(repo, &fakeEnqueuer{})

	owner := uuid.New()
	job, _ := repo.CreateJob(context.Background(), owner, "followups.draft", json.RawMessage(`{}`))

	rec := doRequest(t, handler, http.MethodGet, "/jobs/"+job.ID.String(), uuid.New(), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for another tenant's job, got %d", rec.Code)
	}
}

func TestGetJob_InvalidID(t *testing.T) {
	handler := setupTestServer(newFakeRepo(), &fakeEnqueuer{})

	rec := doRequest(t, handler, http.MethodGet, "/jobs/not-a-uuid", uuid.New(), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed id, got %d", rec.Code)
	}
}

func TestListDeadLetters_ScopedToTenant(t *testing.T) {
	repo := newFakeRepo()
	tenantID := uuid.New()
	repo.deadLetters = []*db.DeadLetter{
		{ID: uuid.New(), TenantID: tenantID, Provider: "sms", Reason: "provider down", Attempts: 3},
		{ID: uuid.New(), TenantID: uuid.New(), Provider: "email", Reason: "bounced", Attempts: 3},
	}
	handler := setupTestServer(repo, &fakeEnqueuer{})

	rec := doRequest(t, handler, http.MethodGet, "/deadletters", tenantID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var items []*db.DeadLetter
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected only own tenant's dead letters, got %d", len(items))
	}
	if items[0].Provider != "sms" {
		t.Errorf("unexpected dead letter %+v", items[0])
	}
}

func TestGetDeadLetter_NotFound(t *testing.T) {
	handler := setupTestServer(newFakeRepo(), &fakeEnqueuer{})

	rec := doRequest(t, handler, http.MethodGet, "/deadletters/"+uuid.NewString(), uuid.New(), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
