package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/lead-call-orchestrator/internal/domain"
	"github.com/acme/lead-call-orchestrator/internal/service/credentials"
	leadsvc "github.com/acme/lead-call-orchestrator/internal/service/lead"
	"github.com/acme/lead-call-orchestrator/internal/service/orchestrator"
	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
)

type fakeLeads struct {
	created leadsvc.CreateLeadInput
	updated leadsvc.UpdateLeadInput
	token   string
	limit   int
	err     error
}

func (f *fakeLeads) Create(_ context.Context, in leadsvc.CreateLeadInput) (*domain.Lead, error) {
	f.created = in
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Lead{ID: 1, Name: in.Name, Phone: in.Phone, Status: domain.LeadStatusNotCalled}, nil
}

func (f *fakeLeads) List(_ context.Context, token string, limit int) (*leadsvc.ListResult, error) {
	f.token, f.limit = token, limit
	return &leadsvc.ListResult{
		Leads:         []*domain.Lead{{ID: 1, Name: "Lash Salon 1", Phone: "+15550100001", Status: domain.LeadStatusNotCalled}},
		NextPageToken: "MQ",
	}, f.err
}

func (f *fakeLeads) Update(_ context.Context, in leadsvc.UpdateLeadInput) (*domain.Lead, error) {
	f.updated = in
	if f.err != nil {
		return nil, f.err
	}
	status := domain.LeadStatusNotCalled
	if in.Status != nil {
		status = *in.Status
	}
	return &domain.Lead{ID: in.ID, Name: "Lash Salon 1", Phone: "+15550100001", Status: status, ManualOverride: status == domain.LeadStatusCompleted}, nil
}

type fakeCalls struct {
	startErr  error
	abortErr  error
	started   []int64
	script    string
	logged    orchestrator.CallLogInput
	carrier   [2]string
	tracked   bool
	logsLimit int
}

func (f *fakeCalls) StartCall(_ context.Context, leadID int64, script string) (*domain.CallAttempt, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, leadID)
	f.script = script
	return &domain.CallAttempt{ID: uuid.New(), LeadID: leadID, Outcome: domain.OutcomeInProgress, StartedAt: time.Now()}, nil
}

func (f *fakeCalls) Abort(_ context.Context, leadID int64) (*domain.CallAttempt, error) {
	if f.abortErr != nil {
		return nil, f.abortErr
	}
	return &domain.CallAttempt{ID: uuid.New(), LeadID: leadID, Outcome: domain.OutcomeFailed}, nil
}

func (f *fakeCalls) GetTranscript(_ context.Context, leadID int64) (orchestrator.TranscriptView, error) {
	return orchestrator.TranscriptView{
		LeadID:     leadID,
		Found:      true,
		Live:       true,
		Utterances: []domain.Utterance{{Seq: 1, Role: domain.RoleAgent, Text: "Hello"}},
	}, nil
}

func (f *fakeCalls) RecordCallLog(_ context.Context, in orchestrator.CallLogInput) (*domain.CallAttempt, error) {
	f.logged = in
	if in.CallStatus == "in_progress" {
		return nil, fmt.Errorf("%w: call status must be terminal", apperrors.ErrValidation)
	}
	return &domain.CallAttempt{ID: uuid.New(), LeadID: in.LeadID, Outcome: domain.OutcomeInterested}, nil
}

func (f *fakeCalls) ListCallLogs(_ context.Context, leadID int64, limit int) ([]domain.CallAttempt, error) {
	f.logsLimit = limit
	if leadID == 404 {
		return nil, apperrors.ErrNotFound
	}
	return []domain.CallAttempt{{ID: uuid.New(), LeadID: leadID, Outcome: domain.OutcomeDeclined}}, nil
}

func (f *fakeCalls) HandleCarrierStatus(_ context.Context, sid, status string) (bool, error) {
	f.carrier = [2]string{sid, status}
	return f.tracked, nil
}

type fakeScrape struct {
	limit int
	err   error
}

func (f *fakeScrape) Trigger(_ context.Context, limit int) (uuid.UUID, error) {
	f.limit = limit
	return uuid.New(), f.err
}

type fakeConfig struct {
	replaced map[string]string
}

func (f *fakeConfig) View(context.Context) (credentials.View, error) {
	return credentials.View{Values: map[string]string{domain.CredLLMAPIKey: "****1234"}, Version: 3}, nil
}

func (f *fakeConfig) Replace(_ context.Context, values map[string]string) (credentials.View, error) {
	f.replaced = values
	return credentials.View{Values: values, Version: 4}, nil
}

type harness struct {
	app    *fiber.App
	leads  *fakeLeads
	calls  *fakeCalls
	scrape *fakeScrape
	config *fakeConfig
	health map[string]string
	ok     bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		leads:  &fakeLeads{},
		calls:  &fakeCalls{},
		scrape: &fakeScrape{},
		config: &fakeConfig{},
		health: map[string]string{"database": "ok"},
		ok:     true,
	}
	set := NewHandlerSet(Dependencies{
		Leads:    h.leads,
		Calls:    h.calls,
		Scrape:   h.scrape,
		Config:   h.config,
		Health:   func(context.Context) (map[string]string, bool) { return h.health, h.ok },
		MediaURL: "wss://leads.example.com/media/",
	})
	h.app = fiber.New(fiber.Config{ErrorHandler: set.ErrorHandler})
	set.Register(h.app)
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func TestCreateAndListLeads(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodPost, "/api/leads", `{"name":"Lash Salon","phone":"(555) 010-0001","category":"beauty"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "Lash Salon", h.leads.created.Name)
	assert.Equal(t, "beauty", h.leads.created.Category)
	assert.Equal(t, "not_called", body["status"])

	resp, body = h.do(t, http.MethodGet, "/api/leads?limit=10&page_token=abc", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 10, h.leads.limit)
	assert.Equal(t, "abc", h.leads.token)
	assert.Equal(t, "MQ", body["next_page_token"])
	assert.Len(t, body["leads"], 1)
}

func TestCreateLeadValidationError(t *testing.T) {
	h := newHarness(t)
	h.leads.err = fmt.Errorf("%w: name is required", apperrors.ErrValidation)

	resp, body := h.do(t, http.MethodPost, "/api/leads", `{"phone":"+15550100001"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "name is required")
}

func TestPatchLeadStatus(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodPatch, "/api/leads/7", `{"status":"completed"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, h.leads.updated.Status)
	assert.Equal(t, domain.LeadStatusCompleted, *h.leads.updated.Status)
	assert.EqualValues(t, 7, h.leads.updated.ID)
	assert.Equal(t, true, body["manual_override"])

	h.leads.err = fmt.Errorf("lead 7: %w", apperrors.ErrConcurrentCall)
	resp, _ = h.do(t, http.MethodPatch, "/api/leads/7", `{"status":"not_called"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPatch, "/api/leads/abc", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTriggerCall(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodPost, "/api/call", `{"lead_id":3,"script":"Hi there"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []int64{3}, h.calls.started)
	assert.Equal(t, "Hi there", h.calls.script)
	assert.Equal(t, "in_progress", body["outcome"])
	assert.Equal(t, "calling", body["lead_status"])

	h.calls.startErr = fmt.Errorf("lead 3: %w", apperrors.ErrConcurrentCall)
	resp, _ = h.do(t, http.MethodPost, "/api/call", `{"lead_id":3}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/api/call", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProviderErrorsMapToGatewayStatuses(t *testing.T) {
	h := newHarness(t)

	h.calls.startErr = fmt.Errorf("twilio: %w", apperrors.ErrProviderAuth)
	resp, _ := h.do(t, http.MethodPost, "/api/call", `{"lead_id":1}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	h.calls.startErr = fmt.Errorf("twilio: %w", apperrors.ErrProviderTransient)
	resp, _ = h.do(t, http.MethodPost, "/api/call", `{"lead_id":1}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAbortWithoutActiveCall(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodPost, "/api/leads/5/abort", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "failed", body["outcome"])

	h.calls.abortErr = fmt.Errorf("lead 5 has no active call: %w", apperrors.ErrConflict)
	resp, _ = h.do(t, http.MethodPost, "/api/leads/5/abort", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestLeadTranscript(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodGet, "/api/leads/9/transcript", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["live"])
	assert.Len(t, body["utterances"], 1)
}

func TestCallLogs(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodPost, "/api/call_logs", `{"lead_id":2,"call_status":"Interested","transcript":"Agent: Hi\nUser: Sure"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "Interested", h.calls.logged.CallStatus)
	assert.Equal(t, "interested", body["lead_status"])

	resp, _ = h.do(t, http.MethodPost, "/api/call_logs", `{"lead_id":2,"call_status":"in_progress"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = h.do(t, http.MethodGet, "/api/call_logs/2?limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 5, h.calls.logsLimit)
	assert.Len(t, body["call_logs"], 1)

	resp, _ = h.do(t, http.MethodGet, "/api/call_logs/404", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScrapeTrigger(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodPost, "/api/scrape", `{"limit":12}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 12, h.scrape.limit)
	assert.NotEmpty(t, body["job_id"])

	resp, _ = h.do(t, http.MethodPost, "/api/scrape", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Zero(t, h.scrape.limit)

	h.scrape.err = fmt.Errorf("%w: worker pool saturated", apperrors.ErrUnavailable)
	resp, _ = h.do(t, http.MethodPost, "/api/scrape?limit=5", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestConfigRoundTrip(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, body["version"])

	resp, _ = h.do(t, http.MethodPost, "/api/config", `{"values":{"TWILIO_ACCOUNT_SID":"AC1","LLM_API_KEY":null}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]string{"TWILIO_ACCOUNT_SID": "AC1", "LLM_API_KEY": ""}, h.config.replaced)

	resp, _ = h.do(t, http.MethodPost, "/api/config", `{"TWILIO_ACCOUNT_SID":42}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCarrierStatusWebhook(t *testing.T) {
	h := newHarness(t)
	h.calls.tracked = true

	form := url.Values{"CallSid": {"CA9"}, "CallStatus": {"in-progress"}}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/telephony/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, [2]string{"CA9", "in-progress"}, h.calls.carrier)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/telephony/status", strings.NewReader("CallSid=CA9"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err = h.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTwiMLConnectsMediaStream(t *testing.T) {
	h := newHarness(t)
	attemptID := uuid.New()

	resp, _ := h.do(t, http.MethodPost, "/webhooks/telephony/twiml?attempt_id="+attemptID.String(), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/xml")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/telephony/twiml?attempt_id="+attemptID.String(), nil)
	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `<Stream url="wss://leads.example.com/media/`+attemptID.String()+`">`)
	assert.Contains(t, string(raw), `<Parameter name="attempt_id" value="`+attemptID.String()+`">`)

	resp, _ = h.do(t, http.MethodPost, "/webhooks/telephony/twiml?attempt_id=nope", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	h.ok = false
	h.health = map[string]string{"database": "ok", "redis": "dial tcp: connection refused"}
	resp, body = h.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
}
