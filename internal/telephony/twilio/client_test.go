package twilio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/lead-call-orchestrator/internal/telephony"
	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *telephony.Registry) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	registry := telephony.NewRegistry()
	client := New(Options{
		BaseURL:         srv.URL,
		AccountSID:      "AC123",
		AuthToken:       "secret",
		FromNumber:      "+15550001111",
		CallbackBaseURL: "https://leads.example.com/",
	}, registry)
	return client, registry
}

func TestPlaceCallSendsCarrierRequest(t *testing.T) {
	attemptID := uuid.New()
	client, registry := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Accounts/AC123/Calls.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "secret", pass)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "+15551234567", r.PostForm.Get("To"))
		assert.Equal(t, "+15550001111", r.PostForm.Get("From"))
		assert.Equal(t, "https://leads.example.com/webhooks/telephony/twiml?attempt_id="+attemptID.String(), r.PostForm.Get("Url"))
		assert.Equal(t, "https://leads.example.com/webhooks/telephony/status", r.PostForm.Get("StatusCallback"))
		assert.Len(t, r.PostForm["StatusCallbackEvent"], 4)
		assert.Equal(t, "30", r.PostForm.Get("Timeout"))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"CA42","to":"+1 (555) 123-4567","status":"queued"}`))
	})

	call, err := client.PlaceCall(context.Background(), telephony.DialRequest{
		AttemptID:   attemptID,
		To:          "(555) 123-4567",
		RingTimeout: 30 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "CA42", call.ExternalID)
	assert.Equal(t, "+15551234567", call.To)

	known, applied := registry.Notify("CA42", telephony.StatusInProgress, time.Now())
	assert.True(t, known)
	assert.True(t, applied)
	<-call.Answered()
}

func TestPlaceCallClassifiesErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"auth", http.StatusUnauthorized, `{"code":20003,"message":"Authenticate"}`, apperrors.ErrProviderAuth},
		{"outage", http.StatusServiceUnavailable, `{}`, apperrors.ErrProviderTransient},
		{"throttled", http.StatusTooManyRequests, `{"code":20429}`, apperrors.ErrProviderTransient},
		{"invalid number", http.StatusBadRequest, `{"code":21211,"message":"Invalid 'To' Phone Number"}`, apperrors.ErrValidation},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := client.PlaceCall(context.Background(), telephony.DialRequest{AttemptID: uuid.New(), To: "+15551234567"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestPlaceCallRejectsInvalidNumberWithoutRequest(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("carrier must not be called")
	})
	_, err := client.PlaceCall(context.Background(), telephony.DialRequest{AttemptID: uuid.New(), To: "not a number"})
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestHangupTerminatesTrackedCall(t *testing.T) {
	client, registry := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.URL.Path == "/Accounts/AC123/Calls/CA7.json" {
			assert.Equal(t, "completed", r.PostForm.Get("Status"))
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"sid":"CA7","to":"+15551234567","status":"in-progress"}`))
	})

	call, err := client.PlaceCall(context.Background(), telephony.DialRequest{AttemptID: uuid.New(), To: "+15551234567"})
	require.NoError(t, err)

	require.NoError(t, client.Hangup(context.Background(), call.ExternalID))
	<-call.Done()
	assert.Equal(t, telephony.StatusCompleted, call.Termination().Status)

	// a late carrier notification for the same call is ignored
	_, applied := registry.Notify(call.ExternalID, telephony.StatusCompleted, time.Now())
	assert.False(t, applied)
}

func TestHangupOfUnknownCallIsNotAnError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":20404,"message":"not found"}`))
	})
	require.NoError(t, client.Hangup(context.Background(), "CA404"))
}
