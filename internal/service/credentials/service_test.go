package credentials

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/lead-call-orchestrator/internal/config"
	"github.com/acme/lead-call-orchestrator/internal/domain"
	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
)

type memRepo struct {
	creds domain.ProviderCredentials
}

func (m *memRepo) Load(context.Context) (domain.ProviderCredentials, error) {
	return m.creds, nil
}

func (m *memRepo) Replace(_ context.Context, values map[string]string, at time.Time) (domain.ProviderCredentials, error) {
	m.creds = domain.ProviderCredentials{Values: values, Version: m.creds.Version + 1, UpdatedAt: at}
	return m.creds, nil
}

func TestSnapshotMergesDefaults(t *testing.T) {
	repo := &memRepo{creds: domain.ProviderCredentials{Values: map[string]string{domain.CredLLMAPIKey: "sk-stored"}, Version: 3}}
	svc := NewService(repo, config.CredentialDefaults{LLMAPIKey: "sk-env", TwilioAccountSID: "AC-env"}, false, nil)

	snap, err := svc.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sk-stored", snap.Get(domain.CredLLMAPIKey))
	assert.Equal(t, "AC-env", snap.Get(domain.CredTwilioAccountSID))
	assert.EqualValues(t, 3, snap.Version)

	// the snapshot is detached from later writes
	_, err = svc.Replace(context.Background(), map[string]string{domain.CredLLMAPIKey: "sk-new"})
	require.NoError(t, err)
	assert.Equal(t, "sk-stored", snap.Get(domain.CredLLMAPIKey))
}

func TestViewMasksSecrets(t *testing.T) {
	repo := &memRepo{}
	svc := NewService(repo, config.CredentialDefaults{}, false, nil)

	view, err := svc.Replace(context.Background(), map[string]string{
		"twilio_account_sid":       "AC123",
		domain.CredTwilioAuthToken: "token-abcd1234",
	})
	require.NoError(t, err)
	assert.Equal(t, "AC123", view.Values[domain.CredTwilioAccountSID])
	assert.Equal(t, "****1234", view.Values[domain.CredTwilioAuthToken])
	assert.Equal(t, "", view.Values[domain.CredLLMAPIKey])
	assert.EqualValues(t, 1, view.Version)

	// saving the masked form back keeps the real secret
	_, err = svc.Replace(context.Background(), view.Values)
	require.NoError(t, err)
	assert.Equal(t, "token-abcd1234", repo.creds.Get(domain.CredTwilioAuthToken))

	exposed := NewService(repo, config.CredentialDefaults{}, true, nil)
	view, err = exposed.View(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-abcd1234", view.Values[domain.CredTwilioAuthToken])
}

func TestReplaceRejectsUnknownKey(t *testing.T) {
	svc := NewService(&memRepo{}, config.CredentialDefaults{}, false, nil)
	_, err := svc.Replace(context.Background(), map[string]string{"AWS_SECRET": "x"})
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestAuthAlertsClearedOnReplace(t *testing.T) {
	svc := NewService(&memRepo{}, config.CredentialDefaults{}, false, nil)
	svc.ReportAuthFailure("twilio", 1, errors.New("401"))
	svc.ReportAuthFailure("elevenlabs", 1, errors.New("403"))

	alerts := svc.Alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, "elevenlabs", alerts[0].Provider)

	view, err := svc.Replace(context.Background(), map[string]string{domain.CredLLMAPIKey: "sk"})
	require.NoError(t, err)
	assert.Empty(t, view.Alerts)
}
