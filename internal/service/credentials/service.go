// Package credentials manages the provider credential set and the alerts
// raised when a provider rejects it.
package credentials

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/lead-call-orchestrator/internal/config"
	"github.com/acme/lead-call-orchestrator/internal/domain"
	"github.com/acme/lead-call-orchestrator/internal/repository"
	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
)

const maskPrefix = "****"

// Alert records the last credential rejection of one provider.
type Alert struct {
	Provider string    `json:"provider"`
	Message  string    `json:"message"`
	Version  int64     `json:"credentials_version"`
	At       time.Time `json:"at"`
}

// View is the dashboard representation of the credential set.
type View struct {
	Values    map[string]string `json:"values"`
	Version   int64             `json:"version"`
	UpdatedAt time.Time         `json:"updated_at"`
	Alerts    []Alert           `json:"alerts"`
}

// Service reads and replaces provider credentials.
type Service struct {
	repo          repository.CredentialRepository
	defaults      map[string]string
	exposeSecrets bool
	logger        *zap.Logger
	now           func() time.Time

	mu     sync.Mutex
	alerts map[string]Alert
}

// NewService wires the service. defaults fill slots the stored set leaves empty.
func NewService(repo repository.CredentialRepository, defaults config.CredentialDefaults, exposeSecrets bool, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:          repo,
		defaults:      defaultValues(defaults),
		exposeSecrets: exposeSecrets,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
		alerts:        make(map[string]Alert),
	}
}

func defaultValues(d config.CredentialDefaults) map[string]string {
	return map[string]string{
		domain.CredTwilioAccountSID:  d.TwilioAccountSID,
		domain.CredTwilioAuthToken:   d.TwilioAuthToken,
		domain.CredTwilioPhoneNumber: d.TwilioPhoneNumber,
		domain.CredElevenLabsAPIKey:  d.ElevenLabsAPIKey,
		domain.CredElevenLabsAgentID: d.ElevenLabsAgentID,
		domain.CredLLMAPIKey:         d.LLMAPIKey,
	}
}

// Snapshot returns the current set merged with defaults. The snapshot is a
// copy; later replacements do not affect it.
func (s *Service) Snapshot(ctx context.Context) (domain.ProviderCredentials, error) {
	stored, err := s.repo.Load(ctx)
	if err != nil {
		return domain.ProviderCredentials{}, fmt.Errorf("credentials: load: %w", err)
	}
	merged := make(map[string]string, len(domain.CredentialKeys))
	for _, key := range domain.CredentialKeys {
		if v := stored.Get(key); v != "" {
			merged[key] = v
		} else if v := s.defaults[key]; v != "" {
			merged[key] = v
		}
	}
	stored.Values = merged
	return stored, nil
}

// Replace swaps the whole set atomically. Values echoed back in masked form
// keep their stored secret.
func (s *Service) Replace(ctx context.Context, values map[string]string) (View, error) {
	known := make(map[string]bool, len(domain.CredentialKeys))
	for _, key := range domain.CredentialKeys {
		known[key] = true
	}

	current, err := s.Snapshot(ctx)
	if err != nil {
		return View{}, err
	}

	next := make(map[string]string, len(values))
	for key, value := range values {
		key = strings.ToUpper(strings.TrimSpace(key))
		if !known[key] {
			return View{}, fmt.Errorf("%w: unknown credential %q", apperrors.ErrValidation, key)
		}
		value = strings.TrimSpace(value)
		if strings.HasPrefix(value, maskPrefix) && value == mask(current.Get(key)) {
			value = current.Get(key)
		}
		if value != "" {
			next[key] = value
		}
	}

	if _, err := s.repo.Replace(ctx, next, s.now()); err != nil {
		return View{}, fmt.Errorf("credentials: replace: %w", err)
	}

	s.mu.Lock()
	s.alerts = make(map[string]Alert)
	s.mu.Unlock()
	s.logger.Info("provider credentials replaced", zap.Int("slots", len(next)))

	return s.View(ctx)
}

// View returns the set for display, masking secrets unless exposure is enabled.
func (s *Service) View(ctx context.Context) (View, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return View{}, err
	}
	values := make(map[string]string, len(domain.CredentialKeys))
	for _, key := range domain.CredentialKeys {
		v := snap.Get(key)
		if domain.SecretKeys[key] && !s.exposeSecrets {
			v = mask(v)
		}
		values[key] = v
	}
	return View{Values: values, Version: snap.Version, UpdatedAt: snap.UpdatedAt, Alerts: s.Alerts()}, nil
}

// ReportAuthFailure records that provider rejected the given credential version.
func (s *Service) ReportAuthFailure(provider string, version int64, cause error) {
	alert := Alert{Provider: provider, Version: version, At: s.now()}
	if cause != nil {
		alert.Message = cause.Error()
	}
	s.mu.Lock()
	s.alerts[provider] = alert
	s.mu.Unlock()
	s.logger.Error("provider rejected credentials", zap.String("provider", provider), zap.Int64("credentials_version", version), zap.Error(cause))
}

// Alerts lists the outstanding provider alerts ordered by provider.
func (s *Service) Alerts() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

func mask(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 4 {
		return maskPrefix
	}
	return maskPrefix + v[len(v)-4:]
}
