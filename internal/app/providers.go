package app

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/acme/lead-call-orchestrator/internal/config"
	"github.com/acme/lead-call-orchestrator/internal/domain"
	"github.com/acme/lead-call-orchestrator/internal/script"
	"github.com/acme/lead-call-orchestrator/internal/service/orchestrator"
	scrapesvc "github.com/acme/lead-call-orchestrator/internal/service/scrape"
	"github.com/acme/lead-call-orchestrator/internal/telephony"
	telmock "github.com/acme/lead-call-orchestrator/internal/telephony/mock"
	"github.com/acme/lead-call-orchestrator/internal/telephony/twilio"
	"github.com/acme/lead-call-orchestrator/internal/voice/elevenlabs"
	voicemock "github.com/acme/lead-call-orchestrator/internal/voice/mock"
)

// Simulation modes for orchestrator.simulate.
const (
	SimulateAuto   = "auto"
	SimulateAlways = "always"
	SimulateNever  = "never"
)

// ProviderFactory builds provider sets from credential snapshots. Real
// clients are cheap to build, so a fresh set is made per attempt and a
// credential change applies to the next call.
type ProviderFactory struct {
	cfg    *config.Config
	http   *http.Client
	logger *zap.Logger

	registry *telephony.Registry
	carrier  *telmock.Carrier
	agent    *voicemock.Agent
	voice    *elevenlabs.Bridge
}

// NewProviderFactory wires real and simulated providers.
func NewProviderFactory(cfg *config.Config, registry *telephony.Registry, logger *zap.Logger) *ProviderFactory {
	httpClient := &http.Client{Timeout: cfg.Providers.RequestTimeout}
	return &ProviderFactory{
		cfg:      cfg,
		http:     httpClient,
		logger:   logger,
		registry: registry,
		carrier:  telmock.NewCarrier(telmock.Options{}, registry),
		agent:    voicemock.NewAgent(voicemock.Options{Interval: 1500 * time.Millisecond}),
		voice: elevenlabs.New(elevenlabs.Options{
			BaseURL:    cfg.Providers.ElevenLabsBaseURL,
			HTTPClient: httpClient,
			Logger:     logger.Named("elevenlabs"),
		}),
	}
}

// Simulated reports whether creds would be served by the simulated providers.
func (f *ProviderFactory) Simulated(creds domain.ProviderCredentials) bool {
	switch f.cfg.Orchestrator.Simulate {
	case SimulateAlways:
		return true
	case SimulateNever:
		return false
	default:
		return !creds.TelephonyReady() || !creds.VoiceReady()
	}
}

// For implements orchestrator.ProviderFactory.
func (f *ProviderFactory) For(creds domain.ProviderCredentials) orchestrator.ProviderSet {
	var generator script.Generator = script.Static{}
	if creds.LLMReady() && f.cfg.Orchestrator.Simulate != SimulateAlways {
		generator = script.NewLLM(script.Options{
			APIKey:  creds.Get(domain.CredLLMAPIKey),
			BaseURL: f.cfg.Providers.LLMBaseURL,
			Model:   f.cfg.Providers.LLMModel,
			Timeout: f.cfg.Orchestrator.ScriptTimeout,
			Logger:  f.logger.Named("script"),
		})
	}

	if f.Simulated(creds) {
		return orchestrator.ProviderSet{
			Telephony: f.carrier,
			Voice:     f.agent,
			Script:    generator,
			Simulated: true,
		}
	}
	return orchestrator.ProviderSet{
		Telephony: twilio.New(twilio.Options{
			BaseURL:         f.cfg.Providers.TwilioBaseURL,
			AccountSID:      creds.Get(domain.CredTwilioAccountSID),
			AuthToken:       creds.Get(domain.CredTwilioAuthToken),
			FromNumber:      creds.Get(domain.CredTwilioPhoneNumber),
			CallbackBaseURL: f.cfg.Providers.PublicBaseURL,
			HTTPClient:      f.http,
		}, f.registry),
		Voice:  f.voice,
		Script: generator,
	}
}

// ScrapeSources returns the configured discovery source. Without a lead
// file the dummy source stands in, the same as dummy-mode calling.
func (f *ProviderFactory) ScrapeSources() scrapesvc.SourceFunc {
	var source scrapesvc.Source = scrapesvc.DummySource{}
	if f.cfg.Scrape.Source == "file" {
		source = scrapesvc.FileSource{Path: f.cfg.Scrape.FilePath}
	}
	return func(context.Context) scrapesvc.Source { return source }
}
