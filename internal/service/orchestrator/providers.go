package orchestrator

import (
	"context"

	"github.com/acme/lead-call-orchestrator/internal/domain"
	"github.com/acme/lead-call-orchestrator/internal/queue"
	"github.com/acme/lead-call-orchestrator/internal/script"
	"github.com/acme/lead-call-orchestrator/internal/telephony"
	"github.com/acme/lead-call-orchestrator/internal/voice"
)

// Provider names used in alerts and logs.
const (
	ProviderTelephony = "telephony"
	ProviderVoice     = "voice"
)

// ProviderSet is the set of providers bound to one credential snapshot.
type ProviderSet struct {
	Telephony telephony.Driver
	Voice     voice.Bridge
	Script    script.Generator
	Simulated bool
}

// ProviderFactory builds providers for a credential snapshot.
type ProviderFactory interface {
	For(creds domain.ProviderCredentials) ProviderSet
}

// CredentialSource supplies credential snapshots and collects rejections.
type CredentialSource interface {
	Snapshot(ctx context.Context) (domain.ProviderCredentials, error)
	ReportAuthFailure(provider string, version int64, cause error)
}

// SlotLimiter caps in-flight calls across processes.
type SlotLimiter interface {
	Acquire(ctx context.Context, key string, limit int) (bool, error)
	Release(ctx context.Context, key string) error
}

// EventPublisher receives call lifecycle events.
type EventPublisher interface {
	PublishCallEvent(ctx context.Context, evt queue.CallEvent) error
}

// Pool runs attempt tasks.
type Pool interface {
	Submit(task func()) error
}
