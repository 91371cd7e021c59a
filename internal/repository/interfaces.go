package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/lead-call-orchestrator/internal/domain"
	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// LeadRepository manages lead records.
type LeadRepository interface {
	Create(ctx context.Context, lead *domain.Lead) error
	Get(ctx context.Context, id int64) (*domain.Lead, error)
	List(ctx context.Context, afterID int64, limit int) ([]*domain.Lead, error)
	ListByStatus(ctx context.Context, status domain.LeadStatus, limit int) ([]*domain.Lead, error)
	UpdateDetails(ctx context.Context, lead *domain.Lead) error
	ExistingPhones(ctx context.Context, phones []string) (map[string]bool, error)
	BulkInsert(ctx context.Context, leads []*domain.Lead) (int, error)
}

// AttemptRepository owns call attempts and every lead status transition
// derived from them. Each method that changes an attempt's outcome also
// updates the lead in the same transaction.
type AttemptRepository interface {
	// Begin inserts an in-progress attempt and flips the lead to calling.
	// Returns apperrors.ErrConcurrentCall when the lead already has an active attempt.
	Begin(ctx context.Context, attempt *domain.CallAttempt) error
	SetScript(ctx context.Context, attemptID uuid.UUID, script string) error
	SetExternalID(ctx context.Context, attemptID uuid.UUID, externalCallID string) error
	MarkAnswered(ctx context.Context, attemptID uuid.UUID, at time.Time) (bool, error)
	// Finalize moves an active attempt to its terminal outcome and projects
	// the lead status. Returns false when the attempt was already terminal.
	Finalize(ctx context.Context, attempt *domain.CallAttempt) (bool, error)
	// CloseLead aborts any active attempt and sets the lead completed with
	// the manual override flag. Returns the aborted attempt, if any.
	CloseLead(ctx context.Context, leadID int64, reason string, at time.Time) (*domain.CallAttempt, error)
	// AbortActive fails the active attempt and returns the lead to not_called.
	AbortActive(ctx context.Context, leadID int64, reason string, at time.Time) (*domain.CallAttempt, error)
	ResetLead(ctx context.Context, leadID int64) error
	RecordManual(ctx context.Context, attempt *domain.CallAttempt) error
	Get(ctx context.Context, id uuid.UUID) (*domain.CallAttempt, error)
	Latest(ctx context.Context, leadID int64) (*domain.CallAttempt, error)
	ListByLead(ctx context.Context, leadID int64, limit int) ([]domain.CallAttempt, error)
	FindByExternalID(ctx context.Context, externalCallID string) (*domain.CallAttempt, error)
	// Reconcile fails every active attempt, used at startup.
	Reconcile(ctx context.Context, reason string, at time.Time) ([]domain.CallAttempt, error)
}

// TranscriptStore is the append-only transcript record, partitioned by lead.
type TranscriptStore interface {
	Append(ctx context.Context, leadID int64, attemptID uuid.UUID, utterances []domain.Utterance) error
	Load(ctx context.Context, leadID int64, attemptID uuid.UUID) ([]domain.Utterance, error)
}

// CredentialRepository persists the singleton provider credential set.
type CredentialRepository interface {
	Load(ctx context.Context) (domain.ProviderCredentials, error)
	Replace(ctx context.Context, values map[string]string, at time.Time) (domain.ProviderCredentials, error)
}
