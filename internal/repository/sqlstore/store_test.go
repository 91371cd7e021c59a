package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/lead-call-orchestrator/internal/domain"
	"github.com/acme/lead-call-orchestrator/internal/infra/db"
	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	ctx := context.Background()
	conn, err := db.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(ctx) })
	require.NoError(t, Migrate(ctx, conn.DB()))
	return conn.DB()
}

func seedLead(t *testing.T, sqlDB *sqlx.DB, phone string) *domain.Lead {
	t.Helper()
	now := time.Now().UTC()
	lead := &domain.Lead{Name: "Lash Studio", Phone: phone, Status: domain.LeadStatusNotCalled, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, NewLeadRepository(sqlDB).Create(context.Background(), lead))
	require.NotZero(t, lead.ID)
	return lead
}

func newAttempt(leadID int64) *domain.CallAttempt {
	return &domain.CallAttempt{
		ID:        uuid.New(),
		LeadID:    leadID,
		Script:    "hello",
		Outcome:   domain.OutcomeInProgress,
		StartedAt: time.Now().UTC(),
	}
}

func TestLeadCreateRejectsDuplicatePhone(t *testing.T) {
	sqlDB := openTestDB(t)
	seedLead(t, sqlDB, "+15551234567")

	dup := &domain.Lead{Name: "Other", Phone: "+15551234567", Status: domain.LeadStatusNotCalled, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	err := NewLeadRepository(sqlDB).Create(context.Background(), dup)
	require.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestBeginEnforcesSingleActiveAttempt(t *testing.T) {
	ctx := context.Background()
	sqlDB := openTestDB(t)
	lead := seedLead(t, sqlDB, "+15551234567")
	attempts := NewAttemptRepository(sqlDB)

	require.NoError(t, attempts.Begin(ctx, newAttempt(lead.ID)))

	err := attempts.Begin(ctx, newAttempt(lead.ID))
	require.ErrorIs(t, err, apperrors.ErrConcurrentCall)

	stored, err := NewLeadRepository(sqlDB).Get(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LeadStatusCalling, stored.Status)

	list, err := attempts.ListByLead(ctx, lead.ID, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestBeginUnknownLead(t *testing.T) {
	sqlDB := openTestDB(t)
	err := NewAttemptRepository(sqlDB).Begin(context.Background(), newAttempt(42))
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestFindByExternalID(t *testing.T) {
	ctx := context.Background()
	sqlDB := openTestDB(t)
	lead := seedLead(t, sqlDB, "+15551234567")
	attempts := NewAttemptRepository(sqlDB)

	attempt := newAttempt(lead.ID)
	attempt.ExternalCallID = "CA-123"
	require.NoError(t, attempts.Begin(ctx, attempt))

	found, err := attempts.FindByExternalID(ctx, "CA-123")
	require.NoError(t, err)
	assert.Equal(t, attempt.ID, found.ID)
	assert.Equal(t, lead.ID, found.LeadID)

	_, err = attempts.FindByExternalID(ctx, "CA-missing")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestFinalizeProjectsStatusOnce(t *testing.T) {
	ctx := context.Background()
	sqlDB := openTestDB(t)
	lead := seedLead(t, sqlDB, "+15551234567")
	attempts := NewAttemptRepository(sqlDB)

	attempt := newAttempt(lead.ID)
	require.NoError(t, attempts.Begin(ctx, attempt))

	answered, err := attempts.MarkAnswered(ctx, attempt.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, answered)

	ended := time.Now().UTC()
	attempt.Outcome = domain.OutcomeInterested
	attempt.Disposition = "interested"
	attempt.EndedAt = &ended
	applied, err := attempts.Finalize(ctx, attempt)
	require.NoError(t, err)
	assert.True(t, applied)

	// a duplicate termination must not change anything
	attempt.Outcome = domain.OutcomeFailed
	applied, err = attempts.Finalize(ctx, attempt)
	require.NoError(t, err)
	assert.False(t, applied)

	latest, err := attempts.Latest(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeInterested, latest.Outcome)
	assert.NotNil(t, latest.AnsweredAt)
	assert.NotNil(t, latest.EndedAt)

	stored, err := NewLeadRepository(sqlDB).Get(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LeadStatusInterested, stored.Status)
}

func TestCloseLeadPreemptsActiveAttempt(t *testing.T) {
	ctx := context.Background()
	sqlDB := openTestDB(t)
	lead := seedLead(t, sqlDB, "+15551234567")
	attempts := NewAttemptRepository(sqlDB)

	attempt := newAttempt(lead.ID)
	require.NoError(t, attempts.Begin(ctx, attempt))

	aborted, err := attempts.CloseLead(ctx, lead.ID, "aborted: manual close", time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, aborted)
	assert.Equal(t, attempt.ID, aborted.ID)

	// the in-flight run loses the race to commit
	attempt.Outcome = domain.OutcomeInterested
	applied, err := attempts.Finalize(ctx, attempt)
	require.NoError(t, err)
	assert.False(t, applied)

	stored, err := NewLeadRepository(sqlDB).Get(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LeadStatusCompleted, stored.Status)
	assert.True(t, stored.ManualOverride)

	latest, err := attempts.Latest(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFailed, latest.Outcome)

	// a new explicit call clears the override
	require.NoError(t, attempts.Begin(ctx, newAttempt(lead.ID)))
	stored, err = NewLeadRepository(sqlDB).Get(ctx, lead.ID)
	require.NoError(t, err)
	assert.False(t, stored.ManualOverride)
	assert.Equal(t, domain.LeadStatusCalling, stored.Status)
}

func TestAbortActiveWithoutCall(t *testing.T) {
	sqlDB := openTestDB(t)
	lead := seedLead(t, sqlDB, "+15551234567")

	_, err := NewAttemptRepository(sqlDB).AbortActive(context.Background(), lead.ID, "operator abort", time.Now().UTC())
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestRecordManualRejectedWhileActive(t *testing.T) {
	ctx := context.Background()
	sqlDB := openTestDB(t)
	lead := seedLead(t, sqlDB, "+15551234567")
	attempts := NewAttemptRepository(sqlDB)

	require.NoError(t, attempts.Begin(ctx, newAttempt(lead.ID)))

	manual := newAttempt(lead.ID)
	manual.Outcome = domain.OutcomeDeclined
	require.ErrorIs(t, attempts.RecordManual(ctx, manual), apperrors.ErrConcurrentCall)
}

func TestReconcileFailsInterruptedAttempts(t *testing.T) {
	ctx := context.Background()
	sqlDB := openTestDB(t)
	first := seedLead(t, sqlDB, "+15551234567")
	second := seedLead(t, sqlDB, "+15557654321")
	attempts := NewAttemptRepository(sqlDB)

	require.NoError(t, attempts.Begin(ctx, newAttempt(first.ID)))
	require.NoError(t, attempts.Begin(ctx, newAttempt(second.ID)))

	reconciled, err := attempts.Reconcile(ctx, "interrupted by restart", time.Now().UTC())
	require.NoError(t, err)
	assert.Len(t, reconciled, 2)

	leads := NewLeadRepository(sqlDB)
	for _, id := range []int64{first.ID, second.ID} {
		lead, err := leads.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.LeadStatusNotCalled, lead.Status)

		latest, err := attempts.Latest(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeFailed, latest.Outcome)
	}
}

func TestBulkInsertSkipsExistingPhones(t *testing.T) {
	ctx := context.Background()
	sqlDB := openTestDB(t)
	seedLead(t, sqlDB, "+15551234567")
	repo := NewLeadRepository(sqlDB)

	now := time.Now().UTC()
	batch := []*domain.Lead{
		{Name: "A", Phone: "+15551234567", Status: domain.LeadStatusNotCalled, CreatedAt: now, UpdatedAt: now},
		{Name: "B", Phone: "+15550000001", Status: domain.LeadStatusNotCalled, CreatedAt: now, UpdatedAt: now},
	}
	inserted, err := repo.BulkInsert(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	existing, err := repo.ExistingPhones(ctx, []string{"+15551234567", "+15550000001", "+15559999999"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"+15551234567": true, "+15550000001": true}, existing)

	page, err := repo.List(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestTranscriptAppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	sqlDB := openTestDB(t)
	repo := NewTranscriptRepository(sqlDB)
	attemptID := uuid.New()

	lines := []domain.Utterance{
		{Seq: 1, Role: domain.RoleAgent, Text: "Hello", At: time.Now()},
		{Seq: 2, Role: domain.RoleUser, Text: "Hi", At: time.Now()},
	}
	require.NoError(t, repo.Append(ctx, 7, attemptID, lines))
	require.NoError(t, repo.Append(ctx, 7, attemptID, lines))

	loaded, err := repo.Load(ctx, 7, attemptID)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "Hello", loaded[0].Text)
	assert.Equal(t, domain.RoleUser, loaded[1].Role)
}

func TestCredentialReplaceBumpsVersion(t *testing.T) {
	ctx := context.Background()
	repo := NewCredentialRepository(openTestDB(t))

	empty, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.Version)

	first, err := repo.Replace(ctx, map[string]string{domain.CredLLMAPIKey: "sk-1"}, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, first.Version)

	second, err := repo.Replace(ctx, map[string]string{domain.CredTwilioAccountSID: "AC1"}, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 2, second.Version)

	loaded, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, loaded.Version)
	assert.Equal(t, "AC1", loaded.Get(domain.CredTwilioAccountSID))
	assert.Empty(t, loaded.Get(domain.CredLLMAPIKey))
}
