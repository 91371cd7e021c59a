package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/lead-call-orchestrator/internal/domain"
	"github.com/acme/lead-call-orchestrator/internal/repository"
	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
)

const attemptColumns = `id, lead_id, external_call_id, script, outcome, disposition, error, credentials_version, started_at, answered_at, ended_at`

const activeOutcomeFilter = `outcome IN ('in_progress', 'answered')`

// AttemptRepository implements repository.AttemptRepository.
type AttemptRepository struct {
	db *sqlx.DB
}

// NewAttemptRepository constructs a new repository.
func NewAttemptRepository(db *sqlx.DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

type attemptRecord struct {
	ID                 string       `db:"id"`
	LeadID             int64        `db:"lead_id"`
	ExternalCallID     string       `db:"external_call_id"`
	Script             string       `db:"script"`
	Outcome            string       `db:"outcome"`
	Disposition        string       `db:"disposition"`
	Error              string       `db:"error"`
	CredentialsVersion int64        `db:"credentials_version"`
	StartedAt          time.Time    `db:"started_at"`
	AnsweredAt         sql.NullTime `db:"answered_at"`
	EndedAt            sql.NullTime `db:"ended_at"`
}

func (r attemptRecord) toDomain() (domain.CallAttempt, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return domain.CallAttempt{}, fmt.Errorf("attempt repo: parse id: %w", err)
	}
	attempt := domain.CallAttempt{
		ID:                 id,
		LeadID:             r.LeadID,
		ExternalCallID:     r.ExternalCallID,
		Script:             r.Script,
		Outcome:            domain.Outcome(r.Outcome),
		Disposition:        r.Disposition,
		Error:              r.Error,
		CredentialsVersion: r.CredentialsVersion,
		StartedAt:          r.StartedAt.UTC(),
	}
	if r.AnsweredAt.Valid {
		t := r.AnsweredAt.Time.UTC()
		attempt.AnsweredAt = &t
	}
	if r.EndedAt.Valid {
		t := r.EndedAt.Time.UTC()
		attempt.EndedAt = &t
	}
	return attempt, nil
}

// Begin inserts an in-progress attempt and marks the lead calling in one transaction.
func (r *AttemptRepository) Begin(ctx context.Context, attempt *domain.CallAttempt) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := getLead(ctx, tx, attempt.LeadID); err != nil {
			return err
		}
		if err := insertAttempt(ctx, tx, attempt); err != nil {
			return err
		}
		q := tx.Rebind(`UPDATE leads SET status = ?, manual_override = FALSE, updated_at = ? WHERE id = ?`)
		if _, err := tx.ExecContext(ctx, q, string(domain.LeadStatusCalling), attempt.StartedAt, attempt.LeadID); err != nil {
			return fmt.Errorf("attempt repo: mark lead calling: %w", err)
		}
		return nil
	})
}

func insertAttempt(ctx context.Context, tx *sqlx.Tx, attempt *domain.CallAttempt) error {
	q := tx.Rebind(`INSERT INTO call_attempts (` + attemptColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := tx.ExecContext(ctx, q,
		attempt.ID.String(), attempt.LeadID, attempt.ExternalCallID, attempt.Script, string(attempt.Outcome),
		attempt.Disposition, attempt.Error, attempt.CredentialsVersion, attempt.StartedAt,
		nullTime(attempt.AnsweredAt), nullTime(attempt.EndedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("lead %d: %w", attempt.LeadID, apperrors.ErrConcurrentCall)
		}
		return fmt.Errorf("attempt repo: insert: %w", err)
	}
	return nil
}

// SetExternalID records the carrier's handle for the attempt.
func (r *AttemptRepository) SetExternalID(ctx context.Context, attemptID uuid.UUID, externalCallID string) error {
	q := r.db.Rebind(`UPDATE call_attempts SET external_call_id = ? WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, q, externalCallID, attemptID.String()); err != nil {
		return fmt.Errorf("attempt repo: set external id: %w", err)
	}
	return nil
}

// SetScript stores the opening script chosen for an active attempt.
func (r *AttemptRepository) SetScript(ctx context.Context, attemptID uuid.UUID, script string) error {
	q := r.db.Rebind(`UPDATE call_attempts SET script = ? WHERE id = ? AND ` + activeOutcomeFilter)
	if _, err := r.db.ExecContext(ctx, q, script, attemptID.String()); err != nil {
		return fmt.Errorf("attempt repo: set script: %w", err)
	}
	return nil
}

// MarkAnswered moves an in-progress attempt to answered.
func (r *AttemptRepository) MarkAnswered(ctx context.Context, attemptID uuid.UUID, at time.Time) (bool, error) {
	q := r.db.Rebind(`UPDATE call_attempts SET outcome = ?, answered_at = ? WHERE id = ? AND outcome = ?`)
	res, err := r.db.ExecContext(ctx, q, string(domain.OutcomeAnswered), at, attemptID.String(), string(domain.OutcomeInProgress))
	if err != nil {
		return false, fmt.Errorf("attempt repo: mark answered: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Finalize commits the terminal outcome and the lead projection together.
func (r *AttemptRepository) Finalize(ctx context.Context, attempt *domain.CallAttempt) (bool, error) {
	if !attempt.Outcome.Terminal() {
		return false, fmt.Errorf("%w: finalize with non-terminal outcome %q", apperrors.ErrValidation, attempt.Outcome)
	}
	applied := false
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		ok, err := finishAttempt(ctx, tx, attempt)
		if err != nil || !ok {
			return err
		}
		applied = true
		q := tx.Rebind(`UPDATE leads SET status = ?, updated_at = ? WHERE id = ? AND manual_override = FALSE`)
		if _, err := tx.ExecContext(ctx, q, string(attempt.Outcome.LeadStatus()), endedAt(attempt), attempt.LeadID); err != nil {
			return fmt.Errorf("attempt repo: project lead status: %w", err)
		}
		return nil
	})
	return applied, err
}

func finishAttempt(ctx context.Context, tx *sqlx.Tx, attempt *domain.CallAttempt) (bool, error) {
	q := tx.Rebind(`UPDATE call_attempts
		SET outcome = ?, disposition = ?, error = ?, ended_at = ?, answered_at = COALESCE(answered_at, ?)
		WHERE id = ? AND ` + activeOutcomeFilter)
	res, err := tx.ExecContext(ctx, q, string(attempt.Outcome), attempt.Disposition, attempt.Error,
		endedAt(attempt), nullTime(attempt.AnsweredAt), attempt.ID.String())
	if err != nil {
		return false, fmt.Errorf("attempt repo: finish attempt: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CloseLead is the manual override path.
func (r *AttemptRepository) CloseLead(ctx context.Context, leadID int64, reason string, at time.Time) (*domain.CallAttempt, error) {
	var aborted *domain.CallAttempt
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := getLead(ctx, tx, leadID); err != nil {
			return err
		}
		var err error
		aborted, err = abortActive(ctx, tx, leadID, reason, at)
		if err != nil {
			return err
		}
		q := tx.Rebind(`UPDATE leads SET status = ?, manual_override = TRUE, updated_at = ? WHERE id = ?`)
		if _, err := tx.ExecContext(ctx, q, string(domain.LeadStatusCompleted), at, leadID); err != nil {
			return fmt.Errorf("attempt repo: close lead: %w", err)
		}
		return nil
	})
	return aborted, err
}

// AbortActive fails the lead's active attempt. Returns ErrNotFound when
// nothing is active.
func (r *AttemptRepository) AbortActive(ctx context.Context, leadID int64, reason string, at time.Time) (*domain.CallAttempt, error) {
	var aborted *domain.CallAttempt
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var err error
		aborted, err = abortActive(ctx, tx, leadID, reason, at)
		if err != nil {
			return err
		}
		if aborted == nil {
			return fmt.Errorf("no active call for lead %d: %w", leadID, repository.ErrNotFound)
		}
		q := tx.Rebind(`UPDATE leads SET status = ?, updated_at = ? WHERE id = ? AND manual_override = FALSE`)
		if _, err := tx.ExecContext(ctx, q, string(domain.LeadStatusNotCalled), at, leadID); err != nil {
			return fmt.Errorf("attempt repo: revert lead: %w", err)
		}
		return nil
	})
	return aborted, err
}

func abortActive(ctx context.Context, tx *sqlx.Tx, leadID int64, reason string, at time.Time) (*domain.CallAttempt, error) {
	active, err := activeAttempt(ctx, tx, leadID)
	if err != nil || active == nil {
		return nil, err
	}
	active.Outcome = domain.OutcomeFailed
	active.Error = reason
	active.EndedAt = &at
	if _, err := finishAttempt(ctx, tx, active); err != nil {
		return nil, err
	}
	return active, nil
}

func activeAttempt(ctx context.Context, tx *sqlx.Tx, leadID int64) (*domain.CallAttempt, error) {
	var record attemptRecord
	q := tx.Rebind(`SELECT ` + attemptColumns + ` FROM call_attempts WHERE lead_id = ? AND ` + activeOutcomeFilter)
	if err := tx.GetContext(ctx, &record, q, leadID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("attempt repo: active attempt: %w", err)
	}
	attempt, err := record.toDomain()
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// ResetLead returns a lead to not_called and clears the manual override.
func (r *AttemptRepository) ResetLead(ctx context.Context, leadID int64) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := getLead(ctx, tx, leadID); err != nil {
			return err
		}
		active, err := activeAttempt(ctx, tx, leadID)
		if err != nil {
			return err
		}
		if active != nil {
			return fmt.Errorf("lead %d: %w", leadID, apperrors.ErrConcurrentCall)
		}
		q := tx.Rebind(`UPDATE leads SET status = ?, manual_override = FALSE, updated_at = ? WHERE id = ?`)
		if _, err := tx.ExecContext(ctx, q, string(domain.LeadStatusNotCalled), time.Now().UTC(), leadID); err != nil {
			return fmt.Errorf("attempt repo: reset lead: %w", err)
		}
		return nil
	})
}

// RecordManual stores an operator-entered terminal attempt and projects it
// onto the lead.
func (r *AttemptRepository) RecordManual(ctx context.Context, attempt *domain.CallAttempt) error {
	if !attempt.Outcome.Terminal() {
		return fmt.Errorf("%w: call log outcome must be terminal, got %q", apperrors.ErrValidation, attempt.Outcome)
	}
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := getLead(ctx, tx, attempt.LeadID); err != nil {
			return err
		}
		active, err := activeAttempt(ctx, tx, attempt.LeadID)
		if err != nil {
			return err
		}
		if active != nil {
			return fmt.Errorf("lead %d: %w", attempt.LeadID, apperrors.ErrConcurrentCall)
		}
		if err := insertAttempt(ctx, tx, attempt); err != nil {
			return err
		}
		q := tx.Rebind(`UPDATE leads SET status = ?, manual_override = FALSE, updated_at = ? WHERE id = ?`)
		if _, err := tx.ExecContext(ctx, q, string(attempt.Outcome.LeadStatus()), endedAt(attempt), attempt.LeadID); err != nil {
			return fmt.Errorf("attempt repo: project manual log: %w", err)
		}
		return nil
	})
}

// Latest returns the most recent attempt for a lead.
func (r *AttemptRepository) Latest(ctx context.Context, leadID int64) (*domain.CallAttempt, error) {
	attempts, err := r.ListByLead(ctx, leadID, 1)
	if err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		return nil, fmt.Errorf("attempts for lead %d: %w", leadID, repository.ErrNotFound)
	}
	return &attempts[0], nil
}

// ListByLead lists attempts newest first.
func (r *AttemptRepository) ListByLead(ctx context.Context, leadID int64, limit int) ([]domain.CallAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	q := r.db.Rebind(`SELECT ` + attemptColumns + ` FROM call_attempts WHERE lead_id = ? ORDER BY started_at DESC, id LIMIT ?`)
	var records []attemptRecord
	if err := r.db.SelectContext(ctx, &records, q, leadID, limit); err != nil {
		return nil, fmt.Errorf("attempt repo: list: %w", err)
	}
	return toAttempts(records)
}

// Get loads one attempt by id.
func (r *AttemptRepository) Get(ctx context.Context, id uuid.UUID) (*domain.CallAttempt, error) {
	var record attemptRecord
	q := r.db.Rebind(`SELECT ` + attemptColumns + ` FROM call_attempts WHERE id = ?`)
	if err := r.db.GetContext(ctx, &record, q, id.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("attempt %s: %w", id, repository.ErrNotFound)
		}
		return nil, fmt.Errorf("attempt repo: get: %w", err)
	}
	attempt, err := record.toDomain()
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// FindByExternalID resolves a carrier call handle to its attempt.
func (r *AttemptRepository) FindByExternalID(ctx context.Context, externalCallID string) (*domain.CallAttempt, error) {
	var record attemptRecord
	q := r.db.Rebind(`SELECT ` + attemptColumns + ` FROM call_attempts WHERE external_call_id = ? ORDER BY started_at DESC LIMIT 1`)
	if err := r.db.GetContext(ctx, &record, q, externalCallID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("call %s: %w", externalCallID, repository.ErrNotFound)
		}
		return nil, fmt.Errorf("attempt repo: find by external id: %w", err)
	}
	attempt, err := record.toDomain()
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// Reconcile fails every active attempt and reverts leads stuck in calling.
func (r *AttemptRepository) Reconcile(ctx context.Context, reason string, at time.Time) ([]domain.CallAttempt, error) {
	var reconciled []domain.CallAttempt
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var records []attemptRecord
		q := `SELECT ` + attemptColumns + ` FROM call_attempts WHERE ` + activeOutcomeFilter
		if err := tx.SelectContext(ctx, &records, q); err != nil {
			return fmt.Errorf("attempt repo: list active: %w", err)
		}
		var err error
		reconciled, err = toAttempts(records)
		if err != nil {
			return err
		}

		update := tx.Rebind(`UPDATE call_attempts SET outcome = ?, error = ?, ended_at = ? WHERE ` + activeOutcomeFilter)
		if _, err := tx.ExecContext(ctx, update, string(domain.OutcomeFailed), reason, at); err != nil {
			return fmt.Errorf("attempt repo: fail active: %w", err)
		}
		revert := tx.Rebind(`UPDATE leads SET status = ?, updated_at = ? WHERE status = ? AND manual_override = FALSE`)
		if _, err := tx.ExecContext(ctx, revert, string(domain.LeadStatusNotCalled), at, string(domain.LeadStatusCalling)); err != nil {
			return fmt.Errorf("attempt repo: revert calling leads: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := range reconciled {
		reconciled[i].Outcome = domain.OutcomeFailed
		reconciled[i].Error = reason
		reconciled[i].EndedAt = &at
	}
	return reconciled, nil
}

func toAttempts(records []attemptRecord) ([]domain.CallAttempt, error) {
	attempts := make([]domain.CallAttempt, 0, len(records))
	for _, rec := range records {
		attempt, err := rec.toDomain()
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, attempt)
	}
	return attempts, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func endedAt(attempt *domain.CallAttempt) time.Time {
	if attempt.EndedAt != nil {
		return *attempt.EndedAt
	}
	return time.Now().UTC()
}
