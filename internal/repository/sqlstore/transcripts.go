package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/lead-call-orchestrator/internal/domain"
)

// TranscriptRepository stores transcripts in the SQL database. Used when no
// Scylla cluster is configured.
type TranscriptRepository struct {
	db *sqlx.DB
}

// NewTranscriptRepository constructs a new repository.
func NewTranscriptRepository(db *sqlx.DB) *TranscriptRepository {
	return &TranscriptRepository{db: db}
}

type utteranceRecord struct {
	Seq      int       `db:"seq"`
	Role     string    `db:"role"`
	Body     string    `db:"body"`
	SpokenAt time.Time `db:"spoken_at"`
}

// Append stores utterances. Re-appending an existing sequence number is a no-op.
func (r *TranscriptRepository) Append(ctx context.Context, leadID int64, attemptID uuid.UUID, utterances []domain.Utterance) error {
	if len(utterances) == 0 {
		return nil
	}
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		q := tx.Rebind(`INSERT INTO transcripts (attempt_id, seq, lead_id, role, body, spoken_at)
			VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (attempt_id, seq) DO NOTHING`)
		for _, u := range utterances {
			if _, err := tx.ExecContext(ctx, q, attemptID.String(), u.Seq, leadID, u.Role, u.Text, u.At.UTC()); err != nil {
				return fmt.Errorf("transcript repo: append: %w", err)
			}
		}
		return nil
	})
}

// Load returns the attempt's utterances in order.
func (r *TranscriptRepository) Load(ctx context.Context, leadID int64, attemptID uuid.UUID) ([]domain.Utterance, error) {
	q := r.db.Rebind(`SELECT seq, role, body, spoken_at FROM transcripts WHERE lead_id = ? AND attempt_id = ? ORDER BY seq`)
	var records []utteranceRecord
	if err := r.db.SelectContext(ctx, &records, q, leadID, attemptID.String()); err != nil {
		return nil, fmt.Errorf("transcript repo: load: %w", err)
	}
	out := make([]domain.Utterance, 0, len(records))
	for _, rec := range records {
		out = append(out, domain.Utterance{Seq: rec.Seq, Role: rec.Role, Text: rec.Body, At: rec.SpokenAt.UTC()})
	}
	return out, nil
}
