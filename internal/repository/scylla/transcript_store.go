package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/lead-call-orchestrator/internal/domain"
)

const transcriptTable = `CREATE TABLE IF NOT EXISTS transcripts_by_lead (
	lead_id bigint,
	attempt_id uuid,
	seq int,
	role text,
	body text,
	spoken_at timestamp,
	PRIMARY KEY ((lead_id), attempt_id, seq)
) WITH CLUSTERING ORDER BY (attempt_id ASC, seq ASC)`

// TranscriptStore persists call transcripts in Scylla, one partition per lead.
type TranscriptStore struct {
	session *gocql.Session
}

// NewTranscriptStore creates a new transcript store.
func NewTranscriptStore(session *gocql.Session) *TranscriptStore {
	return &TranscriptStore{session: session}
}

// EnsureSchema creates the transcript table.
func (s *TranscriptStore) EnsureSchema(ctx context.Context) error {
	if err := s.session.Query(transcriptTable).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("transcript store: create table: %w", err)
	}
	return nil
}

// Append writes utterances in one unlogged batch. Rows are keyed by
// sequence number so replays overwrite identical values.
func (s *TranscriptStore) Append(ctx context.Context, leadID int64, attemptID uuid.UUID, utterances []domain.Utterance) error {
	if len(utterances) == 0 {
		return nil
	}
	attempt, err := gocql.UUIDFromBytes(attemptID[:])
	if err != nil {
		return fmt.Errorf("transcript store: attempt id: %w", err)
	}

	batch := s.session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	for _, u := range utterances {
		batch.Query(`INSERT INTO transcripts_by_lead (lead_id, attempt_id, seq, role, body, spoken_at) VALUES (?, ?, ?, ?, ?, ?)`,
			leadID, attempt, u.Seq, u.Role, u.Text, u.At.UTC())
	}
	if err := s.session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("transcript store: append: %w", err)
	}
	return nil
}

// Load reads one attempt's transcript in order.
func (s *TranscriptStore) Load(ctx context.Context, leadID int64, attemptID uuid.UUID) ([]domain.Utterance, error) {
	attempt, err := gocql.UUIDFromBytes(attemptID[:])
	if err != nil {
		return nil, fmt.Errorf("transcript store: attempt id: %w", err)
	}

	iter := s.session.Query(`SELECT seq, role, body, spoken_at FROM transcripts_by_lead WHERE lead_id = ? AND attempt_id = ?`,
		leadID, attempt).WithContext(ctx).Iter()

	var (
		out      []domain.Utterance
		seq      int
		role     string
		body     string
		spokenAt time.Time
	)
	for iter.Scan(&seq, &role, &body, &spokenAt) {
		out = append(out, domain.Utterance{Seq: seq, Role: role, Text: body, At: spokenAt.UTC()})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("transcript store: iter close: %w", err)
	}
	return out, nil
}
