package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/lead-call-orchestrator/internal/domain"
	"github.com/acme/lead-call-orchestrator/internal/repository"
)

const leadColumns = `id, name, phone, category, address, website, status, manual_override, created_at, updated_at`

// LeadRepository implements repository.LeadRepository.
type LeadRepository struct {
	db *sqlx.DB
}

// NewLeadRepository constructs a new repository.
func NewLeadRepository(db *sqlx.DB) *LeadRepository {
	return &LeadRepository{db: db}
}

type leadRecord struct {
	ID             int64     `db:"id"`
	Name           string    `db:"name"`
	Phone          string    `db:"phone"`
	Category       string    `db:"category"`
	Address        string    `db:"address"`
	Website        string    `db:"website"`
	Status         string    `db:"status"`
	ManualOverride bool      `db:"manual_override"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r leadRecord) toDomain() *domain.Lead {
	return &domain.Lead{
		ID:             r.ID,
		Name:           r.Name,
		Phone:          r.Phone,
		Category:       r.Category,
		Address:        r.Address,
		Website:        r.Website,
		Status:         domain.LeadStatus(r.Status),
		ManualOverride: r.ManualOverride,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

const insertLeadSQL = `INSERT INTO leads (name, phone, category, address, website, status, manual_override, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Create inserts a lead and assigns its id. A duplicate phone yields ErrConflict.
func (r *LeadRepository) Create(ctx context.Context, lead *domain.Lead) error {
	q := r.db.Rebind(insertLeadSQL + ` RETURNING id`)
	row := r.db.QueryRowxContext(ctx, q, lead.Name, lead.Phone, lead.Category, lead.Address, lead.Website,
		string(lead.Status), lead.ManualOverride, lead.CreatedAt, lead.UpdatedAt)
	if err := row.Scan(&lead.ID); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("lead repo: phone %s already exists: %w", lead.Phone, repository.ErrConflict)
		}
		return fmt.Errorf("lead repo: insert: %w", err)
	}
	return nil
}

// Get fetches a lead by id.
func (r *LeadRepository) Get(ctx context.Context, id int64) (*domain.Lead, error) {
	return getLead(ctx, r.db, id)
}

func getLead(ctx context.Context, q sqlx.QueryerContext, id int64) (*domain.Lead, error) {
	var record leadRecord
	query := sqlx.Rebind(sqlx.BindType(driverOf(q)), `SELECT `+leadColumns+` FROM leads WHERE id = ?`)
	if err := sqlx.GetContext(ctx, q, &record, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("lead %d: %w", id, repository.ErrNotFound)
		}
		return nil, fmt.Errorf("lead repo: get: %w", err)
	}
	return record.toDomain(), nil
}

// List returns leads ordered by id, starting after afterID.
func (r *LeadRepository) List(ctx context.Context, afterID int64, limit int) ([]*domain.Lead, error) {
	if limit <= 0 {
		limit = 100
	}
	q := r.db.Rebind(`SELECT ` + leadColumns + ` FROM leads WHERE id > ? ORDER BY id LIMIT ?`)
	var records []leadRecord
	if err := r.db.SelectContext(ctx, &records, q, afterID, limit); err != nil {
		return nil, fmt.Errorf("lead repo: list: %w", err)
	}
	return toLeads(records), nil
}

// ListByStatus returns the oldest leads in the given status.
func (r *LeadRepository) ListByStatus(ctx context.Context, status domain.LeadStatus, limit int) ([]*domain.Lead, error) {
	if limit <= 0 {
		limit = 100
	}
	q := r.db.Rebind(`SELECT ` + leadColumns + ` FROM leads WHERE status = ? AND manual_override = FALSE ORDER BY id LIMIT ?`)
	var records []leadRecord
	if err := r.db.SelectContext(ctx, &records, q, string(status), limit); err != nil {
		return nil, fmt.Errorf("lead repo: list by status: %w", err)
	}
	return toLeads(records), nil
}

// UpdateDetails updates contact fields. Status is owned by AttemptRepository.
func (r *LeadRepository) UpdateDetails(ctx context.Context, lead *domain.Lead) error {
	q := r.db.Rebind(`UPDATE leads SET name = ?, phone = ?, category = ?, address = ?, website = ?, updated_at = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q, lead.Name, lead.Phone, lead.Category, lead.Address, lead.Website, lead.UpdatedAt, lead.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("lead repo: phone %s already exists: %w", lead.Phone, repository.ErrConflict)
		}
		return fmt.Errorf("lead repo: update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("lead %d: %w", lead.ID, repository.ErrNotFound)
	}
	return nil
}

// ExistingPhones reports which of phones are already stored.
func (r *LeadRepository) ExistingPhones(ctx context.Context, phones []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(phones))
	if len(phones) == 0 {
		return existing, nil
	}
	q, args, err := sqlx.In(`SELECT phone FROM leads WHERE phone IN (?)`, phones)
	if err != nil {
		return nil, fmt.Errorf("lead repo: build phone query: %w", err)
	}
	var found []string
	if err := r.db.SelectContext(ctx, &found, r.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("lead repo: existing phones: %w", err)
	}
	for _, p := range found {
		existing[p] = true
	}
	return existing, nil
}

// BulkInsert stores leads, skipping phones that already exist, and returns
// the number inserted. Inserted leads get their ids assigned.
func (r *LeadRepository) BulkInsert(ctx context.Context, leads []*domain.Lead) (int, error) {
	inserted := 0
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		q := tx.Rebind(insertLeadSQL + ` ON CONFLICT (phone) DO NOTHING RETURNING id`)
		for _, lead := range leads {
			row := tx.QueryRowxContext(ctx, q, lead.Name, lead.Phone, lead.Category, lead.Address, lead.Website,
				string(lead.Status), lead.ManualOverride, lead.CreatedAt, lead.UpdatedAt)
			if err := row.Scan(&lead.ID); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					continue
				}
				return fmt.Errorf("lead repo: bulk insert %s: %w", lead.Phone, err)
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func toLeads(records []leadRecord) []*domain.Lead {
	leads := make([]*domain.Lead, 0, len(records))
	for _, rec := range records {
		leads = append(leads, rec.toDomain())
	}
	return leads
}

// driverOf returns the driver name of a sqlx handle or transaction.
func driverOf(q sqlx.QueryerContext) string {
	switch v := q.(type) {
	case *sqlx.DB:
		return v.DriverName()
	case *sqlx.Tx:
		return v.DriverName()
	default:
		return ""
	}
}
