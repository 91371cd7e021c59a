// Package lead manages lead records and operator status changes.
package lead

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/acme/lead-call-orchestrator/internal/domain"
	"github.com/acme/lead-call-orchestrator/internal/phone"
	"github.com/acme/lead-call-orchestrator/internal/repository"
	"github.com/acme/lead-call-orchestrator/internal/service/common"
	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// StatusController applies operator status changes that interact with calls.
type StatusController interface {
	MarkCompleted(ctx context.Context, leadID int64) (*domain.Lead, error)
	ResetLead(ctx context.Context, leadID int64, before func(context.Context) error) (*domain.Lead, error)
}

// Service orchestrates lead lifecycle operations.
type Service struct {
	repo   repository.LeadRepository
	status StatusController
	now    func() time.Time
}

// NewService constructs a lead service.
func NewService(repo repository.LeadRepository, status StatusController) *Service {
	return &Service{
		repo:   repo,
		status: status,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateLeadInput captures lead creation parameters.
type CreateLeadInput struct {
	Name     string
	Phone    string
	Category string
	Address  string
	Website  string
}

// UpdateLeadInput captures updatable properties. Nil fields are left alone.
type UpdateLeadInput struct {
	ID       int64
	Name     *string
	Phone    *string
	Category *string
	Address  *string
	Website  *string
	Status   *domain.LeadStatus
}

// ListResult is one page of leads.
type ListResult struct {
	Leads         []*domain.Lead
	NextPageToken string
}

// Create stores a new not_called lead.
func (s *Service) Create(ctx context.Context, input CreateLeadInput) (*domain.Lead, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: lead name is required", apperrors.ErrValidation)
	}
	e164, err := phone.Normalize(input.Phone)
	if err != nil {
		return nil, err
	}

	now := s.now()
	lead := &domain.Lead{
		Name:      name,
		Phone:     e164,
		Category:  strings.TrimSpace(input.Category),
		Address:   strings.TrimSpace(input.Address),
		Website:   strings.TrimSpace(input.Website),
		Status:    domain.LeadStatusNotCalled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, lead); err != nil {
		return nil, fmt.Errorf("lead service: create lead: %w", err)
	}
	return lead, nil
}

// Get retrieves a lead by id.
func (s *Service) Get(ctx context.Context, id int64) (*domain.Lead, error) {
	return s.repo.Get(ctx, id)
}

// List returns a page of leads ordered by id.
func (s *Service) List(ctx context.Context, pageToken string, limit int) (*ListResult, error) {
	afterID, err := common.DecodeCursor(pageToken)
	if err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = defaultPageSize
	case limit > maxPageSize:
		limit = maxPageSize
	}

	leads, err := s.repo.List(ctx, afterID, limit)
	if err != nil {
		return nil, err
	}
	result := &ListResult{Leads: leads}
	if len(leads) == limit {
		result.NextPageToken = common.EncodeCursor(leads[len(leads)-1].ID)
	}
	return result, nil
}

// Update edits lead details and applies a requested status change. Only
// completed (manual close) and not_called (reset) can be set by hand.
func (s *Service) Update(ctx context.Context, input UpdateLeadInput) (*domain.Lead, error) {
	if input.Status != nil {
		if err := validateStatus(*input.Status); err != nil {
			return nil, err
		}
	}

	lead, err := s.repo.Get(ctx, input.ID)
	if err != nil {
		return nil, err
	}

	changed := false
	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: lead name cannot be empty", apperrors.ErrValidation)
		}
		lead.Name = name
		changed = true
	}
	if input.Phone != nil {
		e164, err := phone.Normalize(*input.Phone)
		if err != nil {
			return nil, err
		}
		lead.Phone = e164
		changed = true
	}
	if input.Category != nil {
		lead.Category = strings.TrimSpace(*input.Category)
		changed = true
	}
	if input.Address != nil {
		lead.Address = strings.TrimSpace(*input.Address)
		changed = true
	}
	if input.Website != nil {
		lead.Website = strings.TrimSpace(*input.Website)
		changed = true
	}
	save := func(ctx context.Context) error {
		if !changed {
			return nil
		}
		lead.UpdatedAt = s.now()
		return s.repo.UpdateDetails(ctx, lead)
	}

	if input.Status == nil {
		if err := save(ctx); err != nil {
			return nil, err
		}
		return lead, nil
	}
	switch *input.Status {
	case domain.LeadStatusCompleted:
		if err := save(ctx); err != nil {
			return nil, err
		}
		return s.status.MarkCompleted(ctx, lead.ID)
	default:
		// a reset refused for an active call must leave the details untouched
		return s.status.ResetLead(ctx, lead.ID, save)
	}
}

func validateStatus(status domain.LeadStatus) error {
	switch status {
	case domain.LeadStatusCompleted, domain.LeadStatusNotCalled:
		return nil
	}
	if !status.Valid() {
		return fmt.Errorf("%w: unknown lead status %q", apperrors.ErrValidation, status)
	}
	return fmt.Errorf("%w: status %q is set by calls, not by hand", apperrors.ErrValidation, status)
}
