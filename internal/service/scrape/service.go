// Package scrape turns discovered lead candidates into stored leads.
package scrape

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/lead-call-orchestrator/internal/domain"
	"github.com/acme/lead-call-orchestrator/internal/phone"
	"github.com/acme/lead-call-orchestrator/internal/queue"
	"github.com/acme/lead-call-orchestrator/internal/repository"
	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
)

const maxLimit = 500

// SourceFunc picks the source for a run. It is consulted on every run so a
// credential change can switch between real and dummy discovery.
type SourceFunc func(ctx context.Context) Source

// Dispatcher hands scrape jobs to a separate worker.
type Dispatcher interface {
	DispatchScrape(ctx context.Context, job queue.ScrapeJob) error
}

// Pool runs background jobs in-process.
type Pool interface {
	Submit(task func()) error
}

// Result summarizes one discovery run.
type Result struct {
	JobID      uuid.UUID `json:"job_id"`
	Source     string    `json:"source"`
	Discovered int       `json:"discovered"`
	Invalid    int       `json:"invalid"`
	Duplicates int       `json:"duplicates"`
	Inserted   int       `json:"inserted"`
}

// Options wires the coordinator. Dispatcher wins over Pool when both are set.
type Options struct {
	Leads        repository.LeadRepository
	Sources      SourceFunc
	Dispatcher   Dispatcher
	Pool         Pool
	DefaultLimit int
	Logger       *zap.Logger
}

// Coordinator runs lead discovery.
type Coordinator struct {
	leads        repository.LeadRepository
	sources      SourceFunc
	dispatcher   Dispatcher
	pool         Pool
	defaultLimit int
	logger       *zap.Logger
	now          func() time.Time
}

// NewCoordinator constructs a coordinator.
func NewCoordinator(opts Options) *Coordinator {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 30
	}
	if opts.Sources == nil {
		opts.Sources = func(context.Context) Source { return DummySource{} }
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		leads:        opts.Leads,
		sources:      opts.Sources,
		dispatcher:   opts.Dispatcher,
		pool:         opts.Pool,
		defaultLimit: opts.DefaultLimit,
		logger:       logger.Named("scrape"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Trigger schedules a discovery run and returns its job id without waiting.
func (c *Coordinator) Trigger(ctx context.Context, limit int) (uuid.UUID, error) {
	limit, err := c.resolveLimit(limit)
	if err != nil {
		return uuid.Nil, err
	}
	job := queue.ScrapeJob{JobID: uuid.New(), Limit: limit, RequestedAt: c.now()}

	if c.dispatcher != nil {
		if err := c.dispatcher.DispatchScrape(ctx, job); err != nil {
			return uuid.Nil, fmt.Errorf("scrape: dispatch job: %v: %w", err, apperrors.ErrUnavailable)
		}
		return job.JobID, nil
	}
	if c.pool == nil {
		return uuid.Nil, fmt.Errorf("scrape: no runner configured: %w", apperrors.ErrUnavailable)
	}
	err = c.pool.Submit(func() {
		if _, err := c.Run(context.Background(), job); err != nil {
			c.logger.Error("background scrape failed", zap.String("job_id", job.JobID.String()), zap.Error(err))
		}
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("scrape: submit job: %v: %w", err, apperrors.ErrUnavailable)
	}
	return job.JobID, nil
}

// Run executes one job synchronously.
func (c *Coordinator) Run(ctx context.Context, job queue.ScrapeJob) (Result, error) {
	source := c.sources(ctx)
	res := Result{JobID: job.JobID, Source: source.Name()}

	limit, err := c.resolveLimit(job.Limit)
	if err != nil {
		return res, err
	}
	candidates, err := source.Discover(ctx, limit)
	if err != nil {
		return res, fmt.Errorf("scrape: discover via %s: %w", source.Name(), err)
	}
	res.Discovered = len(candidates)

	fresh, invalid, dupes := c.dedup(candidates)
	res.Invalid = invalid
	res.Duplicates = dupes

	phones := make([]string, 0, len(fresh))
	for _, l := range fresh {
		phones = append(phones, l.Phone)
	}
	existing, err := c.leads.ExistingPhones(ctx, phones)
	if err != nil {
		return res, fmt.Errorf("scrape: check existing phones: %w", err)
	}
	toInsert := fresh[:0]
	for _, l := range fresh {
		if existing[l.Phone] {
			res.Duplicates++
			continue
		}
		toInsert = append(toInsert, l)
	}

	if len(toInsert) > 0 {
		inserted, err := c.leads.BulkInsert(ctx, toInsert)
		if err != nil {
			return res, fmt.Errorf("scrape: insert leads: %w", err)
		}
		res.Inserted = inserted
		res.Duplicates += len(toInsert) - inserted
	}

	c.logger.Info("scrape finished",
		zap.String("job_id", job.JobID.String()),
		zap.String("source", res.Source),
		zap.Int("discovered", res.Discovered),
		zap.Int("inserted", res.Inserted),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("invalid", res.Invalid))
	return res, nil
}

// dedup normalizes phones and drops invalid and repeated candidates.
func (c *Coordinator) dedup(candidates []domain.LeadCandidate) ([]*domain.Lead, int, int) {
	now := c.now()
	seen := make(map[string]bool, len(candidates))
	out := make([]*domain.Lead, 0, len(candidates))
	invalid, dupes := 0, 0
	for _, cand := range candidates {
		name := strings.TrimSpace(cand.Name)
		e164, err := phone.Normalize(cand.Phone)
		if err != nil || name == "" {
			invalid++
			continue
		}
		if seen[e164] {
			dupes++
			continue
		}
		seen[e164] = true
		out = append(out, &domain.Lead{
			Name:      name,
			Phone:     e164,
			Category:  strings.TrimSpace(cand.Category),
			Address:   strings.TrimSpace(cand.Address),
			Website:   strings.TrimSpace(cand.Website),
			Status:    domain.LeadStatusNotCalled,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return out, invalid, dupes
}

func (c *Coordinator) resolveLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, fmt.Errorf("%w: limit must be positive", apperrors.ErrValidation)
	case limit == 0:
		return c.defaultLimit, nil
	case limit > maxLimit:
		return 0, fmt.Errorf("%w: limit must be at most %d", apperrors.ErrValidation, maxLimit)
	}
	return limit, nil
}
