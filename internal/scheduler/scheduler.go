// Package scheduler dials not_called leads automatically inside business hours.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/lead-call-orchestrator/internal/config"
	"github.com/acme/lead-call-orchestrator/internal/domain"
	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
)

// LeadSource lists leads waiting for a call.
type LeadSource interface {
	ListByStatus(ctx context.Context, status domain.LeadStatus, limit int) ([]*domain.Lead, error)
}

// AttemptHistory exposes previous attempts of a lead.
type AttemptHistory interface {
	ListByLead(ctx context.Context, leadID int64, limit int) ([]domain.CallAttempt, error)
}

// Caller starts calls.
type Caller interface {
	StartCall(ctx context.Context, leadID int64, scriptOverride string) (*domain.CallAttempt, error)
}

// Options configures the scheduler.
type Options struct {
	Interval           time.Duration
	BatchSize          int
	RecallAfter        time.Duration
	MaxAttemptsPerLead int
	Schedule           domain.CallingSchedule
}

// Scheduler periodically starts calls respecting business hours.
type Scheduler struct {
	leads    LeadSource
	attempts AttemptHistory
	caller   Caller
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// New constructs a scheduler.
func New(leads LeadSource, attempts AttemptHistory, caller Caller, opts Options, logger *zap.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		leads:    leads,
		attempts: attempts,
		caller:   caller,
		opts:     opts,
		logger:   logger.Named("scheduler"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run executes the scheduling loop until cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick starts up to BatchSize calls and returns how many were started.
func (s *Scheduler) tick(ctx context.Context) (int, error) {
	tracer := otel.Tracer("leadcall.scheduler")
	sctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	now := s.now()
	if !isWithinBusinessHours(now, s.opts.Schedule) {
		s.logger.Debug("outside business hours", zap.Time("now", now))
		return 0, nil
	}

	// over-fetch so leads skipped for cooldown do not starve the batch
	candidates, err := s.leads.ListByStatus(sctx, domain.LeadStatusNotCalled, s.opts.BatchSize*4)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("leads.candidates", len(candidates)))

	started := 0
	for _, lead := range candidates {
		if started >= s.opts.BatchSize {
			break
		}
		eligible, err := s.eligible(sctx, lead, now)
		if err != nil {
			span.RecordError(err)
			s.logger.Warn("attempt history unavailable", zap.Int64("lead_id", lead.ID), zap.Error(err))
			continue
		}
		if !eligible {
			continue
		}

		attempt, err := s.caller.StartCall(sctx, lead.ID, "")
		switch {
		case err == nil:
			started++
			s.logger.Info("call scheduled", zap.Int64("lead_id", lead.ID), zap.String("attempt_id", attempt.ID.String()))
		case errors.Is(err, apperrors.ErrConflict):
			// raced with an operator-started call
		case errors.Is(err, apperrors.ErrUnavailable):
			span.RecordError(err)
			return started, err
		default:
			span.RecordError(err)
			s.logger.Error("scheduled call failed to start", zap.Int64("lead_id", lead.ID), zap.Error(err))
		}
	}
	span.SetAttributes(attribute.Int("calls.started", started))
	return started, nil
}

// eligible skips leads that were tried recently or too often.
func (s *Scheduler) eligible(ctx context.Context, lead *domain.Lead, now time.Time) (bool, error) {
	if lead.ManualOverride {
		return false, nil
	}
	limit := s.opts.MaxAttemptsPerLead
	if limit <= 0 {
		limit = 1
	}
	history, err := s.attempts.ListByLead(ctx, lead.ID, limit)
	if err != nil {
		return false, err
	}
	if s.opts.MaxAttemptsPerLead > 0 && len(history) >= s.opts.MaxAttemptsPerLead {
		return false, nil
	}
	if len(history) > 0 && s.opts.RecallAfter > 0 {
		last := history[0].StartedAt
		if history[0].EndedAt != nil {
			last = *history[0].EndedAt
		}
		if now.Sub(last) < s.opts.RecallAfter {
			return false, nil
		}
	}
	return true, nil
}

// OptionsFromConfig converts scheduler configuration.
func OptionsFromConfig(cfg config.SchedulerConfig) (Options, error) {
	if _, err := time.LoadLocation(cfg.TimeZone); err != nil {
		return Options{}, fmt.Errorf("scheduler: invalid time zone %q: %w", cfg.TimeZone, err)
	}
	windows := make([]domain.BusinessHourWindow, 0, len(cfg.BusinessHours))
	for _, bh := range cfg.BusinessHours {
		day, ok := weekdays[strings.ToLower(strings.TrimSpace(bh.Day))]
		if !ok {
			return Options{}, fmt.Errorf("scheduler: unknown day %q", bh.Day)
		}
		start, err := time.Parse("15:04", bh.Start)
		if err != nil {
			return Options{}, fmt.Errorf("scheduler: window start %q: %w", bh.Start, err)
		}
		end, err := time.Parse("15:04", bh.End)
		if err != nil {
			return Options{}, fmt.Errorf("scheduler: window end %q: %w", bh.End, err)
		}
		if start.Equal(end) {
			return Options{}, fmt.Errorf("scheduler: window on %s has zero length", bh.Day)
		}
		windows = append(windows, domain.BusinessHourWindow{DayOfWeek: day, Start: start, End: end})
	}
	return Options{
		Interval:           cfg.TickInterval,
		BatchSize:          cfg.MaxBatchSize,
		RecallAfter:        cfg.RecallAfter,
		MaxAttemptsPerLead: cfg.MaxAttemptsPerLead,
		Schedule:           domain.CallingSchedule{TimeZone: cfg.TimeZone, BusinessHours: windows},
	}, nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

func isWithinBusinessHours(nowUTC time.Time, schedule domain.CallingSchedule) bool {
	if len(schedule.BusinessHours) == 0 {
		return true
	}

	loc, err := time.LoadLocation(schedule.TimeZone)
	if err != nil {
		return true
	}

	local := nowUTC.In(loc)
	minuteOfDay := local.Hour()*60 + local.Minute()
	weekday := local.Weekday()

	for _, window := range schedule.BusinessHours {
		start := window.Start.Hour()*60 + window.Start.Minute()
		end := window.End.Hour()*60 + window.End.Minute()

		if end <= start {
			// window spans midnight
			nextDay := (int(window.DayOfWeek) + 1) % 7
			if window.DayOfWeek == weekday && minuteOfDay >= start {
				return true
			}
			if time.Weekday(nextDay) == weekday && minuteOfDay < end {
				return true
			}
			continue
		}

		if window.DayOfWeek != weekday {
			continue
		}

		if minuteOfDay >= start && minuteOfDay < end {
			return true
		}
	}

	return false
}
