package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/lead-call-orchestrator/internal/config"
	"github.com/acme/lead-call-orchestrator/internal/domain"
	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
)

func TestIsWithinBusinessHours(t *testing.T) {
	schedule := domain.CallingSchedule{
		TimeZone: "UTC",
		BusinessHours: []domain.BusinessHourWindow{
			{
				DayOfWeek: time.Monday,
				Start:     time.Date(0, 1, 1, 9, 0, 0, 0, time.UTC),
				End:       time.Date(0, 1, 1, 17, 0, 0, 0, time.UTC),
			},
		},
	}

	mondayMorning := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if !isWithinBusinessHours(mondayMorning, schedule) {
		t.Fatalf("expected %v to be within business hours", mondayMorning)
	}

	mondayNight := time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC)
	if isWithinBusinessHours(mondayNight, schedule) {
		t.Fatalf("expected %v to be outside business hours", mondayNight)
	}

	tuesdayMorning := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	if isWithinBusinessHours(tuesdayMorning, schedule) {
		t.Fatalf("expected %v to be outside business hours (wrong day)", tuesdayMorning)
	}
}

func TestIsWithinBusinessHoursSpanningMidnight(t *testing.T) {
	schedule := domain.CallingSchedule{
		TimeZone: "UTC",
		BusinessHours: []domain.BusinessHourWindow{
			{
				DayOfWeek: time.Monday,
				Start:     time.Date(0, 1, 1, 22, 0, 0, 0, time.UTC),
				End:       time.Date(0, 1, 1, 2, 0, 0, 0, time.UTC),
			},
		},
	}

	night := time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)
	if !isWithinBusinessHours(night, schedule) {
		t.Fatalf("expected %v to be within cross-midnight window", night)
	}

	earlyMorning := time.Date(2024, 1, 2, 1, 0, 0, 0, time.UTC)
	if !isWithinBusinessHours(earlyMorning, schedule) {
		t.Fatalf("expected %v to be within cross-midnight window", earlyMorning)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	opts, err := OptionsFromConfig(config.SchedulerConfig{
		TickInterval: 30 * time.Second,
		MaxBatchSize: 2,
		TimeZone:     "America/New_York",
		BusinessHours: []config.BusinessHoursConfig{
			{Day: "Monday", Start: "09:00", End: "17:30"},
		},
	})
	require.NoError(t, err)
	require.Len(t, opts.Schedule.BusinessHours, 1)
	assert.Equal(t, time.Monday, opts.Schedule.BusinessHours[0].DayOfWeek)
	assert.Equal(t, 30, opts.Schedule.BusinessHours[0].End.Minute())

	bad := []config.SchedulerConfig{
		{TimeZone: "Mars/Base"},
		{TimeZone: "UTC", BusinessHours: []config.BusinessHoursConfig{{Day: "someday", Start: "09:00", End: "10:00"}}},
		{TimeZone: "UTC", BusinessHours: []config.BusinessHoursConfig{{Day: "monday", Start: "9am", End: "10:00"}}},
		{TimeZone: "UTC", BusinessHours: []config.BusinessHoursConfig{{Day: "monday", Start: "10:00", End: "10:00"}}},
	}
	for _, cfg := range bad {
		_, err := OptionsFromConfig(cfg)
		assert.Error(t, err, "%+v", cfg)
	}
}

type fakeLeads struct{ leads []*domain.Lead }

func (f *fakeLeads) ListByStatus(_ context.Context, status domain.LeadStatus, limit int) ([]*domain.Lead, error) {
	var out []*domain.Lead
	for _, l := range f.leads {
		if l.Status == status && len(out) < limit {
			out = append(out, l)
		}
	}
	return out, nil
}

type fakeHistory map[int64][]domain.CallAttempt

func (f fakeHistory) ListByLead(_ context.Context, leadID int64, limit int) ([]domain.CallAttempt, error) {
	h := f[leadID]
	if len(h) > limit {
		h = h[:limit]
	}
	return h, nil
}

type fakeCaller struct {
	started []int64
	errs    map[int64]error
}

func (f *fakeCaller) StartCall(_ context.Context, leadID int64, _ string) (*domain.CallAttempt, error) {
	if err := f.errs[leadID]; err != nil {
		return nil, err
	}
	f.started = append(f.started, leadID)
	return &domain.CallAttempt{ID: uuid.New(), LeadID: leadID}, nil
}

func TestTickStartsEligibleLeads(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Hour)
	old := now.Add(-48 * time.Hour)

	var leads []*domain.Lead
	for i := int64(1); i <= 6; i++ {
		leads = append(leads, &domain.Lead{ID: i, Status: domain.LeadStatusNotCalled})
	}
	leads[1].ManualOverride = true
	history := fakeHistory{
		3: {{LeadID: 3, StartedAt: recent, EndedAt: &recent}},
		4: {{LeadID: 4, StartedAt: old}, {LeadID: 4, StartedAt: old}},
		5: {{LeadID: 5, StartedAt: old, EndedAt: &old}},
	}
	caller := &fakeCaller{errs: map[int64]error{6: fmt.Errorf("busy: %w", apperrors.ErrConcurrentCall)}}

	s := New(&fakeLeads{leads: leads}, history, caller, Options{BatchSize: 5, RecallAfter: 4 * time.Hour, MaxAttemptsPerLead: 2}, nil)
	s.now = func() time.Time { return now }

	started, err := s.tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, started)
	assert.Equal(t, []int64{1, 5}, caller.started)
}

func TestTickHonoursBatchSizeAndHours(t *testing.T) {
	leads := []*domain.Lead{
		{ID: 1, Status: domain.LeadStatusNotCalled},
		{ID: 2, Status: domain.LeadStatusNotCalled},
		{ID: 3, Status: domain.LeadStatusNotCalled},
	}
	caller := &fakeCaller{}
	schedule := domain.CallingSchedule{
		TimeZone: "UTC",
		BusinessHours: []domain.BusinessHourWindow{
			{DayOfWeek: time.Monday, Start: time.Date(0, 1, 1, 9, 0, 0, 0, time.UTC), End: time.Date(0, 1, 1, 17, 0, 0, 0, time.UTC)},
		},
	}
	s := New(&fakeLeads{leads: leads}, fakeHistory{}, caller, Options{BatchSize: 2, Schedule: schedule}, nil)

	s.now = func() time.Time { return time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC) }
	started, err := s.tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, started)

	s.now = func() time.Time { return time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC) }
	started, err = s.tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, started)
	assert.Equal(t, []int64{1, 2}, caller.started)
}

func TestTickStopsWhenPoolUnavailable(t *testing.T) {
	leads := []*domain.Lead{{ID: 1, Status: domain.LeadStatusNotCalled}, {ID: 2, Status: domain.LeadStatusNotCalled}}
	caller := &fakeCaller{errs: map[int64]error{1: apperrors.ErrUnavailable}}
	s := New(&fakeLeads{leads: leads}, fakeHistory{}, caller, Options{BatchSize: 5}, nil)

	_, err := s.tick(context.Background())
	require.ErrorIs(t, err, apperrors.ErrUnavailable)
	assert.Empty(t, caller.started)
}
