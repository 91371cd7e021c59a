// Package orchestrator drives call attempts end to end: script, dial, voice
// agent bridge and the final commit of outcome and lead status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/lead-call-orchestrator/internal/domain"
	"github.com/acme/lead-call-orchestrator/internal/phone"
	"github.com/acme/lead-call-orchestrator/internal/queue"
	"github.com/acme/lead-call-orchestrator/internal/repository"
	"github.com/acme/lead-call-orchestrator/internal/telephony"
	"github.com/acme/lead-call-orchestrator/internal/voice"
	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
)

const (
	reasonManualClose   = "aborted: manual close"
	reasonOperatorAbort = "aborted: operator request"
	reasonRestart       = "interrupted by restart"
	reasonShutdown      = "interrupted by shutdown"

	commitTimeout = 10 * time.Second
)

// Options tunes attempt execution.
type Options struct {
	ScriptTimeout time.Duration
	RingTimeout   time.Duration
	WrapTimeout   time.Duration
	DefaultScript string
	Retry         domain.RetryPolicy
	// MaxInFlight caps concurrent calls through the limiter. Zero disables it.
	MaxInFlight int
	SlotWait    time.Duration
	SlotKey     string
}

// Dependencies are the collaborators of the service.
type Dependencies struct {
	Leads       repository.LeadRepository
	Attempts    repository.AttemptRepository
	Transcripts repository.TranscriptStore
	Credentials CredentialSource
	Providers   ProviderFactory
	Pool        Pool
	Registry    *telephony.Registry
	Limiter     SlotLimiter
	Events      EventPublisher
	Logger      *zap.Logger
}

// Service orchestrates call attempts.
type Service struct {
	leads       repository.LeadRepository
	attempts    repository.AttemptRepository
	transcripts repository.TranscriptStore
	credentials CredentialSource
	providers   ProviderFactory
	pool        Pool
	registry    *telephony.Registry
	limiter     SlotLimiter
	events      EventPublisher
	logger      *zap.Logger
	opts        Options
	backoff     *backoff
	now         func() time.Time

	locks *keyedMutex

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu   sync.Mutex
	runs map[int64]*run
}

// NewService wires the orchestrator.
func NewService(deps Dependencies, opts Options) *Service {
	if opts.ScriptTimeout <= 0 {
		opts.ScriptTimeout = 5 * time.Second
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 45 * time.Second
	}
	if opts.WrapTimeout <= 0 {
		opts.WrapTimeout = 10 * time.Second
	}
	if opts.SlotWait <= 0 {
		opts.SlotWait = 250 * time.Millisecond
	}
	if opts.SlotKey == "" {
		opts.SlotKey = "calls:in_flight"
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = queue.NopPublisher{}
	}
	registry := deps.Registry
	if registry == nil {
		registry = telephony.NewRegistry()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Service{
		leads:       deps.Leads,
		attempts:    deps.Attempts,
		transcripts: deps.Transcripts,
		credentials: deps.Credentials,
		providers:   deps.Providers,
		pool:        deps.Pool,
		registry:    registry,
		limiter:     deps.Limiter,
		events:      events,
		logger:      logger.Named("orchestrator"),
		opts:        opts,
		backoff:     newBackoff(opts.Retry),
		now:         func() time.Time { return time.Now().UTC() },
		locks:       newKeyedMutex(),
		baseCtx:     base,
		cancelBase:  cancel,
		runs:        make(map[int64]*run),
	}
}

// StartCall begins a new attempt for the lead and returns it while the call
// proceeds in the background.
func (s *Service) StartCall(ctx context.Context, leadID int64, scriptOverride string) (*domain.CallAttempt, error) {
	unlock := s.locks.Lock(leadID)
	defer unlock()

	lead, err := s.leads.Get(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if _, err := phone.Normalize(lead.Phone); err != nil {
		return nil, err
	}
	if s.activeRun(leadID) != nil {
		return nil, fmt.Errorf("lead %d: %w", leadID, apperrors.ErrConcurrentCall)
	}

	creds, err := s.credentials.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: credentials: %w", err)
	}
	providers := s.providers.For(creds)

	attempt := &domain.CallAttempt{
		ID:                 uuid.New(),
		LeadID:             leadID,
		Script:             strings.TrimSpace(scriptOverride),
		Outcome:            domain.OutcomeInProgress,
		CredentialsVersion: creds.Version,
		StartedAt:          s.now(),
	}
	if err := s.attempts.Begin(ctx, attempt); err != nil {
		return nil, err
	}

	r := newRun(s.baseCtx, attempt, *lead, creds, providers)
	s.register(r)
	s.wg.Add(1)
	if err := s.pool.Submit(func() { s.execute(r) }); err != nil {
		s.wg.Done()
		s.unregister(r)
		r.cancel()
		s.finalize(r, domain.OutcomeFailed, "", "worker pool unavailable: "+err.Error())
		return nil, fmt.Errorf("orchestrator: submit attempt: %v: %w", err, apperrors.ErrUnavailable)
	}

	s.logger.Info("call started",
		zap.Int64("lead_id", leadID),
		zap.String("attempt_id", attempt.ID.String()),
		zap.Bool("simulated", providers.Simulated))
	s.publish(queue.CallEvent{
		Type:      queue.EventCallStarted,
		AttemptID: attempt.ID,
		LeadID:    leadID,
		Outcome:   string(domain.OutcomeInProgress),
		Simulated: providers.Simulated,
	})

	out := *attempt
	return &out, nil
}

// MarkCompleted closes the lead by hand. Any active attempt is aborted and
// both call legs are torn down.
func (s *Service) MarkCompleted(ctx context.Context, leadID int64) (*domain.Lead, error) {
	unlock := s.locks.Lock(leadID)
	r := s.activeRun(leadID)
	if r != nil {
		s.persistTranscript(ctx, leadID, r.attempt.ID, r.transcript())
	}

	aborted, err := s.attempts.CloseLead(ctx, leadID, reasonManualClose, s.now())
	if err != nil {
		unlock()
		return nil, err
	}
	if r != nil {
		r.abort()
		s.unregister(r)
	}
	unlock()

	if aborted != nil {
		s.teardown(ctx, r, aborted)
		s.publish(queue.CallEvent{
			Type:           queue.EventCallAborted,
			AttemptID:      aborted.ID,
			LeadID:         leadID,
			ExternalCallID: aborted.ExternalCallID,
			Outcome:        string(domain.OutcomeFailed),
			LeadStatus:     string(domain.LeadStatusCompleted),
			Error:          reasonManualClose,
		})
		s.logger.Info("active call aborted by manual close", zap.Int64("lead_id", leadID), zap.String("attempt_id", aborted.ID.String()))
	}
	return s.leads.Get(ctx, leadID)
}

// Abort stops the active call and returns the lead to not_called.
func (s *Service) Abort(ctx context.Context, leadID int64) (*domain.CallAttempt, error) {
	unlock := s.locks.Lock(leadID)
	if _, err := s.leads.Get(ctx, leadID); err != nil {
		unlock()
		return nil, err
	}
	r := s.activeRun(leadID)
	if r != nil {
		s.persistTranscript(ctx, leadID, r.attempt.ID, r.transcript())
	}

	aborted, err := s.attempts.AbortActive(ctx, leadID, reasonOperatorAbort, s.now())
	if err != nil {
		unlock()
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("lead %d has no active call: %w", leadID, apperrors.ErrConflict)
		}
		return nil, err
	}
	if r != nil {
		r.abort()
		s.unregister(r)
	}
	unlock()

	s.teardown(ctx, r, aborted)
	s.publish(queue.CallEvent{
		Type:           queue.EventCallAborted,
		AttemptID:      aborted.ID,
		LeadID:         leadID,
		ExternalCallID: aborted.ExternalCallID,
		Outcome:        string(domain.OutcomeFailed),
		LeadStatus:     string(domain.LeadStatusNotCalled),
		Error:          reasonOperatorAbort,
	})
	return aborted, nil
}

// ResetLead returns a lead to not_called. Rejected while a call is active.
// A non-nil before runs under the lead lock once the call check has passed,
// so edits sent with the reset are written only when the reset can proceed.
func (s *Service) ResetLead(ctx context.Context, leadID int64, before func(context.Context) error) (*domain.Lead, error) {
	unlock := s.locks.Lock(leadID)
	defer unlock()
	if s.activeRun(leadID) != nil {
		return nil, fmt.Errorf("lead %d: %w", leadID, apperrors.ErrConcurrentCall)
	}
	if before != nil {
		if err := before(ctx); err != nil {
			return nil, err
		}
	}
	if err := s.attempts.ResetLead(ctx, leadID); err != nil {
		return nil, err
	}
	return s.leads.Get(ctx, leadID)
}

// TranscriptView is the transcript of a lead's latest attempt.
type TranscriptView struct {
	LeadID     int64              `json:"lead_id"`
	Found      bool               `json:"found"`
	Live       bool               `json:"live"`
	AttemptID  *uuid.UUID         `json:"attempt_id,omitempty"`
	Outcome    domain.Outcome     `json:"outcome,omitempty"`
	Phase      domain.Phase       `json:"phase,omitempty"`
	Utterances []domain.Utterance `json:"utterances"`
}

// GetTranscript returns the live transcript of a running call, or the stored
// transcript of the latest attempt. A lead without calls yields Found=false.
func (s *Service) GetTranscript(ctx context.Context, leadID int64) (TranscriptView, error) {
	view := TranscriptView{LeadID: leadID, Utterances: []domain.Utterance{}}
	if _, err := s.leads.Get(ctx, leadID); err != nil {
		return view, err
	}

	if r := s.activeRun(leadID); r != nil && !r.isAborted() {
		id := r.attempt.ID
		view.Found = true
		view.Live = true
		view.AttemptID = &id
		view.Outcome = r.outcome()
		view.Phase = r.currentPhase()
		view.Utterances = append(view.Utterances, r.transcript()...)
		return view, nil
	}

	latest, err := s.attempts.Latest(ctx, leadID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return view, nil
		}
		return view, err
	}
	lines, err := s.transcripts.Load(ctx, leadID, latest.ID)
	if err != nil {
		return view, fmt.Errorf("orchestrator: load transcript: %w", err)
	}
	id := latest.ID
	view.Found = true
	view.Live = latest.Outcome.Active()
	view.AttemptID = &id
	view.Outcome = latest.Outcome
	view.Utterances = append(view.Utterances, lines...)
	return view, nil
}

// CallLogInput is an operator-entered record of a call made outside the system.
type CallLogInput struct {
	LeadID     int64
	CallStatus string
	Transcript string
}

// RecordCallLog stores a terminal attempt with the given status and transcript.
func (s *Service) RecordCallLog(ctx context.Context, in CallLogInput) (*domain.CallAttempt, error) {
	outcome, disposition, err := parseCallStatus(in.CallStatus)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(in.LeadID)
	defer unlock()
	if s.activeRun(in.LeadID) != nil {
		return nil, fmt.Errorf("lead %d: %w", in.LeadID, apperrors.ErrConcurrentCall)
	}
	if _, err := s.leads.Get(ctx, in.LeadID); err != nil {
		return nil, err
	}

	now := s.now()
	attempt := &domain.CallAttempt{
		ID:          uuid.New(),
		LeadID:      in.LeadID,
		Outcome:     outcome,
		Disposition: disposition,
		StartedAt:   now,
		EndedAt:     &now,
		Transcript:  ParseTranscript(in.Transcript, now),
	}
	if len(attempt.Transcript) > 0 {
		if err := s.transcripts.Append(ctx, in.LeadID, attempt.ID, attempt.Transcript); err != nil {
			return nil, fmt.Errorf("orchestrator: store call log transcript: %w", err)
		}
	}
	if err := s.attempts.RecordManual(ctx, attempt); err != nil {
		return nil, err
	}
	s.publish(queue.CallEvent{
		Type:        queue.EventCallLogged,
		AttemptID:   attempt.ID,
		LeadID:      in.LeadID,
		Outcome:     string(outcome),
		Disposition: disposition,
		LeadStatus:  string(outcome.LeadStatus()),
	})
	return attempt, nil
}

// ListCallLogs returns attempts newest first with their transcripts.
func (s *Service) ListCallLogs(ctx context.Context, leadID int64, limit int) ([]domain.CallAttempt, error) {
	if _, err := s.leads.Get(ctx, leadID); err != nil {
		return nil, err
	}
	attempts, err := s.attempts.ListByLead(ctx, leadID, limit)
	if err != nil {
		return nil, err
	}
	r := s.activeRun(leadID)
	for i := range attempts {
		if r != nil && r.attempt.ID == attempts[i].ID && !r.isAborted() {
			attempts[i].Transcript = r.transcript()
			continue
		}
		lines, err := s.transcripts.Load(ctx, leadID, attempts[i].ID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: load transcript: %w", err)
		}
		attempts[i].Transcript = lines
	}
	return attempts, nil
}

// Reconcile fails attempts left active by a previous process and hangs up
// their carrier legs where possible.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	reconciled, err := s.attempts.Reconcile(ctx, reasonRestart, s.now())
	if err != nil {
		return 0, err
	}
	if len(reconciled) == 0 {
		return 0, nil
	}

	var providers ProviderSet
	if creds, err := s.credentials.Snapshot(ctx); err == nil {
		providers = s.providers.For(creds)
	} else {
		s.logger.Warn("reconcile: credentials unavailable, skipping hangups", zap.Error(err))
	}

	for _, attempt := range reconciled {
		if attempt.ExternalCallID != "" && providers.Telephony != nil {
			if err := providers.Telephony.Hangup(ctx, attempt.ExternalCallID); err != nil {
				s.logger.Warn("reconcile: hangup failed",
					zap.String("attempt_id", attempt.ID.String()),
					zap.String("external_call_id", attempt.ExternalCallID),
					zap.Error(err))
			}
		}
		s.publish(queue.CallEvent{
			Type:           queue.EventCallReconciled,
			AttemptID:      attempt.ID,
			LeadID:         attempt.LeadID,
			ExternalCallID: attempt.ExternalCallID,
			Outcome:        string(domain.OutcomeFailed),
			LeadStatus:     string(domain.LeadStatusNotCalled),
			Error:          reasonRestart,
		})
	}
	s.logger.Info("reconciled interrupted attempts", zap.Int("count", len(reconciled)))
	return len(reconciled), nil
}

// HandleCarrierStatus applies a carrier push notification. Returns false when
// no attempt matches the call.
func (s *Service) HandleCarrierStatus(ctx context.Context, externalCallID, rawStatus string) (bool, error) {
	status := telephony.ParseStatus(rawStatus)
	known, applied := s.registry.Notify(externalCallID, status, s.now())
	if known {
		if !applied {
			s.logger.Debug("duplicate carrier status ignored", zap.String("external_call_id", externalCallID), zap.String("status", string(status)))
		}
		return true, nil
	}

	// Not tracked here: the attempt belongs to an earlier process.
	attempt, err := s.attempts.FindByExternalID(ctx, externalCallID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !status.Terminal() || !attempt.Outcome.Active() {
		return true, nil
	}

	unlock := s.locks.Lock(attempt.LeadID)
	defer unlock()
	if r := s.activeRun(attempt.LeadID); r != nil && r.attempt.ID == attempt.ID {
		return true, nil
	}
	now := s.now()
	attempt.Outcome = telephony.Termination{Status: status, Answered: attempt.AnsweredAt != nil}.Outcome()
	attempt.Error = "carrier reported " + string(status) + " for untracked call"
	attempt.EndedAt = &now
	if _, err := s.attempts.Finalize(ctx, attempt); err != nil {
		return true, err
	}
	return true, nil
}

// AudioSession waits for the bridged voice session of a running attempt so a
// carrier media stream can be relayed into it. Bridges without an audio
// channel yield ErrValidation.
func (s *Service) AudioSession(ctx context.Context, attemptID uuid.UUID) (voice.AudioSession, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if r := s.runByAttempt(attemptID); r != nil {
			r.mu.Lock()
			session := r.session
			r.mu.Unlock()
			if session != nil {
				audio, ok := session.(voice.AudioSession)
				if !ok {
					return nil, fmt.Errorf("%w: attempt %s has no audio channel", apperrors.ErrValidation, attemptID)
				}
				return audio, nil
			}
		} else {
			attempt, err := s.attempts.Get(ctx, attemptID)
			if err != nil {
				return nil, err
			}
			if !attempt.Outcome.Active() {
				return nil, fmt.Errorf("attempt %s already %s: %w", attemptID, attempt.Outcome, apperrors.ErrConflict)
			}
			return nil, fmt.Errorf("attempt %s is not running in this process: %w", attemptID, apperrors.ErrNotFound)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("attempt %s not bridged: %w", attemptID, apperrors.ErrNotFound)
		case <-ticker.C:
		}
	}
}

// ActiveCalls reports how many attempts this process is running.
func (s *Service) ActiveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Shutdown cancels every running attempt and waits for them to commit.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancelBase()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) register(r *run) {
	s.mu.Lock()
	s.runs[r.attempt.LeadID] = r
	s.mu.Unlock()
}

func (s *Service) unregister(r *run) {
	s.mu.Lock()
	if s.runs[r.attempt.LeadID] == r {
		delete(s.runs, r.attempt.LeadID)
	}
	s.mu.Unlock()
}

func (s *Service) runByAttempt(id uuid.UUID) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.attempt.ID == id {
			return r
		}
	}
	return nil
}

func (s *Service) activeRun(leadID int64) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[leadID]
}

// teardown ends both legs of an aborted attempt. Safe to repeat.
func (s *Service) teardown(ctx context.Context, r *run, attempt *domain.CallAttempt) {
	ctx = context.WithoutCancel(ctx)
	if r != nil {
		r.teardown(ctx, s.logger)
		return
	}
	if attempt == nil || attempt.ExternalCallID == "" {
		return
	}
	creds, err := s.credentials.Snapshot(ctx)
	if err != nil {
		s.logger.Warn("teardown: credentials unavailable", zap.Error(err))
		return
	}
	if err := s.providers.For(creds).Telephony.Hangup(ctx, attempt.ExternalCallID); err != nil {
		s.logger.Warn("teardown: hangup failed", zap.String("external_call_id", attempt.ExternalCallID), zap.Error(err))
	}
}

func (s *Service) persistTranscript(ctx context.Context, leadID int64, attemptID uuid.UUID, lines []domain.Utterance) {
	if len(lines) == 0 {
		return
	}
	if err := s.transcripts.Append(context.WithoutCancel(ctx), leadID, attemptID, lines); err != nil {
		s.logger.Error("transcript append failed",
			zap.Int64("lead_id", leadID),
			zap.String("attempt_id", attemptID.String()),
			zap.Error(err))
	}
}

func (s *Service) publish(evt queue.CallEvent) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = s.now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.events.PublishCallEvent(ctx, evt); err != nil {
		s.logger.Warn("publish call event failed", zap.String("type", evt.Type), zap.Error(err))
	}
}

// parseCallStatus accepts either an outcome or a disposition tag.
func parseCallStatus(raw string) (domain.Outcome, string, error) {
	tag := strings.ToLower(strings.TrimSpace(raw))
	tag = strings.ReplaceAll(tag, " ", "_")
	if tag == "" {
		return "", "", fmt.Errorf("%w: call_status is required", apperrors.ErrValidation)
	}
	outcome := domain.Outcome(tag)
	if outcome.Active() {
		return "", "", fmt.Errorf("%w: call_status %q is not a finished call", apperrors.ErrValidation, raw)
	}
	if outcome.Terminal() {
		return outcome, "", nil
	}
	return domain.OutcomeForDisposition(tag), tag, nil
}

// ParseTranscript splits free text into utterances. Lines prefixed with
// "Agent:" or "User:" take that role; other lines continue the previous
// speaker, or the agent when none has spoken yet.
func ParseTranscript(text string, at time.Time) []domain.Utterance {
	var out []domain.Utterance
	role := domain.RoleAgent
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "agent:"):
			role = domain.RoleAgent
			line = strings.TrimSpace(line[len("agent:"):])
		case strings.HasPrefix(lower, "user:"):
			role = domain.RoleUser
			line = strings.TrimSpace(line[len("user:"):])
		}
		if line == "" {
			continue
		}
		out = append(out, domain.Utterance{Seq: len(out) + 1, Role: role, Text: line, At: at})
	}
	return out
}
