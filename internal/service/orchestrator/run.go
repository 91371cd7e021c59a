package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/lead-call-orchestrator/internal/domain"
	"github.com/acme/lead-call-orchestrator/internal/queue"
	"github.com/acme/lead-call-orchestrator/internal/telephony"
	"github.com/acme/lead-call-orchestrator/internal/voice"
	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
)

// ringGrace is added to the carrier ring timeout before the local guard fires.
const ringGrace = 5 * time.Second

// run is the in-memory state of one executing attempt.
type run struct {
	attempt   domain.CallAttempt
	lead      domain.Lead
	creds     domain.ProviderCredentials
	providers ProviderSet

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	phase      domain.Phase
	current    domain.Outcome
	externalID string
	lines      []domain.Utterance
	session    voice.Session
	aborted    bool
}

func newRun(parent context.Context, attempt *domain.CallAttempt, lead domain.Lead, creds domain.ProviderCredentials, providers ProviderSet) *run {
	ctx, cancel := context.WithCancel(parent)
	return &run{
		attempt:   *attempt,
		lead:      lead,
		creds:     creds,
		providers: providers,
		ctx:       ctx,
		cancel:    cancel,
		phase:     domain.PhaseIdle,
		current:   domain.OutcomeInProgress,
	}
}

func (r *run) setPhase(p domain.Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

func (r *run) currentPhase() domain.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

func (r *run) outcome() domain.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *run) setAnswered() {
	r.mu.Lock()
	r.current = domain.OutcomeAnswered
	r.mu.Unlock()
}

func (r *run) setExternalID(id string) {
	r.mu.Lock()
	r.externalID = id
	r.mu.Unlock()
}

func (r *run) setSession(s voice.Session) {
	r.mu.Lock()
	r.session = s
	r.mu.Unlock()
}

func (r *run) appendUtterance(u domain.Utterance) {
	r.mu.Lock()
	r.lines = append(r.lines, u)
	r.mu.Unlock()
}

func (r *run) transcript() []domain.Utterance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Utterance, len(r.lines))
	copy(out, r.lines)
	return out
}

// abort marks the run as committed by someone else and stops it.
func (r *run) abort() {
	r.mu.Lock()
	r.aborted = true
	r.mu.Unlock()
	r.cancel()
}

func (r *run) isAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// teardown hangs up the carrier leg and detaches the agent. Both are idempotent.
func (r *run) teardown(ctx context.Context, logger *zap.Logger) {
	r.mu.Lock()
	externalID := r.externalID
	session := r.session
	r.mu.Unlock()

	if externalID != "" && r.providers.Telephony != nil {
		hangupCtx, cancel := context.WithTimeout(ctx, commitTimeout)
		if err := r.providers.Telephony.Hangup(hangupCtx, externalID); err != nil {
			logger.Warn("hangup failed", zap.String("external_call_id", externalID), zap.Error(err))
		}
		cancel()
	}
	if session != nil {
		r.detach(logger.With(zap.String("attempt_id", r.attempt.ID.String())))
	}
}

// detach releases the voice session once the call is over. The carrier leg
// has already ended or been hung up by then.
func (r *run) detach(logger *zap.Logger) {
	r.mu.Lock()
	session := r.session
	r.mu.Unlock()
	if session == nil {
		return
	}
	if err := session.Detach(); err != nil {
		logger.Warn("detach failed", zap.Error(err))
	}
}

// result is what the attempt ended with, before commit.
type result struct {
	outcome     domain.Outcome
	disposition string
	reason      string
	answeredAt  *time.Time
}

// execute runs one attempt on a pool worker.
func (s *Service) execute(r *run) {
	defer s.wg.Done()
	defer r.cancel()

	ctx, span := otel.Tracer("leadcall.orchestrator").Start(r.ctx, "call.attempt", trace.WithAttributes(
		attribute.Int64("lead.id", r.lead.ID),
		attribute.String("attempt.id", r.attempt.ID.String()),
		attribute.Bool("simulated", r.providers.Simulated),
	))
	defer span.End()

	logger := s.logger.With(zap.Int64("lead_id", r.lead.ID), zap.String("attempt_id", r.attempt.ID.String()))
	res := s.attemptCall(ctx, r, logger)
	if res == nil {
		// aborted: the aborting operation already committed
		r.teardown(context.WithoutCancel(ctx), logger)
		s.unregister(r)
		return
	}
	r.detach(logger)
	if res.outcome == domain.OutcomeFailed {
		span.RecordError(errors.New(res.reason))
	}
	s.commit(r, *res, logger)
}

func (s *Service) attemptCall(ctx context.Context, r *run, logger *zap.Logger) *result {
	r.setPhase(domain.PhaseDialing)

	script := r.attempt.Script
	if script == "" {
		script = s.generateScript(ctx, r, logger)
		if err := s.attempts.SetScript(ctx, r.attempt.ID, script); err != nil && ctx.Err() == nil {
			logger.Warn("persist script failed", zap.Error(err))
		}
	}
	r.mu.Lock()
	r.attempt.Script = script
	r.mu.Unlock()
	if ctx.Err() != nil {
		return s.interrupted(r)
	}

	release, err := s.waitForSlot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return s.interrupted(r)
		}
		logger.Error("in-flight slot unavailable", zap.Error(err))
		return &result{outcome: domain.OutcomeFailed, reason: "call slot unavailable: " + err.Error()}
	}
	defer release()

	call, err := s.dial(ctx, r, script, logger)
	if err != nil {
		if ctx.Err() != nil {
			return s.interrupted(r)
		}
		logger.Error("dial failed", zap.Error(err))
		return &result{outcome: domain.OutcomeFailed, reason: err.Error()}
	}
	r.setExternalID(call.ExternalID)
	logger = logger.With(zap.String("external_call_id", call.ExternalID))
	if err := s.attempts.SetExternalID(context.WithoutCancel(ctx), r.attempt.ID, call.ExternalID); err != nil {
		logger.Warn("persist external call id failed", zap.Error(err))
	}

	r.setPhase(domain.PhaseConnecting)
	ringGuard := time.NewTimer(s.opts.RingTimeout + ringGrace)
	defer ringGuard.Stop()

	select {
	case <-call.Answered():
	case <-call.Done():
		term := call.Termination()
		logger.Info("call ended before answer", zap.String("status", string(term.Status)))
		return &result{outcome: term.Outcome(), reason: terminationReason(term)}
	case <-ringGuard.C:
		s.hangup(ctx, r, call, logger)
		return &result{outcome: domain.OutcomeNoAnswer, reason: "ring timeout"}
	case <-ctx.Done():
		return s.interrupted(r)
	}

	answeredAt := call.AnsweredAt()
	r.setAnswered()
	if _, err := s.attempts.MarkAnswered(context.WithoutCancel(ctx), r.attempt.ID, answeredAt); err != nil {
		logger.Warn("persist answer failed", zap.Error(err))
	}
	s.publish(queue.CallEvent{
		Type:           queue.EventCallAnswered,
		AttemptID:      r.attempt.ID,
		LeadID:         r.lead.ID,
		ExternalCallID: call.ExternalID,
		Outcome:        string(domain.OutcomeAnswered),
		Simulated:      r.providers.Simulated,
	})

	session, err := r.providers.Voice.Attach(ctx, voice.AttachRequest{
		AttemptID:      r.attempt.ID,
		ExternalCallID: call.ExternalID,
		Script:         script,
		Lead:           r.lead,
		Credentials:    r.creds,
	})
	if err != nil {
		if ctx.Err() != nil {
			return s.interrupted(r)
		}
		s.reportAuth(ProviderVoice, r, err)
		logger.Error("voice agent attach failed", zap.Error(err))
		s.hangup(ctx, r, call, logger)
		return &result{outcome: domain.OutcomeFailed, reason: "voice agent: " + err.Error(), answeredAt: &answeredAt}
	}
	r.setSession(session)
	r.setPhase(domain.PhaseBridged)
	logger.Info("voice agent bridged")

	if !s.converse(ctx, r, call, session, logger) {
		return s.interrupted(r)
	}

	r.setPhase(domain.PhaseWrapping)
	bridgeResult := session.Result()
	switch {
	case bridgeResult.Err != nil:
		s.reportAuth(ProviderVoice, r, bridgeResult.Err)
		logger.Error("voice agent failed mid-call", zap.Error(bridgeResult.Err))
		return &result{outcome: domain.OutcomeFailed, disposition: bridgeResult.Disposition, reason: bridgeResult.Err.Error(), answeredAt: &answeredAt}
	case callFailed(call):
		term := call.Termination()
		return &result{outcome: domain.OutcomeFailed, disposition: bridgeResult.Disposition, reason: terminationReason(term), answeredAt: &answeredAt}
	default:
		return &result{
			outcome:     domain.OutcomeForDisposition(bridgeResult.Disposition),
			disposition: bridgeResult.Disposition,
			answeredAt:  &answeredAt,
		}
	}
}

// converse relays the bridged conversation until either leg ends. Returns
// false when the attempt context was cancelled first.
func (s *Service) converse(ctx context.Context, r *run, call *telephony.Call, session voice.Session, logger *zap.Logger) bool {
	utterances := session.Utterances()
	carrierDone := call.Done()
	var wrap <-chan time.Time

	for {
		select {
		case u, ok := <-utterances:
			if !ok {
				utterances = nil
				continue
			}
			r.appendUtterance(u)
		case <-session.Done():
			if utterances != nil {
				for u := range utterances {
					r.appendUtterance(u)
				}
			}
			s.hangup(ctx, r, call, logger)
			return true
		case <-carrierDone:
			carrierDone = nil
			logger.Info("carrier leg ended, waiting for voice agent to wrap up")
			timer := time.NewTimer(s.opts.WrapTimeout)
			defer timer.Stop()
			wrap = timer.C
		case <-wrap:
			wrap = nil
			logger.Warn("voice agent did not finish after hangup, detaching")
			if err := session.Detach(); err != nil {
				logger.Warn("detach failed", zap.Error(err))
			}
		case <-ctx.Done():
			return false
		}
	}
}

// interrupted handles a cancelled attempt context. Aborted runs return nil so
// nothing is committed twice; a shutdown fails the attempt.
func (s *Service) interrupted(r *run) *result {
	if r.isAborted() {
		return nil
	}
	r.teardown(context.Background(), s.logger)
	return &result{outcome: domain.OutcomeFailed, reason: reasonShutdown}
}

func (s *Service) generateScript(ctx context.Context, r *run, logger *zap.Logger) string {
	fallback := s.opts.DefaultScript
	if r.providers.Script == nil {
		return fallback
	}

	sctx, cancel := context.WithTimeout(ctx, s.opts.ScriptTimeout)
	defer cancel()

	out := make(chan string, 1)
	go func() {
		out <- r.providers.Script.Generate(sctx, r.lead, fallback)
	}()

	select {
	case text := <-out:
		if text == "" {
			return fallback
		}
		return text
	case <-sctx.Done():
		logger.Warn("script generation timed out, using fallback", zap.Duration("timeout", s.opts.ScriptTimeout))
		return fallback
	}
}

func (s *Service) waitForSlot(ctx context.Context) (func(), error) {
	if s.limiter == nil || s.opts.MaxInFlight <= 0 {
		return func() {}, nil
	}
	for {
		acquired, err := s.limiter.Acquire(ctx, s.opts.SlotKey, s.opts.MaxInFlight)
		if err != nil {
			return nil, err
		}
		if acquired {
			return func() {
				if err := s.limiter.Release(context.Background(), s.opts.SlotKey); err != nil {
					s.logger.Warn("release call slot", zap.Error(err))
				}
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.opts.SlotWait):
		}
	}
}

// dial places the call, retrying transient carrier errors with backoff.
func (s *Service) dial(ctx context.Context, r *run, script string, logger *zap.Logger) (*telephony.Call, error) {
	req := telephony.DialRequest{
		AttemptID:   r.attempt.ID,
		LeadID:      r.lead.ID,
		To:          r.lead.Phone,
		Script:      script,
		RingTimeout: s.opts.RingTimeout,
	}
	maxAttempts := s.backoff.policy.MaxAttempts

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		call, err := r.providers.Telephony.PlaceCall(ctx, req)
		if err == nil {
			return call, nil
		}
		lastErr = err
		if errors.Is(err, apperrors.ErrProviderAuth) {
			s.reportAuth(ProviderTelephony, r, err)
			return nil, err
		}
		if !apperrors.Retryable(err) || attempt == maxAttempts {
			break
		}
		wait := s.backoff.delay(attempt)
		logger.Warn("transient dial failure, retrying",
			zap.Int("try", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
		if !sleepCtx(ctx, wait) {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("dial: %w", lastErr)
}

func (s *Service) hangup(ctx context.Context, r *run, call *telephony.Call, logger *zap.Logger) {
	select {
	case <-call.Done():
		return
	default:
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := r.providers.Telephony.Hangup(hctx, call.ExternalID); err != nil {
		logger.Warn("hangup failed", zap.Error(err))
	}
}

func (s *Service) reportAuth(provider string, r *run, err error) {
	if errors.Is(err, apperrors.ErrProviderAuth) {
		s.credentials.ReportAuthFailure(provider, r.creds.Version, err)
	}
}

// commit persists the transcript and then the terminal outcome. It is a
// no-op when the run was aborted by another operation.
func (s *Service) commit(r *run, res result, logger *zap.Logger) {
	unlock := s.locks.Lock(r.lead.ID)
	defer unlock()
	if r.isAborted() {
		return
	}
	r.setPhase(domain.PhaseTerminal)
	s.persistTranscript(r.ctx, r.lead.ID, r.attempt.ID, r.transcript())
	applied := s.finalize(r, res.outcome, res.disposition, res.reason, withAnsweredAt(res.answeredAt))
	s.unregister(r)

	if !applied {
		return
	}
	logger.Info("call finished",
		zap.String("outcome", string(res.outcome)),
		zap.String("disposition", res.disposition),
		zap.String("reason", res.reason))
	s.publish(queue.CallEvent{
		Type:           queue.EventCallFinished,
		AttemptID:      r.attempt.ID,
		LeadID:         r.lead.ID,
		ExternalCallID: r.externalIDSnapshot(),
		Outcome:        string(res.outcome),
		Disposition:    res.disposition,
		LeadStatus:     string(res.outcome.LeadStatus()),
		Error:          res.reason,
		Simulated:      r.providers.Simulated,
	})
}

type finalizeOption func(*domain.CallAttempt)

func withAnsweredAt(at *time.Time) finalizeOption {
	return func(a *domain.CallAttempt) { a.AnsweredAt = at }
}

// finalize writes the terminal outcome, retrying storage errors. Returns
// whether this call moved the attempt out of its active state.
func (s *Service) finalize(r *run, outcome domain.Outcome, disposition, reason string, opts ...finalizeOption) bool {
	ended := s.now()
	attempt := r.attempt
	attempt.ExternalCallID = r.externalIDSnapshot()
	attempt.Outcome = outcome
	attempt.Disposition = disposition
	attempt.Error = reason
	attempt.EndedAt = &ended
	for _, opt := range opts {
		opt(&attempt)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), commitTimeout)
	defer cancel()

	const maxTries = 3
	var err error
	for try := 1; try <= maxTries; try++ {
		var applied bool
		applied, err = s.attempts.Finalize(ctx, &attempt)
		if err == nil {
			return applied
		}
		s.logger.Warn("finalize attempt failed",
			zap.String("attempt_id", attempt.ID.String()),
			zap.Int("try", try),
			zap.Error(err))
		if try == maxTries || !sleepCtx(ctx, s.backoff.delay(try)) {
			break
		}
	}
	s.logger.Error("attempt left active after repeated commit failures",
		zap.String("attempt_id", attempt.ID.String()),
		zap.Error(err))
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (r *run) externalIDSnapshot() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.externalID
}

func callFailed(call *telephony.Call) bool {
	select {
	case <-call.Done():
		return call.Termination().Failed()
	default:
		return false
	}
}

func terminationReason(term telephony.Termination) string {
	if term.Reason != "" {
		return fmt.Sprintf("carrier %s: %s", term.Status, term.Reason)
	}
	return "carrier " + string(term.Status)
}
