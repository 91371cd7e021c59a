// Package telephony places and tracks outbound phone calls.
package telephony

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/lead-call-orchestrator/internal/domain"
)

// Status is a carrier call status as reported by push notifications.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInitiated  Status = "initiated"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusBusy       Status = "busy"
	StatusNoAnswer   Status = "no-answer"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// ParseStatus normalizes a carrier status string.
func ParseStatus(raw string) Status {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "answered" {
		return StatusInProgress
	}
	return Status(strings.ReplaceAll(s, "_", "-"))
}

// Terminal reports whether the status ends the call.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusBusy, StatusNoAnswer, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// DialRequest describes a call to place.
type DialRequest struct {
	AttemptID   uuid.UUID
	LeadID      int64
	To          string
	Script      string
	RingTimeout time.Duration
}

// Driver places calls through a carrier.
type Driver interface {
	// PlaceCall starts dialing and returns a handle that reports answer and
	// termination. Errors wrap ErrProviderTransient, ErrProviderAuth or
	// ErrValidation.
	PlaceCall(ctx context.Context, req DialRequest) (*Call, error)
	// Hangup ends the call. Hanging up an ended call is not an error.
	Hangup(ctx context.Context, externalCallID string) error
}

// Termination describes how a call ended.
type Termination struct {
	Status   Status
	Answered bool
	Reason   string
	At       time.Time
}

// Failed reports whether the call ended abnormally.
func (t Termination) Failed() bool {
	return t.Status == StatusFailed
}

// Outcome classifies a call that ended before the voice agent attached.
func (t Termination) Outcome() domain.Outcome {
	switch t.Status {
	case StatusNoAnswer, StatusBusy, StatusCanceled:
		return domain.OutcomeNoAnswer
	case StatusCompleted:
		if t.Answered {
			return domain.OutcomeCompleted
		}
		return domain.OutcomeNoAnswer
	default:
		return domain.OutcomeFailed
	}
}

// Call is the handle for one placed call. Answer and termination are each
// delivered at most once; repeats are ignored.
type Call struct {
	ExternalID string
	To         string

	answered   chan struct{}
	done       chan struct{}
	answerOnce sync.Once
	doneOnce   sync.Once

	mu          sync.Mutex
	answeredAt  time.Time
	termination Termination
}

// NewCall creates a handle for a call the carrier accepted.
func NewCall(externalID, to string) *Call {
	return &Call{
		ExternalID: externalID,
		To:         to,
		answered:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Answered closes when the callee picks up.
func (c *Call) Answered() <-chan struct{} {
	return c.answered
}

// Done closes when the call has ended.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// AnsweredAt returns when the call was answered, or the zero time.
func (c *Call) AnsweredAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answeredAt
}

// Termination returns how the call ended. Valid once Done is closed.
func (c *Call) Termination() Termination {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.termination
}

// MarkAnswered records the answer. Returns false for a duplicate or an
// answer arriving after termination.
func (c *Call) MarkAnswered(at time.Time) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	first := false
	c.answerOnce.Do(func() {
		c.mu.Lock()
		c.answeredAt = at
		c.mu.Unlock()
		close(c.answered)
		first = true
	})
	return first
}

// Terminate records the end of the call. Returns false for a duplicate.
func (c *Call) Terminate(status Status, reason string, at time.Time) bool {
	first := false
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.termination = Termination{
			Status:   status,
			Answered: !c.answeredAt.IsZero(),
			Reason:   reason,
			At:       at,
		}
		c.mu.Unlock()
		close(c.done)
		first = true
	})
	return first
}

// Apply routes a carrier status notification onto the handle.
func (c *Call) Apply(status Status, at time.Time) bool {
	switch {
	case status == StatusInProgress:
		return c.MarkAnswered(at)
	case status.Terminal():
		return c.Terminate(status, "", at)
	default:
		return false
	}
}
