package domain

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the lifecycle result of a call attempt.
type Outcome string

const (
	OutcomeInProgress Outcome = "in_progress"
	OutcomeAnswered   Outcome = "answered"
	OutcomeNoAnswer   Outcome = "no_answer"
	OutcomeFailed     Outcome = "failed"
	OutcomeCompleted  Outcome = "completed"
	OutcomeInterested Outcome = "interested"
	OutcomeDeclined   Outcome = "declined"
)

// ActiveOutcomes are the outcomes of an attempt that has not terminated.
var ActiveOutcomes = []Outcome{OutcomeInProgress, OutcomeAnswered}

// Active reports whether the attempt is still running.
func (o Outcome) Active() bool {
	return o == OutcomeInProgress || o == OutcomeAnswered
}

// Terminal reports whether o is an absorbing outcome.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeNoAnswer, OutcomeFailed, OutcomeCompleted, OutcomeInterested, OutcomeDeclined:
		return true
	}
	return false
}

// LeadStatus projects the outcome onto the lead's status.
func (o Outcome) LeadStatus() LeadStatus {
	switch o {
	case OutcomeInProgress, OutcomeAnswered:
		return LeadStatusCalling
	case OutcomeCompleted:
		return LeadStatusCompleted
	case OutcomeInterested:
		return LeadStatusInterested
	case OutcomeDeclined:
		return LeadStatusDeclined
	default:
		return LeadStatusNotCalled
	}
}

// Phase is the orchestrator's position within a single attempt.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseDialing    Phase = "dialing"
	PhaseConnecting Phase = "connecting"
	PhaseBridged    Phase = "bridged"
	PhaseWrapping   Phase = "wrapping"
	PhaseTerminal   Phase = "terminal"
)

// Speaker roles within a transcript.
const (
	RoleAgent = "agent"
	RoleUser  = "user"
)

// Utterance is one line of a call transcript.
type Utterance struct {
	Seq  int       `json:"seq"`
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// CallAttempt is one dial, bridge and wrap cycle for a lead.
type CallAttempt struct {
	ID                 uuid.UUID
	LeadID             int64
	ExternalCallID     string
	Script             string
	Outcome            Outcome
	Disposition        string
	Error              string
	CredentialsVersion int64
	StartedAt          time.Time
	AnsweredAt         *time.Time
	EndedAt            *time.Time
	Transcript         []Utterance
}

// RetryPolicy bounds retries of transient provider errors.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}
