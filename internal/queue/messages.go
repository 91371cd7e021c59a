package queue

import (
	"time"

	"github.com/google/uuid"
)

// Call lifecycle event types.
const (
	EventCallStarted    = "call.started"
	EventCallAnswered   = "call.answered"
	EventCallFinished   = "call.finished"
	EventCallAborted    = "call.aborted"
	EventCallReconciled = "call.reconciled"
	EventCallLogged     = "call.logged"
)

// CallEvent describes a change in a call attempt's lifecycle.
type CallEvent struct {
	Type           string    `json:"type"`
	AttemptID      uuid.UUID `json:"attempt_id"`
	LeadID         int64     `json:"lead_id"`
	ExternalCallID string    `json:"external_call_id,omitempty"`
	Outcome        string    `json:"outcome,omitempty"`
	Disposition    string    `json:"disposition,omitempty"`
	LeadStatus     string    `json:"lead_status,omitempty"`
	Error          string    `json:"error,omitempty"`
	Simulated      bool      `json:"simulated,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// ScrapeJob asks a scrape worker to discover new leads.
type ScrapeJob struct {
	JobID       uuid.UUID `json:"job_id"`
	Limit       int       `json:"limit"`
	Source      string    `json:"source,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}
