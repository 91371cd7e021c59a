package domain

import "time"

// LeadStatus is the funnel position of a lead.
type LeadStatus string

const (
	LeadStatusNotCalled  LeadStatus = "not_called"
	LeadStatusCalling    LeadStatus = "calling"
	LeadStatusCompleted  LeadStatus = "completed"
	LeadStatusInterested LeadStatus = "interested"
	LeadStatusDeclined   LeadStatus = "declined"
)

// Valid reports whether s is a known lead status.
func (s LeadStatus) Valid() bool {
	switch s {
	case LeadStatusNotCalled, LeadStatusCalling, LeadStatusCompleted, LeadStatusInterested, LeadStatusDeclined:
		return true
	}
	return false
}

// Lead models a prospective business contact.
type Lead struct {
	ID       int64
	Name     string
	Phone    string
	Category string
	Address  string
	Website  string
	Status   LeadStatus
	// ManualOverride is set by an operator close and freezes automated
	// status transitions until a new call is explicitly started.
	ManualOverride bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LeadCandidate is a raw record produced by a discovery source.
type LeadCandidate struct {
	Name     string `yaml:"name" json:"name"`
	Phone    string `yaml:"phone" json:"phone"`
	Category string `yaml:"category" json:"category"`
	Address  string `yaml:"address" json:"address"`
	Website  string `yaml:"website" json:"website"`
}
