package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutcomeLeadStatusProjection(t *testing.T) {
	cases := map[Outcome]LeadStatus{
		OutcomeInProgress: LeadStatusCalling,
		OutcomeAnswered:   LeadStatusCalling,
		OutcomeCompleted:  LeadStatusCompleted,
		OutcomeInterested: LeadStatusInterested,
		OutcomeDeclined:   LeadStatusDeclined,
		OutcomeFailed:     LeadStatusNotCalled,
		OutcomeNoAnswer:   LeadStatusNotCalled,
	}
	for outcome, want := range cases {
		assert.Equal(t, want, outcome.LeadStatus(), "outcome %s", outcome)
		assert.NotEqual(t, outcome.Active(), outcome.Terminal(), "outcome %s", outcome)
	}
}

func TestOutcomeForDispositionIsTotal(t *testing.T) {
	cases := map[string]Outcome{
		"interested":     OutcomeInterested,
		" Interested ":   OutcomeInterested,
		"meeting_booked": OutcomeInterested,
		"not_interested": OutcomeDeclined,
		"do_not_call":    OutcomeDeclined,
		"voicemail":      OutcomeNoAnswer,
		"no_answer":      OutcomeNoAnswer,
		"completed":      OutcomeCompleted,
		"":               OutcomeCompleted,
		"callback_later": OutcomeCompleted,
	}
	for tag, want := range cases {
		assert.Equal(t, want, OutcomeForDisposition(tag), "tag %q", tag)
	}
}
