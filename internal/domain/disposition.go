package domain

import "strings"

// Disposition tags the voice agent may report when a conversation ends.
const (
	DispositionInterested    = "interested"
	DispositionMeetingBooked = "meeting_booked"
	DispositionNotInterested = "not_interested"
	DispositionDoNotCall     = "do_not_call"
	DispositionVoicemail     = "voicemail"
	DispositionNoAnswer      = "no_answer"
	DispositionCompleted     = "completed"
)

var dispositionOutcomes = map[string]Outcome{
	DispositionInterested:    OutcomeInterested,
	DispositionMeetingBooked: OutcomeInterested,
	DispositionNotInterested: OutcomeDeclined,
	DispositionDoNotCall:     OutcomeDeclined,
	DispositionVoicemail:     OutcomeNoAnswer,
	DispositionNoAnswer:      OutcomeNoAnswer,
	DispositionCompleted:     OutcomeCompleted,
}

// OutcomeForDisposition maps a bridge disposition to a terminal outcome.
// Unknown and empty tags count as a normal completion.
func OutcomeForDisposition(tag string) Outcome {
	if outcome, ok := dispositionOutcomes[strings.ToLower(strings.TrimSpace(tag))]; ok {
		return outcome
	}
	return OutcomeCompleted
}
