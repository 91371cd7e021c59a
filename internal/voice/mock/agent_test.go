package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/lead-call-orchestrator/internal/domain"
	"github.com/acme/lead-call-orchestrator/internal/voice"
)

func drain(t *testing.T, s voice.Session) []domain.Utterance {
	t.Helper()
	var out []domain.Utterance
	deadline := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-s.Utterances():
			if !ok {
				return out
			}
			out = append(out, u)
		case <-deadline:
			t.Fatal("conversation did not end")
		}
	}
}

func TestScriptedConversation(t *testing.T) {
	agent := NewAgent(Options{Disposition: domain.DispositionMeetingBooked, Interval: time.Millisecond})
	s, err := agent.Attach(context.Background(), voice.AttachRequest{Script: "Hello there"})
	require.NoError(t, err)

	lines := drain(t, s)
	require.Len(t, lines, 1+len(defaultLines))
	assert.Equal(t, "Hello there", lines[0].Text)
	assert.Equal(t, domain.RoleAgent, lines[0].Role)
	for i, line := range lines {
		assert.Equal(t, i+1, line.Seq)
	}

	<-s.Done()
	assert.Equal(t, domain.DispositionMeetingBooked, s.Result().Disposition)
	assert.Len(t, agent.Attached(), 1)
}

func TestMidCallFailure(t *testing.T) {
	boom := errors.New("agent dropped")
	agent := NewAgent(Options{Interval: time.Millisecond, FailAfter: 2, MidCallError: boom})
	s, err := agent.Attach(context.Background(), voice.AttachRequest{Script: "Hi"})
	require.NoError(t, err)

	assert.Len(t, drain(t, s), 2)
	assert.ErrorIs(t, s.Result().Err, boom)
}

func TestHeldSessionEndsOnDetach(t *testing.T) {
	agent := NewAgent(Options{Interval: time.Millisecond, Hold: true, Disposition: domain.DispositionInterested})
	s, err := agent.Attach(context.Background(), voice.AttachRequest{Script: "Hi"})
	require.NoError(t, err)

	select {
	case <-s.Done():
		t.Fatal("held session ended on its own")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, s.Detach())
	require.NoError(t, s.Detach())
	<-s.Done()
	assert.Equal(t, domain.DispositionInterested, s.Result().Disposition)
	assert.Equal(t, 2, s.(*session).detachCount)
}
