// Package voice attaches a real-time conversational agent to an answered call.
package voice

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/lead-call-orchestrator/internal/domain"
)

// AttachRequest carries everything the agent needs for one conversation.
type AttachRequest struct {
	AttemptID      uuid.UUID
	ExternalCallID string
	Script         string
	Lead           domain.Lead
	Credentials    domain.ProviderCredentials
}

// Result is how the conversation ended. Err is set when the bridge failed
// mid-call.
type Result struct {
	Disposition string
	Err         error
}

// Session is one attached conversation.
type Session interface {
	// Utterances delivers transcript lines in order. Closed when the session ends.
	Utterances() <-chan domain.Utterance
	// Done closes when the conversation is over.
	Done() <-chan struct{}
	// Result is valid once Done is closed.
	Result() Result
	// Detach ends the conversation. Safe to call more than once.
	Detach() error
}

// AudioSession is a session whose audio is relayed by this process.
type AudioSession interface {
	Session
	SendAudio(chunk []byte) error
	Audio() <-chan []byte
}

// Bridge connects agents to calls.
type Bridge interface {
	Attach(ctx context.Context, req AttachRequest) (Session, error)
}

// Stream is the bookkeeping shared by Session implementations: ordered
// utterance delivery and a single close.
type Stream struct {
	utterances chan domain.Utterance
	stop       chan struct{}
	done       chan struct{}

	mu        sync.Mutex
	seq       int
	result    Result
	closed    bool
	closeOnce sync.Once
}

// NewStream creates a stream with the given utterance buffer.
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 64
	}
	return &Stream{
		utterances: make(chan domain.Utterance, buffer),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Emit publishes an utterance with the next sequence number. Lines emitted
// after Close are dropped.
func (s *Stream) Emit(role, text string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || text == "" {
		return
	}
	s.seq++
	select {
	case s.utterances <- domain.Utterance{Seq: s.seq, Role: role, Text: text, At: at}:
	case <-s.stop:
	}
}

// Close ends the stream with res. Only the first call has an effect.
func (s *Stream) Close(res Result) {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		s.closed = true
		if res.Disposition == "" {
			res.Disposition = s.result.Disposition
		}
		s.result = res
		close(s.utterances)
		s.mu.Unlock()
		close(s.done)
	})
}

// SetDisposition records the disposition reported before the end.
func (s *Stream) SetDisposition(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.result.Disposition = tag
	}
}

// Disposition returns the disposition recorded so far.
func (s *Stream) Disposition() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result.Disposition
}

func (s *Stream) Utterances() <-chan domain.Utterance { return s.utterances }

func (s *Stream) Done() <-chan struct{} { return s.done }

// Result returns the final result.
func (s *Stream) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}
