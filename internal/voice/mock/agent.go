// Package mock provides a simulated voice agent for dummy mode and tests.
package mock

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/acme/lead-call-orchestrator/internal/domain"
	"github.com/acme/lead-call-orchestrator/internal/voice"
)

// Line is one scripted turn of the simulated conversation.
type Line struct {
	Role string
	Text string
}

// Options drives the simulated conversation.
type Options struct {
	// Lines follow the opening script. Defaults to a short exchange.
	Lines []Line
	// Disposition reported at the end. Empty picks one at random.
	Disposition string
	// Interval between turns.
	Interval time.Duration
	// Hold keeps the session open after the last line until detached.
	Hold bool
	// FailAfter ends the conversation with MidCallError after that many lines.
	FailAfter    int
	MidCallError error
	// AttachError is returned by Attach.
	AttachError error
	Seed        int64
}

var defaultLines = []Line{
	{Role: domain.RoleUser, Text: "Hi, yes, this is the owner."},
	{Role: domain.RoleAgent, Text: "Great. We help salons fill empty appointment slots. Would a short demo next week work?"},
	{Role: domain.RoleUser, Text: "Maybe, send me some details."},
}

var randomDispositions = []string{
	domain.DispositionInterested,
	domain.DispositionNotInterested,
	domain.DispositionCompleted,
	domain.DispositionVoicemail,
}

// Agent implements voice.Bridge with a scripted conversation.
type Agent struct {
	opts Options

	mu       sync.Mutex
	rng      *rand.Rand
	attached []voice.AttachRequest
}

// NewAgent builds a simulated agent.
func NewAgent(opts Options) *Agent {
	if opts.Lines == nil {
		opts.Lines = defaultLines
	}
	if opts.Interval <= 0 {
		opts.Interval = 200 * time.Millisecond
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Agent{opts: opts, rng: rand.New(rand.NewSource(seed))}
}

// Attach starts the simulated conversation.
func (a *Agent) Attach(ctx context.Context, req voice.AttachRequest) (voice.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.attached = append(a.attached, req)
	disposition := a.opts.Disposition
	if disposition == "" {
		disposition = randomDispositions[a.rng.Intn(len(randomDispositions))]
	}
	a.mu.Unlock()

	if a.opts.AttachError != nil {
		return nil, a.opts.AttachError
	}

	s := &session{Stream: voice.NewStream(len(a.opts.Lines) + 1)}
	go s.play(req.Script, a.opts, disposition)
	return s, nil
}

// Attached returns the requests seen so far.
func (a *Agent) Attached() []voice.AttachRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]voice.AttachRequest, len(a.attached))
	copy(out, a.attached)
	return out
}

type session struct {
	*voice.Stream
	detachCount int
	mu          sync.Mutex
}

func (s *session) Detach() error {
	s.mu.Lock()
	s.detachCount++
	s.mu.Unlock()
	s.Close(voice.Result{})
	return nil
}

func (s *session) play(script string, opts Options, disposition string) {
	lines := append([]Line{{Role: domain.RoleAgent, Text: script}}, opts.Lines...)
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for i, line := range lines {
		if opts.FailAfter > 0 && i == opts.FailAfter {
			s.Close(voice.Result{Err: opts.MidCallError})
			return
		}
		s.Emit(line.Role, line.Text, time.Now().UTC())
		select {
		case <-s.Done():
			return
		case <-ticker.C:
		}
	}

	s.SetDisposition(disposition)
	if opts.Hold {
		return
	}
	s.Close(voice.Result{Disposition: disposition})
}
