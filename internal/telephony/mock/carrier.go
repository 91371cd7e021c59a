// Package mock provides a simulated carrier used in dummy mode and tests.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/lead-call-orchestrator/internal/phone"
	"github.com/acme/lead-call-orchestrator/internal/telephony"
)

// Scenario forces how the simulated callee behaves.
type Scenario string

const (
	ScenarioRandom   Scenario = ""
	ScenarioAnswer   Scenario = "answer"
	ScenarioNoAnswer Scenario = "no_answer"
	ScenarioBusy     Scenario = "busy"
	ScenarioFail     Scenario = "fail"
)

// Options tunes the simulation.
type Options struct {
	Scenario    Scenario
	AnswerRate  float64
	AnswerDelay time.Duration
	// MaxDuration ends an answered call nobody hung up.
	MaxDuration time.Duration
	// DialError, when set, is returned by PlaceCall instead of dialing.
	DialError error
	Seed      int64
}

// Carrier implements telephony.Driver without touching a network.
type Carrier struct {
	opts     Options
	registry *telephony.Registry

	mu  sync.Mutex
	rng *rand.Rand

	hangups map[string]int
}

// NewCarrier builds a simulated carrier. Calls are tracked in registry like
// real ones so webhooks and hangups behave the same.
func NewCarrier(opts Options, registry *telephony.Registry) *Carrier {
	if opts.AnswerRate <= 0 {
		opts.AnswerRate = 0.8
	}
	if opts.AnswerDelay <= 0 {
		opts.AnswerDelay = 1500 * time.Millisecond
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 5 * time.Minute
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if registry == nil {
		registry = telephony.NewRegistry()
	}
	return &Carrier{
		opts:     opts,
		registry: registry,
		rng:      rand.New(rand.NewSource(seed)),
		hangups:  make(map[string]int),
	}
}

// PlaceCall starts a simulated call. ctx bounds only the placement; the call
// itself lives until it is hung up, times out or reaches MaxDuration.
func (c *Carrier) PlaceCall(ctx context.Context, req telephony.DialRequest) (*telephony.Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.opts.DialError != nil {
		return nil, c.opts.DialError
	}
	to, err := phone.Normalize(req.To)
	if err != nil {
		return nil, err
	}

	call := telephony.NewCall("SIM"+uuid.NewString(), to)
	c.registry.Track(call)

	ring := req.RingTimeout
	if ring <= 0 {
		ring = 45 * time.Second
	}
	go c.run(call, c.pick(), ring)
	return call, nil
}

// Hangup ends a live simulated call. Unknown or finished calls are ignored.
func (c *Carrier) Hangup(_ context.Context, externalCallID string) error {
	c.mu.Lock()
	c.hangups[externalCallID]++
	c.mu.Unlock()

	if call, ok := c.registry.Lookup(externalCallID); ok {
		call.Terminate(telephony.StatusCompleted, "hangup requested", time.Now().UTC())
	}
	return nil
}

// Hangups reports how many hangup requests the call received.
func (c *Carrier) Hangups(externalCallID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hangups[externalCallID]
}

func (c *Carrier) pick() Scenario {
	if c.opts.Scenario != ScenarioRandom {
		return c.opts.Scenario
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rng.Float64() <= c.opts.AnswerRate {
		return ScenarioAnswer
	}
	return ScenarioNoAnswer
}

func (c *Carrier) run(call *telephony.Call, scenario Scenario, ring time.Duration) {
	ringTimer := time.NewTimer(ring)
	defer ringTimer.Stop()

	var pickup <-chan time.Time
	switch scenario {
	case ScenarioAnswer:
		pickup = time.After(c.opts.AnswerDelay)
	case ScenarioBusy:
		call.Terminate(telephony.StatusBusy, "line busy", time.Now().UTC())
		return
	case ScenarioFail:
		call.Terminate(telephony.StatusFailed, "simulated carrier failure", time.Now().UTC())
		return
	}

	select {
	case <-call.Done():
		return
	case <-ringTimer.C:
		call.Terminate(telephony.StatusNoAnswer, fmt.Sprintf("no answer after %s", ring), time.Now().UTC())
		return
	case <-pickup:
		call.MarkAnswered(time.Now().UTC())
	}

	limit := time.NewTimer(c.opts.MaxDuration)
	defer limit.Stop()
	select {
	case <-call.Done():
	case <-limit.C:
		call.Terminate(telephony.StatusCompleted, "maximum call duration reached", time.Now().UTC())
	}
}
