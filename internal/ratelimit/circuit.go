package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// Circuit breaker defaults for the store path.
const (
	defaultFailureThreshold = 5
	defaultHalfOpenProbes   = 2
)

// ErrCircuitOpen is returned when the store circuit breaker rejects a call.
var ErrCircuitOpen = errors.New("ratelimit: store circuit breaker is open")

// Circuit wraps a gobreaker TwoStepCircuitBreaker around store operations.
// The state machine is Closed → Open → HalfOpen → Closed: consecutive store
// failures open it, a timeout admits probe requests, and probe successes
// close it again.
type Circuit struct {
	cb   *gobreaker.TwoStepCircuitBreaker[struct{}]
	name string
}

// CircuitConfig tunes the breaker. Zero values take the defaults above.
type CircuitConfig struct {
	FailureThreshold uint32
	HalfOpenProbes   uint32
	OpenDuration     time.Duration
}

// NewCircuit creates a circuit breaker named for its store.
func NewCircuit(name string, cfg CircuitConfig, logger zerolog.Logger, onChange func(to gobreaker.State)) *Circuit {
	failureThreshold := cfg.FailureThreshold
	if failureThreshold == 0 {
		failureThreshold = defaultFailureThreshold
	}
	probes := cfg.HalfOpenProbes
	if probes == 0 {
		probes = defaultHalfOpenProbes
	}
	openDuration := cfg.OpenDuration
	if openDuration == 0 {
		openDuration = 10 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: probes,
		Timeout:     openDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			event := logger.Info()
			if to == gobreaker.StateOpen {
				event = logger.Warn()
			}
			event.
				Str("store", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("store circuit breaker state change")
			if onChange != nil {
				onChange(to)
			}
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}

	return &Circuit{
		cb:   gobreaker.NewTwoStepCircuitBreaker[struct{}](settings),
		name: name,
	}
}

// Allow asks whether a store call may proceed. The returned done function
// must be called with the call's outcome.
func (c *Circuit) Allow() (done func(err error), err error) {
	d, err := c.cb.Allow()
	if err != nil {
		return nil, ErrCircuitOpen
	}
	return d, nil
}

// State returns the current breaker state.
func (c *Circuit) State() gobreaker.State {
	return c.cb.State()
}
