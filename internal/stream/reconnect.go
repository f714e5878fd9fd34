// Package stream implements the duplex stream session and its reconnect
// machinery shared by all venue adapters.
package stream

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/keelhq/keel/errs"
	"github.com/keelhq/keel/internal/bus"
)

const (
	defaultReconnectBase = time.Second
	defaultReconnectCap  = 30 * time.Second
	defaultMaxAttempts   = 10

	reconnectJitterCeil = time.Second
)

// ReconnectConfig tunes the reconnect controller.
type ReconnectConfig struct {
	// Base seeds the exponential delay. Default 1s.
	Base time.Duration
	// Cap bounds the exponential component. Default 30s.
	Cap time.Duration
	// MaxAttempts is the consecutive failure count after which the controller
	// reports a terminal error. Default 10.
	MaxAttempts int
}

func (c ReconnectConfig) normalize() ReconnectConfig {
	if c.Base <= 0 {
		c.Base = defaultReconnectBase
	}
	if c.Cap <= 0 {
		c.Cap = defaultReconnectCap
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	return c
}

// Reconnector schedules reconnect attempts with capped exponential backoff and
// additive jitter, emitting lifecycle events on the bus.
type Reconnector struct {
	cfg      ReconnectConfig
	venue    string
	events   *bus.Bus
	attempts int
	policy   *backoff.ExponentialBackOff
	rand     *rand.Rand
}

// NewReconnector constructs a controller for the venue.
func NewReconnector(cfg ReconnectConfig, venue string, events *bus.Bus) *Reconnector {
	cfg = cfg.normalize()
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.Base
	policy.MaxInterval = cfg.Cap
	policy.Multiplier = 2
	// Jitter is applied additively below so the exponential component stays
	// within the documented bound.
	policy.RandomizationFactor = 0
	policy.Reset()
	return &Reconnector{
		cfg:    cfg,
		venue:  venue,
		events: events,
		policy: policy,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Attempt reports the current consecutive failure count.
func (r *Reconnector) Attempt() int { return r.attempts }

// Wait blocks for the next reconnect delay. It returns a terminal
// websocket_error once MaxAttempts consecutive failures accumulate, and the
// context error if cancelled while waiting.
func (r *Reconnector) Wait(ctx context.Context) error {
	r.attempts++
	if r.attempts > r.cfg.MaxAttempts {
		return errs.New(r.venue, errs.CodeWebsocket,
			errs.WithMessage("reconnect attempts exhausted"),
			errs.WithRetryable(false))
	}

	delay := r.policy.NextBackOff()
	if delay > r.cfg.Cap {
		delay = r.cfg.Cap
	}
	delay += time.Duration(r.rand.Int63n(int64(reconnectJitterCeil)))

	r.publish(bus.EventReconnecting, bus.ReconnectingPayload{Attempt: r.attempts, Delay: delay})

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Connected resets the failure counter after a successful connect and emits
// the reconnected event when the connect followed a disconnect.
func (r *Reconnector) Connected() {
	if r.attempts > 0 {
		r.publish(bus.EventReconnected, nil)
	}
	r.attempts = 0
	r.policy.Reset()
}

func (r *Reconnector) publish(typ bus.EventType, payload any) {
	if r.events == nil {
		return
	}
	r.events.Publish(bus.Event{Venue: r.venue, Type: typ, Payload: payload})
}
