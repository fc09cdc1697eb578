// Package circuit implements the circuit breaker: a three-state
// machine (CLOSED/OPEN/HALF_OPEN) guarding publish, subscribe, and
// message-processor operations, with retry/degrade/DLQ fallbacks.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/smsgio/smsg/smsgerr"
)

// State is one of the three circuit states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Stats is the per-circuit snapshot.
type Stats struct {
	State            State
	Failures         int
	Successes        int
	LastTransitionAt time.Time
}

// Options configures a Breaker.
type Options struct {
	Threshold int           // failures within Window before CLOSED -> OPEN
	Window    time.Duration // failures older than Window don't count
	Cooldown  time.Duration // OPEN -> HALF_OPEN after this elapses
}

// DefaultOptions matches common defaults used across the corpus: trip
// after 5 failures, look back 30s, cool down for 10s.
func DefaultOptions() Options {
	return Options{Threshold: 5, Window: 30 * time.Second, Cooldown: 10 * time.Second}
}

// Breaker is one named circuit (processor, transport-publish, or
// transport-subscribe) with independent stats.
type Breaker struct {
	name string
	opts Options

	mu               sync.Mutex
	state            State
	failures         []time.Time
	successes        int
	lastTransitionAt time.Time
}

// New builds a Breaker in the CLOSED state.
func New(name string, opts Options) *Breaker {
	return &Breaker{name: name, opts: opts, state: Closed, lastTransitionAt: time.Now()}
}

// Name returns the circuit's component name.
func (b *Breaker) Name() string { return b.name }

func (b *Breaker) transition(to State) {
	b.state = to
	b.lastTransitionAt = time.Now()
}

// pruneFailures drops failures older than the configured window
// (called with the lock held).
func (b *Breaker) pruneFailures() {
	if b.opts.Window <= 0 {
		return
	}
	cutoff := time.Now().Add(-b.opts.Window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// Allow reports whether an operation may proceed, transitioning
// OPEN -> HALF_OPEN when the cooldown has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		return true
	case Open:
		if time.Since(b.lastTransitionAt) >= b.opts.Cooldown {
			b.transition(HalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess reports a successful call. In HALF_OPEN this closes the
// circuit immediately; in CLOSED it just increments the counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes++
	switch b.state {
	case HalfOpen:
		b.failures = nil
		b.transition(Closed)
	case Open:
		// a trial slipped through after Allow(); treat as recovery
		b.failures = nil
		b.transition(Closed)
	}
}

// RecordFailure reports a failed call. In HALF_OPEN any failure reopens
// the circuit; in CLOSED it trips open once Threshold is reached within
// Window.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case HalfOpen:
		b.transition(Open)
		return
	}

	b.pruneFailures()
	b.failures = append(b.failures, time.Now())
	if b.opts.Threshold > 0 && len(b.failures) >= b.opts.Threshold {
		b.transition(Open)
	}
}

// Stats returns a snapshot of this circuit's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{State: b.state, Failures: len(b.failures), Successes: b.successes, LastTransitionAt: b.lastTransitionAt}
}

// Fallback is the policy run when a circuit is OPEN.
type Fallback string

const (
	FallbackDLQ     Fallback = "dlq"
	FallbackDegrade Fallback = "degrade"
	FallbackRetry   Fallback = "retry"
)

// Execute runs fn guarded by the breaker. When the circuit rejects the
// call, onOpen (the configured fallback) runs instead and
// smsgerr.ErrCircuitOpen is returned alongside whatever onOpen returns.
func (b *Breaker) Execute(fn func() error, onOpen func() error) error {
	if !b.Allow() {
		var err error
		if onOpen != nil {
			err = onOpen()
		}
		if err != nil {
			return smsgerr.Wrap(smsgerr.KindCircuitOpen, err, "circuit %s is open", b.name)
		}
		return smsgerr.New(smsgerr.KindCircuitOpen, "circuit %s is open", b.name)
	}

	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// RetryWithBackoff is the "retry with exponential backoff" fallback
// bounded to maxAttempts, built on cenkalti/backoff.
func RetryWithBackoff(ctx context.Context, maxAttempts int, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bounded := backoff.WithMaxRetries(bo, uint64(maxAttempts))
	ctxBounded := backoff.WithContext(bounded, ctx)
	return backoff.Retry(fn, ctxBounded)
}
