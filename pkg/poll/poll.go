// Package poll retries a probe a fixed number of times at a fixed interval
// until it reports success.
//
// The budget is counted in attempts, not wall time: a probe that never
// succeeds is invoked exactly MaxAttempts times with MaxAttempts-1 sleeps in
// between. There is no backoff and no jitter.
package poll

import (
	"context"
	"fmt"
	"time"
)

// Default budget: 20 attempts half a second apart.
const (
	DefaultMaxAttempts = 20
	DefaultInterval    = 500 * time.Millisecond
)

// Clock sleeps between attempts. Tests substitute a fake.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Observer receives one call per attempt and one per finished poll.
type Observer interface {
	ObserveAttempt(name string, attempt int, ok bool)
	ObserveOutcome(name string, converged bool, attempts int)
}

// Policy configures a poll.
type Policy struct {
	// Name labels the poll in logs and metrics.
	Name        string
	MaxAttempts int
	Interval    time.Duration
	Clock       Clock
	Observer    Observer
}

// DefaultPolicy returns the default attempt budget.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Interval: DefaultInterval}
}

// Named returns a copy of p with Name set.
func (p Policy) Named(name string) Policy {
	p.Name = name
	return p
}

// Budget is the longest time the poll can spend sleeping.
func (p Policy) Budget() time.Duration {
	p = p.normalize()
	return time.Duration(p.MaxAttempts-1) * p.Interval
}

func (p Policy) String() string {
	p = p.normalize()
	return fmt.Sprintf("%d attempts every %s", p.MaxAttempts, p.Interval)
}

func (p Policy) normalize() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Interval < 0 {
		p.Interval = 0
	}
	if p.Clock == nil {
		p.Clock = realClock{}
	}
	return p
}

// Outcome is the result of Until.
type Outcome[T any] struct {
	// Value is what the last probe returned.
	Value     T
	Converged bool
	Attempts  int
	// Err is set only when ctx was cancelled while waiting between attempts.
	Err error
}

// Until calls probe until it returns ok or the attempt budget runs out.
// The attempt number passed to probe starts at 1.
func Until[T any](ctx context.Context, p Policy, probe func(attempt int) (T, bool)) Outcome[T] {
	p = p.normalize()

	var out Outcome[T]
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		v, ok := probe(attempt)
		out.Value = v
		out.Attempts = attempt
		if p.Observer != nil {
			p.Observer.ObserveAttempt(p.Name, attempt, ok)
		}
		if ok {
			out.Converged = true
			break
		}
		if attempt == p.MaxAttempts {
			break
		}
		if err := p.Clock.Sleep(ctx, p.Interval); err != nil {
			out.Err = err
			break
		}
	}

	if p.Observer != nil {
		p.Observer.ObserveOutcome(p.Name, out.Converged, out.Attempts)
	}
	return out
}

type realClock struct{}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
