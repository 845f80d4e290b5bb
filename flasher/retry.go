package flasher

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/Awervas/can-loader/uds"
)

// OutcomeKind classifies the result of one diagnostic request.
type OutcomeKind int

const (
	// Success means the device answered positively
	Success OutcomeKind = iota

	// Timeout means no answer arrived within the client's bound
	Timeout

	// Rejected means the device answered with a negative response
	Rejected

	// Failed is any other error, e.g. a closed bus
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case Timeout:
		return "timeout"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the explicit result of a request.
type Outcome[T any] struct {
	Kind  OutcomeKind
	Value T
	Err   error
}

// classify turns a client call result into an Outcome.
func classify[T any](v T, err error) Outcome[T] {
	switch {
	case err == nil:
		return Outcome[T]{Kind: Success, Value: v}
	case errors.Is(err, uds.ErrTimeout):
		return Outcome[T]{Kind: Timeout, Err: err}
	case uds.IsNegativeResponse(err):
		return Outcome[T]{Kind: Rejected, Err: err}
	default:
		return Outcome[T]{Kind: Failed, Err: err}
	}
}

// completed classifies a call that returns only an error.
func completed(err error) Outcome[struct{}] {
	return classify(struct{}{}, err)
}

// RetryOn selects which outcomes a Policy retries.
type RetryOn uint8

const (
	RetryOnTimeout RetryOn = 1 << iota
	RetryOnRejected
)

// Allows reports whether kind is retried.
func (r RetryOn) Allows(kind OutcomeKind) bool {
	switch kind {
	case Timeout:
		return r&RetryOnTimeout != 0
	case Rejected:
		return r&RetryOnRejected != 0
	default:
		return false
	}
}

func (r RetryOn) String() string {
	var names []string
	if r&RetryOnTimeout != 0 {
		names = append(names, "timeout")
	}
	if r&RetryOnRejected != 0 {
		names = append(names, "rejected")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// ParseRetryOn builds a RetryOn from outcome names ("timeout", "rejected").
func ParseRetryOn(names []string) (RetryOn, error) {
	var r RetryOn
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "timeout":
			r |= RetryOnTimeout
		case "rejected":
			r |= RetryOnRejected
		default:
			return 0, fmt.Errorf("unknown retry outcome %q (want timeout or rejected)", name)
		}
	}
	return r, nil
}

// Policy bounds retries of one kind of request.
type Policy struct {
	// MaxAttempts is the total number of attempts, first one included
	MaxAttempts int

	// Delay is the fixed wait before each retry
	Delay time.Duration

	// Jitter adds a uniformly random [0, Jitter) wait on top of Delay
	Jitter time.Duration

	// RetryOn selects the retried outcomes
	RetryOn RetryOn
}

// backoff returns the wait before the next attempt.
func (p Policy) backoff(rng *rand.Rand) time.Duration {
	d := p.Delay
	if p.Jitter > 0 {
		if rng != nil {
			d += time.Duration(rng.Int64N(int64(p.Jitter)))
		} else {
			d += time.Duration(rand.Int64N(int64(p.Jitter)))
		}
	}
	return d
}

// retry runs attempt until it succeeds, returns an outcome the policy does
// not retry, or the attempts run out. The last outcome is returned. Waits
// between attempts honor ctx.
func retry[T any](ctx context.Context, s *session, name string, p Policy, attempt func(n int) Outcome[T]) Outcome[T] {
	attempts := max(p.MaxAttempts, 1)

	var out Outcome[T]
	for n := 1; n <= attempts; n++ {
		out = attempt(n)
		if out.Kind == Success || !p.RetryOn.Allows(out.Kind) {
			return out
		}
		if n == attempts {
			break
		}

		delay := p.backoff(s.config.Rand)
		s.retries++
		s.logDebug("retrying",
			"request", name,
			"attempt", n,
			"outcome", out.Kind.String(),
			"delay", delay.String(),
			"error", out.Err,
		)
		if err := s.config.Wait(ctx, delay); err != nil {
			return Outcome[T]{Kind: Failed, Err: err}
		}
	}
	return out
}
