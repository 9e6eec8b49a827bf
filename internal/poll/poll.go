// Package poll waits on long-running provider operations with a bounded,
// fixed-interval budget.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kumo/internal/logging"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/zap"
)

// Status is the state of a polled operation as reported by the provider
type Status int

const (
	// Pending means the operation has not reached a terminal state yet
	Pending Status = iota
	// Succeeded is the terminal success state
	Succeeded
	// Failed is a terminal state reported by the provider
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

var (
	// ErrTimeout is returned when the attempt budget runs out before a terminal
	// state. The operation may still complete out-of-band.
	ErrTimeout = errors.New("operation timed out")
	// ErrFailed is returned when the provider reported a terminal failure
	ErrFailed = errors.New("operation failed")

	errPending = errors.New("operation pending")
)

// Policy is a poll budget: MaxAttempts fetches spaced Interval apart
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
}

// Validate checks the policy can drive a poll loop
func (p Policy) Validate() error {
	if p.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", p.Interval)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("poll attempts must be at least 1, got %d", p.MaxAttempts)
	}
	return nil
}

// Budget is the longest wall time the policy can block for
func (p Policy) Budget() time.Duration {
	return p.Interval * time.Duration(p.MaxAttempts-1)
}

// FetchFunc reads the current status of an operation. A non-nil error with
// status Failed is the provider's failure reason. Any other error is a
// failure to read the status: one marked with Transient counts as another
// pending attempt, anything else ends the poll as-is.
type FetchFunc func(ctx context.Context) (Status, error)

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks a fetch error as worth another attempt, such as throttling
// or a 5xx from the provider API
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked with Transient
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// Until calls fetch until it reports a terminal state or the policy is
// exhausted. op names the operation in progress logs.
func Until(ctx context.Context, clk clock.Clock, policy Policy, op string, fetch FetchFunc) error {
	if err := policy.Validate(); err != nil {
		return err
	}

	var outcome, lastTransient error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			status, err := fetch(ctx)
			switch {
			case status == Failed && err != nil:
				outcome = fmt.Errorf("%w: %w", ErrFailed, err)
			case status == Failed:
				outcome = ErrFailed
			case IsTransient(err):
				lastTransient = err
				logging.Logger().Warn("transient error while polling operation",
					zap.String("operation", op),
					zap.Error(err))
				return errPending
			case err != nil:
				outcome = err
			case status == Succeeded:
				return nil
			default:
				return errPending
			}
			return outcome
		},
		IsFatalError: func(err error) bool {
			return err != errPending
		},
		NotifyFunc: func(_ error, attempt int) {
			if attempt%60 == 0 {
				logging.Logger().Debug("operation still pending",
					zap.String("operation", op),
					zap.Int("attempt", attempt),
					zap.Int("max_attempts", policy.MaxAttempts))
			}
		},
		Attempts: policy.MaxAttempts,
		Delay:    policy.Interval,
		Clock:    clk,
		Stop:     ctx.Done(),
	})

	switch {
	case err == nil:
		return nil
	case outcome != nil:
		return outcome
	case retry.IsAttemptsExceeded(err) && lastTransient != nil:
		return fmt.Errorf("%s: %w after %d attempts at %s intervals (last error: %v)", op, ErrTimeout, policy.MaxAttempts, policy.Interval, lastTransient)
	case retry.IsAttemptsExceeded(err):
		return fmt.Errorf("%s: %w after %d attempts at %s intervals", op, ErrTimeout, policy.MaxAttempts, policy.Interval)
	case retry.IsRetryStopped(err) && ctx.Err() != nil:
		return ctx.Err()
	}
	return err
}
