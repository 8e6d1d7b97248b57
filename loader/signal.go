package loader

import (
	"fmt"

	"github.com/vectorlab/aoploader/aop"
)

// Signal priorities, highest first per spec.md §3:
// MIDDLEWARE_INVALID > TIMEOUT > RETRY_EXCEEDED > RETRY > (any other signal) > ordinary error.
const (
	PriorityMiddlewareInvalid = 50
	PriorityTimeout           = 40
	PriorityRetryExceeded     = 30
	PriorityRetry             = 20
	PriorityOtherSignal       = 10
)

// RetrySignal is raised by the retry aspect's afterThrowing to request another
// attempt. errorReason is the error that triggered the retry (or, when this
// signal is itself propagated from a nested loader, that inner loader's own
// errorReason). Propagated is set true by a loader's handleError when it hands
// the RetrySignal up to an enclosing loader rather than consuming it.
type RetrySignal struct {
	ErrorReason error
	Attempt     int
	Propagated  bool
}

func (s *RetrySignal) Error() string {
	if s.ErrorReason != nil {
		return fmt.Sprintf("loader: retry requested (attempt %d): %v", s.Attempt, s.ErrorReason)
	}
	return fmt.Sprintf("loader: retry requested (attempt %d)", s.Attempt)
}

func (s *RetrySignal) Unwrap() error { return s.ErrorReason }

func (s *RetrySignal) SignalPriority() int { return PriorityRetry }

// RetryExceededSignal is raised when the retry aspect's attempt count would
// exceed maxCount.
type RetryExceededSignal struct {
	MaxCount int
}

func (s *RetryExceededSignal) Error() string {
	return fmt.Sprintf("loader: retry exceeded (max %d retries)", s.MaxCount)
}

func (s *RetryExceededSignal) SignalPriority() int { return PriorityRetryExceeded }

// TimeoutSignal is the reject-value of a dynamic deadline; it is raised when
// the deadline fires before the target (or current attempt) completes.
type TimeoutSignal struct {
	Delay int64 // nanoseconds; kept as an int64 rather than time.Duration alias so the zero value prints plainly
}

func (s *TimeoutSignal) Error() string {
	return fmt.Sprintf("loader: timed out after %dns", s.Delay)
}

func (s *TimeoutSignal) SignalPriority() int { return PriorityTimeout }

// MiddlewareInvalidSignal is raised at loader construction (and surfaced as
// the chosen error by determineError, should it ever reach there) when a
// middleware's name collides with a built-in aspect or another middleware.
// It wraps ErrDuplicateMiddlewareName so callers can still errors.Is against
// the stable sentinel while getting a typed, prioritized Signal back.
type MiddlewareInvalidSignal struct {
	Name string
}

func (s *MiddlewareInvalidSignal) Error() string {
	return fmt.Sprintf("%s: %q", ErrDuplicateMiddlewareName, s.Name)
}

func (s *MiddlewareInvalidSignal) Unwrap() error { return ErrDuplicateMiddlewareName }

func (s *MiddlewareInvalidSignal) SignalPriority() int { return PriorityMiddlewareInvalid }

var (
	_ aop.Signal = (*RetrySignal)(nil)
	_ aop.Signal = (*RetryExceededSignal)(nil)
	_ aop.Signal = (*TimeoutSignal)(nil)
	_ aop.Signal = (*MiddlewareInvalidSignal)(nil)
)
