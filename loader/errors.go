package loader

import "errors"

// Error-message constants, stable and exported per spec.md §6: "Error
// messages (stable, tested as exported constants)".
var (
	ErrRetryCountNegative      = errors.New("loader: retry max count must be non-negative")
	ErrTimeoutDelayNegative    = errors.New("loader: timeout delay must be non-negative")
	ErrTimeoutDelayInfinite    = errors.New("loader: timeout delay must be finite")
	ErrDeadlineDelayNegative   = errors.New("loader: dynamic deadline delay must be non-negative")
	ErrDeadlineAlreadyRejected = errors.New("loader: dynamic deadline already rejected")
	ErrBackoffDelayNegative    = errors.New("loader: backoff delay must be non-negative")
	ErrDuplicateMiddlewareName = errors.New("loader: duplicate middleware name")
	ErrNoTargetForRetry        = errors.New("loader: no target available to re-enter for retry")
)
