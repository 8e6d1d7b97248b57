package aop

import (
	"fmt"
	"strings"
	"time"
)

// RejectionOrigin tags where a Rejection came from, per spec §3's "origin
// tag" on the rejection record.
type RejectionOrigin int

const (
	OriginAdvice RejectionOrigin = iota
	OriginTarget
	OriginUnknown
)

func (o RejectionOrigin) String() string {
	switch o {
	case OriginAdvice:
		return "advice"
	case OriginTarget:
		return "target"
	default:
		return "unknown"
	}
}

// Rejection is the aggregated error record a BatchProcessor raises: it
// carries one or more underlying errors (more than one when several entries
// of a level fail, or when AggregateAll accumulates across levels) plus an
// origin tag identifying the advice kind it came from, if any.
type Rejection struct {
	Origin    RejectionOrigin
	Kind      AdviceKind
	Aspect    Name
	Errs      []error
	Timestamp time.Time
}

// NewAdviceRejection builds a Rejection originating from advice of the given
// kind.
func NewAdviceRejection(kind AdviceKind, aspect Name, errs ...error) *Rejection {
	return &Rejection{Origin: OriginAdvice, Kind: kind, Aspect: aspect, Errs: errs, Timestamp: time.Now()}
}

// NewTargetRejection builds a Rejection originating from the target itself.
func NewTargetRejection(err error) *Rejection {
	return &Rejection{Origin: OriginTarget, Errs: []error{err}, Timestamp: time.Now()}
}

// NewUnknownRejection builds a Rejection for an error raised from a site the
// chain executor does not recognize (spec §4.6: "treated as {from: unknown}
// and halts immediately").
func NewUnknownRejection(err error) *Rejection {
	return &Rejection{Origin: OriginUnknown, Errs: []error{err}, Timestamp: time.Now()}
}

// Error implements the error interface.
func (r *Rejection) Error() string {
	if r == nil {
		return "<nil>"
	}
	msgs := make([]string, len(r.Errs))
	for i, e := range r.Errs {
		msgs[i] = e.Error()
	}
	switch r.Origin {
	case OriginAdvice:
		return fmt.Sprintf("%s advice %q rejected: %s", r.Kind, r.Aspect, strings.Join(msgs, "; "))
	case OriginTarget:
		return fmt.Sprintf("target rejected: %s", strings.Join(msgs, "; "))
	default:
		return fmt.Sprintf("unknown rejection: %s", strings.Join(msgs, "; "))
	}
}

// Unwrap exposes the underlying errors for errors.Is/errors.As, returning
// them all — Go's errors package treats an Unwrap() []error method as a
// fan-out node since Go 1.20.
func (r *Rejection) Unwrap() []error {
	if r == nil {
		return nil
	}
	return r.Errs
}
