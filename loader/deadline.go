package loader

import (
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// DynamicDeadline is a cancelable, resettable, queue-extensible deadline
// primitive (spec.md §4.9). It fires at most once: when the configured delay
// (plus any queued extensions) elapses, its promise channel receives the
// configured reject value. Every mutator but CancelTimeout raises
// ErrDeadlineAlreadyRejected once fired.
//
// Internally a single clock.After timer goroutine runs at a time; firing
// consumes the next queued delay (if any) before rejecting, matching the
// spec's "addTimeout begins only after the current delay elapses" rule.
type DynamicDeadline struct {
	mu          sync.Mutex
	clock       clockz.Clock
	rejectValue error
	initial     time.Duration
	queue       []time.Duration
	total       time.Duration
	start       time.Time
	rejected    bool
	promiseCh   chan error
	stopCh      chan struct{}
}

// NewDynamicDeadline constructs a deadline that will fire after delay,
// rejecting with rejectValue.
func NewDynamicDeadline(clock clockz.Clock, rejectValue error, delay time.Duration) (*DynamicDeadline, error) {
	if delay < 0 {
		return nil, ErrDeadlineDelayNegative
	}
	if clock == nil {
		clock = clockz.RealClock
	}
	d := &DynamicDeadline{
		clock:       clock,
		rejectValue: rejectValue,
		initial:     delay,
		total:       delay,
		start:       clock.Now(),
		promiseCh:   make(chan error, 1),
	}
	d.startTimer(delay)
	return d, nil
}

// startTimer must be called with d.mu held, and leaves it held on return.
func (d *DynamicDeadline) startTimer(delay time.Duration) {
	stop := make(chan struct{})
	d.stopCh = stop
	go func() {
		select {
		case <-d.clock.After(delay):
			d.handleFire(stop)
		case <-stop:
		}
	}()
}

func (d *DynamicDeadline) handleFire(stop chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rejected || d.stopCh != stop {
		return
	}
	if len(d.queue) > 0 {
		next := d.queue[0]
		d.queue = d.queue[1:]
		d.startTimer(next)
		return
	}
	d.reject()
}

// reject must be called with d.mu held.
func (d *DynamicDeadline) reject() {
	d.rejected = true
	d.promiseCh <- d.rejectValue
}

// Promise never resolves; it delivers the reject value exactly once, when the
// deadline fires.
func (d *DynamicDeadline) Promise() <-chan error {
	return d.promiseCh
}

// AddTimeout enqueues additional delay that begins only after the current
// delay (or previously queued delays) elapse.
func (d *DynamicDeadline) AddTimeout(delay time.Duration) error {
	if delay < 0 {
		return ErrDeadlineDelayNegative
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rejected {
		return ErrDeadlineAlreadyRejected
	}
	d.queue = append(d.queue, delay)
	d.total += delay
	return nil
}

// ResetTimeout cancels the current timer, clears the queue, and restarts with
// a fresh delay (the initial delay if reset is not given explicitly).
func (d *DynamicDeadline) ResetTimeout(delay *time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rejected {
		return ErrDeadlineAlreadyRejected
	}
	next := d.initial
	if delay != nil {
		if *delay < 0 {
			return ErrDeadlineDelayNegative
		}
		next = *delay
	}
	d.closeCurrentStop()
	d.queue = nil
	d.total = next
	d.start = d.clock.Now()
	d.startTimer(next)
	return nil
}

// ExecuteTimeout rejects immediately.
func (d *DynamicDeadline) ExecuteTimeout() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rejected {
		return ErrDeadlineAlreadyRejected
	}
	d.closeCurrentStop()
	d.reject()
	return nil
}

// CancelTimeout stops the pending timer and clears the queue; the promise
// remains pending indefinitely. Idempotent.
func (d *DynamicDeadline) CancelTimeout() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rejected {
		return
	}
	d.closeCurrentStop()
	d.queue = nil
}

// closeCurrentStop must be called with d.mu held; closes d.stopCh unless it
// is already closed, so repeated cancel/reset calls never panic.
func (d *DynamicDeadline) closeCurrentStop() {
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
}

func (d *DynamicDeadline) InitialDelay() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initial
}

func (d *DynamicDeadline) TotalDelay() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

func (d *DynamicDeadline) StartTime() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.start
}

func (d *DynamicDeadline) IsRejected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rejected
}
