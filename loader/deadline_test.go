package loader

import (
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestDynamicDeadlineFiresAfterInitialDelay(t *testing.T) {
	clock := clockz.NewFakeClock()
	rejectValue := &TimeoutSignal{Delay: int64(50 * time.Millisecond)}

	deadline, err := NewDynamicDeadline(clock, rejectValue, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewDynamicDeadline: %v", err)
	}

	clock.Advance(50 * time.Millisecond)
	clock.BlockUntilReady()

	select {
	case got := <-deadline.Promise():
		if got != rejectValue {
			t.Fatalf("got %v, want %v", got, rejectValue)
		}
	case <-time.After(time.Second):
		t.Fatal("deadline never fired")
	}
	if !deadline.IsRejected() {
		t.Fatal("expected IsRejected true after firing")
	}
}

// TestDynamicDeadlineQueuedExtensionsDelayFiring is spec.md S6: with
// addTimeout(200); addTimeout(300) queued on top of a 100ms initial delay,
// the promise must reject only once all three delays have elapsed in
// sequence, not after the first.
func TestDynamicDeadlineQueuedExtensionsDelayFiring(t *testing.T) {
	clock := clockz.NewFakeClock()
	rejectValue := &TimeoutSignal{Delay: 1}

	deadline, err := NewDynamicDeadline(clock, rejectValue, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("NewDynamicDeadline: %v", err)
	}
	if err := deadline.AddTimeout(200 * time.Millisecond); err != nil {
		t.Fatalf("AddTimeout: %v", err)
	}
	if err := deadline.AddTimeout(300 * time.Millisecond); err != nil {
		t.Fatalf("AddTimeout: %v", err)
	}

	wantTotal := 600 * time.Millisecond
	if got := deadline.TotalDelay(); got != wantTotal {
		t.Fatalf("TotalDelay = %v, want %v", got, wantTotal)
	}

	clock.Advance(100 * time.Millisecond)
	clock.BlockUntilReady()
	if deadline.IsRejected() {
		t.Fatal("must not reject after only the first 100ms advance")
	}

	clock.Advance(200 * time.Millisecond)
	clock.BlockUntilReady()
	if deadline.IsRejected() {
		t.Fatal("must not reject after only the second 200ms advance")
	}

	clock.Advance(300 * time.Millisecond)
	clock.BlockUntilReady()

	select {
	case <-deadline.Promise():
	case <-time.After(time.Second):
		t.Fatal("deadline never fired after the third advance")
	}
	if !deadline.IsRejected() {
		t.Fatal("expected IsRejected true after the third advance")
	}
}

func TestDynamicDeadlineCancelTimeoutIsIdempotentAndLeavesPromisePending(t *testing.T) {
	clock := clockz.NewFakeClock()
	deadline, err := NewDynamicDeadline(clock, &TimeoutSignal{}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewDynamicDeadline: %v", err)
	}

	deadline.CancelTimeout()
	deadline.CancelTimeout() // idempotent

	clock.Advance(time.Hour)
	clock.BlockUntilReady()

	select {
	case <-deadline.Promise():
		t.Fatal("promise must not fire after cancellation")
	case <-time.After(20 * time.Millisecond):
	}
	if deadline.IsRejected() {
		t.Fatal("IsRejected must stay false after cancellation")
	}
}

func TestDynamicDeadlineResetRestartsFromFreshDelay(t *testing.T) {
	clock := clockz.NewFakeClock()
	deadline, err := NewDynamicDeadline(clock, &TimeoutSignal{}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewDynamicDeadline: %v", err)
	}
	if err := deadline.AddTimeout(200 * time.Millisecond); err != nil {
		t.Fatalf("AddTimeout: %v", err)
	}

	fresh := 10 * time.Millisecond
	if err := deadline.ResetTimeout(&fresh); err != nil {
		t.Fatalf("ResetTimeout: %v", err)
	}
	if got := deadline.TotalDelay(); got != fresh {
		t.Fatalf("TotalDelay after reset = %v, want %v", got, fresh)
	}

	clock.Advance(fresh)
	clock.BlockUntilReady()

	select {
	case <-deadline.Promise():
	case <-time.After(time.Second):
		t.Fatal("deadline never fired after reset")
	}
}

func TestDynamicDeadlineMutatorsRejectOnceFired(t *testing.T) {
	clock := clockz.NewFakeClock()
	deadline, err := NewDynamicDeadline(clock, &TimeoutSignal{}, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewDynamicDeadline: %v", err)
	}
	if err := deadline.ExecuteTimeout(); err != nil {
		t.Fatalf("ExecuteTimeout: %v", err)
	}

	if err := deadline.AddTimeout(time.Millisecond); err != ErrDeadlineAlreadyRejected {
		t.Fatalf("AddTimeout after reject = %v, want ErrDeadlineAlreadyRejected", err)
	}
	if err := deadline.ResetTimeout(nil); err != ErrDeadlineAlreadyRejected {
		t.Fatalf("ResetTimeout after reject = %v, want ErrDeadlineAlreadyRejected", err)
	}
	if err := deadline.ExecuteTimeout(); err != ErrDeadlineAlreadyRejected {
		t.Fatalf("ExecuteTimeout twice = %v, want ErrDeadlineAlreadyRejected", err)
	}
	deadline.CancelTimeout() // must remain a no-op, never panics
}

func TestNewDynamicDeadlineRejectsNegativeDelay(t *testing.T) {
	if _, err := NewDynamicDeadline(clockz.NewFakeClock(), &TimeoutSignal{}, -time.Millisecond); err != ErrDeadlineDelayNegative {
		t.Fatalf("got %v, want ErrDeadlineDelayNegative", err)
	}
}
