package aop

import (
	"context"
	"errors"
	"testing"
)

func intTarget(value int, err error) Target[int] {
	return func(context.Context) (int, error) {
		return value, err
	}
}

func TestProcessSuccessPathRunsEveryKindOnce(t *testing.T) {
	var order []string

	before := &BeforeAdvice{Fn: func(context.Context, *RestrictedView) error {
		order = append(order, "before")
		return nil
	}}
	around := NewAroundAdvice[int](func(_ context.Context, _ *RestrictedView, reg *AroundRegistrar[int]) error {
		order = append(order, "around")
		reg.AttachToTarget(func(next Target[int]) Target[int] {
			return func(ctx context.Context) (int, error) {
				v, err := next(ctx)
				return v * 2, err
			}
		})
		return nil
	}, nil, nil)
	afterReturning := &AfterReturningAdvice{Fn: func(context.Context, *RestrictedView) error {
		order = append(order, "afterReturning")
		return nil
	}}
	afterThrowing := &AfterThrowingAdvice{Fn: func(context.Context, *RestrictedView, error) error {
		order = append(order, "afterThrowing")
		return nil
	}}
	after := &AfterAdvice{Fn: func(context.Context, *RestrictedView) error {
		order = append(order, "after")
		return nil
	}}

	proc, err := NewProcess[int](ProcessInput[int]{
		Aspects: []Aspect{{
			Name:           "observer",
			Before:         before,
			Around:         around,
			AfterReturning: afterReturning,
			AfterThrowing:  afterThrowing,
			After:          after,
		}},
	})
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	defer proc.Close() //nolint:errcheck

	result, err := proc.Invoke(context.Background(), func() SharedContext { return SharedContext{} }, intTarget(5, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 10 {
		t.Fatalf("got %v, want 10 (target wrapper should double the result)", result)
	}

	want := []string{"before", "around", "afterReturning", "after"}
	if len(order) != len(want) {
		t.Fatalf("got steps %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got steps %v, want %v", order, want)
		}
	}
}

func TestProcessFailurePathSkipsAfterReturning(t *testing.T) {
	var order []string
	targetErr := errors.New("boom")

	afterReturning := &AfterReturningAdvice{Fn: func(context.Context, *RestrictedView) error {
		order = append(order, "afterReturning")
		return nil
	}}
	afterThrowing := &AfterThrowingAdvice{Fn: func(_ context.Context, _ *RestrictedView, thrown error) error {
		order = append(order, "afterThrowing")
		if thrown != targetErr {
			t.Errorf("afterThrowing got %v, want %v", thrown, targetErr)
		}
		return nil
	}}
	after := &AfterAdvice{Fn: func(context.Context, *RestrictedView) error {
		order = append(order, "after")
		return nil
	}}

	proc, err := NewProcess[int](ProcessInput[int]{
		Aspects: []Aspect{{Name: "observer", AfterReturning: afterReturning, AfterThrowing: afterThrowing, After: after}},
	})
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	defer proc.Close() //nolint:errcheck

	_, err = proc.Invoke(context.Background(), func() SharedContext { return SharedContext{} }, intTarget(0, targetErr))
	if err == nil {
		t.Fatal("expected the default HandleError to re-raise the target error")
	}

	for _, step := range order {
		if step == "afterReturning" {
			t.Fatalf("afterReturning must not run after a target failure, steps: %v", order)
		}
	}
	if len(order) != 2 || order[0] != "afterThrowing" || order[1] != "after" {
		t.Fatalf("got steps %v, want [afterThrowing after]", order)
	}
}

func TestContinuePolicyDoesNotHaltTheChain(t *testing.T) {
	afterReturning := &AfterReturningAdvice{Fn: func(context.Context, *RestrictedView) error {
		return errors.New("observed but non-fatal")
	}}

	var continued []error
	proc, err := NewProcess[int](ProcessInput[int]{
		Aspects: []Aspect{{Name: "observer", AfterReturning: afterReturning}},
		ProcessOptions: &ProcessOptions[int]{
			HandleContinuedErrors: func(errs []error) { continued = errs },
		},
	})
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	defer proc.Close() //nolint:errcheck

	result, err := proc.Invoke(context.Background(), func() SharedContext { return SharedContext{} }, intTarget(7, nil))
	if err != nil {
		t.Fatalf("a continue-policy rejection must not halt the chain: %v", err)
	}
	if result != 7 {
		t.Fatalf("got %v, want 7", result)
	}
	if len(continued) != 1 {
		t.Fatalf("expected exactly one continued rejection, got %d", len(continued))
	}
}

func TestHaltPolicyOverridesTargetError(t *testing.T) {
	afterThrowing := &AfterThrowingAdvice{Fn: func(context.Context, *RestrictedView, error) error {
		return errors.New("promoted")
	}}

	haltOpts := DefaultBuildOptions()
	haltOpts.AfterThrowing.AfterThrow = Halt

	proc, err := NewProcess[int](ProcessInput[int]{
		Aspects:      []Aspect{{Name: "observer", AfterThrowing: afterThrowing}},
		BuildOptions: &haltOpts,
	})
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	defer proc.Close() //nolint:errcheck

	_, err = proc.Invoke(context.Background(), func() SharedContext { return SharedContext{} }, intTarget(0, errors.New("original")))
	if err == nil || err.Error() != "promoted" {
		t.Fatalf("got %v, want the afterThrowing rejection to override the target error", err)
	}
}
